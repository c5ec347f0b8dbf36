// Package monitor is a local HTTP/websocket observability surface for
// the Stack: a status endpoint, a push channel for live updates, and
// Prometheus metrics. This is NOT the production control-system
// transport (a real named-variable protocol external clients depend
// on); monitor exists so an operator or a local dashboard can watch
// and, in demo/test deployments, drive the engine without that
// transport.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/slaclab/satt-engine/internal/controlsurface"
	"github.com/slaclab/satt-engine/internal/stack"
)

const (
	writeWait        = 1 * time.Second
	closeGracePeriod = 2 * time.Second
	pushResolution   = 50 * time.Millisecond
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server serves the monitor surface over HTTP.
type Server struct {
	addr    string
	surface *controlsurface.Surface
	st      *stack.Stack
	router  *mux.Router

	gauges gaugeSet
}

type gaugeSet struct {
	tActual prometheus.Gauge
	tLow    prometheus.Gauge
	tHigh   prometheus.Gauge
	t3Omega prometheus.Gauge
	tDes    prometheus.Gauge
	running prometheus.Gauge
	locked  prometheus.Gauge
}

// NewServer constructs a monitor Server bound to addr, observing
// surface and dispatching convenience operations to st. Each Server
// registers its gauges on a registry of its own, served at /metrics.
func NewServer(addr string, surface *controlsurface.Surface, st *stack.Stack) *Server {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	s := &Server{
		addr:    addr,
		surface: surface,
		st:      st,
		gauges: gaugeSet{
			tActual: factory.NewGauge(prometheus.GaugeOpts{Namespace: "satt", Name: "t_actual", Help: "Realized transmission of the current configuration."}),
			tLow:    factory.NewGauge(prometheus.GaugeOpts{Namespace: "satt", Name: "t_low", Help: "Best attainable transmission at or below T_des."}),
			tHigh:   factory.NewGauge(prometheus.GaugeOpts{Namespace: "satt", Name: "t_high", Help: "Best attainable transmission at or above T_des."}),
			t3Omega: factory.NewGauge(prometheus.GaugeOpts{Namespace: "satt", Name: "t_3omega", Help: "Third-harmonic transmission of the current configuration."}),
			tDes:    factory.NewGauge(prometheus.GaugeOpts{Namespace: "satt", Name: "t_desired", Help: "Requested transmission."}),
			running: factory.NewGauge(prometheus.GaugeOpts{Namespace: "satt", Name: "running", Help: "1 while a commit is in progress."}),
			locked:  factory.NewGauge(prometheus.GaugeOpts{Namespace: "satt", Name: "locked", Help: "1 while the system motion lock is engaged."}),
		},
	}

	r := mux.NewRouter()
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebsocket).Methods(http.MethodGet)
	r.HandleFunc("/sys/{name}", s.handleSysWrite).Methods(http.MethodPost)
	r.HandleFunc("/filter/{nn}/{name}", s.handleFilterWrite).Methods(http.MethodPost)
	r.HandleFunc("/op/{name}", s.handleOp).Methods(http.MethodPost)
	s.router = r

	return s
}

// Serve blocks, serving HTTP until the listener fails.
func (s *Server) Serve() error {
	go s.pumpMetrics()
	if err := http.ListenAndServe(s.addr, s.router); err != nil {
		return fmt.Errorf("monitor: serve: %w", err)
	}
	return nil
}

// pumpMetrics keeps the Prometheus gauges current by subscribing to the
// surface's update stream, rather than polling on every /metrics scrape.
func (s *Server) pumpMetrics() {
	id, updates := s.surface.Subscribe()
	defer s.surface.Unsubscribe(id)
	for range updates {
		snap := s.surface.Snapshot()
		s.gauges.tActual.Set(snap.TActual)
		s.gauges.tLow.Set(snap.TLow)
		s.gauges.tHigh.Set(snap.THigh)
		s.gauges.t3Omega.Set(snap.T3Omega)
		s.gauges.tDes.Set(snap.TDes)
		s.gauges.running.Set(boolToFloat(snap.Running))
		s.gauges.locked.Set(boolToFloat(snap.Locked))
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.surface.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// handleWebsocket pushes batched controlsurface.VariableUpdate slices
// to the client as they occur, rate-limited to pushResolution.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		log.Println("monitor: upgrade:", err)
		return
	}
	defer closeWebsocket(ws)

	id, updates := s.surface.Subscribe()
	defer s.surface.Unsubscribe(id)

	last := time.Now()
	for batch := range updates {
		if time.Since(last) < pushResolution {
			continue
		}
		last = time.Now()
		if err := ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			log.Println("monitor: write deadline:", err)
			return
		}
		if err := ws.WriteJSON(batch); err != nil {
			log.Println("monitor: write:", err)
			return
		}
	}
}

func closeWebsocket(ws *websocket.Conn) {
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	time.Sleep(closeGracePeriod)
	ws.Close()
}

// handleSysWrite dispatches a POST /sys/{name} write to the named
// SYS:* control-surface variable. The new value is read from the
// "value" form/query field. LOCKED itself is not writable here: it is
// read-only to clients, and UNLOCK is the sole R/W control over it, so
// only UNLOCK=true (clearing the lock) is exposed.
func (s *Server) handleSysWrite(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	value := r.FormValue("value")

	var err error
	switch name {
	case "RUN":
		var v bool
		v, err = strconv.ParseBool(value)
		if err == nil {
			s.surface.WriteRun(v)
		}
	case "T_DESIRED":
		var v float64
		v, err = strconv.ParseFloat(value, 64)
		if err == nil {
			err = s.surface.WriteTDes(v)
		}
	case "SET_MODE":
		mode := controlsurface.Low
		if value == "High" {
			mode = controlsurface.High
		} else if value != "Low" {
			err = fmt.Errorf("invalid set_mode %q", value)
		}
		if err == nil {
			s.surface.WriteSetMode(mode)
		}
	case "UNLOCK":
		var v bool
		v, err = strconv.ParseBool(value)
		if err == nil {
			s.surface.WriteUnlock(v)
		}
	case "MIRROR_IN":
		var v bool
		v, err = strconv.ParseBool(value)
		if err == nil {
			s.surface.WriteMirrorIn(v)
		}
	case "EV":
		var v float64
		v, err = strconv.ParseFloat(value, 64)
		if err == nil {
			s.surface.WriteEV(v)
		}
	default:
		http.Error(w, "unknown variable "+name, http.StatusNotFound)
		return
	}

	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleFilterWrite dispatches a POST /filter/{nn}/{name} write to one
// blade's FILTER:NN:* variable.
func (s *Server) handleFilterWrite(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	idx, convErr := strconv.Atoi(vars["nn"])
	if convErr != nil {
		http.Error(w, "invalid blade index", http.StatusBadRequest)
		return
	}
	value := r.FormValue("value")

	var err error
	switch vars["name"] {
	case "MATERIAL":
		err = s.surface.WriteMaterial(idx, value)
	case "THICKNESS":
		var d float64
		d, err = strconv.ParseFloat(value, 64)
		if err == nil {
			err = s.surface.WriteThickness(idx, d)
		}
	case "IS_STUCK":
		var v bool
		v, err = strconv.ParseBool(value)
		if err == nil {
			s.surface.WriteStuck(idx, v)
		}
	default:
		http.Error(w, "unknown variable "+vars["name"], http.StatusNotFound)
		return
	}

	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleOp dispatches POST /op/{allin,allout}, a convenience surface
// over Stack.AllIn/AllOut for diagnostics and scripted tests.
func (s *Server) handleOp(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	var err error
	switch mux.Vars(r)["name"] {
	case "allin":
		err = s.st.AllIn(ctx)
	case "allout":
		err = s.st.AllOut(ctx)
	default:
		http.Error(w, "unknown op", http.StatusNotFound)
		return
	}

	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
