// Command attnd is the solid-attenuator control engine daemon: it loads
// a process configuration, the material absorption library, and the
// configuration enumeration, wires a Stack to a control surface, and
// serves the monitor surface until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/slaclab/satt-engine/internal/blade"
	"github.com/slaclab/satt-engine/internal/config"
	"github.com/slaclab/satt-engine/internal/configset"
	"github.com/slaclab/satt-engine/internal/controlsurface"
	"github.com/slaclab/satt-engine/internal/material"
	"github.com/slaclab/satt-engine/internal/monitor"
	"github.com/slaclab/satt-engine/internal/process"
	"github.com/slaclab/satt-engine/internal/stack"
)

// TODO: per 12-factor rules these should be taken from env/config-map; KISS for now.
var (
	cfgPath *string
	addr    *string
	dbg     *bool
)

func init() {
	cfgPath = flag.String("config", "./process.yaml", "path to the process configuration file")
	addr = flag.String("addr", "", "monitor listen address, overriding the config file's monitor_addr")
	dbg = flag.Bool("debug", false, "enable verbose startup logging")
	flag.Parse()
}

func runApp(ctx context.Context) error {
	proc, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	if *dbg {
		log.Printf("attnd: loaded process %q with %d blades", proc.Prefix, len(proc.Blades))
	}

	monitorAddr := proc.MonitorAddr
	if *addr != "" {
		monitorAddr = *addr
	}

	materials, err := material.LoadLibrary(proc.MaterialsFile)
	if err != nil {
		return fmt.Errorf("attnd: materials: %w", err)
	}

	configSet, err := configset.LoadSet(proc.ConfigurationFile)
	if err != nil {
		return fmt.Errorf("attnd: configuration set: %w", err)
	}
	if configSet.N != len(proc.Blades) {
		return fmt.Errorf("attnd: configuration set covers %d blades, process declares %d", configSet.N, len(proc.Blades))
	}

	surface := controlsurface.New(len(proc.Blades), func(key string) bool {
		_, ok := materials[key]
		return ok
	})

	model := process.NewModel(time.Duration(proc.MotionLatencyMS) * time.Millisecond)

	blades := make([]*blade.Blade, len(proc.Blades))
	for i, bc := range proc.Blades {
		mat, ok := materials[bc.Material]
		if !ok {
			return fmt.Errorf("attnd: blade %d: unknown material %q", i, bc.Material)
		}
		b, err := blade.New(i+1, mat, bc.Thickness, model, surface.IsLocked)
		if err != nil {
			return fmt.Errorf("attnd: blade %d: %w", i+1, err)
		}
		blades[i] = b
		surface.SeedBlade(i+1, bc.Material, bc.Thickness)
	}

	st := stack.New(blades, configSet, surface, materials)
	go st.Run(ctx)

	srv := monitor.NewServer(monitorAddr, surface, st)
	log.Printf("attnd: %s serving on %s", proc.Prefix, monitorAddr)
	return srv.Serve()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := runApp(ctx); err != nil {
		log.Fatal(err)
	}
}
