// Package stack implements the core engine: the component owning the N
// Blades, the ConfigurationSet, and the single reactive control loop
// that serializes every external change (energy, target transmission,
// run trigger, blade parameters, stuck flags, lock) into one goroutine.
//
// The shape is one authoritative goroutine draining a channerics.Merge
// fan-in of concurrent producers. Every mutable field below is
// loop-exclusive, touched only from inside Run's goroutine; external
// callers interact only through the control surface's Write* methods
// and the small commit-request channel defined here.
//
// The commit procedure is modeled as an Idle -> Inserting -> Retracting
// -> Publishing -> Idle state machine in which issuing a blade's motion
// never blocks the loop itself. Each MotionHandle.Wait runs in its own
// goroutine and reports back as a motionSettled event fed into the same
// merged queue as every other reactive input, so energy/target updates,
// read-only queries, and a dropped stale run edge all keep flowing
// while real hardware is mid-motion.
package stack

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"

	channerics "github.com/niceyeti/channerics/channels"

	"github.com/slaclab/satt-engine/internal/blade"
	"github.com/slaclab/satt-engine/internal/configset"
	"github.com/slaclab/satt-engine/internal/controlsurface"
	"github.com/slaclab/satt-engine/internal/material"
	"github.com/slaclab/satt-engine/internal/satterr"
)

// commitRequest is how AllIn/AllOut/CommitPattern ask the loop to apply
// an explicit pattern, outside of the normal run-edge path.
type commitRequest struct {
	pattern configset.RowPattern
	result  chan error
}

// commitPhase is the position of an in-flight commit within the
// Inserting -> Retracting state machine; there is no explicit
// Idle/Publishing phase value because those are simply "s.active == nil"
// and "finishCommit has been called", respectively.
type commitPhase int

const (
	phaseInserting commitPhase = iota
	phaseRetracting
)

// motionSettled reports that one blade's motion command, issued as part
// of the named phase of the active commit, has reached a terminal
// MotionResult.
type motionSettled struct {
	index  int
	phase  commitPhase
	result blade.MotionResult
}

// activeCommit is the loop-exclusive bookkeeping for one in-flight
// commit: which blades are still being waited on for the current
// phase, and where to report the outcome once it finishes.
type activeCommit struct {
	ctx          context.Context
	toRetract    []int
	phase        commitPhase
	pending      map[int]bool
	insertFailed bool

	// reply is non-nil for a commit requested via AllIn/AllOut/
	// CommitPattern; nil for one triggered by a run rising edge, which
	// has no caller waiting synchronously on its outcome.
	reply chan error
}

type eventKind int

const (
	kindEnergy eventKind = iota
	kindTarget
	kindRun
	kindSetMode
	kindLock
	kindStuck
	kindMaterial
	kindThickness
	kindCommit
	kindMotion
)

// event is the tagged union delivered to the loop: a single typed
// message queue replaces per-variable subscription callbacks.
type event struct {
	kind      eventKind
	ev        float64
	tDes      float64
	run       bool
	setMode   controlsurface.SetMode
	locked    bool
	stuck     controlsurface.StuckEvent
	mat       controlsurface.MaterialEvent
	thickness controlsurface.ThicknessEvent
	commit    *commitRequest
	motion    motionSettled
}

// Stack is the core engine: blades, configuration enumeration, and the
// reactive loop tying them to the control surface.
type Stack struct {
	blades    []*blade.Blade
	configSet *configset.Set
	surface   *controlsurface.Surface
	materials map[string]*material.Material

	commandCh chan *commitRequest
	motionCh  chan motionSettled

	// Loop-exclusive state; read/written only from inside Run's goroutine.
	lastRun     bool
	lastBracket configset.Bracket
	active      *activeCommit

	// realizedPattern mirrors the currently-commanded pattern for
	// lock-free external reads (Config()), matching the atomic-publish
	// idiom used elsewhere (internal/atomicfloat) for state that must
	// be readable without joining the loop's exclusive access.
	realizedPattern atomic.Uint32
}

// New constructs a Stack. surface must already be sized for len(blades)
// blades (controlsurface.New(numBlades, ...)); materials is the loaded
// material library FILTER:NN:MATERIAL writes resolve against.
func New(blades []*blade.Blade, configSet *configset.Set, surface *controlsurface.Surface, materials map[string]*material.Material) *Stack {
	return &Stack{
		blades:    blades,
		configSet: configSet,
		surface:   surface,
		materials: materials,
		commandCh: make(chan *commitRequest, 4),
		motionCh:  make(chan motionSettled, 4*len(blades)+4),
	}
}

// Run owns the Stack until ctx is cancelled. It must be invoked exactly
// once, typically from the daemon's main goroutine.
func (s *Stack) Run(ctx context.Context) {
	done := ctx.Done()

	energyEvents := channerics.Convert(done, s.surface.EVChanges(), func(v float64) event {
		return event{kind: kindEnergy, ev: v}
	})
	targetEvents := channerics.Convert(done, s.surface.TDesChanges(), func(v float64) event {
		return event{kind: kindTarget, tDes: v}
	})
	runEvents := channerics.Convert(done, s.surface.RunChanges(), func(v bool) event {
		return event{kind: kindRun, run: v}
	})
	setModeEvents := channerics.Convert(done, s.surface.SetModeChanges(), func(v controlsurface.SetMode) event {
		return event{kind: kindSetMode, setMode: v}
	})
	lockEvents := channerics.Convert(done, s.surface.LockChanges(), func(v bool) event {
		return event{kind: kindLock, locked: v}
	})
	stuckEvents := channerics.Convert(done, s.surface.StuckChanges(), func(v controlsurface.StuckEvent) event {
		return event{kind: kindStuck, stuck: v}
	})
	materialEvents := channerics.Convert(done, s.surface.MaterialChanges(), func(v controlsurface.MaterialEvent) event {
		return event{kind: kindMaterial, mat: v}
	})
	thicknessEvents := channerics.Convert(done, s.surface.ThicknessChanges(), func(v controlsurface.ThicknessEvent) event {
		return event{kind: kindThickness, thickness: v}
	})
	commandEvents := channerics.Convert(done, (<-chan *commitRequest)(s.commandCh), func(req *commitRequest) event {
		return event{kind: kindCommit, commit: req}
	})
	motionEvents := channerics.Convert(done, (<-chan motionSettled)(s.motionCh), func(m motionSettled) event {
		return event{kind: kindMotion, motion: m}
	})

	merged := channerics.Merge(done,
		energyEvents, targetEvents, runEvents, setModeEvents, lockEvents,
		stuckEvents, materialEvents, thicknessEvents, commandEvents, motionEvents,
	)

	for {
		select {
		case <-done:
			return
		case ev, ok := <-merged:
			if !ok {
				return
			}
			s.handle(ctx, ev)
		}
	}
}

func (s *Stack) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case kindEnergy:
		s.handleEnergyChanged(ev.ev)
	case kindTarget:
		s.refreshBracket(s.surface.EV(), ev.tDes)
	case kindRun:
		s.handleRunEdge(ctx, ev.run)
	case kindSetMode:
		// Surface state is already current by the time this event is
		// delivered (writes land synchronously before notification);
		// nothing to recompute until the next commit or bracket refresh.
	case kindLock:
		// Reactive publishes of T_actual/T_3omega/T_low/T_high continue
		// regardless of lock state; only commit is gated.
	case kindStuck:
		s.handleStuckChanged(ev.stuck)
	case kindMaterial:
		s.handleMaterialChanged(ev.mat)
	case kindThickness:
		s.handleThicknessChanged(ev.thickness)
	case kindCommit:
		s.handleDirectCommit(ctx, ev.commit)
	case kindMotion:
		s.recordMotionSettled(ev.motion)
	}
}

// --- Convenience operations ---

// AllIn commands every blade inserted, bypassing bracket search.
func (s *Stack) AllIn(ctx context.Context) error {
	n := len(s.blades)
	pattern := configset.RowPattern((uint64(1) << uint(n)) - 1)
	return s.requestCommit(ctx, pattern)
}

// AllOut commands every blade retracted.
func (s *Stack) AllOut(ctx context.Context) error {
	return s.requestCommit(ctx, 0)
}

// CommitPattern commands an explicit, caller-chosen pattern rather than
// one derived from bracket search.
func (s *Stack) CommitPattern(ctx context.Context, pattern configset.RowPattern) error {
	return s.requestCommit(ctx, pattern)
}

// Config returns the currently realized pattern, safe to call
// concurrently with the running loop.
func (s *Stack) Config() configset.RowPattern {
	return configset.RowPattern(s.realizedPattern.Load())
}

func (s *Stack) requestCommit(ctx context.Context, pattern configset.RowPattern) error {
	req := &commitRequest{pattern: pattern, result: make(chan error, 1)}
	select {
	case s.commandCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleDirectCommit admits an explicit-pattern commit request into the
// state machine, or drops it immediately if one is already in flight:
// the direct-commit entry points share the run edge's stale-run rule.
func (s *Stack) handleDirectCommit(ctx context.Context, req *commitRequest) {
	if s.active != nil {
		req.result <- satterr.ErrStaleRun
		return
	}
	s.beginCommit(ctx, req.pattern, req.result)
}

// --- Reactive refresh ---

func (s *Stack) handleEnergyChanged(ev float64) {
	s.refreshRealized(ev)
	s.refreshBracket(ev, s.surface.TDes())
}

// refreshBracket recomputes the per-blade transmission vector, searches
// the configuration set, and publishes the bracket.
func (s *Stack) refreshBracket(ev, tDes float64) {
	t := s.allTransmissions(ev)
	bracket, err := s.configSet.Search(t, s.bladeStates(), tDes)
	if err != nil {
		log.Printf("stack: bracket search failed: %v", err)
		return
	}
	s.lastBracket = bracket
	s.surface.PublishBracket(bracket.Low.T, bracket.High.T, bracket.LowIsBoundary, bracket.HighIsBoundary)
}

func (s *Stack) handleStuckChanged(ev controlsurface.StuckEvent) {
	if ev.Index < 1 || ev.Index > len(s.blades) {
		return
	}
	b := s.blades[ev.Index-1]
	if ev.Stuck {
		b.SetStuck()
	} else {
		b.ClearStuck()
	}
	s.publishBladeStatuses()
	s.refreshBracket(s.surface.EV(), s.surface.TDes())
}

// handleMaterialChanged swaps one blade's material reference after an
// accepted FILTER:NN:MATERIAL write, then refreshes everything derived
// from the per-blade transmissions.
func (s *Stack) handleMaterialChanged(ev controlsurface.MaterialEvent) {
	if ev.Index < 1 || ev.Index > len(s.blades) {
		return
	}
	mat, ok := s.materials[ev.Key]
	if !ok {
		// The surface validates against the loaded library before
		// notifying, so a miss here means the two views disagree.
		log.Printf("stack: material %q not in library, blade %d unchanged", ev.Key, ev.Index)
		return
	}
	if err := s.blades[ev.Index-1].SetMaterial(mat); err != nil {
		log.Printf("stack: blade %d material: %v", ev.Index, err)
		return
	}
	s.refreshRealized(s.surface.EV())
	s.refreshBracket(s.surface.EV(), s.surface.TDes())
}

// handleThicknessChanged updates one blade's thickness after an accepted
// FILTER:NN:THICKNESS write.
func (s *Stack) handleThicknessChanged(ev controlsurface.ThicknessEvent) {
	if ev.Index < 1 || ev.Index > len(s.blades) {
		return
	}
	if err := s.blades[ev.Index-1].SetThickness(ev.D); err != nil {
		log.Printf("stack: blade %d thickness: %v", ev.Index, err)
		return
	}
	s.refreshRealized(s.surface.EV())
	s.refreshBracket(s.surface.EV(), s.surface.TDes())
}

// handleRunEdge dispatches the run-rising-edge commit trigger. If a
// commit is already in flight the edge is the dropped, logged stale-run
// case: beginCommit is never called a second time while s.active != nil.
func (s *Stack) handleRunEdge(ctx context.Context, run bool) {
	edge := run && !s.lastRun
	s.lastRun = run
	if !edge {
		return
	}
	if s.active != nil {
		log.Println("stack: run rising edge dropped, commit already in progress")
		return
	}
	if s.surface.IsLocked() {
		log.Println("stack: run rising edge ignored, system locked")
		s.clearRun()
		return
	}

	// The bracket is recomputed at the instant of the commit so the
	// selection reflects the current (E, T_des), not the last refresh.
	s.refreshBracket(s.surface.EV(), s.surface.TDes())

	pattern := s.lastBracket.Low.Row
	boundary := s.lastBracket.LowIsBoundary
	if s.surface.CurrentSetMode() == controlsurface.High {
		pattern = s.lastBracket.High.Row
		boundary = s.lastBracket.HighIsBoundary
	}
	if boundary {
		// Proceed with the attainable extremum; the boundary flag is
		// already published alongside the bracket.
		log.Printf("stack: %v, committing the clamped best", satterr.ErrInfeasibleTarget)
	}
	s.beginCommit(ctx, pattern, nil)
}

// --- Commit state machine ---

// beginCommit starts realizing target: it publishes running=true,
// computes the insert/retract sets, and issues every insert command
// without waiting for any of them; settlement arrives later as
// kindMotion events the loop keeps draining other traffic around.
// reply, if non-nil, receives the eventual outcome.
func (s *Stack) beginCommit(ctx context.Context, target configset.RowPattern, reply chan error) {
	if s.surface.IsLocked() {
		s.clearRun()
		if reply != nil {
			reply <- satterr.ErrLocked
		}
		return
	}

	toInsert, toRetract := s.partition(target)

	s.surface.PublishRunning(true)

	active := &activeCommit{
		ctx:       ctx,
		toRetract: toRetract,
		phase:     phaseInserting,
		pending:   make(map[int]bool, len(toInsert)),
		reply:     reply,
	}
	// The full pending set must exist before any issueMotion call can
	// possibly settle synchronously (a Locked/Stuck blade resolves
	// immediately, with no goroutine round trip), otherwise an early
	// synchronous settlement could see a not-yet-fully-populated
	// pending set and conclude the phase is complete too soon.
	for _, i := range toInsert {
		active.pending[i] = true
	}
	s.active = active

	if len(toInsert) == 0 {
		s.beginRetractPhase()
		return
	}
	for _, i := range toInsert {
		s.issueMotion(ctx, i, true, phaseInserting)
	}
}

// beginRetractPhase issues every retract command of the active commit.
// It is only reached once every insert has settled Reached, so the
// total absorption never dips below its pre-commit level mid-motion.
func (s *Stack) beginRetractPhase() {
	active := s.active
	active.phase = phaseRetracting
	pending := make(map[int]bool, len(active.toRetract))
	for _, i := range active.toRetract {
		pending[i] = true
	}
	active.pending = pending

	if len(active.toRetract) == 0 {
		s.finishCommit(nil)
		return
	}
	for _, i := range active.toRetract {
		s.issueMotion(active.ctx, i, false, phaseRetracting)
	}
}

// issueMotion issues one blade's command. A command that fails fast
// (Locked or Stuck) is resolved inline as a settled Failed result,
// without a goroutine or a motionCh round trip: sending on motionCh
// from the loop's own goroutine while that same goroutine is the only
// reader would deadlock if the buffer were ever full.
func (s *Stack) issueMotion(ctx context.Context, index int, insert bool, phase commitPhase) {
	var h *blade.MotionHandle
	var err error
	if insert {
		h, err = s.blades[index].Insert(ctx)
	} else {
		h, err = s.blades[index].Retract(ctx)
	}
	if err != nil {
		s.recordMotionSettled(motionSettled{index: index, phase: phase, result: blade.Failed})
		return
	}
	go func(h *blade.MotionHandle) {
		s.motionCh <- motionSettled{index: index, phase: phase, result: h.Wait(ctx)}
	}(h)
}

// recordMotionSettled applies one blade's terminal motion result to the
// active commit's bookkeeping and advances the Inserting -> Retracting
// -> Publishing state machine once its current phase's pending set
// drains. Events from a phase other than the active commit's current
// one, or with no active commit at all, are stale (e.g. a settlement
// whose commit already aborted) and ignored.
func (s *Stack) recordMotionSettled(ev motionSettled) {
	active := s.active
	if active == nil || active.phase != ev.phase {
		return
	}
	if _, ok := active.pending[ev.index]; !ok {
		return
	}
	delete(active.pending, ev.index)

	switch ev.phase {
	case phaseInserting:
		if ev.result != blade.Reached {
			active.insertFailed = true
		}
		if len(active.pending) == 0 {
			if active.insertFailed {
				s.finishCommit(fmt.Errorf("commit: %w", satterr.ErrPartialInsert))
				return
			}
			s.beginRetractPhase()
		}
	case phaseRetracting:
		if len(active.pending) == 0 {
			s.finishCommit(nil)
		}
	}
}

// finishCommit is the Publishing -> Idle transition: republish realized
// state, clear running, best-effort clear the run signal, and report
// the outcome to whichever caller is waiting (if any).
func (s *Stack) finishCommit(err error) {
	active := s.active
	s.active = nil

	s.refreshRealized(s.surface.EV())
	s.surface.PublishRunning(false)
	s.clearRun()

	if active.reply != nil {
		active.reply <- err
	} else if err != nil {
		log.Printf("stack: commit failed: %v", err)
	}
}

// clearRun clears the run signal best-effort: up to 3 attempts, the
// final failure logged rather than propagated. PublishRun on this
// in-memory control surface cannot itself fail, but the retry shape is
// kept so a real transport slots in without changing the commit
// procedure.
func (s *Stack) clearRun() {
	const maxAttempts = 3
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := s.tryClearRun(); err != nil {
			lastErr = err
			continue
		}
		s.lastRun = false
		return
	}
	log.Printf("stack: failed to clear run after %d attempts: %v", maxAttempts, lastErr)
}

func (s *Stack) tryClearRun() error {
	s.surface.PublishRun(false)
	return nil
}

func (s *Stack) partition(target configset.RowPattern) (toInsert, toRetract []int) {
	for i, b := range s.blades {
		wantInsert := target.Inserts(i)
		switch {
		case wantInsert && b.Status() != blade.Inserted && b.Status() != blade.Stuck:
			toInsert = append(toInsert, i)
		case !wantInsert && b.Status() != blade.Retracted && b.Status() != blade.Stuck:
			toRetract = append(toRetract, i)
		}
	}
	return
}

// --- Shared helpers ---

func (s *Stack) allTransmissions(ev float64) []float64 {
	t := make([]float64, len(s.blades))
	for i, b := range s.blades {
		t[i] = b.Transmission(ev)
	}
	return t
}

func (s *Stack) bladeStates() []configset.BladeState {
	states := make([]configset.BladeState, len(s.blades))
	for i, b := range s.blades {
		states[i] = b
	}
	return states
}

func (s *Stack) currentPattern() configset.RowPattern {
	var p configset.RowPattern
	for i, b := range s.blades {
		if b.Status() == blade.Inserted {
			p |= 1 << uint(i)
		}
	}
	return p
}

// refreshRealized recomputes and publishes T_actual for the currently
// realized pattern, and T_3omega for the same pattern at three times
// the live photon energy (table clamping applies past the grid's end),
// then republishes every blade's observable status.
func (s *Stack) refreshRealized(ev float64) {
	pattern := s.currentPattern()
	s.realizedPattern.Store(uint32(pattern))

	t := s.allTransmissions(ev)
	tActual := pattern.Transmission(t)

	t3 := s.allTransmissions(3 * ev)
	t3Omega := pattern.Transmission(t3)

	s.surface.PublishTActual(tActual)
	s.surface.PublishT3Omega(t3Omega)
	s.publishBladeStatuses()
}

func (s *Stack) publishBladeStatuses() {
	for i, b := range s.blades {
		s.surface.PublishBladeStatus(i+1, b.Status().String(), b.Status() == blade.Stuck)
	}
}
