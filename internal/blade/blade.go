// Package blade implements one physical absorber plate: its material
// reference, thickness, live status, and the command/status contract it
// drives against an Actuator (a real driver or, in tests, process.Model).
package blade

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/slaclab/satt-engine/internal/material"
	"github.com/slaclab/satt-engine/internal/satterr"
)

// Status is a blade's live actuation state.
type Status int

const (
	Unknown Status = iota
	Inserted
	Retracted
	InMotion
	Stuck
)

func (s Status) String() string {
	switch s {
	case Unknown:
		return "Unknown"
	case Inserted:
		return "Inserted"
	case Retracted:
		return "Retracted"
	case InMotion:
		return "InMotion"
	case Stuck:
		return "Stuck"
	default:
		return "Invalid"
	}
}

// MotionResult is the terminal outcome of a motion command.
type MotionResult int

const (
	Reached MotionResult = iota
	TimedOut
	Failed
)

func (r MotionResult) String() string {
	switch r {
	case Reached:
		return "Reached"
	case TimedOut:
		return "Timeout"
	case Failed:
		return "Failed"
	default:
		return "Invalid"
	}
}

// command distinguishes which motion a handle/result belongs to, so a
// Blade can apply the right status transition once it settles.
type command int

const (
	commandInsert command = iota
	commandRetract
)

// Actuator is the narrow contract between a Blade and whatever moves it.
// process.Model implements this for tests and for the daemon's demo mode;
// a real hardware driver slots in behind the same two calls.
type Actuator interface {
	Insert(ctx context.Context, index int) <-chan MotionResult
	Retract(ctx context.Context, index int) <-chan MotionResult
}

// MotionHandle is returned by Insert/Retract. Wait blocks for the
// actuator to reach a terminal state, bounded by ctx.
type MotionHandle struct {
	blade   *Blade
	cmd     command
	result  <-chan MotionResult
	applied bool
}

// Wait blocks until the actuator reports a terminal MotionResult or ctx
// is done (treated as TimedOut), then applies the corresponding status
// transition to the owning Blade exactly once.
func (h *MotionHandle) Wait(ctx context.Context) MotionResult {
	var result MotionResult
	select {
	case r, ok := <-h.result:
		if ok {
			result = r
		} else {
			result = Failed
		}
	case <-ctx.Done():
		result = TimedOut
	}
	if !h.applied {
		h.blade.applyMotionResult(h.cmd, result)
		h.applied = true
	}
	return result
}

// Blade is one physical absorber plate. Status and the material/geometry
// fields are guarded by mu: Wait applies transitions from whichever
// goroutine awaits the actuator, while the owning control loop reads
// Status concurrently.
type Blade struct {
	Index int

	mu        sync.Mutex
	mat       *material.Material
	thickness float64 // d, same length units as the material's mu
	status    Status
	lastKnown Status // most recent Inserted/Retracted, preserved across a Stuck transition

	actuator Actuator
	locked   func() bool
}

// New constructs a Blade. locked reports whether the system-wide lock is
// currently engaged; it is supplied by the owning Stack so Insert/Retract
// can fail fast without a back-reference to the Stack itself.
func New(index int, mat *material.Material, thickness float64, actuator Actuator, locked func() bool) (*Blade, error) {
	if thickness <= 0 {
		return nil, fmt.Errorf("blade %d: %w", index, satterr.ErrInvalidThickness)
	}
	return &Blade{
		Index:     index,
		mat:       mat,
		thickness: thickness,
		actuator:  actuator,
		locked:    locked,
		status:    Unknown,
	}, nil
}

// Transmission returns exp(-mu(E)*d) for this blade at photon energy E.
// This is a pure material/geometry property: whether the blade is stuck
// does not change what it physically transmits were it in the beam.
// Stuck only constrains which configuration rows are commandable at all
// (see configset.RowPattern's feasibility mask).
func (b *Blade) Transmission(e float64) float64 {
	b.mu.Lock()
	mat, d := b.mat, b.thickness
	b.mu.Unlock()
	_, mu := mat.Table.Lookup(e)
	return math.Exp(-mu * d)
}

// Status returns the blade's current actuation status.
func (b *Blade) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Material returns the blade's current material reference.
func (b *Blade) Material() *material.Material {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mat
}

// Thickness returns the blade's current thickness.
func (b *Blade) Thickness() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.thickness
}

// SetMaterial reassigns the blade's material reference, e.g. after a
// FILTER:NN:MATERIAL write. Validation that the key names a loaded
// material belongs to the caller (the control surface), which holds the
// material library; Blade only enforces that a non-nil table is supplied.
func (b *Blade) SetMaterial(mat *material.Material) error {
	if mat == nil || mat.Table == nil {
		return fmt.Errorf("blade %d: %w", b.Index, satterr.ErrInvalidMaterial)
	}
	b.mu.Lock()
	b.mat = mat
	b.mu.Unlock()
	return nil
}

// SetThickness reassigns the blade's thickness, e.g. after a
// FILTER:NN:THICKNESS write. Zero is rejected along with negatives: a
// zero-thickness absorber is physically meaningless.
func (b *Blade) SetThickness(d float64) error {
	if d <= 0 {
		return fmt.Errorf("blade %d: %w", b.Index, satterr.ErrInvalidThickness)
	}
	b.mu.Lock()
	b.thickness = d
	b.mu.Unlock()
	return nil
}

// IsStuckInserted reports whether the blade is Stuck at a last-known
// Inserted position; feasibility masking treats a stuck blade at its
// last-known position.
func (b *Blade) IsStuckInserted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status == Stuck && b.lastKnown == Inserted
}

// IsStuckRetracted reports whether the blade is Stuck at a last-known
// Retracted position.
func (b *Blade) IsStuckRetracted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status == Stuck && b.lastKnown == Retracted
}

// Insert issues an insert command. Fails fast with satterr.ErrLocked or
// satterr.ErrStuck without contacting the actuator. Already-Inserted is
// idempotent: it returns a handle that resolves to Reached immediately.
func (b *Blade) Insert(ctx context.Context) (*MotionHandle, error) {
	return b.command(ctx, commandInsert)
}

// Retract issues a retract command, symmetric to Insert.
func (b *Blade) Retract(ctx context.Context) (*MotionHandle, error) {
	return b.command(ctx, commandRetract)
}

func (b *Blade) command(ctx context.Context, cmd command) (*MotionHandle, error) {
	if b.locked != nil && b.locked() {
		return nil, fmt.Errorf("blade %d: %w", b.Index, satterr.ErrLocked)
	}

	b.mu.Lock()
	if b.status == Stuck {
		b.mu.Unlock()
		return nil, fmt.Errorf("blade %d: %w", b.Index, satterr.ErrStuck)
	}

	target := Inserted
	if cmd == commandRetract {
		target = Retracted
	}
	if b.status == target {
		b.mu.Unlock()
		done := make(chan MotionResult, 1)
		done <- Reached
		close(done)
		return &MotionHandle{blade: b, cmd: cmd, result: done}, nil
	}

	b.status = InMotion
	b.mu.Unlock()

	var resultCh <-chan MotionResult
	if cmd == commandInsert {
		resultCh = b.actuator.Insert(ctx, b.Index)
	} else {
		resultCh = b.actuator.Retract(ctx, b.Index)
	}
	return &MotionHandle{blade: b, cmd: cmd, result: resultCh}, nil
}

// applyMotionResult performs the terminal status transition: Reached
// moves to the command's target state, Timeout to Unknown, Failed to
// Stuck. Symmetric for insert and retract.
func (b *Blade) applyMotionResult(cmd command, result MotionResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch result {
	case Reached:
		if cmd == commandInsert {
			b.status = Inserted
		} else {
			b.status = Retracted
		}
		b.lastKnown = b.status
	case TimedOut:
		b.status = Unknown
	case Failed:
		b.status = Stuck
	}
}

// SetStuck flags the blade as stuck from any non-InMotion state. Only an
// operator action (ClearStuck) can revoke it; a successful motion never
// implicitly clears it.
func (b *Blade) SetStuck() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != InMotion {
		if b.status == Inserted || b.status == Retracted {
			b.lastKnown = b.status
		}
		b.status = Stuck
	}
}

// ClearStuck is the operator-only recovery from Stuck, returning the
// blade to Unknown so its true position can be re-established.
func (b *Blade) ClearStuck() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status == Stuck {
		b.status = Unknown
	}
}
