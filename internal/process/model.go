// Package process implements an in-memory blade.Actuator: a stand-in
// for real hardware used by tests and by the daemon's demo mode.
package process

import (
	"context"
	"sync"
	"time"

	"github.com/slaclab/satt-engine/internal/blade"
)

// Model is a simple simulated actuator: every command completes after a
// configurable latency, unless the caller has injected a failure for
// that blade index (cleared after it fires once) or ctx expires first,
// which the caller observes as a timeout via MotionHandle.Wait.
type Model struct {
	mu      sync.Mutex
	latency time.Duration
	failing map[int]bool
}

// NewModel returns a Model whose commands settle after latency.
func NewModel(latency time.Duration) *Model {
	return &Model{
		latency: latency,
		failing: make(map[int]bool),
	}
}

// InjectFailure arranges for the next command issued against index to
// resolve as Failed rather than Reached. One-shot: cleared once consumed.
func (m *Model) InjectFailure(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing[index] = true
}

func (m *Model) consumeFailure(index int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing[index] {
		delete(m.failing, index)
		return true
	}
	return false
}

// Insert implements blade.Actuator.
func (m *Model) Insert(ctx context.Context, index int) <-chan blade.MotionResult {
	return m.move(ctx, index)
}

// Retract implements blade.Actuator.
func (m *Model) Retract(ctx context.Context, index int) <-chan blade.MotionResult {
	return m.move(ctx, index)
}

func (m *Model) move(ctx context.Context, index int) <-chan blade.MotionResult {
	out := make(chan blade.MotionResult, 1)
	go func() {
		defer close(out)

		select {
		case <-time.After(m.latency):
		case <-ctx.Done():
			out <- blade.TimedOut
			return
		}

		if m.consumeFailure(index) {
			out <- blade.Failed
			return
		}
		out <- blade.Reached
	}()
	return out
}
