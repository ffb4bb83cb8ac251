package ensemble

import (
	"context"
	"sync"
)

// State represents a lifecycle state of a service or of the application.
type State string

const (
	// StateCreated is the initial state before Start has touched the unit.
	StateCreated State = "CREATED"
	// StateStarting means Init (or application startup) is in progress.
	StateStarting State = "STARTING"
	// StateReady means the unit started and passed its health check.
	StateReady State = "READY"
	// StateClosing means shutdown is in progress.
	StateClosing State = "CLOSING"
	// StateClosed is the terminal state after a clean shutdown.
	StateClosed State = "CLOSED"
	// StateFailed is the terminal state after an unrecoverable start
	// failure.
	StateFailed State = "FAILED"
)

// stateTracker holds exactly one live state and lets callers wait for a
// particular state to be reached. All transitions go through the
// orchestrator; services only ever read.
type stateTracker struct {
	mu      sync.Mutex
	current State
	waiters map[State]chan struct{}
}

func newStateTracker(initial State) *stateTracker {
	return &stateTracker{
		current: initial,
		waiters: make(map[State]chan struct{}),
	}
}

func (t *stateTracker) get() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

func (t *stateTracker) is(s State) bool {
	return t.get() == s
}

// set transitions to s and wakes every waiter for s.
func (t *stateTracker) set(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = s
	if ch, ok := t.waiters[s]; ok {
		close(ch)
		delete(t.waiters, s)
	}
}

// wait blocks until the tracker reaches s or ctx is done. Reaching s at any
// moment satisfies the wait; there is no memory of past states.
func (t *stateTracker) wait(ctx context.Context, s State) error {
	t.mu.Lock()
	if t.current == s {
		t.mu.Unlock()
		return nil
	}
	ch, ok := t.waiters[s]
	if !ok {
		ch = make(chan struct{})
		t.waiters[s] = ch
	}
	t.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
