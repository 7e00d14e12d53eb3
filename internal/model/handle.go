package model

import (
	"sync"
)

// State is the lifecycle state of a model handle.
type State int

// Model handle states.
const (
	StateUnloaded State = iota
	StateLoading
	StateReady
	StateFailed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Handle is a reference to one load attempt of a model.
// Ready and Failed are terminal; a new load builds a new Handle.
type Handle struct {
	mu       sync.RWMutex
	state    State
	message  string
	metadata *Metadata
	topology *Topology
	runner   Runner
	done     chan struct{}
}

func newHandle() *Handle {
	return &Handle{
		state: StateUnloaded,
		done:  make(chan struct{}),
	}
}

// State returns the current state.
func (h *Handle) State() State {
	if h == nil {
		return StateUnloaded
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Err returns the diagnostic message of a failed load, or "".
func (h *Handle) Err() string {
	if h == nil {
		return ""
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.message
}

// Done is closed once the handle reaches Ready or Failed.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Metadata returns the model metadata of a ready handle.
func (h *Handle) Metadata() *Metadata {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.metadata
}

// Labels returns the class labels in model order.
func (h *Handle) Labels() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.metadata == nil {
		return nil
	}
	return h.metadata.Labels
}

func validTransition(from, to State) bool {
	switch from {
	case StateUnloaded:
		return to == StateLoading
	case StateLoading:
		return to == StateReady || to == StateFailed
	default:
		return false
	}
}

func (h *Handle) begin() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !validTransition(h.state, StateLoading) {
		return false
	}
	h.state = StateLoading
	return true
}

func (h *Handle) resolve(topology *Topology, metadata *Metadata, runner Runner) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !validTransition(h.state, StateReady) {
		return false
	}
	h.state = StateReady
	h.topology = topology
	h.metadata = metadata
	h.runner = runner
	close(h.done)
	return true
}

func (h *Handle) fail(message string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !validTransition(h.state, StateFailed) {
		return false
	}
	h.state = StateFailed
	h.message = message
	close(h.done)
	return true
}

// release closes the runner of a superseded handle. Its state is unchanged;
// later classify calls on it come back empty.
func (h *Handle) release() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.runner == nil {
		return nil
	}
	err := h.runner.Close()
	h.runner = nil
	return err
}
