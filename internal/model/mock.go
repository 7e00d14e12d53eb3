package model

import (
	"context"
	"sync"
)

// MockRunner is a test Runner that returns preset probabilities.
type MockRunner struct {
	mu     sync.Mutex
	probs  []float32
	err    error
	block  chan struct{}
	calls  int
	closed bool
}

// NewMockRunner creates a MockRunner returning probs.
func NewMockRunner(probs ...float32) *MockRunner {
	return &MockRunner{probs: probs}
}

// SetProbabilities sets the probabilities returned by Run.
func (m *MockRunner) SetProbabilities(probs ...float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probs = probs
}

// SetError sets the error returned by Run.
func (m *MockRunner) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Block makes Run wait until the returned function is called.
func (m *MockRunner) Block() (release func()) {
	ch := make(chan struct{})
	m.mu.Lock()
	m.block = ch
	m.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// Run returns the preset probabilities or error.
func (m *MockRunner) Run(ctx context.Context, input []float32) ([]float32, error) {
	m.mu.Lock()
	m.calls++
	block := m.block
	m.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}
	out := make([]float32, len(m.probs))
	copy(out, m.probs)
	return out, nil
}

// Calls returns how many times Run was called.
func (m *MockRunner) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Closed reports whether Close was called.
func (m *MockRunner) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Close marks the runner closed.
func (m *MockRunner) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// MockFactory returns a RunnerFactory that always hands out r.
func MockFactory(r Runner) RunnerFactory {
	return func(ctx context.Context, spec Spec) (Runner, error) {
		return r, nil
	}
}
