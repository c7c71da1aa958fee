// Package mock provides a scripted execution runtime for testing.
package mock

import (
	"context"
	"sync"

	"github.com/GoCodeAlone/foreman/runtime"
)

// MockRuntime implements runtime.Runtime for testing. It records every
// dispatch and can be primed to fail.
type MockRuntime struct {
	mu       sync.Mutex
	requests []runtime.DispatchRequest
	err      error
}

// New creates a MockRuntime that accepts all dispatches.
func New() *MockRuntime { return &MockRuntime{} }

// FailWith makes subsequent dispatches return err.
func (m *MockRuntime) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Dispatch records the request and returns the primed error, if any.
func (m *MockRuntime) Dispatch(_ context.Context, req runtime.DispatchRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.requests = append(m.requests, req)
	return nil
}

// Requests returns a copy of all recorded dispatches.
func (m *MockRuntime) Requests() []runtime.DispatchRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]runtime.DispatchRequest, len(m.requests))
	copy(out, m.requests)
	return out
}
