package mock

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rohandixit/quillforge/pkg/models"
)

// MockCapability satisfies models.Capability for testing.
type MockCapability struct {
	Name_      string
	InvokeFunc func(ctx context.Context, phase string, inputs map[string]json.RawMessage) (json.RawMessage, error)
}

func (m *MockCapability) Name() string { return m.Name_ }

func (m *MockCapability) Invoke(ctx context.Context, phase string, inputs map[string]json.RawMessage) (json.RawMessage, error) {
	if m.InvokeFunc != nil {
		return m.InvokeFunc(ctx, phase, inputs)
	}
	return json.RawMessage(`{}`), nil
}

// NewMockCapability returns a MockCapability that records a trivial result
// for every phase.
func NewMockCapability() *MockCapability {
	return &MockCapability{
		Name_: "mock",
		InvokeFunc: func(_ context.Context, phase string, _ map[string]json.RawMessage) (json.RawMessage, error) {
			out, _ := json.Marshal(map[string]string{"phase": phase, "result": "ok"})
			return out, nil
		},
	}
}

// NewFailingCapability returns a MockCapability that always fails with a
// permanent error for the given phase semantics.
func NewFailingCapability(err error) *MockCapability {
	return &MockCapability{
		Name_: "mock-failing",
		InvokeFunc: func(_ context.Context, phase string, _ map[string]json.RawMessage) (json.RawMessage, error) {
			return nil, &models.CapabilityError{Phase: phase, Err: err}
		},
	}
}

// NewTransientCapability returns a MockCapability that fails transiently
// the first n calls per phase, then succeeds.
func NewTransientCapability(n int, err error) *MockCapability {
	var mu sync.Mutex
	calls := make(map[string]int)
	return &MockCapability{
		Name_: "mock-transient",
		InvokeFunc: func(_ context.Context, phase string, _ map[string]json.RawMessage) (json.RawMessage, error) {
			mu.Lock()
			calls[phase]++
			attempt := calls[phase]
			mu.Unlock()
			if attempt <= n {
				return nil, &models.CapabilityError{Phase: phase, Transient: true, Err: err}
			}
			out, _ := json.Marshal(map[string]string{"phase": phase, "result": "ok"})
			return out, nil
		},
	}
}

// NewBlockingCapability returns a MockCapability that blocks until the
// context is cancelled.
func NewBlockingCapability() *MockCapability {
	return &MockCapability{
		Name_: "mock-blocking",
		InvokeFunc: func(ctx context.Context, phase string, _ map[string]json.RawMessage) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, &models.CapabilityError{Phase: phase, Transient: true, Err: ctx.Err()}
		},
	}
}

// Compile-time check that MockCapability implements Capability.
var _ models.Capability = (*MockCapability)(nil)
