// Package models contains shared data models used across the QuillForge codebase.
package models

import (
	"context"
	"encoding/json"
	"fmt"
)

// Capability is the external content-generation surface each pipeline phase
// calls. Concrete AI providers live outside this service; never call one
// directly — always inject this interface.
type Capability interface {
	// Invoke runs the named phase against the given inputs. Inputs contain
	// only the outputs of the phase's declared dependencies plus the job
	// parameter bag under the "params" key.
	Invoke(ctx context.Context, phase string, inputs map[string]json.RawMessage) (json.RawMessage, error)
	// Name returns the provider identifier (e.g., "stub").
	Name() string
}

// CapabilityError is a failure from an external capability call. Transient
// errors are retried by the stage runner up to its bounded retry budget;
// permanent ones fail the phase immediately.
type CapabilityError struct {
	Phase     string
	Transient bool
	Err       error
}

func (e *CapabilityError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("capability error in phase %s (%s): %v", e.Phase, kind, e.Err)
}

func (e *CapabilityError) Unwrap() error { return e.Err }
