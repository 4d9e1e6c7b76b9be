package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/rohandixit/quillforge/pkg/models"
)

// StageRunner executes a single phase against the capability. It knows
// nothing about jobs or billing: inputs in, result out, with bounded retry
// on transient capability errors.
type StageRunner struct {
	capability   models.Capability
	timeout      time.Duration
	maxRetries   int
	retryBackoff time.Duration
}

func NewStageRunner(capability models.Capability, timeout time.Duration, maxRetries int, retryBackoff time.Duration) *StageRunner {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if retryBackoff <= 0 {
		retryBackoff = time.Second
	}
	return &StageRunner{
		capability:   capability,
		timeout:      timeout,
		maxRetries:   maxRetries,
		retryBackoff: retryBackoff,
	}
}

// Run invokes the capability for one phase, retrying transient failures with
// doubling backoff up to the retry budget. Permanent capability errors and
// caller cancellation stop immediately.
func (r *StageRunner) Run(ctx context.Context, phase string, inputs map[string]json.RawMessage) (json.RawMessage, error) {
	var lastErr error
	backoff := r.retryBackoff

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			slog.Warn("retrying phase", "phase", phase, "attempt", attempt, "backoff", backoff, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		result, err := r.capability.Invoke(callCtx, phase, inputs)
		cancel()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var capErr *models.CapabilityError
		if errors.As(err, &capErr) && !capErr.Transient {
			break
		}
	}
	return nil, lastErr
}
