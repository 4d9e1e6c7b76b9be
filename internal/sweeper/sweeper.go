// Package sweeper periodically reconciles reservations and deductions left
// in non-terminal states by crashes. It delegates the actual resolution to
// the ledger and only owns the cadence.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/rohandixit/quillforge/internal/ledger"
)

type Sweeper struct {
	ledger    *ledger.Ledger
	interval  time.Duration
	olderThan time.Duration
	stop      chan struct{}
	done      chan struct{}
}

func New(lg *ledger.Ledger, interval, olderThan time.Duration) *Sweeper {
	return &Sweeper{
		ledger:    lg,
		interval:  interval,
		olderThan: olderThan,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called. Blocking; run it in its
// own goroutine.
func (s *Sweeper) Start() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("reconciliation sweeper started", "interval", s.interval, "older_than", s.olderThan)
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stop:
			slog.Info("reconciliation sweeper stopped")
			return
		}
	}
}

// Stop signals the loop to exit and waits for the in-flight sweep, if any,
// to finish.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

// RunOnce triggers a single sweep pass, used by the admin endpoint.
func (s *Sweeper) RunOnce(ctx context.Context) ([]ledger.Resolution, error) {
	return s.ledger.ReconcileStuck(ctx, s.olderThan)
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	resolutions, err := s.ledger.ReconcileStuck(ctx, s.olderThan)
	if err != nil {
		slog.Error("reconciliation sweep failed", "error", err)
		return
	}
	if len(resolutions) > 0 {
		slog.Info("reconciliation sweep resolved reservations", "count", len(resolutions))
	}
}
