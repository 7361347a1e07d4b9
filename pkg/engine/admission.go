package engine

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ptt-dictate/orchestrator/pkg/orchestrator"
)

// admission enforces the per-engine max-concurrent-calls limit. A call that
// cannot acquire a permit within acquireTimeout fails with
// TranscriptionFailed{reason=concurrency_limit}, matching the adapter
// contract in spec.md §4.1.
type admission struct {
	role    orchestrator.EngineRole
	sem     *semaphore.Weighted
	timeout time.Duration
}

func newAdmission(role orchestrator.EngineRole, max int, acquireTimeoutMs int) *admission {
	if max < 1 {
		max = 1
	}
	return &admission{
		role:    role,
		sem:     semaphore.NewWeighted(int64(max)),
		timeout: time.Duration(acquireTimeoutMs) * time.Millisecond,
	}
}

// acquire blocks until a permit is free, ctx is cancelled, or the admission
// timeout expires, whichever comes first.
func (a *admission) acquire(ctx context.Context) (release func(), err error) {
	cctx := ctx
	var cancel context.CancelFunc
	if a.timeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	if err := a.sem.Acquire(cctx, 1); err != nil {
		return nil, orchestrator.NewTranscriptionError(a.role, orchestrator.FailureConcurrencyLimit, err)
	}
	return func() { a.sem.Release(1) }, nil
}
