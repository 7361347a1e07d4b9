package orchestrator

import (
	"context"
	"fmt"
	"time"
)

// ParallelService validates audio once (the caller's responsibility — the
// orchestrator calls ValidateClip before invoking this service) and fans
// out to both engines under one wall-clock deadline, preserving the
// primary/secondary slot ordering regardless of completion order. Late
// results past the deadline are discarded, never returned.
type ParallelService struct {
	primary   Engine
	secondary Engine
	cfg       ParallelConfig
	metrics   *Metrics
	bus       *EventBus
	logger    Logger
}

func NewParallelService(primary, secondary Engine, cfg ParallelConfig, metrics *Metrics, bus *EventBus, logger Logger) *ParallelService {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &ParallelService{
		primary:   primary,
		secondary: secondary,
		cfg:       cfg,
		metrics:   metrics,
		bus:       bus,
		logger:    logger,
	}
}

type slotResult struct {
	res EngineResult
	err error
}

func (s *ParallelService) runEngine(ctx context.Context, role EngineRole, eng Engine, clip PcmClip, out chan<- slotResult) {
	res, err := eng.Transcribe(ctx, clip)
	if err != nil {
		out <- slotResult{err: err}
		return
	}
	res = res.Clamped()
	res.Engine = role
	out <- slotResult{res: res}
}

// TranscribeBoth fans out to both engines. timeoutMs, if > 0 and smaller
// than the service's configured default, overrides the deadline for this
// call.
func (s *ParallelService) TranscribeBoth(ctx context.Context, clip PcmClip, timeoutMs int) (*EngineResult, *EngineResult, error) {
	limitMs := s.cfg.TimeoutMs
	if timeoutMs > 0 && timeoutMs < limitMs {
		limitMs = timeoutMs
	}
	deadline := time.Duration(limitMs) * time.Millisecond

	cctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	primaryCh := make(chan slotResult, 1)
	secondaryCh := make(chan slotResult, 1)

	go s.runEngine(cctx, RolePrimary, s.primary, clip, primaryCh)
	go s.runEngine(cctx, RoleSecondary, s.secondary, clip, secondaryCh)

	var primary, secondary *EngineResult
	primaryDone, secondaryDone := false, false
	primaryFailed, secondaryFailed := false, false

	start := time.Now()
	timer := time.NewTimer(deadline)
	defer timer.Stop()

loop:
	for !primaryDone || !secondaryDone {
		select {
		case r := <-primaryCh:
			primaryDone = true
			if r.err != nil {
				primaryFailed = true
				s.reportFailure(RolePrimary, r.err)
			} else {
				res := r.res
				primary = &res
			}
		case r := <-secondaryCh:
			secondaryDone = true
			if r.err != nil {
				secondaryFailed = true
				s.reportFailure(RoleSecondary, r.err)
			} else {
				res := r.res
				secondary = &res
			}
		case <-timer.C:
			break loop
		}
	}

	elapsed := time.Since(start)

	if !primaryDone && !secondaryDone {
		return nil, nil, fmt.Errorf("%w: elapsed_ms=%d limit_ms=%d", ErrParallelTimeout, elapsed.Milliseconds(), limitMs)
	}
	if primaryDone && secondaryDone && primaryFailed && secondaryFailed {
		// Engines that gave up because the shared deadline expired missed it.
		if cctx.Err() == context.DeadlineExceeded {
			return nil, nil, fmt.Errorf("%w: elapsed_ms=%d limit_ms=%d", ErrParallelTimeout, elapsed.Milliseconds(), limitMs)
		}
		return nil, nil, ErrParallelBothFailed
	}
	return primary, secondary, nil
}

func (s *ParallelService) reportFailure(role EngineRole, err error) {
	reason := ReasonTranscriptionError
	if r := TranscriptionFailureReasonOf(err); r == FailureConcurrencyLimit {
		reason = ReasonConcurrencyLimit
	} else if r == FailureTimeout {
		reason = ReasonTimeout
	}
	s.logger.Warn("engine failed during parallel transcription", "engine", role, "error", err)
	if s.metrics != nil {
		s.metrics.RecordFailure(context.Background(), role, reason)
	}
	if s.bus != nil {
		s.bus.Publish(FailureEvent{Engine: role, Timestamp: time.Now(), Reason: reason, Cause: err})
	}
}
