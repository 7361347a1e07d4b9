package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// LatencyBreakdown is a read-only observability supplement exposing
// per-stage timings for the most recently completed Transcribe call,
// grounded on the teacher's ManagedStream.GetLatencyBreakdown().
type LatencyBreakdown struct {
	ValidateMs  int64
	EngineMs    int64
	ReconcileMs int64
	PublishMs   int64
	TotalMs     int64
}

// Orchestrator is the central policy engine: it selects a mode (single,
// smart-upgrade, full reconcile), invokes the parallel service or a single
// engine, reconciles, applies the paragraph-break timing rule, and
// publishes exactly one TranscriptionCompletedEvent per Transcribe call.
// Keeps the teacher Orchestrator's shape (explicit constructor, injected
// collaborators, sync.RWMutex-guarded config).
type Orchestrator struct {
	mu     sync.RWMutex
	config Config

	primary   Engine
	secondary Engine

	parallel *ParallelService
	watchdog *EngineWatchdog
	timing   *TimingCoordinator
	metrics  *Metrics
	bus      *EventBus
	logger   Logger

	latencyMu   sync.Mutex
	lastLatency LatencyBreakdown
}

// New constructs an Orchestrator from explicit collaborator references.
// watchdog may be nil (no restart policy); parallel may be nil (reconcile
// mode is then unreachable regardless of config).
func New(primary, secondary Engine, parallel *ParallelService, watchdog *EngineWatchdog, timing *TimingCoordinator, metrics *Metrics, bus *EventBus, config Config, logger Logger) *Orchestrator {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if timing == nil {
		timing = NewTimingCoordinator(config.Orchestration.SilenceGapMs)
	}
	return &Orchestrator{
		primary:   primary,
		secondary: secondary,
		parallel:  parallel,
		watchdog:  watchdog,
		timing:    timing,
		metrics:   metrics,
		bus:       bus,
		config:    config,
		logger:    logger,
	}
}

func (o *Orchestrator) GetConfig() Config {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.config
}

func (o *Orchestrator) UpdateConfig(cfg Config) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.config = cfg
}

// LastLatencyBreakdown returns the per-stage timings recorded by the most
// recent Transcribe call. Read-only; no behavior change.
func (o *Orchestrator) LastLatencyBreakdown() LatencyBreakdown {
	o.latencyMu.Lock()
	defer o.latencyMu.Unlock()
	return o.lastLatency
}

// Transcribe is the orchestrator's single operation. It always publishes
// exactly one TranscriptionCompletedEvent, even on failure, and always
// returns the same result it published.
func (o *Orchestrator) Transcribe(ctx context.Context, sessionID SessionID, clip PcmClip) TranscriptionResult {
	cfg := o.GetConfig()
	callStart := time.Now()
	var breakdown LatencyBreakdown

	validateStart := time.Now()
	if err := ValidateClip(cfg.Audio, clip); err != nil {
		breakdown.ValidateMs = time.Since(validateStart).Milliseconds()
		o.logger.Warn("audio validation failed", "session", sessionID, "error", err)
		return o.publish(sessionID, TranscriptionResult{}, err, &breakdown, callStart)
	}
	breakdown.ValidateMs = time.Since(validateStart).Milliseconds()

	var result TranscriptionResult
	var err error
	if cfg.Reconciliation.Enabled && o.parallel != nil {
		result, err = o.runReconcile(ctx, clip, cfg, &breakdown)
	} else {
		result, err = o.runSingle(ctx, clip, cfg, &breakdown)
	}

	return o.publish(sessionID, result, err, &breakdown, callStart)
}

// runSingle implements Mode-Single, including the smart-upgrade escape
// hatch into Mode-Reconcile.
func (o *Orchestrator) runSingle(ctx context.Context, clip PcmClip, cfg Config, breakdown *LatencyBreakdown) (TranscriptionResult, error) {
	role, eng, ok := o.selectEngine(cfg)
	if !ok {
		return TranscriptionResult{}, o.bothUnavailableError()
	}

	engineStart := time.Now()
	res, err := eng.Transcribe(ctx, clip)
	breakdown.EngineMs = time.Since(engineStart).Milliseconds()

	if err != nil {
		o.reportEngineFailure(role, err)
		return TranscriptionResult{}, err
	}
	res = res.Clamped()
	o.metrics.RecordLatency(ctx, role, time.Since(engineStart))

	if role == RolePrimary && cfg.Reconciliation.Enabled && res.Confidence < cfg.Reconciliation.ConfidenceThreshold {
		o.logger.Info("smart upgrade: primary confidence below threshold, re-running reconcile",
			"confidence", res.Confidence, "threshold", cfg.Reconciliation.ConfidenceThreshold)
		// The low-confidence result is discarded entirely, even on
		// reconcile failure — conservative correctness per spec.md §7.
		return o.runReconcile(ctx, clip, cfg, breakdown)
	}

	o.metrics.RecordSuccess(ctx, role)
	return TranscriptionResult{Text: res.Text, Confidence: res.Confidence, Engine: role}, nil
}

// runReconcile implements Mode-Reconcile: parallel fan-out, then a pure
// reconciler pass. Any aggregate failure publishes an empty "reconciled"
// result — it never falls back to a previously computed single-engine text.
func (o *Orchestrator) runReconcile(ctx context.Context, clip PcmClip, cfg Config, breakdown *LatencyBreakdown) (TranscriptionResult, error) {
	if o.parallel == nil {
		return TranscriptionResult{Engine: RoleReconciled}, fmt.Errorf("%w: reconciliation enabled without a parallel service", ErrBothEnginesUnavailable)
	}

	engineStart := time.Now()
	primary, secondary, err := o.parallel.TranscribeBoth(ctx, clip, cfg.Parallel.TimeoutMs)
	breakdown.EngineMs = time.Since(engineStart).Milliseconds()
	if err != nil {
		reason := ReasonTranscriptionError
		if !errors.Is(err, ErrParallelTimeout) && !errors.Is(err, ErrParallelBothFailed) {
			reason = ReasonUnexpectedError
		}
		if o.metrics != nil {
			o.metrics.RecordFailure(ctx, RoleReconciled, reason)
		}
		o.logger.Warn("reconcile failed", "error", err)
		return TranscriptionResult{Engine: RoleReconciled}, err
	}

	reconcileStart := time.Now()
	result, winner := Reconcile(cfg.Reconciliation, primary, secondary)
	breakdown.ReconcileMs = time.Since(reconcileStart).Milliseconds()

	if o.metrics != nil {
		o.metrics.RecordReconcileStrategy(ctx, cfg.Reconciliation.Strategy)
		o.metrics.RecordReconcileSelected(ctx, winner)
		o.metrics.RecordSuccess(ctx, RoleReconciled)
		o.metrics.RecordLatency(ctx, RoleReconciled, time.Since(engineStart))
	}
	return result, nil
}

// selectEngine applies the primary_engine preference, falling back to the
// other engine (with a warning) when the preferred one is disabled or
// unhealthy.
func (o *Orchestrator) selectEngine(cfg Config) (EngineRole, Engine, bool) {
	primaryOK := o.engineSelectable(RolePrimary)
	secondaryOK := o.engineSelectable(RoleSecondary)

	if cfg.PrimaryEngine == RoleSecondary {
		if secondaryOK {
			return RoleSecondary, o.secondary, true
		}
		o.recordUnavailable(RoleSecondary)
		if primaryOK {
			o.logger.Warn("secondary engine unavailable, falling back to primary")
			return RolePrimary, o.primary, true
		}
		o.recordUnavailable(RolePrimary)
		return "", nil, false
	}

	if primaryOK {
		return RolePrimary, o.primary, true
	}
	o.recordUnavailable(RolePrimary)
	if secondaryOK {
		o.logger.Warn("primary engine unavailable, falling back to secondary")
		return RoleSecondary, o.secondary, true
	}
	o.recordUnavailable(RoleSecondary)
	return "", nil, false
}

func (o *Orchestrator) engineSelectable(role EngineRole) bool {
	if o.watchdog == nil {
		return true
	}
	return o.watchdog.IsEngineEnabled(role) && o.watchdog.IsEngineHealthy(role)
}

// engineUnavailableReason distinguishes a watchdog-disabled engine
// (cooldown, restart budget exceeded) from one that's merely unhealthy, so
// the two show up under different engine.failure_total{reason} labels.
func (o *Orchestrator) engineUnavailableReason(role EngineRole) FailureReason {
	if o.watchdog != nil && !o.watchdog.IsEngineEnabled(role) {
		return ReasonWatchdogCooldown
	}
	return ReasonTranscriptionError
}

// recordUnavailable meters role as failed-to-select, labeling the specific
// reason (watchdog cooldown vs. plain unhealthy) rather than folding every
// rejection into one generic reason.
func (o *Orchestrator) recordUnavailable(role EngineRole) {
	if o.metrics == nil {
		return
	}
	o.metrics.RecordFailure(context.Background(), role, o.engineUnavailableReason(role))
}

func (o *Orchestrator) bothUnavailableError() error {
	primaryEnabled, primaryHealthy := true, true
	secondaryEnabled, secondaryHealthy := true, true
	if o.watchdog != nil {
		primaryEnabled = o.watchdog.IsEngineEnabled(RolePrimary)
		primaryHealthy = o.watchdog.IsEngineHealthy(RolePrimary)
		secondaryEnabled = o.watchdog.IsEngineEnabled(RoleSecondary)
		secondaryHealthy = o.watchdog.IsEngineHealthy(RoleSecondary)
	}
	if o.metrics != nil {
		o.metrics.RecordFailure(context.Background(), "", ReasonTranscriptionError)
	}
	return fmt.Errorf("%w: primary_enabled=%v primary_healthy=%v secondary_enabled=%v secondary_healthy=%v",
		ErrBothEnginesUnavailable, primaryEnabled, primaryHealthy, secondaryEnabled, secondaryHealthy)
}

func (o *Orchestrator) reportEngineFailure(role EngineRole, err error) {
	reason := ReasonUnexpectedError
	switch TranscriptionFailureReasonOf(err) {
	case FailureTimeout:
		reason = ReasonTimeout
	case FailureConcurrencyLimit:
		reason = ReasonConcurrencyLimit
	case FailureNonZeroExit, FailureIOFailure, FailureParseError:
		reason = ReasonTranscriptionError
	}
	if o.metrics != nil {
		o.metrics.RecordFailure(context.Background(), role, reason)
	}
	if o.bus != nil {
		o.bus.Publish(FailureEvent{Engine: role, Timestamp: time.Now(), Reason: reason, Cause: err})
	}
}

// publish applies the paragraph-break rule, stamps the timing coordinator,
// and publishes exactly one TranscriptionCompletedEvent. On error, the
// published (and returned) result is always empty apart from its engine
// label.
func (o *Orchestrator) publish(sessionID SessionID, result TranscriptionResult, err error, breakdown *LatencyBreakdown, callStart time.Time) TranscriptionResult {
	if err != nil {
		result = TranscriptionResult{Engine: result.Engine}
	}

	publishStart := time.Now()
	if o.timing != nil {
		if o.timing.ShouldAddParagraphBreak() && result.Text != "" && !strings.HasPrefix(result.Text, "\n") {
			result.Text = "\n" + result.Text
		}
		o.timing.RecordTranscription()
	}

	if o.bus != nil {
		o.bus.Publish(TranscriptionCompletedEvent{
			SessionID: sessionID,
			Result:    result,
			Err:       err,
			Timestamp: time.Now(),
		})
	}

	breakdown.PublishMs = time.Since(publishStart).Milliseconds()
	breakdown.TotalMs = time.Since(callStart).Milliseconds()
	o.latencyMu.Lock()
	o.lastLatency = *breakdown
	o.latencyMu.Unlock()

	return result
}
