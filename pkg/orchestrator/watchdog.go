package orchestrator

import (
	"context"
	"sync"
	"time"
)

type engineState struct {
	mu            sync.Mutex
	enabled       bool
	healthy       bool
	restarts      []time.Time
	cooldownUntil time.Time
}

// EngineWatchdog subscribes to FailureEvent and applies a sliding-window
// restart budget per engine, marking engines disabled/enabled. Grounded on
// the lyrebirdaudio stream Manager's StateFailed -> backoff -> StateStarting
// cycle, adapted from a single exponential backoff to a fixed
// sliding-window-with-cooldown budget.
type EngineWatchdog struct {
	cfg     WatchdogConfig
	engines map[EngineRole]Engine
	metrics *Metrics
	logger  Logger

	states map[EngineRole]*engineState
}

// NewEngineWatchdog constructs a watchdog over the given engines. When
// cfg.Enabled is false, the watchdog still tracks state but never disables
// an engine — it does not subscribe to the bus. metrics may be nil.
func NewEngineWatchdog(cfg WatchdogConfig, engines map[EngineRole]Engine, metrics *Metrics, bus *EventBus, logger Logger) *EngineWatchdog {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	w := &EngineWatchdog{
		cfg:     cfg,
		engines: engines,
		metrics: metrics,
		logger:  logger,
		states:  make(map[EngineRole]*engineState, len(engines)),
	}
	for role := range engines {
		w.states[role] = &engineState{enabled: true, healthy: true}
	}
	if cfg.Enabled && bus != nil {
		bus.Subscribe(FailureEvent{}, w.handleFailure)
	}
	return w
}

func (w *EngineWatchdog) handleFailure(event interface{}) {
	fe, ok := event.(FailureEvent)
	if !ok {
		return
	}
	st := w.states[fe.Engine]
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	w.recordRestartLocked(st, fe.Engine)
}

// recordRestartLocked purges stale entries, appends the current failure,
// and either restarts the engine (back to HEALTHY/DEGRADED) or disables it
// once the budget is exceeded. A failure during the restart attempt itself
// counts toward the budget, so the loop re-evaluates until the engine comes
// back healthy or the budget is exhausted.
func (w *EngineWatchdog) recordRestartLocked(st *engineState, role EngineRole) {
	for {
		now := time.Now()
		w.purgeLocked(st, now)
		st.restarts = append(st.restarts, now)

		if len(st.restarts) > w.cfg.MaxRestartsPerWindow {
			st.enabled = false
			st.healthy = false
			st.cooldownUntil = now.Add(time.Duration(w.cfg.CooldownMinutes) * time.Minute)
			w.logger.Warn("engine disabled after exceeding restart budget", "engine", role)
			return
		}

		eng := w.engines[role]
		var err error
		if eng != nil {
			_ = eng.Close()
			err = eng.Initialize(context.Background())
		}
		if err == nil {
			st.healthy = true
			st.enabled = true
			w.logger.Info("engine restarted", "engine", role)
			return
		}
		w.logger.Warn("engine restart failed", "engine", role, "error", err)
		if w.metrics != nil {
			w.metrics.RecordFailure(context.Background(), role, ReasonInitFailure)
		}
		// loop: the failed restart itself counts as another failure
	}
}

func (w *EngineWatchdog) purgeLocked(st *engineState, now time.Time) {
	window := time.Duration(w.cfg.WindowMinutes) * time.Minute
	cutoff := now.Add(-window)
	kept := st.restarts[:0]
	for _, t := range st.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	st.restarts = kept
}

// IsEngineEnabled reports whether role may be selected. If the engine's
// cooldown has elapsed, it attempts one re-enabling initialize before
// answering.
func (w *EngineWatchdog) IsEngineEnabled(role EngineRole) bool {
	st := w.states[role]
	if st == nil {
		return true
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.enabled && !st.cooldownUntil.IsZero() && time.Now().After(st.cooldownUntil) {
		eng := w.engines[role]
		if eng != nil {
			if err := eng.Initialize(context.Background()); err == nil {
				st.enabled = true
				st.healthy = true
				st.restarts = nil
				st.cooldownUntil = time.Time{}
				w.logger.Info("engine re-enabled after cooldown", "engine", role)
			} else {
				w.logger.Warn("engine re-enable after cooldown failed", "engine", role, "error", err)
				if w.metrics != nil {
					w.metrics.RecordFailure(context.Background(), role, ReasonInitFailure)
				}
			}
		}
	}
	return st.enabled
}

// IsEngineHealthy is a read-only snapshot of the engine's last known health.
func (w *EngineWatchdog) IsEngineHealthy(role EngineRole) bool {
	st := w.states[role]
	if st == nil {
		return true
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.healthy
}
