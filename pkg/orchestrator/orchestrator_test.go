package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// mockEngine is a hand-rolled test double in the teacher's mock style,
// upgraded to testify assertions for the calling tests.
type mockEngine struct {
	name string

	initErr error
	closed  bool
	healthy bool

	result EngineResult
	err    error
	delay  time.Duration
}

func (m *mockEngine) Initialize(ctx context.Context) error { return m.initErr }
func (m *mockEngine) EngineName() string                   { return m.name }
func (m *mockEngine) IsHealthy() bool                       { return m.healthy }
func (m *mockEngine) Close() error                          { m.closed = true; return nil }

func (m *mockEngine) Transcribe(ctx context.Context, clip PcmClip) (EngineResult, error) {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return EngineResult{}, NewTranscriptionError(m.result.Engine, FailureTimeout, ctx.Err())
		}
	}
	if m.err != nil {
		return EngineResult{}, m.err
	}
	return m.result, nil
}

func newTestClip(durationMs int) PcmClip {
	samples := 16000 * durationMs / 1000
	return make(PcmClip, samples*2)
}

func TestOrchestrator_SingleEngineHappyPath(t *testing.T) {
	primary := &mockEngine{name: "inproc", healthy: true, result: EngineResult{Text: "hello world", Confidence: 0.9, Engine: RolePrimary}}
	secondary := &mockEngine{name: "subprocess", healthy: true}

	cfg := DefaultConfig()
	cfg.Reconciliation.Enabled = false

	bus := NewEventBus(nil)
	var captured TranscriptionCompletedEvent
	bus.Subscribe(TranscriptionCompletedEvent{}, func(ev interface{}) {
		captured = ev.(TranscriptionCompletedEvent)
	})

	orch := New(primary, secondary, nil, nil, nil, nil, bus, cfg, nil)
	result := orch.Transcribe(context.Background(), "sess-1", newTestClip(500))

	require.Equal(t, "hello world", result.Text)
	require.Equal(t, RolePrimary, result.Engine)
	require.InDelta(t, 0.9, result.Confidence, 0.0001)
	require.Equal(t, result, captured.Result)
}

func TestOrchestrator_SmartUpgradeSuccess(t *testing.T) {
	primary := &mockEngine{name: "inproc", healthy: true, result: EngineResult{Text: "meh", Confidence: 0.5, Engine: RolePrimary}}
	secondary := &mockEngine{name: "subprocess", healthy: true, result: EngineResult{Text: "hello world", Confidence: 0.95, Engine: RoleSecondary}}

	cfg := DefaultConfig()
	cfg.Reconciliation.Enabled = true
	cfg.Reconciliation.Strategy = StrategyConfidence
	cfg.Reconciliation.ConfidenceThreshold = 0.7

	parallel := NewParallelService(primary, secondary, cfg.Parallel, nil, nil, nil)
	orch := New(primary, secondary, parallel, nil, nil, nil, nil, cfg, nil)

	result := orch.Transcribe(context.Background(), "sess-2", newTestClip(500))

	require.Equal(t, "hello world", result.Text)
	require.Equal(t, RoleReconciled, result.Engine)
}

func TestOrchestrator_SmartUpgradeReconcileFails(t *testing.T) {
	primary := &mockEngine{name: "inproc", healthy: true, result: EngineResult{Text: "meh", Confidence: 0.5, Engine: RolePrimary}}
	secondary := &mockEngine{name: "subprocess", healthy: true, err: NewTranscriptionError(RoleSecondary, FailureIOFailure, errors.New("boom"))}

	cfg := DefaultConfig()
	cfg.Reconciliation.Enabled = true
	cfg.Reconciliation.ConfidenceThreshold = 0.7

	parallel := NewParallelService(primary, secondary, cfg.Parallel, nil, nil, nil)
	orch := New(primary, secondary, parallel, nil, nil, nil, nil, cfg, nil)

	result := orch.Transcribe(context.Background(), "sess-3", newTestClip(500))

	require.Equal(t, "", result.Text, "the primary's low-confidence text must never leak through")
	require.Equal(t, RoleReconciled, result.Engine)
}

func TestOrchestrator_ParallelTimeoutOnOneEngine(t *testing.T) {
	primary := &mockEngine{name: "inproc", healthy: true, result: EngineResult{Text: "A", Confidence: 0.8, Engine: RolePrimary}, delay: 10 * time.Millisecond}
	secondary := &mockEngine{name: "subprocess", healthy: true, result: EngineResult{Text: "B", Confidence: 0.99, Engine: RoleSecondary}, delay: 500 * time.Millisecond}

	cfg := DefaultConfig()
	cfg.Reconciliation.Enabled = true
	cfg.Reconciliation.Strategy = StrategyConfidence
	cfg.Parallel.TimeoutMs = 100

	parallel := NewParallelService(primary, secondary, cfg.Parallel, nil, nil, nil)
	orch := New(primary, secondary, parallel, nil, nil, nil, nil, cfg, nil)

	result := orch.Transcribe(context.Background(), "sess-4", newTestClip(500))

	require.Equal(t, "A", result.Text)
	require.Equal(t, RoleReconciled, result.Engine)
}

func TestOrchestrator_BothEnginesUnavailable(t *testing.T) {
	primary := &mockEngine{name: "inproc", healthy: true, initErr: errors.New("model load failed")}
	secondary := &mockEngine{name: "subprocess", healthy: true, initErr: errors.New("binary missing")}

	bus := NewEventBus(nil)
	watchdogCfg := WatchdogConfig{Enabled: true, WindowMinutes: 60, MaxRestartsPerWindow: 1, CooldownMinutes: 10}
	watchdog := NewEngineWatchdog(watchdogCfg, map[EngineRole]Engine{RolePrimary: primary, RoleSecondary: secondary}, nil, bus, nil)

	// Drive both engines into the disabled state the way the watchdog itself
	// would see it in production: a FailureEvent per engine, with each
	// restart attempt failing (initErr) until the restart budget is
	// exceeded. Mirrors watchdog_test.go's TestEngineWatchdog_DisablesAfterExceedingBudget.
	bus.Publish(FailureEvent{Engine: RolePrimary, Timestamp: time.Now(), Reason: ReasonTranscriptionError, Cause: errors.New("boom")})
	bus.Publish(FailureEvent{Engine: RoleSecondary, Timestamp: time.Now(), Reason: ReasonTranscriptionError, Cause: errors.New("boom")})

	require.False(t, watchdog.IsEngineEnabled(RolePrimary), "primary must be disabled by the watchdog before this test exercises the orchestrator")
	require.False(t, watchdog.IsEngineEnabled(RoleSecondary), "secondary must be disabled by the watchdog before this test exercises the orchestrator")

	var captured TranscriptionCompletedEvent
	bus.Subscribe(TranscriptionCompletedEvent{}, func(ev interface{}) {
		captured = ev.(TranscriptionCompletedEvent)
	})

	cfg := DefaultConfig()
	cfg.Reconciliation.Enabled = false

	orch := New(primary, secondary, nil, watchdog, nil, nil, bus, cfg, nil)
	result := orch.Transcribe(context.Background(), "sess-5", newTestClip(500))

	require.Equal(t, "", result.Text)
	require.Error(t, captured.Err)
	require.True(t, errors.Is(captured.Err, ErrBothEnginesUnavailable))
}

func TestOrchestrator_EmptyAudioPublishesEmptyResult(t *testing.T) {
	primary := &mockEngine{name: "inproc", healthy: true, result: EngineResult{Text: "unused"}}
	secondary := &mockEngine{name: "subprocess", healthy: true}

	bus := NewEventBus(nil)
	var eventCount int
	bus.Subscribe(TranscriptionCompletedEvent{}, func(ev interface{}) { eventCount++ })

	orch := New(primary, secondary, nil, nil, nil, nil, bus, DefaultConfig(), nil)
	result := orch.Transcribe(context.Background(), "sess-6", PcmClip{})

	require.Equal(t, "", result.Text)
	require.Equal(t, 1, eventCount, "exactly one TranscriptionCompletedEvent must be published")
}

func TestOrchestrator_OverlapStrategyDisagreementTiesToPrimary(t *testing.T) {
	primary := &mockEngine{name: "inproc", healthy: true, result: EngineResult{Text: "the quick brown fox", Confidence: 0.8, Engine: RolePrimary}}
	secondary := &mockEngine{name: "subprocess", healthy: true, result: EngineResult{Text: "the quick brown dog", Confidence: 0.8, Engine: RoleSecondary}}

	cfg := DefaultConfig()
	cfg.Reconciliation.Enabled = true
	cfg.Reconciliation.Strategy = StrategyOverlap
	cfg.Reconciliation.OverlapThreshold = 0.6

	parallel := NewParallelService(primary, secondary, cfg.Parallel, nil, nil, nil)
	orch := New(primary, secondary, parallel, nil, nil, nil, nil, cfg, nil)

	result := orch.Transcribe(context.Background(), "sess-7", newTestClip(500))
	require.Equal(t, "the quick brown fox", result.Text)
}
