package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type flakyEngine struct {
	name        string
	initErr     error
	initCalls   int
	healthAfter bool
}

func (f *flakyEngine) Initialize(ctx context.Context) error {
	f.initCalls++
	return f.initErr
}
func (f *flakyEngine) EngineName() string { return f.name }
func (f *flakyEngine) IsHealthy() bool    { return f.healthAfter }
func (f *flakyEngine) Close() error       { return nil }
func (f *flakyEngine) Transcribe(ctx context.Context, clip PcmClip) (EngineResult, error) {
	return EngineResult{}, nil
}

func TestEngineWatchdog_RestartsOnFailureWithinBudget(t *testing.T) {
	eng := &flakyEngine{name: "inproc"}
	bus := NewEventBus(nil)
	cfg := WatchdogConfig{Enabled: true, WindowMinutes: 60, MaxRestartsPerWindow: 3, CooldownMinutes: 10}

	w := NewEngineWatchdog(cfg, map[EngineRole]Engine{RolePrimary: eng}, nil, bus, nil)

	bus.Publish(FailureEvent{Engine: RolePrimary, Timestamp: time.Now(), Reason: ReasonTranscriptionError, Cause: errors.New("boom")})

	require.True(t, w.IsEngineEnabled(RolePrimary))
	require.True(t, w.IsEngineHealthy(RolePrimary))
	require.Equal(t, 1, eng.initCalls)
}

func TestEngineWatchdog_DisablesAfterExceedingBudget(t *testing.T) {
	eng := &flakyEngine{name: "subprocess", initErr: errors.New("restart always fails")}
	bus := NewEventBus(nil)
	cfg := WatchdogConfig{Enabled: true, WindowMinutes: 60, MaxRestartsPerWindow: 2, CooldownMinutes: 10}

	w := NewEngineWatchdog(cfg, map[EngineRole]Engine{RoleSecondary: eng}, nil, bus, nil)

	bus.Publish(FailureEvent{Engine: RoleSecondary, Timestamp: time.Now(), Reason: ReasonTranscriptionError})

	require.False(t, w.IsEngineEnabled(RoleSecondary))
	require.False(t, w.IsEngineHealthy(RoleSecondary))
}

func TestEngineWatchdog_ReEnablesAfterCooldownElapses(t *testing.T) {
	eng := &flakyEngine{name: "subprocess", initErr: errors.New("still broken")}
	bus := NewEventBus(nil)
	cfg := WatchdogConfig{Enabled: true, WindowMinutes: 60, MaxRestartsPerWindow: 1, CooldownMinutes: 0}

	w := NewEngineWatchdog(cfg, map[EngineRole]Engine{RoleSecondary: eng}, nil, bus, nil)
	bus.Publish(FailureEvent{Engine: RoleSecondary, Timestamp: time.Now(), Reason: ReasonTranscriptionError})
	require.False(t, w.IsEngineEnabled(RoleSecondary))

	// Cooldown is zero minutes, so it has already elapsed; once the engine
	// starts initializing cleanly again, the next enabled check recovers it.
	eng.initErr = nil
	require.True(t, w.IsEngineEnabled(RoleSecondary))
	require.True(t, w.IsEngineHealthy(RoleSecondary))
}

func TestEngineWatchdog_DisabledWatchdogNeverSubscribes(t *testing.T) {
	eng := &flakyEngine{name: "inproc", initErr: errors.New("boom")}
	bus := NewEventBus(nil)
	cfg := WatchdogConfig{Enabled: false}

	w := NewEngineWatchdog(cfg, map[EngineRole]Engine{RolePrimary: eng}, nil, bus, nil)
	bus.Publish(FailureEvent{Engine: RolePrimary, Timestamp: time.Now(), Reason: ReasonTranscriptionError})

	require.True(t, w.IsEngineEnabled(RolePrimary), "a disabled watchdog must never mark an engine unavailable")
	require.Equal(t, 0, eng.initCalls)
}
