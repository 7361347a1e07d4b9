package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/ptt-dictate/orchestrator/pkg/engine"
	"github.com/ptt-dictate/orchestrator/pkg/logging"
	"github.com/ptt-dictate/orchestrator/pkg/orchestrator"
)

const sampleRate = 16000

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Println("Note: no .env file found, using system environment variables")
	}

	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))
	cfg := configFromEnv()

	meterProvider := sdkmetric.NewMeterProvider()
	metrics, err := orchestrator.NewMetrics(meterProvider)
	if err != nil {
		logger.Error("failed to build metrics", "error", err)
		os.Exit(1)
	}

	pool := orchestrator.NewWorkerPool()
	bus := orchestrator.NewEventBus(pool)

	primary := engine.NewDefaultInProc(orchestrator.RolePrimary, cfg.Concurrency.PrimaryMax, cfg.Concurrency.AcquireTimeoutMs)

	secondaryBinary := os.Getenv("PTT_SECONDARY_BINARY")
	secondaryModel := os.Getenv("PTT_SECONDARY_MODEL")
	secondaryLang := os.Getenv("PTT_LANGUAGE")
	if secondaryLang == "" {
		secondaryLang = "en"
	}
	var secondary orchestrator.Engine = engine.NewSubprocess(orchestrator.RoleSecondary, secondaryBinary, secondaryModel, secondaryLang, cfg.Subprocess, cfg.Concurrency.SecondaryMax, cfg.Concurrency.AcquireTimeoutMs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := primary.Initialize(ctx); err != nil {
		logger.Warn("primary engine failed to initialize", "error", err)
		metrics.RecordFailure(ctx, orchestrator.RolePrimary, orchestrator.ReasonInitFailure)
	}
	if err := secondary.Initialize(ctx); err != nil {
		logger.Warn("secondary engine failed to initialize; external recognizer binary/model may be unconfigured", "error", err)
		metrics.RecordFailure(ctx, orchestrator.RoleSecondary, orchestrator.ReasonInitFailure)
	}
	defer primary.Close()
	defer secondary.Close()

	engines := map[orchestrator.EngineRole]orchestrator.Engine{
		orchestrator.RolePrimary:   primary,
		orchestrator.RoleSecondary: secondary,
	}
	watchdog := orchestrator.NewEngineWatchdog(cfg.Watchdog, engines, metrics, bus, logger)
	parallel := orchestrator.NewParallelService(primary, secondary, cfg.Parallel, metrics, bus, logger)
	timing := orchestrator.NewTimingCoordinator(cfg.Orchestration.SilenceGapMs)

	orch := orchestrator.New(primary, secondary, parallel, watchdog, timing, metrics, bus, cfg, logger)

	bus.Subscribe(orchestrator.TranscriptionCompletedEvent{}, func(event interface{}) {
		e := event.(orchestrator.TranscriptionCompletedEvent)
		if e.Err != nil {
			fmt.Printf("\r\033[K[error] %v\n", e.Err)
			return
		}
		if e.Result.Text == "" {
			return
		}
		fmt.Printf("\r\033[K[%s] %s\n", e.Result.Engine, e.Result.Text)
	})
	bus.SubscribeAsync(orchestrator.FailureEvent{}, func(event interface{}) {
		e := event.(orchestrator.FailureEvent)
		logger.Warn("engine failure reported", "engine", e.Engine, "reason", e.Reason, "cause", e.Cause)
	})

	capture := orchestrator.NewCaptureStateMachine()
	rec := newRecorder(logger)
	if err := rec.start(); err != nil {
		logger.Error("failed to open capture device", "error", err)
		os.Exit(1)
	}
	defer rec.close()

	fmt.Println("Push-to-talk dictation ready. Press Enter to start recording, Enter again to stop. Ctrl+C to exit.")

	go runHotkeyLoop(ctx, bus, capture, rec, orch, logger)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Println("\nShutting down...")
}

// configFromEnv starts from orchestrator.DefaultConfig() and overlays any
// PTT_* environment variables the operator has set, mirroring the teacher's
// flat os.Getenv-driven config style in cmd/agent/main.go.
func configFromEnv() orchestrator.Config {
	cfg := orchestrator.DefaultConfig()

	if v := os.Getenv("PTT_PRIMARY_ENGINE"); v == "secondary" {
		cfg.PrimaryEngine = orchestrator.RoleSecondary
	}
	if v := os.Getenv("PTT_RECONCILE_ENABLED"); v != "" {
		cfg.Reconciliation.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("PTT_RECONCILE_STRATEGY"); v != "" {
		cfg.Reconciliation.Strategy = orchestrator.ReconciliationStrategy(v)
	}
	if v := parseFloat(os.Getenv("PTT_OVERLAP_THRESHOLD")); v != 0 {
		cfg.Reconciliation.OverlapThreshold = v
	}
	if v := parseFloat(os.Getenv("PTT_CONFIDENCE_THRESHOLD")); v != 0 {
		cfg.Reconciliation.ConfidenceThreshold = v
	}
	if v := parseInt(os.Getenv("PTT_PARALLEL_TIMEOUT_MS")); v != 0 {
		cfg.Parallel.TimeoutMs = v
	}
	if v := parseInt(os.Getenv("PTT_PRIMARY_MAX_CONCURRENCY")); v != 0 {
		cfg.Concurrency.PrimaryMax = v
	}
	if v := parseInt(os.Getenv("PTT_SECONDARY_MAX_CONCURRENCY")); v != 0 {
		cfg.Concurrency.SecondaryMax = v
	}
	if v := parseInt(os.Getenv("PTT_ACQUIRE_TIMEOUT_MS")); v != 0 {
		cfg.Concurrency.AcquireTimeoutMs = v
	}
	if v := os.Getenv("PTT_WATCHDOG_ENABLED"); v != "" {
		cfg.Watchdog.Enabled = v == "true" || v == "1"
	}
	if v := parseInt(os.Getenv("PTT_WATCHDOG_WINDOW_MINUTES")); v != 0 {
		cfg.Watchdog.WindowMinutes = v
	}
	if v := parseInt(os.Getenv("PTT_WATCHDOG_MAX_RESTARTS")); v != 0 {
		cfg.Watchdog.MaxRestartsPerWindow = v
	}
	if v := parseInt(os.Getenv("PTT_WATCHDOG_COOLDOWN_MINUTES")); v != 0 {
		cfg.Watchdog.CooldownMinutes = v
	}
	if v := parseInt(os.Getenv("PTT_SILENCE_GAP_MS")); v != 0 {
		cfg.Orchestration.SilenceGapMs = v
	}
	if v := os.Getenv("PTT_SUBPROCESS_OUTPUT_MODE"); v != "" {
		cfg.Subprocess.OutputMode = orchestrator.SubprocessOutputMode(v)
	}
	if v := parseInt(os.Getenv("PTT_SUBPROCESS_TIMEOUT_SECONDS")); v != 0 {
		cfg.Subprocess.TimeoutSeconds = v
	}
	if v := parseInt(os.Getenv("PTT_SUBPROCESS_THREADS")); v != 0 {
		cfg.Subprocess.Threads = v
	}
	if v := parseInt(os.Getenv("PTT_AUDIO_MIN_DURATION_MS")); v != 0 {
		cfg.Audio.MinDurationMs = v
	}
	if v := parseInt(os.Getenv("PTT_AUDIO_MAX_DURATION_MS")); v != 0 {
		cfg.Audio.MaxDurationMs = v
	}

	return cfg
}

func parseInt(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}

// recorder wraps a malgo capture device, accumulating PCM16LE mono samples
// into an in-memory buffer between start/stop calls. Grounded on the
// teacher's cmd/agent malgo.InitDevice/DeviceCallbacks wiring, trimmed from
// full-duplex playback coordination down to capture-only.
type recorder struct {
	logger  orchestrator.Logger
	mctx    *malgo.AllocatedContext
	device  *malgo.Device
	mu      sync.Mutex
	buf     []byte
	capture bool
}

func newRecorder(logger orchestrator.Logger) *recorder {
	return &recorder{logger: logger}
}

func (r *recorder) start() error {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return err
	}
	r.mctx = mctx

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = sampleRate

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: r.onSamples,
	})
	if err != nil {
		mctx.Uninit()
		return err
	}
	r.device = device
	return device.Start()
}

func (r *recorder) onSamples(output, input []byte, frameCount uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.capture && input != nil {
		r.buf = append(r.buf, input...)
	}
}

func (r *recorder) beginClip() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = r.buf[:0]
	r.capture = true
}

func (r *recorder) endClip() orchestrator.PcmClip {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture = false
	clip := make(orchestrator.PcmClip, len(r.buf))
	copy(clip, r.buf)
	return clip
}

func (r *recorder) close() {
	if r.device != nil {
		r.device.Uninit()
	}
	if r.mctx != nil {
		r.mctx.Uninit()
	}
}

// runHotkeyLoop stands in for a real global push-to-talk hotkey listener,
// which depends on OS-specific hooking outside this module's scope: it
// reads a line from stdin to toggle capture. Each toggle drives the capture
// state machine and the recorder directly, publishes HotkeyPressedEvent /
// HotkeyReleasedEvent for any bus subscribers, and on release calls
// Orchestrator.Transcribe on this goroutine.
func runHotkeyLoop(ctx context.Context, bus *orchestrator.EventBus, capture *orchestrator.CaptureStateMachine, rec *recorder, orch *orchestrator.Orchestrator, logger orchestrator.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		sessionID := orchestrator.SessionID(uuid.NewString())
		if !capture.IsActive() {
			if !capture.StartCapture(sessionID) {
				continue
			}
			bus.Publish(orchestrator.HotkeyPressedEvent{Timestamp: time.Now()})
			rec.beginClip()
			fmt.Println("recording... press Enter to stop")
			continue
		}

		active, ok := capture.CancelCapture()
		if !ok {
			continue
		}
		bus.Publish(orchestrator.HotkeyReleasedEvent{Timestamp: time.Now()})
		clip := rec.endClip()
		fmt.Printf("transcribing %d bytes...\n", len(clip))

		start := time.Now()
		result := orch.Transcribe(ctx, active, clip)
		logger.Debug("transcription call complete", "duration_ms", time.Since(start).Milliseconds(), "engine", result.Engine)
	}
}
