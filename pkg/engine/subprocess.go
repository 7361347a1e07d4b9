package engine

import (
	"context"
	"sync"
	"time"

	"github.com/ptt-dictate/orchestrator/pkg/orchestrator"
)

// Subprocess is the Secondary engine: a per-call external recognizer binary
// fronted by a per-engine admission permit. Unlike InProc, it holds no
// persistent native handle — each Transcribe spawns and tears down its own
// process — so Initialize/Close only probe and record health.
type Subprocess struct {
	role      orchestrator.EngineRole
	mgr       *subprocessManager
	admission *admission

	mu      sync.Mutex
	initted bool
	closed  bool
	healthy bool

	rawMu     sync.Mutex
	lastRaw   interface{}
	hasRaw    bool
	tokenMu   sync.Mutex
	lastToken []string
	hasToken  bool
}

// NewSubprocess constructs the subprocess engine. binaryPath/modelPath are
// resolved at construction time (the demo command's wiring concern); cfg
// supplies the per-call timeout, output mode, and thread count.
func NewSubprocess(role orchestrator.EngineRole, binaryPath, modelPath, language string, cfg orchestrator.SubprocessConfig, maxConcurrent, acquireTimeoutMs int) *Subprocess {
	return &Subprocess{
		role: role,
		mgr: newSubprocessManager(subprocessManagerConfig{
			BinaryPath: binaryPath,
			ModelPath:  modelPath,
			Language:   language,
			OutputMode: cfg.OutputMode,
			Threads:    cfg.Threads,
			Timeout:    time.Duration(cfg.TimeoutSeconds) * time.Second,
		}),
		admission: newAdmission(role, maxConcurrent, acquireTimeoutMs),
	}
}

func (e *Subprocess) EngineName() string { return string(e.role) + "-subprocess" }

// Initialize probes that the recognizer binary and model path exist and are
// executable by running a trivial silence clip through the pipeline once.
func (e *Subprocess) Initialize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	probe := make(orchestrator.PcmClip, 16000/5*2) // 200ms of silence
	if _, err := e.mgr.run(ctx, e.role, probe); err != nil {
		e.healthy = false
		return orchestrator.ErrEngineInitFailed
	}
	e.initted = true
	e.closed = false
	e.healthy = true
	return nil
}

func (e *Subprocess) IsHealthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initted && !e.closed && e.healthy
}

// Close is idempotent; the subprocess engine holds no persistent resources
// beyond its admission semaphore, so this only flips bookkeeping flags.
func (e *Subprocess) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.healthy = false
	return nil
}

func (e *Subprocess) Transcribe(ctx context.Context, clip orchestrator.PcmClip) (orchestrator.EngineResult, error) {
	release, err := e.admission.acquire(ctx)
	if err != nil {
		return orchestrator.EngineResult{}, err
	}
	defer release()

	out, err := e.mgr.run(ctx, e.role, clip)
	if err != nil {
		e.mu.Lock()
		e.healthy = false
		e.mu.Unlock()
		return orchestrator.EngineResult{}, err
	}

	e.tokenMu.Lock()
	e.lastToken = out.tokens
	e.hasToken = true
	e.tokenMu.Unlock()

	e.rawMu.Lock()
	e.lastRaw = out.raw
	e.hasRaw = out.raw != nil
	e.rawMu.Unlock()

	return orchestrator.EngineResult{Text: out.text, Confidence: out.confidence, Engine: e.role, Tokens: out.tokens, Raw: out.raw}, nil
}

// ConsumeLastTokens implements orchestrator.TokenConsumer.
func (e *Subprocess) ConsumeLastTokens() ([]string, bool) {
	e.tokenMu.Lock()
	defer e.tokenMu.Unlock()
	if !e.hasToken {
		return nil, false
	}
	tokens := e.lastToken
	e.lastToken = nil
	e.hasToken = false
	return tokens, true
}

// ConsumeLastRaw implements orchestrator.RawConsumer.
func (e *Subprocess) ConsumeLastRaw() (interface{}, bool) {
	e.rawMu.Lock()
	defer e.rawMu.Unlock()
	if !e.hasRaw {
		return nil, false
	}
	raw := e.lastRaw
	e.lastRaw = nil
	e.hasRaw = false
	return raw, true
}
