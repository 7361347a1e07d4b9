package engine

import (
	"context"
	"sync"

	"github.com/ptt-dictate/orchestrator/pkg/orchestrator"
)

// modelBackend is the swappable recognition core behind InProc. The default
// build uses stubBackend (pkg/engine/inproc_stub.go); building with the
// onnxruntime tag swaps in onnxBackend (pkg/engine/inproc_onnx.go).
type modelBackend interface {
	load(ctx context.Context) error
	recognize(clip orchestrator.PcmClip) (text string, tokens []string, confidence float64, err error)
	unload() error
}

// InProc is the Primary engine: an in-process recognizer holding one opaque
// model handle, fronted by a per-call admission permit. Each Transcribe call
// creates a short-lived recognizer bound to the model — this is the only
// concurrent shape the spec allows (§4.2.a) — so the backend itself only
// needs to be safe for concurrent reader use, not for concurrent mutation.
// Grounded on the teacher's GroqSTT-style adapter shape (plain struct,
// explicit constructor, Transcribe/Name pair) generalized to the
// Engine interface.
type InProc struct {
	role      orchestrator.EngineRole
	backend   modelBackend
	admission *admission

	mu      sync.Mutex
	initted bool
	closed  bool
	healthy bool

	tokenMu    sync.Mutex
	lastTokens []string
	hasTokens  bool
}

// NewInProc constructs the in-process engine. max/acquireTimeoutMs come from
// Config.Concurrency for the given role.
func NewInProc(role orchestrator.EngineRole, backend modelBackend, max int, acquireTimeoutMs int) *InProc {
	return &InProc{
		role:      role,
		backend:   backend,
		admission: newAdmission(role, max, acquireTimeoutMs),
	}
}

// NewDefaultInProc constructs the in-process engine with the build's default
// backend: stubBackend unless built with the onnxruntime tag, in which case
// it's the real ONNX Runtime backend (see inproc_stub.go / inproc_onnx.go).
func NewDefaultInProc(role orchestrator.EngineRole, max int, acquireTimeoutMs int) *InProc {
	return NewInProc(role, newDefaultInProcBackend(), max, acquireTimeoutMs)
}

func (e *InProc) EngineName() string { return string(e.role) + "-inproc" }

func (e *InProc) Initialize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.backend.load(ctx); err != nil {
		e.healthy = false
		return orchestrator.ErrEngineInitFailed
	}
	e.initted = true
	e.closed = false
	e.healthy = true
	return nil
}

func (e *InProc) IsHealthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initted && !e.closed && e.healthy
}

func (e *InProc) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.healthy = false
	return e.backend.unload()
}

// Transcribe acquires an admission permit, then runs a short-lived
// recognizer bound to the held model. Confidence is clamped to [0,1] by the
// caller (Orchestrator.runSingle / ParallelService.runEngine), not here.
func (e *InProc) Transcribe(ctx context.Context, clip orchestrator.PcmClip) (orchestrator.EngineResult, error) {
	release, err := e.admission.acquire(ctx)
	if err != nil {
		return orchestrator.EngineResult{}, err
	}
	defer release()

	text, tokens, confidence, err := e.backend.recognize(clip)
	if err != nil {
		e.mu.Lock()
		e.healthy = false
		e.mu.Unlock()
		return orchestrator.EngineResult{}, orchestrator.NewTranscriptionError(e.role, orchestrator.FailureIOFailure, err)
	}

	e.tokenMu.Lock()
	e.lastTokens = tokens
	e.hasTokens = true
	e.tokenMu.Unlock()

	return orchestrator.EngineResult{Text: text, Confidence: confidence, Engine: e.role, Tokens: tokens}, nil
}

// ConsumeLastTokens implements orchestrator.TokenConsumer.
func (e *InProc) ConsumeLastTokens() ([]string, bool) {
	e.tokenMu.Lock()
	defer e.tokenMu.Unlock()
	if !e.hasTokens {
		return nil, false
	}
	tokens := e.lastTokens
	e.lastTokens = nil
	e.hasTokens = false
	return tokens, true
}
