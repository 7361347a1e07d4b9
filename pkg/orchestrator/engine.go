package orchestrator

import "context"

// Engine is the shared capability both engine adapter variants (in-process
// and subprocess) implement. It replaces inheritance from a common base
// class with a small interface plus two concrete implementations, per the
// re-architecture notes: shared lifecycle logic lives in a helper each
// variant composes, not a parent type.
type Engine interface {
	// Initialize is idempotent; it fails with ErrEngineInitFailed if native
	// resources or subprocess prerequisites are unusable.
	Initialize(ctx context.Context) error

	// Transcribe runs one transcription call under the engine's admission
	// limit. Failures are returned wrapped via NewTranscriptionError.
	Transcribe(ctx context.Context, clip PcmClip) (EngineResult, error)

	// EngineName is a stable identifier for the concrete variant, prefixed
	// with its primary/secondary role (e.g. "primary-inproc",
	// "secondary-subprocess").
	EngineName() string

	// IsHealthy is a fast probe: true iff initialized, not closed, and the
	// last known state is good.
	IsHealthy() bool

	// Close is idempotent and releases all resources on every exit path,
	// including after a failed Initialize.
	Close() error
}

// TokenConsumer is an optional capability: engines that produce token-level
// output may implement it. ConsumeLastTokens is valid only immediately after
// a successful Transcribe that produced structured output; it is
// single-shot and clears the internal cache when consumed.
type TokenConsumer interface {
	ConsumeLastTokens() ([]string, bool)
}

// RawConsumer is the analogous optional capability for raw structured
// output (e.g. the subprocess engine's parsed JSON payload).
type RawConsumer interface {
	ConsumeLastRaw() (interface{}, bool)
}
