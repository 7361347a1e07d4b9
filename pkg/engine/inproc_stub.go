//go:build !onnxruntime

package engine

import (
	"context"

	"github.com/ptt-dictate/orchestrator/pkg/orchestrator"
)

// stubBackend is the default, dependency-free modelBackend. It is
// deterministic and makes no claim about real recognition quality — it
// exists so the core and the demo command link and run without an
// onnxruntime shared library present. Build with -tags onnxruntime to swap
// in onnxBackend.
type stubBackend struct {
	loaded bool
}

func newStubBackend() *stubBackend {
	return &stubBackend{}
}

func (b *stubBackend) load(ctx context.Context) error {
	b.loaded = true
	return nil
}

// recognize treats an all-silence (or near-silence) clip as empty text,
// which spec.md §4.2.a states is a valid result, and otherwise returns a
// fixed placeholder transcript with a fixed confidence — enough to drive the
// orchestrator and reconciler through their real code paths under test and
// in the demo command without a real model present.
func (b *stubBackend) recognize(clip orchestrator.PcmClip) (string, []string, float64, error) {
	if isSilence(clip) {
		return "", nil, 1.0, nil
	}
	text := "stub transcription"
	return text, orchestrator.Tokenize(text), 0.5, nil
}

func (b *stubBackend) unload() error {
	b.loaded = false
	return nil
}

func isSilence(clip orchestrator.PcmClip) bool {
	for _, b := range clip {
		if b != 0 {
			return false
		}
	}
	return true
}

func newDefaultInProcBackend() modelBackend {
	return newStubBackend()
}
