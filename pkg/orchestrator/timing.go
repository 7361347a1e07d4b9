package orchestrator

import (
	"sync"
	"time"
)

// TimingCoordinator tracks the wall-clock timestamp of the last completed
// transcription so the orchestrator knows when to insert a paragraph break.
// Zero-value-means-unset, mirroring the teacher's ManagedStream
// instrumentation timestamps (time.Time{} / IsZero()).
type TimingCoordinator struct {
	mu         sync.Mutex
	last       time.Time
	silenceGap time.Duration
}

func NewTimingCoordinator(silenceGapMs int) *TimingCoordinator {
	return &TimingCoordinator{silenceGap: time.Duration(silenceGapMs) * time.Millisecond}
}

// ShouldAddParagraphBreak reports whether a previous transcription exists
// and the elapsed time since it exceeds the configured silence gap. A zero
// silence gap disables paragraph breaks entirely.
func (t *TimingCoordinator) ShouldAddParagraphBreak() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last.IsZero() || t.silenceGap <= 0 {
		return false
	}
	return time.Since(t.last) > t.silenceGap
}

func (t *TimingCoordinator) RecordTranscription() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = time.Now()
}

func (t *TimingCoordinator) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = time.Time{}
}
