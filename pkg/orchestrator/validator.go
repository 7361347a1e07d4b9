package orchestrator

import "fmt"

// ValidateClip rejects clips outside the accepted PCM16LE mono @16kHz
// format, size, and duration envelope. Pure; no side effects. Called
// exactly once per transcription request, before any engine work.
func ValidateClip(cfg AudioConfig, clip PcmClip) error {
	if len(clip) == 0 {
		return NewInvalidAudioError("empty clip")
	}
	if len(clip)%2 != 0 {
		return NewInvalidAudioError("byte length must be an even multiple of 2")
	}

	durationMs := (len(clip) / 2) * 1000 / 16000
	if durationMs < cfg.MinDurationMs {
		return NewInvalidAudioError(fmt.Sprintf("duration %dms below minimum %dms", durationMs, cfg.MinDurationMs))
	}
	if durationMs > cfg.MaxDurationMs {
		return NewInvalidAudioError(fmt.Sprintf("duration %dms exceeds maximum %dms", durationMs, cfg.MaxDurationMs))
	}
	return nil
}
