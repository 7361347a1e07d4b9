// Package logging adapts log/slog to the core's narrow Logger contract.
package logging

import (
	"log/slog"
	"os"

	"github.com/ptt-dictate/orchestrator/pkg/orchestrator"
)

// SlogLogger implements orchestrator.Logger over a *slog.Logger.
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger wraps an existing *slog.Logger. Pass nil to get a default
// JSON handler writing to stderr.
func NewSlogLogger(logger *slog.Logger) *SlogLogger {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return &SlogLogger{logger: logger}
}

func (s *SlogLogger) Debug(msg string, args ...interface{}) { s.logger.Debug(msg, args...) }
func (s *SlogLogger) Info(msg string, args ...interface{})  { s.logger.Info(msg, args...) }
func (s *SlogLogger) Warn(msg string, args ...interface{})  { s.logger.Warn(msg, args...) }
func (s *SlogLogger) Error(msg string, args ...interface{}) { s.logger.Error(msg, args...) }

var _ orchestrator.Logger = (*SlogLogger)(nil)
