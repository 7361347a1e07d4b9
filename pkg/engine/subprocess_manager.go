package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ptt-dictate/orchestrator/pkg/audio"
	"github.com/ptt-dictate/orchestrator/pkg/orchestrator"
)

const (
	stdoutCap = 1 << 20        // 1MB
	stderrCap = 256 << 10      // 256KB
	stderrSnippetCap = 2 << 10 // 2KB, per spec.md §4.2.b
	terminateGrace   = 500 * time.Millisecond
	killGrace        = 1 * time.Second
)

// subprocessManagerConfig names the external recognizer binary invocation,
// grounded on the lyrebirdaudio stream Manager's ManagerConfig (explicit
// path fields, no implicit PATH lookup).
type subprocessManagerConfig struct {
	BinaryPath string
	ModelPath  string
	Language   string
	OutputMode orchestrator.SubprocessOutputMode
	Threads    int
	Timeout    time.Duration
}

// subprocessManager spawns the external recognizer once per call: writes the
// clip to a uniquely named temp WAV, runs the binary with a deterministic
// argument list, drains stdout/stderr under byte caps, and guarantees
// termination on every exit path. Grounded on the lyrebirdaudio stream
// Manager's start/stop lifecycle (SIGTERM, grace period, then hard Kill
// regardless of whether the process already exited), adapted from a
// long-running restart loop to a single bounded per-call invocation.
type subprocessManager struct {
	cfg subprocessManagerConfig
}

func newSubprocessManager(cfg subprocessManagerConfig) *subprocessManager {
	return &subprocessManager{cfg: cfg}
}

type subprocessOutput struct {
	text       string
	tokens     []string
	confidence float64
	raw        interface{}
}

// run executes one recognizer call end to end. It never returns a partial
// result: on timeout or non-zero exit, it returns a structured
// TranscriptionFailed error carrying exit code, duration, and a stderr
// snippet (spec.md §4.2.b step 5).
func (m *subprocessManager) run(ctx context.Context, role orchestrator.EngineRole, clip orchestrator.PcmClip) (subprocessOutput, error) {
	tempPath, err := m.writeTempWav(clip)
	if err != nil {
		return subprocessOutput{}, orchestrator.NewTranscriptionError(role, orchestrator.FailureIOFailure, err)
	}
	defer os.Remove(tempPath)

	absModel, err := filepath.Abs(m.cfg.ModelPath)
	if err != nil {
		return subprocessOutput{}, orchestrator.NewTranscriptionError(role, orchestrator.FailureIOFailure, err)
	}
	absInput, err := filepath.Abs(tempPath)
	if err != nil {
		return subprocessOutput{}, orchestrator.NewTranscriptionError(role, orchestrator.FailureIOFailure, err)
	}

	timeout := m.cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{
		absModel,
		absInput,
		m.cfg.Language,
		string(m.cfg.OutputMode),
		fmt.Sprintf("%d", m.cfg.Threads),
	}
	// #nosec G204 - BinaryPath comes from validated configuration, not user input
	cmd := exec.CommandContext(cctx, m.cfg.BinaryPath, args...)

	stdoutBuf := &capBuffer{limit: stdoutCap}
	stderrBuf := &capBuffer{limit: stderrCap}
	cmd.Stdout = stdoutBuf
	cmd.Stderr = stderrBuf

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return subprocessOutput{}, orchestrator.NewTranscriptionError(role, orchestrator.FailureIOFailure, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-cctx.Done():
		m.gracefulShutdown(cmd)
		select {
		case waitErr = <-done:
		case <-time.After(killGrace):
			waitErr = fmt.Errorf("subprocess still running %s after force-kill", killGrace)
		}
	}
	duration := time.Since(start)

	if cctx.Err() == context.DeadlineExceeded {
		return subprocessOutput{}, orchestrator.NewTranscriptionError(role, orchestrator.FailureTimeout,
			fmt.Errorf("subprocess timed out after %s: binary=%q model=%q stderr=%q",
				duration, m.cfg.BinaryPath, m.cfg.ModelPath, stderrBuf.snippet(stderrSnippetCap)))
	}
	if waitErr != nil {
		exitCode := -1
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return subprocessOutput{}, orchestrator.NewTranscriptionError(role, orchestrator.FailureNonZeroExit,
			fmt.Errorf("subprocess exited %d after %s: binary=%q model=%q stderr=%q",
				exitCode, duration, m.cfg.BinaryPath, m.cfg.ModelPath, stderrBuf.snippet(stderrSnippetCap)))
	}

	return parseSubprocessOutput(m.cfg.OutputMode, stdoutBuf.Bytes())
}

// gracefulShutdown sends SIGTERM, waits a grace period, then force-kills
// regardless of whether the process has already exited — Kill on an
// already-reaped process is a benign no-op.
func (m *subprocessManager) gracefulShutdown(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	time.Sleep(terminateGrace)
	_ = cmd.Process.Kill()
}

func (m *subprocessManager) writeTempWav(clip orchestrator.PcmClip) (string, error) {
	f, err := os.CreateTemp("", "ptt-dictate-*.wav")
	if err != nil {
		return "", err
	}
	defer f.Close()

	wav := audio.NewWavBuffer(clip, 16000)
	if _, err := f.Write(wav); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// parseSubprocessOutput tolerates malformed JSON by returning an empty
// result rather than failing the call, per spec.md §4.2.b step 6.
func parseSubprocessOutput(mode orchestrator.SubprocessOutputMode, out []byte) (subprocessOutput, error) {
	if mode == orchestrator.SubprocessOutputText {
		text := strings.TrimSpace(string(out))
		confidence := 0.0
		if text != "" {
			confidence = 1.0
		}
		return subprocessOutput{text: text, tokens: orchestrator.Tokenize(text), confidence: confidence}, nil
	}

	var payload struct {
		Text       string   `json:"text"`
		Confidence *float64 `json:"confidence"`
		Segments   []struct {
			Text       string   `json:"text"`
			Confidence *float64 `json:"confidence"`
		} `json:"segments"`
	}
	if err := json.Unmarshal(out, &payload); err != nil {
		return subprocessOutput{}, nil
	}

	text := payload.Text
	confSum, confCount := 0.0, 0
	if payload.Confidence != nil {
		confSum += *payload.Confidence
		confCount++
	}
	if text == "" && len(payload.Segments) > 0 {
		var b strings.Builder
		for i, seg := range payload.Segments {
			if i > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(seg.Text)
			if seg.Confidence != nil {
				confSum += *seg.Confidence
				confCount++
			}
		}
		text = b.String()
	}

	confidence := 0.0
	switch {
	case confCount > 0:
		confidence = confSum / float64(confCount)
	case text != "":
		confidence = 1.0
	}

	var raw interface{}
	_ = json.Unmarshal(out, &raw)

	return subprocessOutput{text: text, tokens: orchestrator.Tokenize(text), confidence: confidence, raw: raw}, nil
}

// capBuffer is a bytes.Buffer that silently stops accepting writes past
// limit instead of growing unbounded — the subprocess's entire stdout/stderr
// is never trusted to be well-behaved.
type capBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (c *capBuffer) Write(p []byte) (int, error) {
	remaining := c.limit - c.buf.Len()
	if remaining <= 0 {
		return len(p), nil
	}
	if len(p) > remaining {
		c.buf.Write(p[:remaining])
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

func (c *capBuffer) Bytes() []byte { return c.buf.Bytes() }

func (c *capBuffer) snippet(n int) string {
	b := c.buf.Bytes()
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}

var _ io.Writer = (*capBuffer)(nil)
