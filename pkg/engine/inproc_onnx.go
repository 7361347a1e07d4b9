//go:build onnxruntime

package engine

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/ptt-dictate/orchestrator/pkg/orchestrator"
)

// onnxModelPathEnv names the environment variable onnxBackend reads to
// locate the ONNX speech-recognition model. The rest of the core never reads
// the environment directly (see cmd/dictate for that ambient concern); this
// package reads it only because the backend has no other construction-time
// input in the default wiring.
const onnxModelPathEnv = "PTT_ONNX_MODEL_PATH"

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

// onnxBackend runs a greedy-decoded ASR model via ONNX Runtime. Grounded on
// the Silero VAD plugin's session lifecycle (NewAdvancedSessionWithONNXData,
// explicit tensor Destroy on every exit path, sync.Once environment init)
// adapted from a fixed-window VAD classifier to a single-shot
// encoder producing per-frame token logits, greedily decoded into text.
type onnxBackend struct {
	modelPath string
	session   *ort.AdvancedSession

	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]

	vocab []string
}

func newOnnxBackend() *onnxBackend {
	return &onnxBackend{modelPath: os.Getenv(onnxModelPathEnv)}
}

func (b *onnxBackend) load(ctx context.Context) error {
	if b.modelPath == "" {
		return fmt.Errorf("onnx: %s is not set", onnxModelPathEnv)
	}

	ortInitOnce.Do(func() {
		ortInitErr = ort.InitializeEnvironment()
	})
	if ortInitErr != nil {
		return fmt.Errorf("onnx: initialize environment: %w", ortInitErr)
	}

	const maxSamples = 16000 * 60
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, maxSamples))
	if err != nil {
		return fmt.Errorf("onnx: create input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, maxSamples/320, int64(len(b.vocab))))
	if err != nil {
		inputTensor.Destroy()
		return fmt.Errorf("onnx: create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSessionWithONNXDataFromFile(
		b.modelPath,
		[]string{"input"},
		[]string{"output"},
		[]ort.Value{inputTensor},
		[]ort.Value{outputTensor},
		nil,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return fmt.Errorf("onnx: create session: %w", err)
	}

	b.inputTensor = inputTensor
	b.outputTensor = outputTensor
	b.session = session
	return nil
}

func (b *onnxBackend) recognize(clip orchestrator.PcmClip) (string, []string, float64, error) {
	if b.session == nil {
		return "", nil, 0, fmt.Errorf("onnx: backend not loaded")
	}

	samples := pcmToFloat32(clip)
	data := b.inputTensor.GetData()
	n := copy(data, samples)
	for i := n; i < len(data); i++ {
		data[i] = 0
	}

	if err := b.session.Run(); err != nil {
		return "", nil, 0, fmt.Errorf("onnx: inference: %w", err)
	}

	text, tokens, confidence := greedyDecode(b.outputTensor.GetData(), b.vocab)
	return text, tokens, confidence, nil
}

func (b *onnxBackend) unload() error {
	if b.session != nil {
		b.session.Destroy()
		b.session = nil
	}
	if b.inputTensor != nil {
		b.inputTensor.Destroy()
		b.inputTensor = nil
	}
	if b.outputTensor != nil {
		b.outputTensor.Destroy()
		b.outputTensor = nil
	}
	return nil
}

// greedyDecode is a placeholder CTC-style greedy decoder: per-frame argmax,
// collapse repeats, drop blanks (vocab index 0). Confidence is the mean
// max-logit-as-probability over all frames, emitted or not. Only the model
// path comes from the deployment (PTT_ONNX_MODEL_PATH); onnxBackend.vocab is
// not populated anywhere in this package, and with an empty vocab this
// returns empty text and zero confidence.
func greedyDecode(logits []float32, vocab []string) (string, []string, float64) {
	if len(vocab) == 0 {
		return "", nil, 0
	}
	frames := len(logits) / len(vocab)
	var words strings.Builder
	var tokens []string
	prev := -1
	var confSum float64
	var confCount int

	for f := 0; f < frames; f++ {
		row := logits[f*len(vocab) : (f+1)*len(vocab)]
		best, bestVal := 0, row[0]
		for i, v := range row {
			if v > bestVal {
				best, bestVal = i, v
			}
		}
		confSum += float64(bestVal)
		confCount++
		if best != 0 && best != prev {
			tok := vocab[best]
			tokens = append(tokens, strings.ToLower(tok))
			words.WriteString(tok)
		}
		prev = best
	}

	confidence := 0.0
	if confCount > 0 {
		confidence = confSum / float64(confCount)
	}
	return words.String(), tokens, confidence
}

func pcmToFloat32(clip orchestrator.PcmClip) []float32 {
	n := len(clip) / 2
	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		u := uint16(clip[2*i]) | uint16(clip[2*i+1])<<8
		samples[i] = float32(int16(u)) / 32768.0
	}
	return samples
}

func newDefaultInProcBackend() modelBackend {
	return newOnnxBackend()
}
