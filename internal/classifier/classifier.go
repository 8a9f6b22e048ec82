package classifier

import (
	"context"
	"fmt"
)

// ScoreMatrix holds per-frame class scores: one row per frame, one column per class
type ScoreMatrix [][]float32

// Frames returns the number of frames
func (m ScoreMatrix) Frames() int {
	return len(m)
}

// Width returns the number of classes per frame, or 0 for an empty matrix
func (m ScoreMatrix) Width() int {
	if len(m) == 0 {
		return 0
	}
	return len(m[0])
}

// Validate checks that every frame has the same, non-zero width
func (m ScoreMatrix) Validate() error {
	if len(m) == 0 {
		return fmt.Errorf("model returned no frames")
	}
	width := m.Width()
	if width == 0 {
		return fmt.Errorf("model returned an empty score vector")
	}
	for i, row := range m {
		if len(row) != width {
			return fmt.Errorf("frame %d has %d scores, expected %d", i, len(row), width)
		}
	}
	return nil
}

// Classifier scores a 16 kHz mono waveform frame by frame.
// Implementations must be safe for concurrent use.
type Classifier interface {
	// Classify returns the per-frame score matrix for waveform
	Classify(ctx context.Context, waveform []float32) (ScoreMatrix, error)

	// Ready reports whether the model is loaded and able to serve
	Ready(ctx context.Context) error

	// Name identifies the backend in logs and status output
	Name() string
}

// Observer receives model call outcomes; metrics.Metrics implements it
type Observer interface {
	RecordModelRequest(backend, outcome string, durationSeconds float64)
	RecordModelRetry(backend string)
}

type nopObserver struct{}

func (nopObserver) RecordModelRequest(string, string, float64) {}
func (nopObserver) RecordModelRetry(string) {}
