package classifier

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

// YAMNet framing at 16 kHz: 0.96 s patches with a 0.48 s hop
const (
	FrameSamples = 15360
	HopSamples   = 7680
)

// EnergyClasses names the catalog columns the energy model scores
type EnergyClasses struct {
	Width   int // total number of classes in the catalog
	Silence int
	Noise   int
	Tone    int
}

// ResolveEnergyClasses picks the silence, noise and tone columns from catalog names.
// Tone is the first class whose name contains keyword.
func ResolveEnergyClasses(names []string, keyword string) (EnergyClasses, error) {
	ec := EnergyClasses{Width: len(names), Silence: -1, Noise: -1, Tone: -1}
	kw := strings.ToLower(keyword)

	for i, name := range names {
		lower := strings.ToLower(name)
		if ec.Silence < 0 && lower == "silence" {
			ec.Silence = i
		}
		if ec.Noise < 0 && strings.Contains(lower, "noise") {
			ec.Noise = i
		}
		if ec.Tone < 0 && kw != "" && strings.Contains(lower, kw) {
			ec.Tone = i
		}
	}

	switch {
	case ec.Silence < 0:
		return ec, fmt.Errorf("catalog has no %q class", "Silence")
	case ec.Noise < 0:
		return ec, fmt.Errorf("catalog has no noise class")
	case ec.Tone < 0:
		return ec, fmt.Errorf("catalog has no class matching %q", keyword)
	}
	return ec, nil
}

// Energy is a local stand-in for the audio event model. It frames the waveform the
// way YAMNet does and scores each frame from RMS energy, zero-crossing rate and crest
// factor: quiet frames are silence, loud sinusoid-like frames in the siren band are
// tone, everything else is noise.
type Energy struct {
	classes          EnergyClasses
	silenceThreshold float64
	sampleRate       int
	minToneHz        float64
	maxToneHz        float64

	// Statistics
	totalFrames   uint64
	toneFrames    uint64
	lastProcessed time.Time

	mu sync.RWMutex
}

// EnergyStats represents energy model statistics
type EnergyStats struct {
	Backend        string    `json:"backend"`
	TotalFrames    uint64    `json:"total_frames"`
	ToneFrames     uint64    `json:"tone_frames"`
	TonePercentage float64   `json:"tone_percentage"`
	LastProcessed  time.Time `json:"last_processed"`
}

// NewEnergy creates an energy model scoring into the given catalog columns
func NewEnergy(classes EnergyClasses, sampleRate int) (*Energy, error) {
	if classes.Width <= 0 {
		return nil, fmt.Errorf("class count must be positive, got %d", classes.Width)
	}

	for _, idx := range []int{classes.Silence, classes.Noise, classes.Tone} {
		if idx < 0 || idx >= classes.Width {
			return nil, fmt.Errorf("class index %d out of range [0, %d)", idx, classes.Width)
		}
	}

	if classes.Silence == classes.Noise || classes.Silence == classes.Tone || classes.Noise == classes.Tone {
		return nil, fmt.Errorf("silence, noise and tone classes must be distinct")
	}

	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	return &Energy{
		classes:          classes,
		silenceThreshold: 0.01,
		sampleRate:       sampleRate,
		minToneHz:        400,
		maxToneHz:        2000,
	}, nil
}

// Name returns the backend name
func (e *Energy) Name() string {
	return "energy"
}

// Ready always succeeds; the model has nothing to load
func (e *Energy) Ready(ctx context.Context) error {
	return ctx.Err()
}

// Classify returns one score row per frame
func (e *Energy) Classify(ctx context.Context, waveform []float32) (ScoreMatrix, error) {
	if len(waveform) == 0 {
		return nil, fmt.Errorf("waveform is empty")
	}

	frames := FrameCount(len(waveform))
	scores := make(ScoreMatrix, frames)

	var tone uint64
	for i := 0; i < frames; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		start := i * HopSamples
		end := start + FrameSamples
		if end > len(waveform) {
			end = len(waveform)
		}

		row, isTone := e.scoreFrame(waveform[start:end])
		scores[i] = row
		if isTone {
			tone++
		}
	}

	e.mu.Lock()
	e.totalFrames += uint64(frames)
	e.toneFrames += tone
	e.lastProcessed = time.Now()
	e.mu.Unlock()

	return scores, nil
}

// FrameCount returns how many frames a waveform of n samples yields.
// Short clips are padded to a single frame.
func FrameCount(n int) int {
	if n <= FrameSamples {
		return 1
	}
	return 1 + (n-FrameSamples+HopSamples-1)/HopSamples
}

// scoreFrame scores a frame; missing samples count as zero padding
func (e *Energy) scoreFrame(samples []float32) ([]float32, bool) {
	var energy, peak float64
	crossings := 0
	for i, s := range samples {
		v := float64(s)
		energy += v * v
		if a := math.Abs(v); a > peak {
			peak = a
		}
		if i > 0 && (samples[i-1] < 0) != (s < 0) {
			crossings++
		}
	}
	rms := math.Sqrt(energy / FrameSamples)

	row := make([]float32, e.classes.Width)

	if rms < e.silenceThreshold {
		row[e.classes.Silence] = 0.9
		row[e.classes.Noise] = 0.05
		row[e.classes.Tone] = 0.01
		return row, false
	}

	// Normalize energy to 0-1 range (full-scale sine is about 0.7)
	normalizedEnergy := rms / 0.7
	if normalizedEnergy > 1 {
		normalizedEnergy = 1
	}

	// A sine has crest factor sqrt(2); broadband noise sits near 3-4
	crest := peak / (math.Sqrt(energy/float64(len(samples))) + 1e-12)
	freq := float64(crossings) * float64(e.sampleRate) / (2 * float64(len(samples)))
	isTone := crest < 2 && freq >= e.minToneHz && freq <= e.maxToneHz

	winner := float32(0.5 + 0.45*normalizedEnergy)
	if isTone {
		row[e.classes.Tone] = winner
		row[e.classes.Noise] = 0.1
	} else {
		row[e.classes.Noise] = winner
		row[e.classes.Tone] = 0.05
	}
	row[e.classes.Silence] = 0.01

	return row, isTone
}

// GetStats returns current model statistics
func (e *Energy) GetStats() EnergyStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	tonePercentage := float64(0)
	if e.totalFrames > 0 {
		tonePercentage = float64(e.toneFrames) / float64(e.totalFrames) * 100
	}

	return EnergyStats{
		Backend:        e.Name(),
		TotalFrames:    e.totalFrames,
		ToneFrames:     e.toneFrames,
		TonePercentage: tonePercentage,
		LastProcessed:  e.lastProcessed,
	}
}
