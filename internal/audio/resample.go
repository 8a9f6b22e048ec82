package audio

import (
	"fmt"
	"math"

	resampling "github.com/tphakala/go-audio-resampling"
)

// ToMono down-mixes interleaved samples by averaging the channels of each frame
func ToMono(p *PCM) []float64 {
	if p.Channels <= 1 {
		return p.Samples
	}

	frames := p.Frames()
	mono := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for ch := 0; ch < p.Channels; ch++ {
			sum += p.Samples[i*p.Channels+ch]
		}
		mono[i] = sum / float64(p.Channels)
	}
	return mono
}

// Resample converts mono samples from one sample rate to another.
// Samples are returned unchanged when the rates already match.
func Resample(samples []float64, fromRate, toRate int) ([]float64, error) {
	if fromRate <= 0 || toRate <= 0 {
		return nil, fmt.Errorf("sample rates must be positive, got %d -> %d", fromRate, toRate)
	}

	if fromRate == toRate || len(samples) == 0 {
		return samples, nil
	}

	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(fromRate),
		OutputRate: float64(toRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler: %w", err)
	}

	want := resampledLength(len(samples), fromRate, toRate)

	// Trailing silence pushes the last input samples through the filter delay
	padded := make([]float64, len(samples)+fromRate/resamplePadDivisor)
	copy(padded, samples)

	out, err := r.Process(padded)
	if err != nil {
		return nil, fmt.Errorf("resample error: %w", err)
	}

	tail, err := r.Flush()
	if err != nil {
		return nil, fmt.Errorf("resample flush error: %w", err)
	}
	out = append(out, tail...)

	if len(out) >= want {
		return out[:want], nil
	}
	return append(out, make([]float64, want-len(out))...), nil
}

// resamplePadDivisor sets the silence appended before flushing to 1/4 s of input
const resamplePadDivisor = 4

// resampledLength is the number of samples n input samples map to after conversion
func resampledLength(n, fromRate, toRate int) int {
	return int(math.Round(float64(n) * float64(toRate) / float64(fromRate)))
}

// toFloat32 narrows samples for the model input, clamping to [-1, 1]
func toFloat32(samples []float64) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		switch {
		case s > 1:
			s = 1
		case s < -1:
			s = -1
		}
		out[i] = float32(s)
	}
	return out
}
