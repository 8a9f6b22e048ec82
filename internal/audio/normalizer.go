package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"
)

// TargetSampleRate is the rate the classification model expects
const TargetSampleRate = 16000

// ProcessingError wraps any failure while turning an upload into a waveform
type ProcessingError struct {
	Err error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("Error processing audio file: %v", e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// Waveform is a mono signal at a fixed sample rate
type Waveform struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the signal length
func (w Waveform) Duration() time.Duration {
	if w.SampleRate == 0 {
		return 0
	}
	return time.Duration(float64(len(w.Samples)) / float64(w.SampleRate) * float64(time.Second))
}

// NormalizeStats reports how long each stage took
type NormalizeStats struct {
	UploadBytes    int64
	SourceRate     int
	SourceChannels int
	SourceBits     int
	Transcode      time.Duration
	Decode         time.Duration
}

// Normalizer turns uploaded bytes into a mono waveform at TargetSampleRate
type Normalizer struct {
	transcoder Transcoder
	tempDir    string
	sampleRate int
	logger     *slog.Logger
}

// NewNormalizer creates a normalizer writing its scratch files to tempDir
func NewNormalizer(transcoder Transcoder, tempDir string, logger *slog.Logger) *Normalizer {
	return &Normalizer{
		transcoder: transcoder,
		tempDir:    tempDir,
		sampleRate: TargetSampleRate,
		logger:     logger,
	}
}

// Normalize writes the upload to a temp file, transcodes it to PCM WAV and
// loads it as a mono waveform. Both temp files are removed before returning.
// Every failure is returned as a *ProcessingError.
func (n *Normalizer) Normalize(ctx context.Context, r io.Reader, ext string) (Waveform, NormalizeStats, error) {
	wf, stats, err := n.normalize(ctx, r, ext)
	if err != nil {
		var perr *ProcessingError
		if !errors.As(err, &perr) {
			err = &ProcessingError{Err: err}
		}
		return Waveform{}, stats, err
	}
	return wf, stats, nil
}

func (n *Normalizer) normalize(ctx context.Context, r io.Reader, ext string) (Waveform, NormalizeStats, error) {
	var stats NormalizeStats

	pattern := "upload-*"
	if ext != "" {
		pattern += "." + ext
	}

	src, size, err := writeTemp(n.tempDir, pattern, r)
	if err != nil {
		return Waveform{}, stats, err
	}
	defer n.cleanup(src)
	stats.UploadBytes = size

	if size == 0 {
		return Waveform{}, stats, fmt.Errorf("uploaded file is empty")
	}

	dst, err := CreateTemp(n.tempDir, "normalized-*.wav")
	if err != nil {
		return Waveform{}, stats, err
	}
	defer n.cleanup(dst)
	// ffmpeg opens the path itself
	dst.Close()

	start := time.Now()
	if err := n.transcoder.Transcode(ctx, src.Path(), dst.Path()); err != nil {
		return Waveform{}, stats, err
	}
	stats.Transcode = time.Since(start)

	start = time.Now()
	wf, err := n.load(dst.Path(), &stats)
	if err != nil {
		return Waveform{}, stats, err
	}
	stats.Decode = time.Since(start)

	if len(wf.Samples) == 0 {
		return Waveform{}, stats, fmt.Errorf("decoded audio contains no samples")
	}

	return wf, stats, nil
}

func (n *Normalizer) cleanup(t *TempFile) {
	if err := t.Remove(); err != nil && n.logger != nil {
		n.logger.Warn("Failed to remove temp file",
			slog.String("path", t.Path()),
			slog.String("error", err.Error()),
		)
	}
}

// load reads a WAV file and returns it as a mono waveform at the target rate
func (n *Normalizer) load(path string, stats *NormalizeStats) (Waveform, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Waveform{}, fmt.Errorf("failed to read decoded audio: %w", err)
	}

	info, err := GetWAVInfo(data)
	if err != nil {
		return Waveform{}, fmt.Errorf("failed to decode audio: %w", err)
	}
	stats.SourceRate = int(info.SampleRate)
	stats.SourceChannels = int(info.Channels)
	stats.SourceBits = int(info.BitsPerSample)
	if n.logger != nil {
		n.logger.Debug("Transcoded audio",
			slog.Int("sample_rate", stats.SourceRate),
			slog.Int("channels", stats.SourceChannels),
			slog.Int("bits_per_sample", stats.SourceBits),
			slog.Float64("duration_seconds", info.Duration),
		)
	}

	pcm, err := DecodeWAV(data)
	if err != nil {
		return Waveform{}, fmt.Errorf("failed to decode audio: %w", err)
	}

	resampled, err := Resample(ToMono(pcm), pcm.SampleRate, n.sampleRate)
	if err != nil {
		return Waveform{}, err
	}

	return Waveform{Samples: toFloat32(resampled), SampleRate: n.sampleRate}, nil
}
