package audio

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Transcoder converts an arbitrary audio container into an uncompressed PCM WAV file
type Transcoder interface {
	Transcode(ctx context.Context, inPath, outPath string) error
}

// FFmpeg transcodes by running the ffmpeg binary
type FFmpeg struct {
	Binary  string
	Timeout time.Duration
}

// NewFFmpeg creates an ffmpeg transcoder; binary defaults to "ffmpeg" on PATH
func NewFFmpeg(binary string, timeout time.Duration) *FFmpeg {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &FFmpeg{Binary: binary, Timeout: timeout}
}

// Transcode re-encodes inPath as 16-bit PCM WAV at outPath.
// The source sample rate and channel layout are kept.
func (f *FFmpeg) Transcode(ctx context.Context, inPath, outPath string) error {
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	// ffmpeg -y -i input -vn -acodec pcm_s16le -f wav output
	cmd := exec.CommandContext(ctx, f.Binary,
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-y", "-i", inPath,
		"-vn", "-acodec", "pcm_s16le",
		"-f", "wav",
		outPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	// Children of a killed ffmpeg may still hold the stderr pipe
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("timed out after %s", f.Timeout)
		}
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			err = fmt.Errorf("%w: %s", err, detail)
		}
		return fmt.Errorf("FFmpeg failed to process the input file. Ensure the file is valid. Error: %w", err)
	}

	return nil
}

// Check verifies that the ffmpeg binary can be executed
func (f *FFmpeg) Check(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, f.Binary, "-hide_banner", "-version").Output()
	if err != nil {
		return fmt.Errorf("ffmpeg binary %q is not usable: %w", f.Binary, err)
	}
	if !bytes.HasPrefix(out, []byte("ffmpeg version")) {
		return fmt.Errorf("unexpected output from %q -version", f.Binary)
	}
	return nil
}
