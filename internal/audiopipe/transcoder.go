package audiopipe

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Transcoder converts an encoded audio file into the raw stream the call
// transport plays: signed 16-bit little-endian PCM, mono, 48 kHz.
type Transcoder interface {
	Transcode(ctx context.Context, inPath, outPath string) error
}

// TranscoderFunc adapts a function to the Transcoder interface.
type TranscoderFunc func(ctx context.Context, inPath, outPath string) error

// Transcode invokes the underlying function.
func (f TranscoderFunc) Transcode(ctx context.Context, inPath, outPath string) error {
	return f(ctx, inPath, outPath)
}

// FFmpegTranscoder shells out to ffmpeg for the conversion.
type FFmpegTranscoder struct {
	binary string
}

// NewFFmpegTranscoder constructs a transcoder using the given ffmpeg binary,
// or "ffmpeg" from PATH when empty.
func NewFFmpegTranscoder(binary string) *FFmpegTranscoder {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &FFmpegTranscoder{binary: binary}
}

// Transcode implements Transcoder.
func (t *FFmpegTranscoder) Transcode(ctx context.Context, inPath, outPath string) error {
	cmd := exec.CommandContext(ctx, t.binary,
		"-y",
		"-i", inPath,
		"-f", "s16le",
		"-ac", "1",
		"-ar", "48000",
		"-acodec", "pcm_s16le",
		outPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		detail := lastLine(stderr.String())
		if detail != "" {
			return fmt.Errorf("%w: %v (%s)", ErrTranscode, err, detail)
		}
		return fmt.Errorf("%w: %v", ErrTranscode, err)
	}
	return nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}
