// Package audiopipe prepares announcement audio for call playback: a
// synthesizer renders the message to an encoded file, a transcoder converts
// it into the raw PCM stream the call transport consumes, and the pipeline
// owns the temporary directory both stages write into.
package audiopipe

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Sanji78/telegram-voip/internal/eventbus"
)

var (
	// ErrSynthesis indicates text-to-speech rendering failed.
	ErrSynthesis = errors.New("tts: synthesis failed")
	// ErrTranscode indicates PCM conversion failed.
	ErrTranscode = errors.New("tts: transcode failed")
	// ErrUnsupportedLanguage indicates the requested language is not in the
	// supported set. Use errors.As with *LanguageError for the suggestion.
	ErrUnsupportedLanguage = errors.New("tts: unsupported language")
	// ErrReleased indicates the source's working directory was already
	// removed.
	ErrReleased = errors.New("tts: source released")
)

// rawBytesPerSecond is the data rate of the output stream: 48000 samples/s,
// mono, 2 bytes per sample.
const rawBytesPerSecond = 96000

// Source is prepared playback audio on disk. Callers must Release it once
// playback is over to reclaim the working directory.
type Source struct {
	Path     string
	Size     int64
	Duration time.Duration
	Format   eventbus.AudioFormat

	mu       sync.Mutex
	dir      string
	released bool
}

// Release removes the working directory holding the raw audio. It is safe
// to call more than once; only the first call does work.
func (s *Source) Release() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return ErrReleased
	}
	s.released = true
	if s.dir == "" {
		return nil
	}
	return os.RemoveAll(s.dir)
}

// Option configures the Pipeline.
type Option func(*Pipeline)

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithSynthesizer sets the text-to-speech backend.
func WithSynthesizer(s Synthesizer) Option {
	return func(p *Pipeline) {
		if s != nil {
			p.synth = s
		}
	}
}

// WithTranscoder sets the PCM conversion backend.
func WithTranscoder(t Transcoder) Option {
	return func(p *Pipeline) {
		if t != nil {
			p.transcoder = t
		}
	}
}

// WithWorkDir sets the parent directory for per-request working directories.
// Defaults to the system temp dir.
func WithWorkDir(dir string) Option {
	return func(p *Pipeline) {
		if dir != "" {
			p.workDir = dir
		}
	}
}

// Pipeline runs synthesis and transcoding for one announcement at a time.
type Pipeline struct {
	synth      Synthesizer
	transcoder Transcoder
	logger     *log.Logger
	workDir    string
}

// New constructs a pipeline with the default Google synthesizer and ffmpeg
// transcoder.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		synth:      NewGoogleSynthesizer(),
		transcoder: NewFFmpegTranscoder(""),
		logger:     log.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Prepare renders message in the given language and returns the raw PCM
// source ready for playback. The working directory is cleaned up on every
// failure path; on success it belongs to the returned Source.
func (p *Pipeline) Prepare(ctx context.Context, message, language string) (*Source, error) {
	lang, err := NormalizeLanguage(language)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp(p.workDir, "tgvoip-tts-")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSynthesis, err)
	}

	start := time.Now()
	encPath := filepath.Join(dir, "speech.mp3")
	encoding, err := p.synth.Synthesize(ctx, SpeakRequest{Text: message, Language: lang}, encPath)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	rawPath := filepath.Join(dir, "speech.raw")
	if err := p.transcoder.Transcode(ctx, encPath, rawPath); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	info, err := os.Stat(rawPath)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: %v", ErrTranscode, err)
	}
	if info.Size() == 0 {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: empty output", ErrTranscode)
	}

	duration := time.Duration(float64(info.Size()) / rawBytesPerSecond * float64(time.Second))
	p.logger.Printf("[AudioPipe] prepared %s announcement (%s encoded, %d bytes raw, ~%s) in %s",
		lang, encoding, info.Size(), duration.Round(time.Millisecond), time.Since(start).Round(time.Millisecond))

	return &Source{
		Path:     rawPath,
		Size:     info.Size(),
		Duration: duration,
		Format: eventbus.AudioFormat{
			Encoding:   eventbus.AudioEncodingPCM16,
			SampleRate: 48000,
			Channels:   1,
			BitDepth:   16,
		},
		dir: dir,
	}, nil
}
