package audiopipe

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Sanji78/telegram-voip/internal/eventbus"
)

func writeBytes(t *testing.T, path string, size int) {
	t.Helper()
	if err := os.WriteFile(path, bytes.Repeat([]byte{0x01}, size), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func fakeSynth(t *testing.T, encodedSize int) Synthesizer {
	return SynthesizerFunc(func(_ context.Context, req SpeakRequest, outPath string) (eventbus.AudioEncoding, error) {
		if req.Text == "" {
			t.Fatal("synthesizer received empty text")
		}
		writeBytes(t, outPath, encodedSize)
		return eventbus.AudioEncodingMP3, nil
	})
}

func fakeTranscoder(t *testing.T, rawSize int) Transcoder {
	return TranscoderFunc(func(_ context.Context, inPath, outPath string) error {
		if _, err := os.Stat(inPath); err != nil {
			t.Fatalf("transcoder input missing: %v", err)
		}
		writeBytes(t, outPath, rawSize)
		return nil
	})
}

func TestPipelinePrepare(t *testing.T) {
	// 96000 bytes of s16le mono 48kHz is exactly one second.
	p := New(
		WithSynthesizer(fakeSynth(t, 512)),
		WithTranscoder(fakeTranscoder(t, 96000*3)),
		WithWorkDir(t.TempDir()),
		WithLogger(log.New(io.Discard, "", 0)),
	)

	src, err := p.Prepare(context.Background(), "hello there", "en")
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	defer src.Release()

	if src.Size != 96000*3 {
		t.Fatalf("source size = %d, want %d", src.Size, 96000*3)
	}
	if src.Duration != 3*time.Second {
		t.Fatalf("duration = %s, want 3s", src.Duration)
	}
	if src.Format.Encoding != eventbus.AudioEncodingPCM16 || src.Format.SampleRate != 48000 || src.Format.Channels != 1 {
		t.Fatalf("unexpected format: %+v", src.Format)
	}
	if _, err := os.Stat(src.Path); err != nil {
		t.Fatalf("raw file missing: %v", err)
	}
}

func TestPipelineRejectsUnsupportedLanguage(t *testing.T) {
	p := New(
		WithSynthesizer(fakeSynth(t, 1)),
		WithTranscoder(fakeTranscoder(t, 1)),
		WithWorkDir(t.TempDir()),
	)
	_, err := p.Prepare(context.Background(), "ciao", "jp")
	if !errors.Is(err, ErrUnsupportedLanguage) {
		t.Fatalf("expected ErrUnsupportedLanguage, got %v", err)
	}
}

func TestPipelineCleansUpOnSynthesisFailure(t *testing.T) {
	work := t.TempDir()
	p := New(
		WithSynthesizer(SynthesizerFunc(func(context.Context, SpeakRequest, string) (eventbus.AudioEncoding, error) {
			return "", ErrSynthesis
		})),
		WithTranscoder(fakeTranscoder(t, 1)),
		WithWorkDir(work),
	)
	if _, err := p.Prepare(context.Background(), "ciao", "it"); !errors.Is(err, ErrSynthesis) {
		t.Fatalf("expected ErrSynthesis, got %v", err)
	}
	entries, err := os.ReadDir(work)
	if err != nil {
		t.Fatalf("read work dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("working directory not cleaned up: %v", entries)
	}
}

func TestPipelineCleansUpOnTranscodeFailure(t *testing.T) {
	work := t.TempDir()
	p := New(
		WithSynthesizer(fakeSynth(t, 32)),
		WithTranscoder(TranscoderFunc(func(context.Context, string, string) error {
			return ErrTranscode
		})),
		WithWorkDir(work),
	)
	if _, err := p.Prepare(context.Background(), "ciao", "it"); !errors.Is(err, ErrTranscode) {
		t.Fatalf("expected ErrTranscode, got %v", err)
	}
	entries, _ := os.ReadDir(work)
	if len(entries) != 0 {
		t.Fatalf("working directory not cleaned up: %v", entries)
	}
}

func TestPipelineRejectsEmptyTranscodeOutput(t *testing.T) {
	p := New(
		WithSynthesizer(fakeSynth(t, 32)),
		WithTranscoder(fakeTranscoder(t, 0)),
		WithWorkDir(t.TempDir()),
	)
	_, err := p.Prepare(context.Background(), "ciao", "it")
	if !errors.Is(err, ErrTranscode) {
		t.Fatalf("expected ErrTranscode for empty output, got %v", err)
	}
}

func TestSourceReleaseRemovesDirOnce(t *testing.T) {
	p := New(
		WithSynthesizer(fakeSynth(t, 16)),
		WithTranscoder(fakeTranscoder(t, 96000)),
		WithWorkDir(t.TempDir()),
		WithLogger(log.New(io.Discard, "", 0)),
	)
	src, err := p.Prepare(context.Background(), "ciao", "it")
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if err := src.Release(); err != nil {
		t.Fatalf("first Release failed: %v", err)
	}
	if _, err := os.Stat(filepath.Dir(src.Path)); !os.IsNotExist(err) {
		t.Fatal("working directory still present after Release")
	}
	if err := src.Release(); !errors.Is(err, ErrReleased) {
		t.Fatalf("second Release = %v, want ErrReleased", err)
	}
}

func TestGoogleSynthesizerChunksRequests(t *testing.T) {
	var requests []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("tl") != "en" {
			t.Errorf("tl = %q, want en", q.Get("tl"))
		}
		requests = append(requests, q.Get("q"))
		w.Write([]byte("MP3FRAME"))
	}))
	defer srv.Close()

	g := NewGoogleSynthesizer(WithEndpoint(srv.URL), WithHTTPClient(srv.Client()))
	out := filepath.Join(t.TempDir(), "speech.mp3")

	// Two sentences that cannot fit a single 180-rune chunk.
	text := strings.Repeat("alpha beta gamma ", 20)
	enc, err := g.Synthesize(context.Background(), SpeakRequest{Text: text, Language: "en"}, out)
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if enc != eventbus.AudioEncodingMP3 {
		t.Fatalf("encoding = %q, want mp3", enc)
	}
	if len(requests) < 2 {
		t.Fatalf("expected chunked requests, got %d", len(requests))
	}
	for _, q := range requests {
		if n := len([]rune(q)); n > maxChunkRunes {
			t.Fatalf("chunk of %d runes exceeds limit", n)
		}
	}
	joined := strings.Join(requests, " ")
	if strings.TrimSpace(joined) != strings.TrimSpace(text) {
		t.Fatal("chunking lost or reordered text")
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if want := len(requests) * len("MP3FRAME"); len(data) != want {
		t.Fatalf("output size = %d, want %d", len(data), want)
	}
}

func TestGoogleSynthesizerBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "blocked", http.StatusForbidden)
	}))
	defer srv.Close()

	g := NewGoogleSynthesizer(WithEndpoint(srv.URL), WithHTTPClient(srv.Client()))
	out := filepath.Join(t.TempDir(), "speech.mp3")
	_, err := g.Synthesize(context.Background(), SpeakRequest{Text: "hi", Language: "en"}, out)
	if !errors.Is(err, ErrSynthesis) {
		t.Fatalf("expected ErrSynthesis, got %v", err)
	}
}

func TestSplitTextWordBoundaries(t *testing.T) {
	chunks := splitText("one two three four", 9)
	want := []string{"one two", "three", "four"}
	if len(chunks) != len(want) {
		t.Fatalf("chunks = %v, want %v", chunks, want)
	}
	for i := range want {
		if chunks[i] != want[i] {
			t.Fatalf("chunks = %v, want %v", chunks, want)
		}
	}
}

func TestSplitTextLongWord(t *testing.T) {
	chunks := splitText("abcdefghij", 4)
	want := []string{"abcd", "efgh", "ij"}
	if len(chunks) != len(want) {
		t.Fatalf("chunks = %v, want %v", chunks, want)
	}
	for i := range want {
		if chunks[i] != want[i] {
			t.Fatalf("chunks = %v, want %v", chunks, want)
		}
	}
}
