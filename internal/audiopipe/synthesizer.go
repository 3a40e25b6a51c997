package audiopipe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Sanji78/telegram-voip/internal/eventbus"
)

const (
	// maxChunkRunes is the longest text fragment the translate endpoint
	// accepts per request. Longer messages are split at word boundaries.
	maxChunkRunes = 180

	defaultTTSEndpoint = "https://translate.google.com/translate_tts"
	defaultUserAgent   = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	defaultHTTPTimeout = 30 * time.Second
)

// SpeakRequest represents a single text-to-speech invocation.
type SpeakRequest struct {
	Text     string
	Language string
}

// Synthesizer renders text to an encoded audio file on disk.
type Synthesizer interface {
	// Synthesize writes encoded audio for req to outPath and reports the
	// encoding it produced.
	Synthesize(ctx context.Context, req SpeakRequest, outPath string) (eventbus.AudioEncoding, error)
}

// SynthesizerFunc adapts a function to the Synthesizer interface.
type SynthesizerFunc func(ctx context.Context, req SpeakRequest, outPath string) (eventbus.AudioEncoding, error)

// Synthesize invokes the underlying function.
func (f SynthesizerFunc) Synthesize(ctx context.Context, req SpeakRequest, outPath string) (eventbus.AudioEncoding, error) {
	return f(ctx, req, outPath)
}

// GoogleSynthesizer fetches MP3 speech from the public translate endpoint,
// one HTTP request per text chunk, and concatenates the frames into a single
// file. MP3 frame streams concatenate cleanly, so no re-mux is needed.
type GoogleSynthesizer struct {
	client    *http.Client
	endpoint  string
	userAgent string
}

// GoogleOption configures a GoogleSynthesizer.
type GoogleOption func(*GoogleSynthesizer)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) GoogleOption {
	return func(g *GoogleSynthesizer) {
		if client != nil {
			g.client = client
		}
	}
}

// WithEndpoint overrides the synthesis endpoint URL.
func WithEndpoint(endpoint string) GoogleOption {
	return func(g *GoogleSynthesizer) {
		if endpoint != "" {
			g.endpoint = endpoint
		}
	}
}

// NewGoogleSynthesizer constructs the default HTTP synthesizer.
func NewGoogleSynthesizer(opts ...GoogleOption) *GoogleSynthesizer {
	g := &GoogleSynthesizer{
		client:    &http.Client{Timeout: defaultHTTPTimeout},
		endpoint:  defaultTTSEndpoint,
		userAgent: defaultUserAgent,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Synthesize implements Synthesizer.
func (g *GoogleSynthesizer) Synthesize(ctx context.Context, req SpeakRequest, outPath string) (eventbus.AudioEncoding, error) {
	lang, err := NormalizeLanguage(req.Language)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return "", fmt.Errorf("%w: empty message", ErrSynthesis)
	}

	out, err := os.Create(outPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSynthesis, err)
	}
	defer out.Close()

	chunks := splitText(text, maxChunkRunes)
	for i, chunk := range chunks {
		if err := g.fetchChunk(ctx, chunk, lang, i, len(chunks), out); err != nil {
			return "", err
		}
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSynthesis, err)
	}
	return eventbus.AudioEncodingMP3, nil
}

func (g *GoogleSynthesizer) fetchChunk(ctx context.Context, chunk, lang string, idx, total int, out io.Writer) error {
	q := url.Values{}
	q.Set("ie", "UTF-8")
	q.Set("client", "tw-ob")
	q.Set("tl", lang)
	q.Set("q", chunk)
	q.Set("idx", fmt.Sprintf("%d", idx))
	q.Set("total", fmt.Sprintf("%d", total))
	q.Set("textlen", fmt.Sprintf("%d", utf8.RuneCountInString(chunk)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSynthesis, err)
	}
	req.Header.Set("User-Agent", g.userAgent)

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSynthesis, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: endpoint returned %s for chunk %d/%d", ErrSynthesis, resp.Status, idx+1, total)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("%w: %v", ErrSynthesis, err)
	}
	return nil
}

// splitText breaks text into fragments of at most limit runes, preferring
// word boundaries. A single word longer than the limit is split mid-word.
func splitText(text string, limit int) []string {
	words := strings.Fields(text)
	var chunks []string
	var cur strings.Builder
	curLen := 0

	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
			curLen = 0
		}
	}

	for _, word := range words {
		wl := utf8.RuneCountInString(word)
		for wl > limit {
			flush()
			runes := []rune(word)
			chunks = append(chunks, string(runes[:limit]))
			word = string(runes[limit:])
			wl = utf8.RuneCountInString(word)
		}
		sep := 0
		if curLen > 0 {
			sep = 1
		}
		if curLen+sep+wl > limit {
			flush()
			sep = 0
		}
		if sep == 1 {
			cur.WriteByte(' ')
			curLen++
		}
		cur.WriteString(word)
		curLen += wl
	}
	flush()
	return chunks
}
