package audiopipe

import (
	"fmt"
	"sort"
	"strings"
)

// Language holds a single supported synthesis language.
type Language struct {
	Code        string // ISO 639-1 two-letter code, e.g. "it"
	EnglishName string // English name, e.g. "Italian"
}

// byCode is the map-based index for O(1) lookups by ISO 639-1 code.
var byCode map[string]Language

// aliases maps common mistakes and ISO 639-2/3166 confusions onto the
// supported code so the error message can suggest the right one.
var aliases = map[string]string{
	"eng": "en",
	"ita": "it",
	"esp": "es",
	"spa": "es",
	"fra": "fr",
	"fre": "fr",
	"deu": "de",
	"ger": "de",
	"por": "pt",
	"cn":  "zh",
	"zho": "zh",
	"chi": "zh",
	"jp":  "ja",
	"jpn": "ja",
}

func init() {
	entries := supportedEntries()
	byCode = make(map[string]Language, len(entries))
	for _, e := range entries {
		byCode[e.Code] = e
	}
}

// supportedEntries returns the languages the synthesis backend accepts.
func supportedEntries() []Language {
	return []Language{
		{"de", "German"},
		{"en", "English"},
		{"es", "Spanish"},
		{"fr", "French"},
		{"it", "Italian"},
		{"ja", "Japanese"},
		{"pt", "Portuguese"},
		{"zh", "Chinese"},
	}
}

// SupportedLanguages returns the sorted list of accepted ISO 639-1 codes.
func SupportedLanguages() []string {
	out := make([]string, 0, len(byCode))
	for code := range byCode {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// LanguageError reports a rejected language code, optionally with the
// supported code the caller most likely meant.
type LanguageError struct {
	Code       string
	Suggestion string
}

func (e *LanguageError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("tts: unsupported language %q, did you mean %q?", e.Code, e.Suggestion)
	}
	return fmt.Sprintf("tts: unsupported language %q (supported: %s)", e.Code, strings.Join(SupportedLanguages(), ", "))
}

// Is reports whether target is ErrUnsupportedLanguage, so callers can use
// errors.Is without carrying the concrete type.
func (e *LanguageError) Is(target error) bool {
	return target == ErrUnsupportedLanguage
}

// NormalizeLanguage validates a language code against the supported set.
// The lookup is case-insensitive and tolerates surrounding whitespace and a
// region suffix ("en-US" matches "en"). Unknown codes fail with a
// LanguageError carrying a suggestion when a close alias exists.
func NormalizeLanguage(code string) (string, error) {
	norm := strings.ToLower(strings.TrimSpace(code))
	if norm == "" {
		return "", &LanguageError{Code: code}
	}
	if i := strings.IndexAny(norm, "-_"); i > 0 {
		norm = norm[:i]
	}
	if _, ok := byCode[norm]; ok {
		return norm, nil
	}
	if hint, ok := aliases[norm]; ok {
		return "", &LanguageError{Code: code, Suggestion: hint}
	}
	return "", &LanguageError{Code: code}
}
