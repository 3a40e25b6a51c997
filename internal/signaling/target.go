package signaling

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrMissingTarget is returned when no target was supplied and the
	// identity has no default target configured.
	ErrMissingTarget = errors.New("signaling: missing target")
	// ErrInvalidPhone is returned for phone numbers not in international format.
	ErrInvalidPhone = errors.New("signaling: phone numbers must be in international format, e.g. +393331112233")
	// ErrSelfCall is returned when the resolved peer is the caller itself.
	ErrSelfCall = errors.New("signaling: cannot place a call to yourself")
)

var usernameRe = regexp.MustCompile(`^[A-Za-z0-9_]{5,32}$`)

// ParseTarget classifies a user-supplied target string into a PeerRef.
// Accepted forms, in order: numeric peer ID, @username (or a bare 5-32
// character username), and a phone number in international format. A leading
// "00" on a phone number is rewritten to "+".
func ParseTarget(target string) (PeerRef, error) {
	t := strings.TrimSpace(target)
	if t == "" {
		return PeerRef{}, ErrMissingTarget
	}

	if id, err := strconv.ParseInt(t, 10, 64); err == nil {
		return PeerRef{ID: id}, nil
	}

	if strings.HasPrefix(t, "@") {
		return PeerRef{Username: t}, nil
	}
	if usernameRe.MatchString(t) {
		return PeerRef{Username: "@" + t}, nil
	}

	digits := stripPhone(t)
	if strings.HasPrefix(digits, "00") {
		digits = "+" + digits[2:]
	}
	if !strings.HasPrefix(digits, "+") || len(digits) < 8 {
		return PeerRef{}, ErrInvalidPhone
	}
	return PeerRef{Phone: digits}, nil
}

// stripPhone removes everything except digits and a leading plus sign.
func stripPhone(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
			continue
		}
		if r == '+' && i == 0 {
			b.WriteRune(r)
		}
	}
	return b.String()
}
