// Package signaling defines the contract for the peer-to-peer call capability.
//
// The capability owns call establishment, media transport, and the caller's
// public profile; the call orchestration core drives it through the interfaces
// below and treats its event stream as authoritative for peer state.
package signaling

import (
	"context"
	"fmt"
)

// EventKind enumerates the lifecycle notifications a call handle can emit.
type EventKind string

const (
	EventConnecting EventKind = "connecting"
	EventRinging    EventKind = "ringing"
	EventAnswered   EventKind = "answered"
	EventEnded      EventKind = "ended"
	EventFailed     EventKind = "failed"
)

// Event is a single notification for a call handle.
type Event struct {
	Kind   EventKind
	Detail string // raw capability state string, kept for diagnostics
	Err    error  // set for EventFailed
}

// PeerRef is a dialable reference produced by target resolution.
type PeerRef struct {
	ID       int64
	Username string
	Phone    string
}

// String returns the most specific representation available.
func (p PeerRef) String() string {
	switch {
	case p.Username != "":
		return p.Username
	case p.ID != 0:
		return fmt.Sprintf("%d", p.ID)
	default:
		return p.Phone
	}
}

// Profile is an account's public display surface.
type Profile struct {
	FirstName string
	LastName  string
	PhotoPath string
}

// Call is a live outbound call handle. Events delivers lifecycle
// notifications until the handle reaches a terminal state, after which the
// channel is closed. The core never infers peer state from channel silence.
type Call interface {
	// Events returns the handle's notification stream.
	Events() <-chan Event
	// Play streams the raw PCM file at path into the call, blocking until
	// playback finishes, the call drops, or ctx is cancelled.
	Play(ctx context.Context, rawPath string) error
	// Hangup requests call teardown. Safe to invoke more than once.
	Hangup(ctx context.Context) error
}

// Dialer establishes outbound calls for one authenticated account.
type Dialer interface {
	// ResolvePeer turns a parsed target into a dialable peer, performing
	// network lookups (username to ID, phone import) as needed.
	ResolvePeer(ctx context.Context, ref PeerRef) (PeerRef, error)
	// PlaceCall starts an outbound call offer to the peer.
	PlaceCall(ctx context.Context, peer PeerRef) (Call, error)
	// Close releases the account connection.
	Close(ctx context.Context) error
}

// ProfileClient exposes the capability's profile surface, used to swap the
// caller's display identity around a call.
type ProfileClient interface {
	Me(ctx context.Context) (Profile, error)
	UpdateProfile(ctx context.Context, firstName, lastName string) error
	SetProfilePhoto(ctx context.Context, path string) error
}

// ServerConfig tunes the capability's media transport.
type ServerConfig struct {
	InitBitrate int
	MaxBitrate  int
	MinBitrate  int
	BufferSize  int
	TimeoutMS   int
}

// DefaultServerConfig returns the transport tuning used when an identity has
// no explicit bitrate settings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		InitBitrate: 80000,
		MaxBitrate:  100000,
		MinBitrate:  60000,
		BufferSize:  5000,
		TimeoutMS:   5000,
	}
}
