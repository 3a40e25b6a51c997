package signaling

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrPeerBusy is the failure detail used by scripted rejections.
var ErrPeerBusy = errors.New("signaling: peer busy")

// MockDialer is an in-memory capability used by tests and by identities
// configured with the "mock" bridge. Scripted answer/ring behaviour stands in
// for a live peer.
type MockDialer struct {
	// AnswerAfter delays the answered event; zero answers immediately after
	// ringing. Negative values mean the peer never answers.
	AnswerAfter time.Duration
	// RejectCalls makes every placed call fail after the ringing event.
	RejectCalls bool
	// PlayDuration simulates streaming time for Play.
	PlayDuration time.Duration
	// ResolveErr, PlaceErr force the corresponding operations to fail.
	ResolveErr error
	PlaceErr   error

	mu      sync.Mutex
	profile Profile
	calls   []*MockCall
	closed  bool
}

// NewMockDialer returns a dialer whose peer answers immediately.
func NewMockDialer() *MockDialer {
	return &MockDialer{profile: Profile{FirstName: "Home", LastName: "Assistant"}}
}

// ResolvePeer implements Dialer. Usernames resolve to a fixed synthetic ID.
func (d *MockDialer) ResolvePeer(_ context.Context, ref PeerRef) (PeerRef, error) {
	if d.ResolveErr != nil {
		return PeerRef{}, d.ResolveErr
	}
	if ref.ID == 0 {
		ref.ID = int64(len(ref.Username)+len(ref.Phone)) + 1000
	}
	return ref, nil
}

// PlaceCall implements Dialer.
func (d *MockDialer) PlaceCall(ctx context.Context, peer PeerRef) (Call, error) {
	if d.PlaceErr != nil {
		return nil, d.PlaceErr
	}

	call := &MockCall{
		peer:         peer,
		events:       make(chan Event, 16),
		hangups:      make(chan struct{}, 4),
		playDuration: d.PlayDuration,
	}
	d.mu.Lock()
	d.calls = append(d.calls, call)
	d.mu.Unlock()

	go call.script(d.AnswerAfter, d.RejectCalls)
	return call, nil
}

// Me implements ProfileClient.
func (d *MockDialer) Me(context.Context) (Profile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.profile, nil
}

// UpdateProfile implements ProfileClient.
func (d *MockDialer) UpdateProfile(_ context.Context, firstName, lastName string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profile.FirstName = firstName
	d.profile.LastName = lastName
	return nil
}

// SetProfilePhoto implements ProfileClient.
func (d *MockDialer) SetProfilePhoto(_ context.Context, path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profile.PhotoPath = path
	return nil
}

// Close implements Dialer.
func (d *MockDialer) Close(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Calls returns every call handle placed so far.
func (d *MockDialer) Calls() []*MockCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*MockCall(nil), d.calls...)
}

// MockCall is the handle type produced by MockDialer.
type MockCall struct {
	peer         PeerRef
	events       chan Event
	hangups      chan struct{}
	playDuration time.Duration

	mu          sync.Mutex
	ended       bool
	playing     bool
	hangupN     int
	playN       int
	playStop    chan struct{}
	playStopped bool
}

func (c *MockCall) script(answerAfter time.Duration, reject bool) {
	c.Emit(Event{Kind: EventConnecting})
	c.Emit(Event{Kind: EventRinging})

	if reject {
		c.Emit(Event{Kind: EventFailed, Detail: "busy", Err: ErrPeerBusy})
		c.End()
		return
	}
	if answerAfter < 0 {
		return // never answers; ring deadline decides
	}
	if answerAfter > 0 {
		select {
		case <-time.After(answerAfter):
		case <-c.hangups:
			c.Emit(Event{Kind: EventEnded, Detail: "hangup"})
			c.End()
			return
		}
	}
	c.Emit(Event{Kind: EventAnswered})
}

// Events implements Call.
func (c *MockCall) Events() <-chan Event { return c.events }

// Play implements Call, blocking for the configured duration.
func (c *MockCall) Play(ctx context.Context, rawPath string) error {
	c.mu.Lock()
	c.playN++
	c.playing = true
	stop := make(chan struct{})
	c.playStop = stop
	c.playStopped = false
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.playing = false
		c.mu.Unlock()
	}()

	if c.playDuration <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(c.playDuration):
		return nil
	case <-stop:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Hangup implements Call. It emits the ended event exactly once.
func (c *MockCall) Hangup(context.Context) error {
	c.mu.Lock()
	c.hangupN++
	if c.playStop != nil && !c.playStopped {
		c.playStopped = true
		close(c.playStop)
	}
	c.mu.Unlock()
	select {
	case c.hangups <- struct{}{}:
	default:
	}
	c.Emit(Event{Kind: EventEnded, Detail: "hangup"})
	c.End()
	return nil
}

// Emit delivers an event unless the stream has ended.
func (c *MockCall) Emit(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	select {
	case c.events <- ev:
	default:
	}
}

// End closes the event stream. Safe to call more than once.
func (c *MockCall) End() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.ended = true
	close(c.events)
}

// HangupCount reports how many times Hangup ran.
func (c *MockCall) HangupCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hangupN
}

// PlayCount reports how many times Play ran.
func (c *MockCall) PlayCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playN
}
