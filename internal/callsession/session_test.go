package callsession

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Sanji78/telegram-voip/internal/audiopipe"
	"github.com/Sanji78/telegram-voip/internal/eventbus"
	"github.com/Sanji78/telegram-voip/internal/profile"
	"github.com/Sanji78/telegram-voip/internal/signaling"
)

type stubPipeline struct {
	delay time.Duration
	err   error
}

func (p stubPipeline) Prepare(ctx context.Context, _, _ string) (*audiopipe.Source, error) {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	return &audiopipe.Source{
		Path:     "speech.raw",
		Size:     96000,
		Duration: time.Second,
		Format:   eventbus.AudioFormat{Encoding: eventbus.AudioEncodingPCM16, SampleRate: 48000, Channels: 1, BitDepth: 16},
	}, nil
}

type countingProfile struct {
	mu       sync.Mutex
	applies  int
	restores int
	applyErr error
}

func (p *countingProfile) Apply(_ context.Context, _, _, _, _ string) (*profile.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.applyErr != nil {
		return nil, p.applyErr
	}
	p.applies++
	return &profile.Snapshot{}, nil
}

func (p *countingProfile) Restore(context.Context, *profile.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.restores++
	return nil
}

func (p *countingProfile) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.applies, p.restores
}

// scriptCall is a call handle whose lifecycle the test drives by hand.
type scriptCall struct {
	events chan signaling.Event

	mu      sync.Mutex
	hangups int
	plays   int
	ended   bool
}

func newScriptCall() *scriptCall {
	return &scriptCall{events: make(chan signaling.Event, 16)}
}

func (c *scriptCall) Events() <-chan signaling.Event { return c.events }

func (c *scriptCall) Play(ctx context.Context, _ string) error {
	c.mu.Lock()
	c.plays++
	c.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func (c *scriptCall) Hangup(context.Context) error {
	c.mu.Lock()
	c.hangups++
	c.mu.Unlock()
	c.emit(signaling.Event{Kind: signaling.EventEnded, Detail: "hangup"})
	c.end()
	return nil
}

func (c *scriptCall) emit(ev signaling.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.events <- ev
}

func (c *scriptCall) end() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.ended = true
	close(c.events)
}

func (c *scriptCall) hangupCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hangups
}

func (c *scriptCall) playCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.plays
}

type scriptDialer struct {
	call *scriptCall
}

func (d *scriptDialer) ResolvePeer(_ context.Context, ref signaling.PeerRef) (signaling.PeerRef, error) {
	return ref, nil
}

func (d *scriptDialer) PlaceCall(context.Context, signaling.PeerRef) (signaling.Call, error) {
	return d.call, nil
}

func (d *scriptDialer) Close(context.Context) error { return nil }

func quiet() Option {
	return WithLogger(log.New(io.Discard, "", 0))
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("session did not finish, status: %+v", s.Status())
	}
}

func TestAnsweredPlaybackCompletes(t *testing.T) {
	dialer := signaling.NewMockDialer()
	dialer.PlayDuration = 20 * time.Millisecond
	mgr := profile.NewManager(dialer, nil, profile.WithLogger(log.New(io.Discard, "", 0)))

	s := New(Params{
		Identity: "home",
		Target:   "@alice",
		Message:  "laundry is done",
		Topic:    "Laundry",
		Language: "en",
	}, Capabilities{Dialer: dialer, Pipeline: stubPipeline{}, Profile: mgr}, nil, quiet())
	s.Start(context.Background())
	waitDone(t, s)

	st := s.Status()
	if st.State != string(eventbus.CallStateEnded) {
		t.Fatalf("state = %s, want ended", st.State)
	}
	if st.LastError != "" {
		t.Fatalf("unexpected error: %s", st.LastError)
	}
	calls := dialer.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 placed call, got %d", len(calls))
	}
	if calls[0].PlayCount() != 1 {
		t.Fatalf("play count = %d, want 1", calls[0].PlayCount())
	}
	// Override was applied during the call and restored afterwards.
	me, _ := dialer.Me(context.Background())
	if me.FirstName != "Home" || me.LastName != "Assistant" {
		t.Fatalf("identity not restored: %+v", me)
	}
}

func TestRingTimeoutReachesErrorWithoutAudio(t *testing.T) {
	dialer := signaling.NewMockDialer()
	dialer.AnswerAfter = -1 // never answers

	s := New(Params{
		Identity:    "home",
		Target:      "@alice",
		Message:     "hello",
		Language:    "en",
		RingTimeout: 40 * time.Millisecond,
	}, Capabilities{Dialer: dialer, Pipeline: stubPipeline{}}, nil, quiet())
	s.Start(context.Background())
	waitDone(t, s)

	st := s.Status()
	if st.State != string(eventbus.CallStateError) {
		t.Fatalf("state = %s, want error", st.State)
	}
	if !strings.Contains(st.LastError, "deadline exceeded") {
		t.Fatalf("last error = %q, want deadline exceeded", st.LastError)
	}
	calls := dialer.Calls()
	if len(calls) != 1 || calls[0].PlayCount() != 0 {
		t.Fatal("audio must never be streamed on an unanswered call")
	}
	waitFor(t, func() bool { return calls[0].HangupCount() > 0 },
		"ring timeout must issue a hangup to the capability")
}

func TestSynthesisFailureWhileRingingDoesNotHangUp(t *testing.T) {
	dialer := signaling.NewMockDialer()
	dialer.AnswerAfter = 250 * time.Millisecond
	pipeErr := audiopipe.ErrSynthesis

	s := New(Params{
		Identity: "home",
		Target:   "@alice",
		Message:  "hello",
		Language: "en",
	}, Capabilities{Dialer: dialer, Pipeline: stubPipeline{err: pipeErr}}, nil, quiet())
	s.Start(context.Background())

	waitFor(t, func() bool {
		return s.Status().State == string(eventbus.CallStateRinging)
	}, "session never reached ringing")

	// Synthesis already failed; the session must keep ringing until
	// signaling settles.
	time.Sleep(80 * time.Millisecond)
	if got := s.Status().State; got != string(eventbus.CallStateRinging) {
		t.Fatalf("state = %s while ringing, synthesis failure must not hang up", got)
	}

	waitDone(t, s)
	st := s.Status()
	if st.State != string(eventbus.CallStateError) {
		t.Fatalf("state = %s, want error", st.State)
	}
	if !strings.Contains(st.LastError, "synthesis failed") {
		t.Fatalf("last error = %q, want synthesis failure", st.LastError)
	}
	if dialer.Calls()[0].PlayCount() != 0 {
		t.Fatal("no playback may start after a pipeline failure")
	}
}

func TestHangupIsIdempotent(t *testing.T) {
	call := newScriptCall()
	dialer := &scriptDialer{call: call}

	s := New(Params{
		Identity: "home",
		Target:   "@alice",
		Message:  "hello",
		Language: "en",
	}, Capabilities{Dialer: dialer, Pipeline: stubPipeline{}}, nil, quiet())
	s.Start(context.Background())

	call.emit(signaling.Event{Kind: signaling.EventRinging})
	call.emit(signaling.Event{Kind: signaling.EventAnswered})
	waitFor(t, func() bool {
		return s.Status().State == string(eventbus.CallStateInCall)
	}, "session never reached in_call")

	s.Hangup()
	s.Hangup()
	waitDone(t, s)
	s.Hangup() // terminal no-op

	if n := call.hangupCount(); n != 1 {
		t.Fatalf("capability hangup ran %d times, want 1", n)
	}
	if st := s.Status(); st.State != string(eventbus.CallStateEnded) || st.LastError != "" {
		t.Fatalf("unexpected terminal status: %+v", st)
	}
}

func TestAnswerAfterDeadlineIsDiscarded(t *testing.T) {
	call := newScriptCall()
	dialer := &scriptDialer{call: call}

	s := New(Params{
		Identity:    "home",
		Target:      "@alice",
		Message:     "hello",
		Language:    "en",
		RingTimeout: 30 * time.Millisecond,
	}, Capabilities{Dialer: dialer, Pipeline: stubPipeline{}}, nil, quiet())
	s.Start(context.Background())

	call.emit(signaling.Event{Kind: signaling.EventRinging})
	waitFor(t, func() bool {
		return s.Status().State != string(eventbus.CallStateRinging) &&
			s.Status().State != string(eventbus.CallStateStarting)
	}, "ring deadline never fired")

	// The deadline already decided the session; a late answer changes
	// nothing.
	call.emit(signaling.Event{Kind: signaling.EventAnswered})
	waitDone(t, s)

	st := s.Status()
	if st.State != string(eventbus.CallStateError) {
		t.Fatalf("state = %s, want error", st.State)
	}
	if !strings.Contains(st.LastError, "deadline exceeded") {
		t.Fatalf("last error = %q, want deadline exceeded", st.LastError)
	}
	if call.playCount() != 0 {
		t.Fatal("a discarded answer must not start playback")
	}
}

func TestMaxDurationEndsCall(t *testing.T) {
	dialer := signaling.NewMockDialer()
	dialer.PlayDuration = 5 * time.Second

	s := New(Params{
		Identity:    "home",
		Target:      "@alice",
		Message:     "hello",
		Language:    "en",
		MaxDuration: 60 * time.Millisecond,
	}, Capabilities{Dialer: dialer, Pipeline: stubPipeline{}}, nil, quiet())
	s.Start(context.Background())
	waitDone(t, s)

	st := s.Status()
	if st.State != string(eventbus.CallStateEnded) {
		t.Fatalf("state = %s, want ended", st.State)
	}
	if !strings.Contains(st.LastError, "deadline exceeded") {
		t.Fatalf("last error = %q, want deadline exceeded", st.LastError)
	}
	if dialer.Calls()[0].HangupCount() == 0 {
		t.Fatal("max duration must hang the call up")
	}
}

func TestRejectedWhileRinging(t *testing.T) {
	dialer := signaling.NewMockDialer()
	dialer.RejectCalls = true

	s := New(Params{
		Identity: "home",
		Target:   "@alice",
		Message:  "hello",
		Language: "en",
	}, Capabilities{Dialer: dialer, Pipeline: stubPipeline{}}, nil, quiet())
	s.Start(context.Background())
	waitDone(t, s)

	st := s.Status()
	if st.State != string(eventbus.CallStateError) {
		t.Fatalf("state = %s, want error", st.State)
	}
	if !strings.Contains(st.LastError, "signaling failed") {
		t.Fatalf("last error = %q, want signaling failure", st.LastError)
	}
}

func TestMalformedTargetFailsSetup(t *testing.T) {
	dialer := signaling.NewMockDialer()
	s := New(Params{
		Identity: "home",
		Target:   "not a target!",
		Message:  "hello",
		Language: "en",
	}, Capabilities{Dialer: dialer, Pipeline: stubPipeline{}}, nil, quiet())
	s.Start(context.Background())
	waitDone(t, s)

	st := s.Status()
	if st.State != string(eventbus.CallStateError) {
		t.Fatalf("state = %s, want error", st.State)
	}
	if len(dialer.Calls()) != 0 {
		t.Fatal("no call may be placed for a malformed target")
	}
}

func TestSelfCallRejected(t *testing.T) {
	dialer := signaling.NewMockDialer()
	dialer.ResolveErr = signaling.ErrSelfCall

	s := New(Params{
		Identity: "home",
		Target:   "@me",
		Message:  "hello",
		Language: "en",
	}, Capabilities{Dialer: dialer, Pipeline: stubPipeline{}}, nil, quiet())
	s.Start(context.Background())
	waitDone(t, s)

	st := s.Status()
	if st.State != string(eventbus.CallStateError) {
		t.Fatalf("state = %s, want error", st.State)
	}
	if !strings.Contains(st.LastError, "yourself") {
		t.Fatalf("last error = %q, want self-call rejection", st.LastError)
	}
}

func TestRestoreAttemptedOnceOnErrorPath(t *testing.T) {
	call := newScriptCall()
	dialer := &scriptDialer{call: call}
	prof := &countingProfile{}

	s := New(Params{
		Identity: "home",
		Target:   "@alice",
		Message:  "hello",
		Topic:    "Doorbell",
		Language: "en",
	}, Capabilities{Dialer: dialer, Pipeline: stubPipeline{delay: time.Hour}, Profile: prof}, nil, quiet())
	s.Start(context.Background())

	call.emit(signaling.Event{Kind: signaling.EventRinging})
	call.emit(signaling.Event{Kind: signaling.EventAnswered})
	waitFor(t, func() bool {
		return s.Status().State == string(eventbus.CallStateInCall)
	}, "session never reached in_call")

	call.emit(signaling.Event{Kind: signaling.EventFailed, Err: errors.New("connection dropped")})
	call.end()
	waitDone(t, s)

	applies, restores := prof.counts()
	if applies != 1 || restores != 1 {
		t.Fatalf("applies=%d restores=%d, want 1/1 even on the error path", applies, restores)
	}
	if st := s.Status(); st.State != string(eventbus.CallStateError) {
		t.Fatalf("state = %s, want error", st.State)
	}
}

func TestOverrideFailureIsRecoverable(t *testing.T) {
	dialer := signaling.NewMockDialer()
	dialer.PlayDuration = 10 * time.Millisecond
	prof := &countingProfile{applyErr: profile.ErrProfileUpdate}

	s := New(Params{
		Identity: "home",
		Target:   "@alice",
		Message:  "hello",
		Topic:    "Doorbell",
		Language: "en",
	}, Capabilities{Dialer: dialer, Pipeline: stubPipeline{}, Profile: prof}, nil, quiet())
	s.Start(context.Background())
	waitDone(t, s)

	st := s.Status()
	if st.State != string(eventbus.CallStateEnded) {
		t.Fatalf("state = %s, override failure must not kill the call", st.State)
	}
	if !strings.Contains(st.LastError, "update failed") {
		t.Fatalf("last error = %q, want recorded override failure", st.LastError)
	}
	if dialer.Calls()[0].PlayCount() != 1 {
		t.Fatal("playback must proceed without the override")
	}
}

func TestParentContextCancelTearsDown(t *testing.T) {
	dialer := signaling.NewMockDialer()
	dialer.PlayDuration = 5 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	s := New(Params{
		Identity: "home",
		Target:   "@alice",
		Message:  "hello",
		Language: "en",
	}, Capabilities{Dialer: dialer, Pipeline: stubPipeline{}}, nil, quiet())
	s.Start(ctx)

	waitFor(t, func() bool {
		return s.Status().State == string(eventbus.CallStateInCall)
	}, "session never reached in_call")
	cancel()
	waitDone(t, s)

	if st := s.Status(); st.State != string(eventbus.CallStateEnded) {
		t.Fatalf("state = %s, want ended after shutdown", st.State)
	}
}

func TestLifecycleEventsPublishedInOrder(t *testing.T) {
	bus := eventbus.New()
	defer bus.Shutdown()
	sub := eventbus.SubscribeTo(bus, eventbus.Calls.Lifecycle)
	defer sub.Close()

	dialer := signaling.NewMockDialer()
	dialer.PlayDuration = 10 * time.Millisecond

	s := New(Params{
		Identity: "home",
		Target:   "@alice",
		Message:  "hello",
		Language: "en",
	}, Capabilities{Dialer: dialer, Pipeline: stubPipeline{}}, bus, quiet())
	s.Start(context.Background())
	waitDone(t, s)

	want := []eventbus.CallState{
		eventbus.CallStateStarting,
		eventbus.CallStateRinging,
		eventbus.CallStateInCall,
		eventbus.CallStateEnding,
		eventbus.CallStateEnded,
	}
	for _, state := range want {
		select {
		case env, ok := <-sub.C():
			if !ok {
				t.Fatal("subscription closed early")
			}
			if env.Payload.State != state {
				t.Fatalf("got state %s, want %s", env.Payload.State, state)
			}
			if env.Payload.SessionID != s.ID() {
				t.Fatal("lifecycle event missing session ID")
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", state)
		}
	}
}

func TestOnTerminalInvokedOnce(t *testing.T) {
	dialer := signaling.NewMockDialer()
	var mu sync.Mutex
	invoked := 0

	s := New(Params{
		Identity: "home",
		Target:   "@alice",
		Message:  "hello",
		Language: "en",
	}, Capabilities{Dialer: dialer, Pipeline: stubPipeline{}}, nil, quiet(),
		WithOnTerminal(func(*Session) {
			mu.Lock()
			invoked++
			mu.Unlock()
		}))
	s.Start(context.Background())
	waitDone(t, s)

	mu.Lock()
	defer mu.Unlock()
	if invoked != 1 {
		t.Fatalf("terminal callback ran %d times, want 1", invoked)
	}
}
