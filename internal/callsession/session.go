// Package callsession owns one outbound call attempt from placement to
// teardown. All transitions for a session run on a single event loop fed by
// the signaling capability, the audio pipeline, deadline timers, and explicit
// hangup requests, so state mutations never interleave.
package callsession

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Sanji78/telegram-voip/internal/audiopipe"
	"github.com/Sanji78/telegram-voip/internal/deadline"
	"github.com/Sanji78/telegram-voip/internal/eventbus"
	"github.com/Sanji78/telegram-voip/internal/profile"
	"github.com/Sanji78/telegram-voip/internal/signaling"
)

var (
	// ErrSignaling indicates the call capability reported a failure.
	ErrSignaling = errors.New("callsession: signaling failed")
	// ErrDeadlineExceeded indicates a ring or max-duration deadline expired.
	ErrDeadlineExceeded = errors.New("callsession: deadline exceeded")
	// ErrTeardownTimeout indicates the capability never confirmed teardown
	// within the bounded wait; the session is finalized anyway.
	ErrTeardownTimeout = errors.New("callsession: teardown timed out")
)

const (
	// DefaultRingTimeout bounds time-to-answer when the caller sets none.
	DefaultRingTimeout = 45 * time.Second
	// DefaultMaxDuration bounds total call length when the caller sets none.
	DefaultMaxDuration = 5 * time.Minute

	teardownWait   = 10 * time.Second
	remoteOpWait   = 5 * time.Second
	eventQueueSize = 32
)

// Pipeline prepares announcement audio for playback.
type Pipeline interface {
	Prepare(ctx context.Context, message, language string) (*audiopipe.Source, error)
}

// ProfileManager swaps and restores the caller's display identity.
type ProfileManager interface {
	Apply(ctx context.Context, identity, sessionID, topic, photoPath string) (*profile.Snapshot, error)
	Restore(ctx context.Context, snap *profile.Snapshot) error
}

// Capabilities bundles the external collaborators a session drives.
// Profile is optional; without it no identity override is attempted.
type Capabilities struct {
	Dialer   signaling.Dialer
	Pipeline Pipeline
	Profile  ProfileManager
}

// Params describes one call attempt.
type Params struct {
	Identity    string
	Target      string
	Message     string
	Topic       string
	Language    string
	PhotoPath   string
	RingTimeout time.Duration
	MaxDuration time.Duration
}

// Status is a read-only snapshot of a session, shaped for the status surface.
type Status struct {
	Identity  string    `json:"identity"`
	SessionID string    `json:"session_id"`
	State     string    `json:"call_state"`
	Topic     string    `json:"call_topic,omitempty"`
	Peer      string    `json:"call_peer,omitempty"`
	Target    string    `json:"target"`
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type eventKind int

const (
	evCallPlaced eventKind = iota
	evSetupFailed
	evSignal
	evPipelineReady
	evPipelineFailed
	evRingDeadline
	evMaxDuration
	evPlaybackDone
	evHangup
	evTeardownTimeout
)

type event struct {
	kind eventKind
	sig  signaling.Event
	call signaling.Call
	peer signaling.PeerRef
	src  *audiopipe.Source
	err  error
}

// Option configures a Session.
type Option func(*Session)

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithOnTerminal registers a callback invoked once, from the session's event
// loop, when the session reaches a terminal state.
func WithOnTerminal(fn func(*Session)) Option {
	return func(s *Session) {
		s.onTerminal = fn
	}
}

// Session drives a single call attempt. Create with New, then Start.
type Session struct {
	id     string
	params Params
	caps   Capabilities
	bus    *eventbus.Bus
	logger *log.Logger

	onTerminal func(*Session)

	ctx    context.Context
	cancel context.CancelFunc
	events chan event
	done   chan struct{}

	// Snapshot fields, guarded by mu because Status() reads them from
	// outside the loop. Everything below mu is loop-private.
	mu        sync.Mutex
	state     eventbus.CallState
	peer      signaling.PeerRef
	lastErr   error
	updatedAt time.Time

	call      signaling.Call
	callEnded bool
	setupDone bool
	src       *audiopipe.Source
	snap      *profile.Snapshot

	ringTimer     *deadline.Timer
	maxTimer      *deadline.Timer
	teardownTimer *deadline.Timer

	playCancel context.CancelFunc
	playing    bool

	pipelineErr error

	tearingDown bool
	finalState  eventbus.CallState
	endReason   string
}

// New constructs a session in its pre-start state. Zero deadlines pick up the
// defaults.
func New(params Params, caps Capabilities, bus *eventbus.Bus, opts ...Option) *Session {
	if params.RingTimeout <= 0 {
		params.RingTimeout = DefaultRingTimeout
	}
	if params.MaxDuration <= 0 {
		params.MaxDuration = DefaultMaxDuration
	}
	s := &Session{
		id:     uuid.NewString(),
		params: params,
		caps:   caps,
		bus:    bus,
		logger: log.Default(),
		events: make(chan event, eventQueueSize),
		done:   make(chan struct{}),
		state:  eventbus.CallStateStarting,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Identity returns the owning account identity.
func (s *Session) Identity() string { return s.params.Identity }

// Done is closed when the session reaches a terminal state and cleanup is
// complete.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start launches the session's event loop. Signaling setup and audio
// preparation run in parallel; the call never waits for audio to ring.
func (s *Session) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	go s.run()
}

// Hangup requests teardown. Valid in any non-terminal state and idempotent:
// repeated calls on an ending or finished session are no-ops.
func (s *Session) Hangup() {
	s.post(event{kind: evHangup})
}

// Status returns a read-only snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Identity:  s.params.Identity,
		SessionID: s.id,
		State:     string(s.state),
		Topic:     s.params.Topic,
		Target:    s.params.Target,
		UpdatedAt: s.updatedAt,
	}
	if p := s.peer.String(); p != "" {
		st.Peer = p
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

func (s *Session) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Session) run() {
	defer close(s.done)

	s.transition(eventbus.CallStateStarting, "")
	go s.prepareAudio()
	go s.setup()

	parentDone := s.ctx.Done()
	for {
		select {
		case ev := <-s.events:
			if s.handle(ev) {
				return
			}
		case <-parentDone:
			parentDone = nil
			if !s.tearingDown {
				if s.beginTeardown(eventbus.CallStateEnded, "shutdown") {
					return
				}
			}
		}
	}
}

// setup resolves the target and places the call. Runs off-loop so hangup and
// timer events stay responsive while signaling I/O is in flight.
func (s *Session) setup() {
	ref, err := signaling.ParseTarget(s.params.Target)
	if err != nil {
		s.post(event{kind: evSetupFailed, err: err})
		return
	}
	peer, err := s.caps.Dialer.ResolvePeer(s.ctx, ref)
	if err != nil {
		s.post(event{kind: evSetupFailed, err: err})
		return
	}
	call, err := s.caps.Dialer.PlaceCall(s.ctx, peer)
	if err != nil {
		s.post(event{kind: evSetupFailed, err: err})
		return
	}
	s.post(event{kind: evCallPlaced, call: call, peer: peer})
}

func (s *Session) prepareAudio() {
	src, err := s.caps.Pipeline.Prepare(s.ctx, s.params.Message, s.params.Language)
	if err != nil {
		s.post(event{kind: evPipelineFailed, err: err})
		return
	}
	select {
	case s.events <- event{kind: evPipelineReady, src: src}:
	case <-s.done:
		src.Release()
	}
}

func (s *Session) forwardSignals(call signaling.Call) {
	for sig := range call.Events() {
		s.post(event{kind: evSignal, sig: sig})
	}
}

// handle applies one event. It returns true once the session is terminal.
func (s *Session) handle(ev event) bool {
	switch ev.kind {
	case evCallPlaced:
		s.setupDone = true
		s.call = ev.call
		s.setPeer(ev.peer)
		go s.forwardSignals(ev.call)
		if s.tearingDown {
			// Hangup arrived while the offer was still being placed.
			go s.hangupCall(ev.call)
		}

	case evSetupFailed:
		s.setupDone = true
		if s.tearingDown {
			return s.finalize()
		}
		err := fmt.Errorf("%w: %v", ErrSignaling, ev.err)
		if errors.Is(ev.err, signaling.ErrMissingTarget) ||
			errors.Is(ev.err, signaling.ErrInvalidPhone) ||
			errors.Is(ev.err, signaling.ErrSelfCall) {
			err = ev.err
		}
		s.recordError("setup", err)
		return s.failImmediate("setup failed")

	case evSignal:
		return s.handleSignal(ev.sig)

	case evPipelineReady:
		if s.tearingDown {
			ev.src.Release()
			return false
		}
		s.src = ev.src
		if s.currentState() == eventbus.CallStateInCall && !s.playing {
			s.startPlayback()
		}

	case evPipelineFailed:
		s.pipelineErr = ev.err
		s.recordError("audio_pipeline", ev.err)
		if s.tearingDown {
			return false
		}
		// While still ringing the failure is only recorded: audio is never
		// required to ring, and the session resolves to error once
		// signaling itself settles.
		if s.currentState() == eventbus.CallStateInCall && !s.playing {
			return s.failImmediate("audio pipeline failed")
		}

	case evRingDeadline:
		if s.tearingDown || s.currentState() != eventbus.CallStateRinging {
			return false
		}
		err := fmt.Errorf("%w: no answer within %s", ErrDeadlineExceeded, s.params.RingTimeout)
		s.recordError("ring_deadline", err)
		return s.failImmediate("ring timeout")

	case evMaxDuration:
		if s.tearingDown || s.currentState() != eventbus.CallStateInCall {
			return false
		}
		err := fmt.Errorf("%w: call exceeded %s", ErrDeadlineExceeded, s.params.MaxDuration)
		s.recordError("max_duration", err)
		return s.beginTeardown(eventbus.CallStateEnded, "max duration reached")

	case evPlaybackDone:
		s.playing = false
		s.publishAudio(true)
		if s.tearingDown || s.currentState() != eventbus.CallStateInCall {
			return false
		}
		if ev.err != nil && !errors.Is(ev.err, context.Canceled) {
			err := fmt.Errorf("%w: playback: %v", ErrSignaling, ev.err)
			s.recordError("playback", err)
			return s.failImmediate("playback failed")
		}
		return s.beginTeardown(eventbus.CallStateEnded, "playback complete")

	case evHangup:
		if s.tearingDown {
			return false
		}
		return s.beginTeardown(eventbus.CallStateEnded, "hangup requested")

	case evTeardownTimeout:
		if !s.tearingDown {
			return false
		}
		s.recordError("teardown", ErrTeardownTimeout)
		return s.finalize()
	}
	return false
}

func (s *Session) handleSignal(sig signaling.Event) bool {
	switch sig.Kind {
	case signaling.EventConnecting, signaling.EventRinging:
		if s.tearingDown || s.currentState() != eventbus.CallStateStarting {
			return false
		}
		s.transition(eventbus.CallStateRinging, "")
		s.ringTimer = deadline.Arm(s.params.RingTimeout, func() {
			s.post(event{kind: evRingDeadline})
		})

	case signaling.EventAnswered:
		if s.tearingDown || s.currentState() != eventbus.CallStateRinging {
			return false
		}
		// The ring deadline must be dead before the answer transition is
		// dispatched. A failed cancel means the deadline handler already
		// started: its queued event decides the session, the answer is
		// discarded.
		if !s.ringTimer.Cancel() {
			return false
		}
		if s.pipelineErr != nil {
			return s.failImmediate("audio pipeline failed")
		}
		s.transition(eventbus.CallStateInCall, "")
		s.maxTimer = deadline.Arm(s.params.MaxDuration, func() {
			s.post(event{kind: evMaxDuration})
		})
		s.applyOverride()
		if s.src != nil && !s.playing {
			s.startPlayback()
		}

	case signaling.EventEnded:
		s.callEnded = true
		if s.tearingDown {
			return s.finalize()
		}
		switch s.currentState() {
		case eventbus.CallStateInCall:
			return s.beginTeardown(eventbus.CallStateEnded, "remote hangup")
		default:
			err := fmt.Errorf("%w: call ended before answer", ErrSignaling)
			s.recordError("signaling", err)
			return s.failImmediate("call rejected")
		}

	case signaling.EventFailed:
		s.callEnded = true
		err := fmt.Errorf("%w: %v", ErrSignaling, sig.Err)
		s.recordError("signaling", err)
		if s.tearingDown {
			return s.finalize()
		}
		return s.failImmediate("signaling failure")
	}
	return false
}

// failImmediate transitions straight to the terminal error state, the path
// for setup failures, deadline expiry before answer, and fatal capability
// events. Teardown side effects still run; the hangup is fire-and-forget.
func (s *Session) failImmediate(reason string) bool {
	s.tearingDown = true
	s.finalState = eventbus.CallStateError
	s.endReason = reason

	s.ringTimer.Cancel()
	s.maxTimer.Cancel()
	if s.playCancel != nil {
		s.playCancel()
	}
	if s.call != nil && !s.callEnded {
		go s.hangupCall(s.call)
	}
	return s.finalize()
}

// beginTeardown moves the session into ending and starts the bounded wait for
// the capability's terminal event. It returns true when the session could be
// finalized immediately.
func (s *Session) beginTeardown(final eventbus.CallState, reason string) bool {
	s.tearingDown = true
	s.finalState = final
	s.endReason = reason

	s.ringTimer.Cancel()
	s.maxTimer.Cancel()
	if s.playCancel != nil {
		s.playCancel()
	}

	s.transition(eventbus.CallStateEnding, reason)
	s.restoreOverride()

	if s.callEnded || (s.setupDone && s.call == nil) {
		return s.finalize()
	}
	if s.call != nil {
		go s.hangupCall(s.call)
	}
	// Either the hangup confirmation or, when setup is still in flight, the
	// placed call itself must arrive before this expires.
	s.teardownTimer = deadline.Arm(teardownWait, func() {
		s.post(event{kind: evTeardownTimeout})
	})
	return false
}

func (s *Session) hangupCall(call signaling.Call) {
	ctx, cancel := context.WithTimeout(context.Background(), remoteOpWait)
	defer cancel()
	if err := call.Hangup(ctx); err != nil {
		s.logger.Printf("[CallSession] %s: hangup: %v", s.id, err)
	}
}

// finalize is the single exit point: it cancels outstanding work, releases
// the audio source, restores the identity if still overridden, and publishes
// the terminal state.
func (s *Session) finalize() bool {
	s.teardownTimer.Cancel()
	s.ringTimer.Cancel()
	s.maxTimer.Cancel()
	if s.playCancel != nil {
		s.playCancel()
	}
	s.restoreOverride()
	if s.src != nil {
		s.src.Release()
		s.src = nil
	}
	s.cancel()

	final := s.finalState
	if final == "" {
		final = eventbus.CallStateEnded
	}
	s.transition(final, s.endReason)
	s.logger.Printf("[CallSession] %s: finished state=%s reason=%q", s.id, final, s.endReason)
	if s.onTerminal != nil {
		s.onTerminal(s)
	}
	return true
}

func (s *Session) applyOverride() {
	if s.caps.Profile == nil || s.params.Topic == "" {
		return
	}
	snap, err := s.caps.Profile.Apply(s.ctx, s.params.Identity, s.id, s.params.Topic, s.params.PhotoPath)
	if err != nil {
		// Non-fatal: the call continues with the real identity.
		s.recordRecoverable("profile_override", err)
		return
	}
	s.snap = snap
}

func (s *Session) restoreOverride() {
	if s.snap == nil {
		return
	}
	snap := s.snap
	s.snap = nil
	ctx, cancel := context.WithTimeout(context.Background(), remoteOpWait)
	defer cancel()
	if err := s.caps.Profile.Restore(ctx, snap); err != nil {
		s.recordRecoverable("profile_restore", err)
	}
}

func (s *Session) startPlayback() {
	ctx, cancel := context.WithCancel(s.ctx)
	s.playCancel = cancel
	s.playing = true
	s.publishAudio(false)
	call, src := s.call, s.src
	go func() {
		err := call.Play(ctx, src.Path)
		s.post(event{kind: evPlaybackDone, err: err})
	}()
}

func (s *Session) currentState() eventbus.CallState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setPeer(peer signaling.PeerRef) {
	s.mu.Lock()
	s.peer = peer
	s.updatedAt = time.Now().UTC()
	s.mu.Unlock()
}

func (s *Session) transition(state eventbus.CallState, reason string) {
	s.mu.Lock()
	s.state = state
	s.updatedAt = time.Now().UTC()
	peer := s.peer.String()
	errMsg := ""
	if s.lastErr != nil {
		errMsg = s.lastErr.Error()
	}
	s.mu.Unlock()

	eventbus.Publish(context.Background(), s.bus, eventbus.Calls.Lifecycle, eventbus.SourceCallSession, eventbus.CallLifecycleEvent{
		Identity:  s.params.Identity,
		SessionID: s.id,
		Peer:      peer,
		Topic:     s.params.Topic,
		State:     state,
		Error:     errMsg,
		Reason:    reason,
	})
}

func (s *Session) recordError(stage string, err error) {
	s.setLastErr(err)
	s.logger.Printf("[CallSession] %s: %s: %v", s.id, stage, err)
	s.publishError(stage, err, false)
}

func (s *Session) recordRecoverable(stage string, err error) {
	s.setLastErr(err)
	s.logger.Printf("[CallSession] %s: %s (recoverable): %v", s.id, stage, err)
	s.publishError(stage, err, true)
}

func (s *Session) setLastErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.updatedAt = time.Now().UTC()
	s.mu.Unlock()
}

func (s *Session) publishError(stage string, err error, recoverable bool) {
	eventbus.Publish(context.Background(), s.bus, eventbus.Calls.Error, eventbus.SourceCallSession, eventbus.CallErrorEvent{
		Identity:    s.params.Identity,
		SessionID:   s.id,
		Stage:       stage,
		Message:     err.Error(),
		Recoverable: recoverable,
	})
}

func (s *Session) publishAudio(final bool) {
	var format eventbus.AudioFormat
	var duration time.Duration
	if s.src != nil {
		format = s.src.Format
		duration = s.src.Duration
	}
	eventbus.Publish(context.Background(), s.bus, eventbus.Calls.Audio, eventbus.SourceCallSession, eventbus.CallAudioEvent{
		Identity:  s.params.Identity,
		SessionID: s.id,
		Format:    format,
		Duration:  duration,
		Final:     final,
	})
}
