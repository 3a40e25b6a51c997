// Package registry maps identities to their in-flight call sessions. It
// enforces the one-active-call-per-identity rule and routes call and hangup
// commands to the right session.
package registry

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/Sanji78/telegram-voip/internal/callsession"
	"github.com/Sanji78/telegram-voip/internal/eventbus"
)

var (
	// ErrAlreadyInProgress rejects a call request while the identity has a
	// non-terminal session. Nothing about the running session changes.
	ErrAlreadyInProgress = errors.New("registry: call already in progress")
	// ErrNoActiveCall rejects a hangup for an idle identity.
	ErrNoActiveCall = errors.New("registry: no active call")
	// ErrUnknownIdentity rejects requests for identities never registered.
	ErrUnknownIdentity = errors.New("registry: unknown identity")
	// ErrMissingMessage rejects call requests without announcement text.
	ErrMissingMessage = errors.New("registry: message required")
)

// Defaults are the per-identity fallback values merged into call requests.
type Defaults struct {
	Target      string
	Language    string
	PhotoPath   string
	RingTimeout time.Duration
	MaxDuration time.Duration
}

// Identity is one registered calling account.
type Identity struct {
	Name     string
	Caps     callsession.Capabilities
	Defaults Defaults
}

// CallRequest carries the caller-supplied fields of a call command. Empty
// fields fall back to the identity's defaults.
type CallRequest struct {
	Target      string
	Message     string
	Topic       string
	Language    string
	PhotoPath   string
	RingTimeout time.Duration
	MaxDuration time.Duration
}

// Option configures the Registry.
type Option func(*Registry)

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithBaseContext sets the parent context for every session the registry
// starts. Cancelling it tears down all active calls. Defaults to
// context.Background().
func WithBaseContext(ctx context.Context) Option {
	return func(r *Registry) {
		if ctx != nil {
			r.baseCtx = ctx
		}
	}
}

// Registry owns the identity-to-session mapping. All map mutations are
// atomic: check-and-insert on call requests, check-and-remove on terminal
// transitions.
type Registry struct {
	bus     *eventbus.Bus
	logger  *log.Logger
	baseCtx context.Context

	mu         sync.Mutex
	identities map[string]*Identity
	sessions   map[string]*callsession.Session
	lastStatus map[string]callsession.Status
}

// New constructs an empty registry.
func New(bus *eventbus.Bus, opts ...Option) *Registry {
	r := &Registry{
		bus:        bus,
		logger:     log.Default(),
		baseCtx:    context.Background(),
		identities: make(map[string]*Identity),
		sessions:   make(map[string]*callsession.Session),
		lastStatus: make(map[string]callsession.Status),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddIdentity registers an identity, replacing any previous entry with the
// same name.
func (r *Registry) AddIdentity(id *Identity) {
	r.mu.Lock()
	r.identities[id.Name] = id
	r.mu.Unlock()
}

// RemoveIdentity unregisters an identity, hanging up its active session if
// one exists.
func (r *Registry) RemoveIdentity(name string) {
	r.mu.Lock()
	sess := r.sessions[name]
	delete(r.identities, name)
	r.mu.Unlock()
	if sess != nil {
		sess.Hangup()
	}
}

// Identities returns the sorted names of all registered identities.
func (r *Registry) Identities() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.identities))
	for name := range r.identities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RequestCall starts a call for the identity. It fails with
// ErrAlreadyInProgress when a non-terminal session exists; the running
// session is unaffected. The returned session has already been started.
//
// ctx bounds only the admission of the request. The session itself runs
// under the registry's base context so it outlives short-lived callers such
// as HTTP handlers.
func (r *Registry) RequestCall(ctx context.Context, identity string, req CallRequest) (*callsession.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	id, ok := r.identities[identity]
	if !ok {
		r.mu.Unlock()
		return nil, ErrUnknownIdentity
	}
	if _, busy := r.sessions[identity]; busy {
		r.mu.Unlock()
		return nil, ErrAlreadyInProgress
	}

	params, err := mergeDefaults(identity, req, id.Defaults)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}

	sess := callsession.New(params, id.Caps, r.bus,
		callsession.WithLogger(r.logger),
		callsession.WithOnTerminal(r.clearSession),
	)
	r.sessions[identity] = sess
	r.mu.Unlock()

	r.logger.Printf("[Registry] %s: call %s -> %s", identity, sess.ID(), params.Target)
	sess.Start(r.baseCtx)
	return sess, nil
}

// RequestHangup asks the identity's active session to tear down. The wait
// for teardown is the session's own; this returns immediately.
func (r *Registry) RequestHangup(identity string) error {
	r.mu.Lock()
	if _, ok := r.identities[identity]; !ok {
		r.mu.Unlock()
		return ErrUnknownIdentity
	}
	sess := r.sessions[identity]
	r.mu.Unlock()
	if sess == nil {
		return ErrNoActiveCall
	}
	sess.Hangup()
	return nil
}

// Status reports the identity's current session snapshot, or its last
// terminal snapshot, or an idle placeholder if it has never called.
func (r *Registry) Status(identity string) (callsession.Status, error) {
	r.mu.Lock()
	_, known := r.identities[identity]
	sess := r.sessions[identity]
	last, hasLast := r.lastStatus[identity]
	r.mu.Unlock()

	if !known {
		return callsession.Status{}, ErrUnknownIdentity
	}
	if sess != nil {
		return sess.Status(), nil
	}
	if hasLast {
		return last, nil
	}
	return callsession.Status{Identity: identity, State: "idle"}, nil
}

// StatusAll returns a snapshot per registered identity, sorted by name.
func (r *Registry) StatusAll() []callsession.Status {
	out := make([]callsession.Status, 0)
	for _, name := range r.Identities() {
		st, err := r.Status(name)
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	return out
}

// HangupAll tears down every active session and waits for them to finish or
// for ctx to expire. Used on daemon shutdown.
func (r *Registry) HangupAll(ctx context.Context) {
	r.mu.Lock()
	active := make([]*callsession.Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		active = append(active, sess)
	}
	r.mu.Unlock()

	for _, sess := range active {
		sess.Hangup()
	}
	for _, sess := range active {
		select {
		case <-sess.Done():
		case <-ctx.Done():
			return
		}
	}
}

// clearSession runs on the session's event loop when it reaches a terminal
// state. The mapping is removed exactly once regardless of which path ended
// the session.
func (r *Registry) clearSession(sess *callsession.Session) {
	identity := sess.Identity()
	r.mu.Lock()
	if current, ok := r.sessions[identity]; ok && current == sess {
		delete(r.sessions, identity)
		r.lastStatus[identity] = sess.Status()
	}
	r.mu.Unlock()
}

func mergeDefaults(identity string, req CallRequest, def Defaults) (callsession.Params, error) {
	p := callsession.Params{
		Identity:    identity,
		Target:      req.Target,
		Message:     req.Message,
		Topic:       req.Topic,
		Language:    req.Language,
		PhotoPath:   req.PhotoPath,
		RingTimeout: req.RingTimeout,
		MaxDuration: req.MaxDuration,
	}
	if p.Message == "" {
		return callsession.Params{}, ErrMissingMessage
	}
	if p.Target == "" {
		p.Target = def.Target
	}
	if p.Language == "" {
		p.Language = def.Language
	}
	if p.PhotoPath == "" {
		p.PhotoPath = def.PhotoPath
	}
	if p.RingTimeout <= 0 {
		p.RingTimeout = def.RingTimeout
	}
	if p.MaxDuration <= 0 {
		p.MaxDuration = def.MaxDuration
	}
	return p, nil
}
