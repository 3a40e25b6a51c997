package signaling

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrBridgeClosed is returned for requests issued after the bridge
	// process exited or Close was called.
	ErrBridgeClosed = errors.New("signaling: bridge closed")
	// ErrUnknownCall is returned for operations on a call handle the bridge
	// no longer tracks.
	ErrUnknownCall = errors.New("signaling: unknown call handle")
)

// bridgeRequest is one command sent to the bridge process, one JSON object
// per line on its stdin.
type bridgeRequest struct {
	Op        string        `json:"op"`
	ID        string        `json:"id"`
	CallID    string        `json:"call_id,omitempty"`
	Peer      *PeerRef      `json:"peer,omitempty"`
	Path      string        `json:"path,omitempty"`
	FirstName string        `json:"first_name,omitempty"`
	LastName  string        `json:"last_name,omitempty"`
	Config    *ServerConfig `json:"config,omitempty"`
}

// bridgeMessage is one line read from the bridge's stdout: either a reply to
// a pending request (ID set) or an unsolicited call event (Event set).
type bridgeMessage struct {
	ID      string   `json:"id,omitempty"`
	OK      bool     `json:"ok,omitempty"`
	Error   string   `json:"error,omitempty"`
	Peer    *PeerRef `json:"peer,omitempty"`
	CallID  string   `json:"call_id,omitempty"`
	Profile *Profile `json:"profile,omitempty"`

	Event  string `json:"event,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// ProcessOptions configures a bridge subprocess.
type ProcessOptions struct {
	Command     string   // bridge executable path
	Args        []string // extra arguments (session file, workdir, ...)
	SessionPath string   // authenticated session file, passed as --session
	Config      ServerConfig
	Logger      *log.Logger
}

// ProcessDialer drives an out-of-process signaling bridge over a JSON-line
// protocol on stdin/stdout. The bridge owns the account connection and the
// media transport; this side only sequences commands and routes events.
type ProcessDialer struct {
	logger *log.Logger
	config ServerConfig

	cmd *exec.Cmd
	in  io.WriteCloser
	out *bufio.Scanner

	mu      sync.Mutex
	writeMu sync.Mutex
	pending map[string]chan bridgeMessage
	calls   map[string]*processCall
	closed  bool
	done    chan struct{}
}

// NewProcessDialer launches the bridge executable and performs no handshake:
// the first failed request surfaces a broken bridge.
func NewProcessDialer(ctx context.Context, opts ProcessOptions) (*ProcessDialer, error) {
	if opts.Command == "" {
		return nil, errors.New("signaling: bridge command not configured")
	}
	args := opts.Args
	if opts.SessionPath != "" {
		args = append(append([]string(nil), args...), "--session", opts.SessionPath)
	}

	cmd := exec.CommandContext(ctx, opts.Command, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("signaling: open bridge stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("signaling: open bridge stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("signaling: start bridge %q: %w", opts.Command, err)
	}

	d := newProcessDialer(stdin, stdout, opts)
	d.cmd = cmd
	return d, nil
}

// newProcessDialer wires a dialer onto an arbitrary transport. Split out from
// NewProcessDialer so the protocol can be tested against in-memory pipes.
func newProcessDialer(in io.WriteCloser, out io.Reader, opts ProcessOptions) *ProcessDialer {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	config := opts.Config
	if config == (ServerConfig{}) {
		config = DefaultServerConfig()
	}

	d := &ProcessDialer{
		logger:  logger,
		config:  config,
		in:      in,
		out:     bufio.NewScanner(out),
		pending: make(map[string]chan bridgeMessage),
		calls:   make(map[string]*processCall),
		done:    make(chan struct{}),
	}
	go d.readLoop()
	return d
}

func (d *ProcessDialer) readLoop() {
	defer d.shutdown()

	for d.out.Scan() {
		line := d.out.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg bridgeMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			d.logger.Printf("[Signaling] Discarding malformed bridge line: %v", err)
			continue
		}

		if msg.ID != "" {
			d.mu.Lock()
			ch := d.pending[msg.ID]
			delete(d.pending, msg.ID)
			d.mu.Unlock()
			if ch != nil {
				ch <- msg
			}
			continue
		}

		if msg.Event != "" {
			d.routeEvent(msg)
		}
	}
}

func (d *ProcessDialer) routeEvent(msg bridgeMessage) {
	d.mu.Lock()
	call := d.calls[msg.CallID]
	d.mu.Unlock()
	if call == nil {
		d.logger.Printf("[Signaling] Event %q for unknown call %q", msg.Event, msg.CallID)
		return
	}

	ev := Event{Kind: EventKind(msg.Event), Detail: msg.Detail}
	if ev.Kind == EventFailed {
		ev.Err = fmt.Errorf("signaling: call failed: %s", msg.Detail)
	}
	call.emit(ev)

	if ev.Kind == EventEnded || ev.Kind == EventFailed {
		d.mu.Lock()
		delete(d.calls, msg.CallID)
		d.mu.Unlock()
		call.closeEvents()
	}
}

// shutdown fails all pending requests and terminates live call streams.
func (d *ProcessDialer) shutdown() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	pending := d.pending
	calls := d.calls
	d.pending = map[string]chan bridgeMessage{}
	d.calls = map[string]*processCall{}
	close(d.done)
	d.mu.Unlock()

	for _, ch := range pending {
		ch <- bridgeMessage{Error: ErrBridgeClosed.Error()}
	}
	for _, call := range calls {
		call.emit(Event{Kind: EventFailed, Detail: "bridge exited", Err: ErrBridgeClosed})
		call.closeEvents()
	}
}

func (d *ProcessDialer) request(ctx context.Context, req bridgeRequest) (bridgeMessage, error) {
	req.ID = uuid.New().String()
	ch := make(chan bridgeMessage, 1)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return bridgeMessage{}, ErrBridgeClosed
	}
	d.pending[req.ID] = ch
	d.mu.Unlock()

	payload, err := json.Marshal(req)
	if err != nil {
		return bridgeMessage{}, fmt.Errorf("signaling: encode request: %w", err)
	}
	d.writeMu.Lock()
	_, err = d.in.Write(append(payload, '\n'))
	d.writeMu.Unlock()
	if err != nil {
		d.mu.Lock()
		delete(d.pending, req.ID)
		d.mu.Unlock()
		return bridgeMessage{}, fmt.Errorf("signaling: write request: %w", err)
	}

	select {
	case msg := <-ch:
		if msg.Error != "" {
			return bridgeMessage{}, fmt.Errorf("signaling: %s: %s", req.Op, msg.Error)
		}
		return msg, nil
	case <-ctx.Done():
		d.mu.Lock()
		delete(d.pending, req.ID)
		d.mu.Unlock()
		return bridgeMessage{}, ctx.Err()
	case <-d.done:
		return bridgeMessage{}, ErrBridgeClosed
	}
}

// ResolvePeer implements Dialer.
func (d *ProcessDialer) ResolvePeer(ctx context.Context, ref PeerRef) (PeerRef, error) {
	msg, err := d.request(ctx, bridgeRequest{Op: "resolve_peer", Peer: &ref})
	if err != nil {
		return PeerRef{}, err
	}
	if msg.Peer == nil {
		return PeerRef{}, fmt.Errorf("signaling: resolve_peer: bridge returned no peer")
	}
	return *msg.Peer, nil
}

// PlaceCall implements Dialer.
func (d *ProcessDialer) PlaceCall(ctx context.Context, peer PeerRef) (Call, error) {
	msg, err := d.request(ctx, bridgeRequest{Op: "place_call", Peer: &peer, Config: &d.config})
	if err != nil {
		return nil, err
	}
	if msg.CallID == "" {
		return nil, fmt.Errorf("signaling: place_call: bridge returned no call id")
	}

	call := &processCall{
		id:     msg.CallID,
		dialer: d,
		events: make(chan Event, 16),
	}
	d.mu.Lock()
	d.calls[msg.CallID] = call
	d.mu.Unlock()
	return call, nil
}

// Me implements ProfileClient.
func (d *ProcessDialer) Me(ctx context.Context) (Profile, error) {
	msg, err := d.request(ctx, bridgeRequest{Op: "me"})
	if err != nil {
		return Profile{}, err
	}
	if msg.Profile == nil {
		return Profile{}, fmt.Errorf("signaling: me: bridge returned no profile")
	}
	return *msg.Profile, nil
}

// UpdateProfile implements ProfileClient.
func (d *ProcessDialer) UpdateProfile(ctx context.Context, firstName, lastName string) error {
	_, err := d.request(ctx, bridgeRequest{Op: "update_profile", FirstName: firstName, LastName: lastName})
	return err
}

// SetProfilePhoto implements ProfileClient.
func (d *ProcessDialer) SetProfilePhoto(ctx context.Context, path string) error {
	_, err := d.request(ctx, bridgeRequest{Op: "set_photo", Path: path})
	return err
}

// Close implements Dialer. The bridge is asked to stop gracefully; the
// subprocess is reaped if one was launched.
func (d *ProcessDialer) Close(ctx context.Context) error {
	_, err := d.request(ctx, bridgeRequest{Op: "close"})
	if err != nil && !errors.Is(err, ErrBridgeClosed) {
		d.logger.Printf("[Signaling] Bridge close request failed: %v", err)
	}
	d.shutdown()
	if cerr := d.in.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if d.cmd != nil {
		if werr := d.cmd.Wait(); werr != nil && err == nil {
			err = werr
		}
	}
	if errors.Is(err, ErrBridgeClosed) {
		return nil
	}
	return err
}

// processCall is a Call handle backed by the bridge subprocess.
type processCall struct {
	id     string
	dialer *ProcessDialer
	events chan Event

	emitMu sync.Mutex
	ended  bool
}

// Events implements Call.
func (c *processCall) Events() <-chan Event {
	return c.events
}

// Play implements Call. The bridge replies to the play request only after
// playback finished, so the call blocks for the stream duration.
func (c *processCall) Play(ctx context.Context, rawPath string) error {
	_, err := c.dialer.request(ctx, bridgeRequest{Op: "play", CallID: c.id, Path: rawPath})
	return err
}

// Hangup implements Call.
func (c *processCall) Hangup(ctx context.Context) error {
	_, err := c.dialer.request(ctx, bridgeRequest{Op: "hangup", CallID: c.id})
	if errors.Is(err, ErrBridgeClosed) {
		return nil
	}
	return err
}

func (c *processCall) emit(ev Event) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if c.ended {
		return
	}
	select {
	case c.events <- ev:
	default:
		// Consumer stalled; drop rather than block the read loop.
	}
}

func (c *processCall) closeEvents() {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if c.ended {
		return
	}
	c.ended = true
	close(c.events)
}
