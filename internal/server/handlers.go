// Package server exposes the daemon's HTTP and WebSocket API.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/Sanji78/telegram-voip/internal/audiopipe"
	"github.com/Sanji78/telegram-voip/internal/registry"
	"github.com/Sanji78/telegram-voip/internal/signaling"
	"github.com/Sanji78/telegram-voip/internal/version"
)

const maxCallRequestBytes = 64 * 1024

// APIServer serves the daemon's REST endpoints and the live status stream.
type APIServer struct {
	service   CallService
	hub       *Hub
	logger    *log.Logger
	metricsFn func(io.Writer) error
	startTime time.Time
}

// Option customises an APIServer.
type Option func(*APIServer)

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *APIServer) { s.logger = logger }
}

// WithMetrics installs a metrics renderer served at /metrics.
func WithMetrics(fn func(io.Writer) error) Option {
	return func(s *APIServer) { s.metricsFn = fn }
}

// New constructs an APIServer over the given call service. The hub may be
// nil when the WebSocket stream is not wired.
func New(service CallService, hub *Hub, opts ...Option) *APIServer {
	s := &APIServer{
		service:   service,
		hub:       hub,
		logger:    log.New(log.Writer(), "[APIServer] ", log.LstdFlags),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the HTTP routing table.
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/calls", s.handlePlaceCall)
	mux.HandleFunc("POST /api/calls/{identity}/hangup", s.handleHangup)
	mux.HandleFunc("GET /api/calls", s.handleStatusAll)
	mux.HandleFunc("GET /api/calls/{identity}", s.handleStatus)
	mux.HandleFunc("GET /api/identities", s.handleIdentities)
	mux.HandleFunc("GET /api/daemon/status", s.handleDaemonStatus)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	if s.hub != nil {
		mux.HandleFunc("GET /ws", s.hub.HandleUpgrade)
	}
	return mux
}

// CallRequestBody is the JSON payload accepted by POST /api/calls.
type CallRequestBody struct {
	Identity       string `json:"identity"`
	Target         string `json:"target,omitempty"`
	Message        string `json:"message"`
	Topic          string `json:"topic,omitempty"`
	Language       string `json:"language,omitempty"`
	PhotoPath      string `json:"photo_path,omitempty"`
	RingTimeoutSec int    `json:"ring_timeout_sec,omitempty"`
	MaxDurationSec int    `json:"max_duration_sec,omitempty"`
}

// CallAccepted is returned when a call session has been created.
type CallAccepted struct {
	Identity  string `json:"identity"`
	SessionID string `json:"session_id"`
	State     string `json:"call_state"`
}

func (s *APIServer) handlePlaceCall(w http.ResponseWriter, r *http.Request) {
	var body CallRequestBody
	dec := json.NewDecoder(io.LimitReader(r.Body, maxCallRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.Identity == "" {
		writeError(w, http.StatusBadRequest, "identity is required")
		return
	}
	if body.Language != "" {
		if _, err := audiopipe.NormalizeLanguage(body.Language); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	req := registry.CallRequest{
		Target:      body.Target,
		Message:     body.Message,
		Topic:       body.Topic,
		Language:    body.Language,
		PhotoPath:   body.PhotoPath,
		RingTimeout: time.Duration(body.RingTimeoutSec) * time.Second,
		MaxDuration: time.Duration(body.MaxDurationSec) * time.Second,
	}

	sess, err := s.service.RequestCall(r.Context(), body.Identity, req)
	if err != nil {
		writeError(w, callErrorStatus(err), err.Error())
		return
	}

	s.logger.Printf("call accepted: identity=%s session=%s", body.Identity, sess.ID())
	writeJSON(w, http.StatusAccepted, CallAccepted{
		Identity:  body.Identity,
		SessionID: sess.ID(),
		State:     sess.Status().State,
	})
}

func (s *APIServer) handleHangup(w http.ResponseWriter, r *http.Request) {
	identity := r.PathValue("identity")
	if err := s.service.RequestHangup(identity); err != nil {
		writeError(w, callErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "hangup requested"})
}

func (s *APIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	identity := r.PathValue("identity")
	status, err := s.service.Status(identity)
	if err != nil {
		writeError(w, callErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *APIServer) handleStatusAll(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.service.StatusAll())
}

func (s *APIServer) handleIdentities(w http.ResponseWriter, _ *http.Request) {
	names := s.service.Identities()
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, names)
}

// DaemonStatus captures runtime daemon metadata.
type DaemonStatus struct {
	Version       string `json:"version"`
	Identities    int    `json:"identities"`
	ActiveClients int    `json:"ws_clients"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (s *APIServer) handleDaemonStatus(w http.ResponseWriter, _ *http.Request) {
	status := DaemonStatus{
		Version:       version.String(),
		Identities:    len(s.service.Identities()),
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	}
	if s.hub != nil {
		status.ActiveClients = s.hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *APIServer) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.metricsFn == nil {
		writeError(w, http.StatusNotFound, "metrics not enabled")
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	if err := s.metricsFn(w); err != nil {
		s.logger.Printf("failed to render metrics: %v", err)
	}
}

func callErrorStatus(err error) int {
	switch {
	case errors.Is(err, registry.ErrUnknownIdentity),
		errors.Is(err, registry.ErrNoActiveCall):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrAlreadyInProgress):
		return http.StatusConflict
	case errors.Is(err, registry.ErrMissingMessage),
		errors.Is(err, signaling.ErrMissingTarget),
		errors.Is(err, signaling.ErrInvalidPhone),
		errors.Is(err, signaling.ErrSelfCall),
		errors.Is(err, audiopipe.ErrUnsupportedLanguage):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
