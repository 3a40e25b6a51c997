package server

import (
	"context"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Sanji78/telegram-voip/internal/eventbus"
)

// Message is the envelope sent to WebSocket clients.
type Message struct {
	Type      string    `json:"type"`
	Identity  string    `json:"identity,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	wsSendBuffer   = 64
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan Message
}

// Hub fans call lifecycle, error, and profile events out to connected
// WebSocket clients.
type Hub struct {
	bus    *eventbus.Bus
	logger *log.Logger

	upgrader websocket.Upgrader
	lc       *eventbus.ServiceLifecycle

	mu      sync.RWMutex
	clients map[*wsClient]bool

	stopOnce sync.Once
}

// NewHub constructs a hub over the given bus. Run must be called for
// events to reach clients.
func NewHub(bus *eventbus.Bus, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.New(log.Writer(), "[WebSocket] ", log.LstdFlags)
	}
	return &Hub{
		bus:     bus,
		logger:  logger,
		lc:      eventbus.NewServiceLifecycle(context.Background()),
		clients: make(map[*wsClient]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				return originAllowed(origin)
			},
		},
	}
}

// The API binds to loopback; browsers running on the same host are the
// only expected WebSocket origins.
func originAllowed(origin string) bool {
	return origin == "http://localhost" ||
		origin == "http://127.0.0.1" ||
		strings.HasPrefix(origin, "http://localhost:") ||
		strings.HasPrefix(origin, "http://127.0.0.1:")
}

// Run bridges bus events to connected clients until Shutdown is called.
// One consumer goroutine per topic keeps a slow stream from delaying the
// others.
func (h *Hub) Run() {
	lifecycle := eventbus.SubscribeTo(h.bus, eventbus.Calls.Lifecycle)
	callErrors := eventbus.SubscribeTo(h.bus, eventbus.Calls.Error)
	overrides := eventbus.SubscribeTo(h.bus, eventbus.Profile.Override)
	h.lc.AddSubscriptions(lifecycle, callErrors, overrides)

	h.lc.Go(func(ctx context.Context) {
		eventbus.ConsumeEnvelope(ctx, lifecycle, func(env eventbus.TypedEnvelope[eventbus.CallLifecycleEvent]) {
			h.broadcast(Message{
				Type:      "call_state",
				Identity:  env.Payload.Identity,
				SessionID: env.Payload.SessionID,
				Data:      env.Payload,
				Timestamp: env.Timestamp,
			})
		})
	})
	h.lc.Go(func(ctx context.Context) {
		eventbus.ConsumeEnvelope(ctx, callErrors, func(env eventbus.TypedEnvelope[eventbus.CallErrorEvent]) {
			h.broadcast(Message{
				Type:      "call_error",
				Identity:  env.Payload.Identity,
				SessionID: env.Payload.SessionID,
				Data:      env.Payload,
				Timestamp: env.Timestamp,
			})
		})
	})
	h.lc.Go(func(ctx context.Context) {
		eventbus.ConsumeEnvelope(ctx, overrides, func(env eventbus.TypedEnvelope[eventbus.ProfileOverrideEvent]) {
			h.broadcast(Message{
				Type:      "profile_override",
				Identity:  env.Payload.Identity,
				SessionID: env.Payload.SessionID,
				Data:      env.Payload,
				Timestamp: env.Timestamp,
			})
		})
	})

	<-h.lc.Context().Done()
}

// Shutdown stops the event consumers and disconnects all clients.
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
		defer cancel()
		if err := h.lc.Shutdown(ctx); err != nil {
			h.logger.Printf("event consumers did not drain: %v", err)
		}
	})

	h.mu.Lock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.mu.Unlock()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleUpgrade upgrades an HTTP request to a WebSocket connection.
func (h *Hub) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade failed: %v", err)
		return
	}

	client := &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan Message, wsSendBuffer),
	}

	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()
	h.logger.Printf("client %s connected", client.id)

	go h.writePump(client)
	go h.readPump(client)
}

func (h *Hub) broadcast(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			// Slow client; drop the message rather than stall the hub.
		}
	}
}

func (h *Hub) removeClient(client *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()
	client.conn.Close()
}

func (h *Hub) writePump(client *wsClient) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				client.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(wsWriteTimeout))
				client.conn.Close()
				return
			}
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := client.conn.WriteJSON(msg); err != nil {
				h.logger.Printf("client %s write failed: %v", client.id, err)
				h.removeClient(client)
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(wsWriteTimeout)
			if err := client.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				h.removeClient(client)
				return
			}
		}
	}
}

// readPump discards inbound frames; the stream is one-way. Reading is
// still required so close and ping/pong frames are processed.
func (h *Hub) readPump(client *wsClient) {
	defer h.removeClient(client)
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}
