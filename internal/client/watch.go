package client

import (
	"context"
	"fmt"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/Sanji78/telegram-voip/internal/server"
)

// Watch connects to the daemon's WebSocket stream and invokes handle for
// every message until ctx is cancelled or the stream breaks.
func (c *Client) Watch(ctx context.Context, handle func(server.Message)) error {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("watch: %w: %v", ErrDaemonUnreachable, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var msg server.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("watch: stream closed: %w", err)
		}
		handle(msg)
	}
}
