// Package client talks to the tgvoipd HTTP and WebSocket API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Sanji78/telegram-voip/internal/callsession"
	"github.com/Sanji78/telegram-voip/internal/server"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	maxErrorBody       = 8 << 10
)

// ErrDaemonUnreachable indicates the daemon did not answer at all.
var ErrDaemonUnreachable = errors.New("client: daemon unreachable")

// Client wraps HTTP interactions with the daemon.
type Client struct {
	client  *http.Client
	baseURL string
}

// New builds a client for the given base URL, e.g. "http://127.0.0.1:8790".
func New(baseURL string, transport http.RoundTripper) *Client {
	httpClient := &http.Client{Timeout: defaultHTTPTimeout}
	if transport != nil {
		httpClient.Transport = transport
	}
	return &Client{
		client:  httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// BaseURL returns the base HTTP URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// PlaceCall asks the daemon to start a call for the identity.
func (c *Client) PlaceCall(ctx context.Context, req server.CallRequestBody) (server.CallAccepted, error) {
	var accepted server.CallAccepted
	if err := c.postJSON(ctx, "/api/calls", req, &accepted); err != nil {
		return server.CallAccepted{}, fmt.Errorf("place call: %w", err)
	}
	return accepted, nil
}

// Hangup requests termination of the identity's active call.
func (c *Client) Hangup(ctx context.Context, identity string) error {
	if err := c.postJSON(ctx, "/api/calls/"+identity+"/hangup", struct{}{}, nil); err != nil {
		return fmt.Errorf("hangup: %w", err)
	}
	return nil
}

// Status fetches the call status for one identity.
func (c *Client) Status(ctx context.Context, identity string) (callsession.Status, error) {
	var status callsession.Status
	if err := c.getJSON(ctx, "/api/calls/"+identity, &status); err != nil {
		return callsession.Status{}, fmt.Errorf("status: %w", err)
	}
	return status, nil
}

// StatusAll fetches the status of every known identity.
func (c *Client) StatusAll(ctx context.Context) ([]callsession.Status, error) {
	var statuses []callsession.Status
	if err := c.getJSON(ctx, "/api/calls", &statuses); err != nil {
		return nil, fmt.Errorf("status all: %w", err)
	}
	return statuses, nil
}

// Identities lists the identity names registered with the daemon.
func (c *Client) Identities(ctx context.Context) ([]string, error) {
	var names []string
	if err := c.getJSON(ctx, "/api/identities", &names); err != nil {
		return nil, fmt.Errorf("identities: %w", err)
	}
	return names, nil
}

// DaemonStatus fetches runtime daemon metadata.
func (c *Client) DaemonStatus(ctx context.Context) (server.DaemonStatus, error) {
	var status server.DaemonStatus
	if err := c.getJSON(ctx, "/api/daemon/status", &status); err != nil {
		return server.DaemonStatus{}, fmt.Errorf("daemon status: %w", err)
	}
	return status, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, http.NoBody)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDaemonUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return readAPIError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if len(body) == 0 {
		return errors.New(resp.Status)
	}
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "{") {
		var payload struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal([]byte(trimmed), &payload); err == nil {
			if msg := strings.TrimSpace(payload.Error); msg != "" {
				return errors.New(msg)
			}
		}
	}
	return errors.New(trimmed)
}
