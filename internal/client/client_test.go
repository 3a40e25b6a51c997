package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Sanji78/telegram-voip/internal/server"
)

func TestPlaceCallRoundTrip(t *testing.T) {
	var gotBody server.CallRequestBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/calls" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(server.CallAccepted{
			Identity:  gotBody.Identity,
			SessionID: "sess-1",
			State:     "starting",
		})
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	accepted, err := c.PlaceCall(context.Background(), server.CallRequestBody{
		Identity: "home",
		Message:  "hello",
	})
	if err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	if accepted.SessionID != "sess-1" || gotBody.Message != "hello" {
		t.Fatalf("unexpected round trip: %+v / %+v", accepted, gotBody)
	}
}

func TestErrorEnvelopeUnwrapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(server.ErrorResponse{Error: "call already in progress"})
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	_, err := c.PlaceCall(context.Background(), server.CallRequestBody{Identity: "home"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "call already in progress") {
		t.Fatalf("error = %q, want daemon message surfaced", err)
	}
}

func TestDaemonUnreachable(t *testing.T) {
	c := New("http://127.0.0.1:0", nil)
	_, err := c.Identities(context.Background())
	if err == nil {
		t.Fatal("expected error for unreachable daemon")
	}
}

func TestHangupIgnoresBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/hangup") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "hangup requested"})
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	if err := c.Hangup(context.Background(), "home"); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
}
