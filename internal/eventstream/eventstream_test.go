package eventstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestServeHTTPSendsConnectedEvent(t *testing.T) {
	h := NewHub(10, time.Hour, []string{"http://localhost:*"})
	defer h.Stop()

	req := httptest.NewRequest(http.MethodGet, "/feed", nil)
	ctx, cancel := context.WithTimeout(req.Context(), 50*time.Millisecond)
	defer cancel()
	req = req.WithContext(ctx)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "event: connected") {
		t.Errorf("expected a connected event, got: %s", body)
	}
}

func TestMaxClientsEnforced(t *testing.T) {
	h := NewHub(0, time.Hour, nil)
	defer h.Stop()

	req := httptest.NewRequest(http.MethodGet, "/feed", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 when maxClients is 0, got %d", rec.Code)
	}
}

func TestCORSPatternMatching(t *testing.T) {
	cases := []struct {
		pattern, origin string
		want            bool
	}{
		{"http://localhost:*", "http://localhost:3000", true},
		{"http://localhost:*", "https://evil.example.com", false},
		{"https://app.example.com", "https://app.example.com", true},
	}
	for _, c := range cases {
		if got := matchCORSPattern(c.pattern, c.origin); got != c.want {
			t.Errorf("matchCORSPattern(%q, %q) = %v, want %v", c.pattern, c.origin, got, c.want)
		}
	}
}

func TestBroadcastReachesConnectedClients(t *testing.T) {
	h := NewHub(10, time.Hour, nil)
	defer h.Stop()
	c := &client{id: "test-client", output: make(chan Event, 8)}
	h.register <- c
	time.Sleep(10 * time.Millisecond)

	if h.ClientCount() != 1 {
		t.Fatalf("expected 1 registered client, got %d", h.ClientCount())
	}

	h.Broadcast(Event{Type: "tool-result", Data: map[string]any{"ok": true}})
	select {
	case ev := <-c.output:
		if ev.Type != "tool-result" {
			t.Errorf("expected tool-result event, got %q", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("expected the broadcast event to reach the registered client")
	}
}
