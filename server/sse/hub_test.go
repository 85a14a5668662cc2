package sse

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/slateworks/slate/bus"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// readEvent scans one SSE event from the stream and returns its data
// payload with the "data: " prefixes stripped.
func readEvent(t *testing.T, sc *bufio.Scanner) string {
	t.Helper()
	var b strings.Builder
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if b.Len() > 0 {
				return b.String()
			}
			continue
		}
		b.WriteString(strings.TrimPrefix(line, "data: "))
	}
	t.Fatalf("stream ended before event: %v", sc.Err())
	return ""
}

func TestHubStreamsEvents(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeSSE))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	if got := readEvent(t, sc); !strings.Contains(got, "connected") {
		t.Fatalf("first event = %q, want connected", got)
	}

	waitFor(t, time.Second, func() bool { return hub.ClientCount() == 1 })
	hub.Broadcast(Event{Type: "message", Topic: "scene.generate", Payload: map[string]any{"workflow_id": "wf-1"}})

	var ev Event
	if err := json.Unmarshal([]byte(readEvent(t, sc)), &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Type != "message" || ev.Topic != "scene.generate" {
		t.Errorf("event = %+v", ev)
	}
}

func TestHubFeedBus(t *testing.T) {
	hub := NewHub(nil)
	b := bus.NewInMemoryBus(nil)
	defer b.Close()

	unsub, err := hub.FeedBus(b)
	if err != nil {
		t.Fatalf("feed bus: %v", err)
	}
	defer unsub()

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeSSE))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	readEvent(t, sc) // connected

	waitFor(t, time.Second, func() bool { return hub.ClientCount() == 1 })
	if err := b.Publish(context.Background(), bus.NewMessage("board.assemble", "tester", map[string]any{"workflow_id": "wf-2"})); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var ev Event
	if err := json.Unmarshal([]byte(readEvent(t, sc)), &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Topic != "board.assemble" {
		t.Errorf("topic = %q, want board.assemble", ev.Topic)
	}
}

func TestHubDropsSlowClients(t *testing.T) {
	hub := NewHub(nil)
	// No clients connected: broadcast must not block or panic.
	hub.Broadcast(Event{Type: "message", Topic: "noop"})
	if hub.ClientCount() != 0 {
		t.Errorf("client count = %d, want 0", hub.ClientCount())
	}
}
