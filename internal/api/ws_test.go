package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sidequest/sidequest/internal/events"
	"github.com/sidequest/sidequest/internal/job"
)

func dialWS(t *testing.T, s *testServer, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/api/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("frame is not JSON: %v: %s", err, data)
	}
	return frame
}

func TestWSLifecycleOrdering(t *testing.T) {
	s := newTestServer(t, 1, "")
	registerEcho(t, s, "scan")
	conn := dialWS(t, s, "")

	j, err := s.exec.Enqueue(context.Background(), "scan", job.Payload{"x": 1})
	if err != nil {
		t.Fatal(err)
	}

	var seen []string
	for len(seen) < 3 {
		frame := readFrame(t, conn)
		if frame["jobId"] != j.ID {
			continue
		}
		seen = append(seen, frame["type"].(string))
		if _, ok := frame["timestamp"].(string); !ok {
			t.Errorf("frame missing timestamp: %v", frame)
		}
	}
	want := []string{"job:created", "job:started", "job:completed"}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("event order = %v, want %v", seen, want)
		}
	}
}

func TestWSChannelFiltering(t *testing.T) {
	s := newTestServer(t, 0, "")
	conn := dialWS(t, s, "?channels=alerts")

	// A scans-channel event must not reach an alerts-only subscriber.
	s.bus.Publish(events.Event{Type: events.JobCreated, JobID: "j-scan"})
	s.bus.Publish(events.Event{Type: events.AlertHighImpact, Severity: "critical",
		Payload: map[string]any{"component": "doppler"}})

	frame := readFrame(t, conn)
	if frame["type"] != "alert:high-impact" {
		t.Errorf("first frame = %v, want the alert", frame["type"])
	}
	if frame["severity"] != "critical" || frame["component"] != "doppler" {
		t.Errorf("frame payload not flattened: %v", frame)
	}
}

func TestWSLateSubscriberSeesOnlyNewEvents(t *testing.T) {
	s := newTestServer(t, 0, "")

	s.bus.Publish(events.Event{Type: events.JobCreated, JobID: "old"})
	time.Sleep(50 * time.Millisecond)

	conn := dialWS(t, s, "")
	s.bus.Publish(events.Event{Type: events.JobCreated, JobID: "new"})

	frame := readFrame(t, conn)
	if frame["jobId"] != "new" {
		t.Errorf("late subscriber saw %v, want only post-connect events", frame["jobId"])
	}
}
