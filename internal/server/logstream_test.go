package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koko-u/log-collectors/internal/api"
	"github.com/koko-u/log-collectors/internal/storage"
)

func dialStream(t *testing.T, srv *httptest.Server, stream *LogStreamHandler) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/logs/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for stream.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) api.StreamEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var ev api.StreamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	return ev
}

func TestLogStreamPublishesInserts(t *testing.T) {
	stream := NewLogStreamHandler(nil)
	srv := httptest.NewServer(NewHandler(storage.NewMemory(), Options{Stream: stream}))
	defer srv.Close()

	conn := dialStream(t, srv, stream)

	resp, err := http.Post(srv.URL+"/logs", "application/json",
		strings.NewReader(`{"user_agent":"streamed","response_time":7,"timestamp":"2023-01-02T03:04:05Z"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	ev := readEvent(t, conn)
	if ev.Type != api.EventLog || ev.Log == nil {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Log.UserAgent != "streamed" || ev.Log.ResponseTime != 7 {
		t.Errorf("log = %+v", ev.Log)
	}
}

func TestLogStreamPublishesIngest(t *testing.T) {
	stream := NewLogStreamHandler(nil)
	srv := httptest.NewServer(NewHandler(storage.NewMemory(), Options{Stream: stream}))
	defer srv.Close()

	conn := dialStream(t, srv, stream)

	body, contentType := multipartBody(t, map[string]string{"text/csv": "a,1\nb,2\n"})
	resp, err := http.Post(srv.URL+"/csv", contentType, body)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	ev := readEvent(t, conn)
	if ev.Type != api.EventIngest || ev.Count != 2 {
		t.Errorf("event = %+v", ev)
	}
}

func TestLogStreamUnsubscribesOnClose(t *testing.T) {
	stream := NewLogStreamHandler(nil)
	srv := httptest.NewServer(NewHandler(storage.NewMemory(), Options{Stream: stream}))
	defer srv.Close()

	conn := dialStream(t, srv, stream)
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for stream.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers = %d after close", stream.Subscribers())
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Publishing with no subscribers is a no-op.
	stream.PublishIngest(1)
}
