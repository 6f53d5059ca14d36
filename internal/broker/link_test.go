package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// wsEcho upgrades each request and echoes every frame back.
func wsEcho(t *testing.T, connCount *atomic.Int64) http.HandlerFunc {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if connCount != nil {
			connCount.Add(1)
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestLinkConnectSendReceive(t *testing.T) {
	srv := httptest.NewServer(wsEcho(t, nil))
	defer srv.Close()

	link := NewLink(zap.NewNop(), LinkConfig{Endpoint: wsURL(srv)})
	up := make(chan struct{}, 1)
	link.OnUp(func() { up <- struct{}{} })

	link.Start(context.Background())
	defer link.Close()

	select {
	case <-up:
	case <-time.After(2 * time.Second):
		t.Fatal("link never came up")
	}

	if err := link.Send([]byte(`{"ping":1}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case frame := <-link.Frames():
		if string(frame) != `{"ping":1}` {
			t.Fatalf("frame = %s", frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
	}
}

func TestLinkSendWhileDown(t *testing.T) {
	link := NewLink(zap.NewNop(), LinkConfig{Endpoint: "ws://127.0.0.1:0"})
	if err := link.Send([]byte("x")); err != ErrNotConnected {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	link.Close()
	if err := link.Send([]byte("x")); err != ErrClosed {
		t.Fatalf("err after close = %v, want ErrClosed", err)
	}
}

func TestLinkReconnectsAfterDrop(t *testing.T) {
	var conns atomic.Int64
	srv := httptest.NewServer(wsEcho(t, &conns))
	defer srv.Close()

	link := NewLink(zap.NewNop(), LinkConfig{Endpoint: wsURL(srv)})
	up := make(chan struct{}, 4)
	down := make(chan struct{}, 4)
	link.OnUp(func() { up <- struct{}{} })
	link.OnDown(func(error) { down <- struct{}{} })

	link.Start(context.Background())
	defer link.Close()

	<-up

	// Drop the socket server-side; the link must notice and redial.
	link.mu.Lock()
	link.conn.Close()
	link.mu.Unlock()

	select {
	case <-down:
	case <-time.After(2 * time.Second):
		t.Fatal("drop not detected")
	}
	select {
	case <-up:
	case <-time.After(5 * time.Second):
		t.Fatal("link did not reconnect")
	}
	if got := conns.Load(); got < 2 {
		t.Fatalf("server saw %d connections, want at least 2", got)
	}
}

func TestLinkCloseSuppressesReconnect(t *testing.T) {
	var conns atomic.Int64
	srv := httptest.NewServer(wsEcho(t, &conns))
	defer srv.Close()

	link := NewLink(zap.NewNop(), LinkConfig{Endpoint: wsURL(srv)})
	up := make(chan struct{}, 1)
	link.OnUp(func() { up <- struct{}{} })

	link.Start(context.Background())
	<-up
	link.Close()

	// The frames channel closes once the run loop exits for good.
	select {
	case _, ok := <-link.Frames():
		if ok {
			// Drain any buffered frame; the close must still arrive.
			for range link.Frames() {
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run loop did not exit after Close")
	}

	time.Sleep(100 * time.Millisecond)
	if got := conns.Load(); got != 1 {
		t.Fatalf("server saw %d connections after close, want 1", got)
	}
}

func TestLinkCloseBeforeStart(t *testing.T) {
	link := NewLink(zap.NewNop(), LinkConfig{Endpoint: "ws://127.0.0.1:0"})
	link.Close()
	// Must return without blocking on a run loop that never started.
}
