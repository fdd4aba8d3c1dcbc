package wsconn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(msgType, data); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConnectSendReceive(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	frames := make(chan []byte, 1)
	opened := make(chan struct{}, 1)
	c := New(DefaultConfig(wsURL(srv)), Handlers{
		OnOpen:  func() { opened <- struct{}{} },
		OnFrame: func(msgType int, data []byte) { frames <- data },
	})
	defer c.Close()

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("OnOpen never fired")
	}
	if c.State() != StateConnected {
		t.Fatalf("state = %s", c.State())
	}

	if err := c.SendText([]byte("ping")); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case data := <-frames:
		if string(data) != "ping" {
			t.Fatalf("echo = %q", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no echo frame")
	}
}

func TestDropTriggersReconnect(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	var opens int32
	reopened := make(chan struct{}, 4)
	cfg := DefaultConfig(wsURL(srv))
	cfg.ReconnectMinDelay = 10 * time.Millisecond
	cfg.ReconnectMaxDelay = 50 * time.Millisecond

	c := New(cfg, Handlers{
		OnOpen: func() {
			if atomic.AddInt32(&opens, 1) > 1 {
				reopened <- struct{}{}
			}
		},
	})
	defer c.Close()

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	c.Drop()
	select {
	case <-reopened:
	case <-time.After(3 * time.Second):
		t.Fatal("connection never re-opened after drop")
	}
	if c.State() != StateConnected {
		t.Fatalf("state after reconnect = %s", c.State())
	}
}

func TestWriteErrorTriggersReconnect(t *testing.T) {
	// The server upgrades and then never reads, so the socket buffers
	// fill and writes hit the deadline while the read side stays quiet.
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		select {}
	}))
	defer srv.Close()

	var opens int32
	reopened := make(chan struct{}, 4)
	cfg := DefaultConfig(wsURL(srv))
	cfg.WriteTimeout = 100 * time.Millisecond
	cfg.ReconnectMinDelay = 10 * time.Millisecond
	cfg.ReconnectMaxDelay = 50 * time.Millisecond

	c := New(cfg, Handlers{
		OnOpen: func() {
			if atomic.AddInt32(&opens, 1) > 1 {
				reopened <- struct{}{}
			}
		},
	})
	defer c.Close()

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	payload := make([]byte, 256*1024)
	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := c.SendText(payload); err != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("writes never failed against a stalled peer")
		}
	}

	// The failed write must tear the socket down and reconnect rather
	// than leaving a dead writer behind queued sends.
	select {
	case <-reopened:
	case <-time.After(3 * time.Second):
		t.Fatal("connection never re-opened after write failure")
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	c := New(DefaultConfig("ws://127.0.0.1:0"), Handlers{})
	if err := c.SendText([]byte("x")); err == nil {
		t.Fatal("send before connect should error")
	}
}

func TestCloseIsTerminal(t *testing.T) {
	c := New(DefaultConfig("ws://127.0.0.1:0"), Handlers{})
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Start(context.Background()); err == nil {
		t.Fatal("start after close should error")
	}
	if c.State() != StateClosed {
		t.Fatalf("state = %s", c.State())
	}
}
