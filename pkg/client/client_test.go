package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"chatrelay/pkg/protocol"
)

var upgrader = websocket.Upgrader{}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestListenReleasesWatcherWhenServerCloses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	before := runtime.NumGoroutine()
	for i := 0; i < 5; i++ {
		c, err := Dial(context.Background(), wsURL(srv), "")
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		if err := c.Listen(context.Background(), func(protocol.Kind, []byte) {}); err == nil {
			t.Fatal("Listen must report the server-side close")
		}
		c.Close()
	}

	// Exited goroutines take a moment to be reaped.
	deadline := time.Now().Add(2 * time.Second)
	for runtime.NumGoroutine() > before+2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := runtime.NumGoroutine(); got > before+2 {
		t.Fatalf("goroutines = %d after %d listens (baseline %d): watcher leaked", got, 5, before)
	}
}

func TestListenStopsOnContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c, err := Dial(ctx, wsURL(srv), "")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Listen(ctx, func(protocol.Kind, []byte) {})
	}()
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Listen err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not return after cancellation")
	}
}
