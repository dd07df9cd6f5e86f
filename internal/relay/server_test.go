package relay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"duocall/native/internal/api"
	"duocall/native/internal/bus"
	"duocall/native/internal/directory"
	"duocall/native/internal/domain"
	"duocall/native/internal/signal"
)

func newTestServer(t *testing.T) (*httptest.Server, *bus.Memory) {
	t.Helper()
	backend := bus.NewMemory()
	dir := directory.NewMemory()
	dir.Strict = true
	srv := httptest.NewServer(NewServer(backend, dir).NewRouter())
	t.Cleanup(func() {
		srv.Close()
		backend.Close()
	})
	return srv, backend
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestDirectoryRoutes(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()
	client := api.NewClient(srv.URL)

	if _, err := client.Resolve(ctx, "bob"); !errors.Is(err, domain.ErrUnknownParticipant) {
		t.Fatalf("expected ErrUnknownParticipant before register, got %v", err)
	}

	if err := client.Register(ctx, domain.Route{Identity: "bob"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	route, err := client.Resolve(ctx, "bob")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if route.Identity != "bob" || route.Inbox != "inbox:bob" {
		t.Errorf("unexpected route %+v", route)
	}
}

func TestWebSocketBridgesBackendBus(t *testing.T) {
	srv, backend := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Published before the client subscribes; the backend replays it.
	if err := backend.Publish(ctx, "call:1", []byte("offer")); err != nil {
		t.Fatalf("backend Publish: %v", err)
	}

	c := signal.NewClient(wsURL(srv))
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	got := make(chan string, 4)
	stop, err := c.Subscribe(ctx, "call:1", func(p []byte) { got <- string(p) })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	if err := c.Publish(ctx, "call:1", []byte("answer")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for _, want := range []string{"offer", "answer"} {
		select {
		case p := <-got:
			if p != want {
				t.Errorf("expected %q, got %q", want, p)
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestWebSocketUnsubscribeStopsDelivery(t *testing.T) {
	srv, backend := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := signal.NewClient(wsURL(srv))
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	got := make(chan string, 4)
	stop, err := c.Subscribe(ctx, "t", func(p []byte) { got <- string(p) })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	_ = backend.Publish(ctx, "t", []byte("one"))
	select {
	case <-got:
	case <-ctx.Done():
		t.Fatal("timed out waiting for first message")
	}

	stop()
	_ = backend.Publish(ctx, "t", []byte("two"))

	select {
	case p := <-got:
		t.Errorf("unexpected delivery after unsubscribe: %q", p)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClientCloseRejectsPublish(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	c := signal.NewClient(wsURL(srv))
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c.Close()
	c.Close()

	if err := c.Publish(ctx, "t", []byte("x")); !errors.Is(err, signal.ErrClientClosed) {
		t.Errorf("expected ErrClientClosed, got %v", err)
	}
}
