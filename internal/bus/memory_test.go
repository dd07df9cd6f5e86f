package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// collector gathers delivered payloads for assertions.
type collector struct {
	mu  sync.Mutex
	got []string
	ch  chan struct{}
}

func newCollector() *collector {
	return &collector{ch: make(chan struct{}, 1024)}
}

func (c *collector) deliver(p []byte) {
	c.mu.Lock()
	c.got = append(c.got, string(p))
	c.mu.Unlock()
	c.ch <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) []string {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d messages", i, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.got...)
}

func TestMemory_ReplaysHistoryToLateSubscriber(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	defer m.Close()

	for _, p := range []string{"offer", "ice-1", "ice-2"} {
		if err := m.Publish(ctx, "call:1", []byte(p)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	c := newCollector()
	cancel, err := m.Subscribe(ctx, "call:1", c.deliver)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	if err := m.Publish(ctx, "call:1", []byte("ice-3")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got := c.wait(t, 4)
	want := []string{"offer", "ice-1", "ice-2", "ice-3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("message %d = %q, want %q (all: %v)", i, got[i], want[i], got)
		}
	}
}

func TestMemory_FIFOPerSubscriber(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(WithHistory(1000))
	defer m.Close()

	c := newCollector()
	cancel, err := m.Subscribe(ctx, "t", c.deliver)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	const n = 200
	for i := 0; i < n; i++ {
		if err := m.Publish(ctx, "t", []byte(fmt.Sprint(i))); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	got := c.wait(t, n)
	for i := 0; i < n; i++ {
		if got[i] != fmt.Sprint(i) {
			t.Fatalf("message %d = %q, out of order", i, got[i])
		}
	}
}

func TestMemory_HistoryIsBounded(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(WithHistory(2))
	defer m.Close()

	for _, p := range []string{"a", "b", "c"} {
		_ = m.Publish(ctx, "t", []byte(p))
	}

	c := newCollector()
	cancel, _ := m.Subscribe(ctx, "t", c.deliver)
	defer cancel()

	got := c.wait(t, 2)
	if got[0] != "b" || got[1] != "c" {
		t.Errorf("expected [b c], got %v", got)
	}
}

func TestMemory_CancelStopsDelivery(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	defer m.Close()

	c := newCollector()
	cancel, _ := m.Subscribe(ctx, "t", c.deliver)
	_ = m.Publish(ctx, "t", []byte("one"))
	c.wait(t, 1)

	cancel()
	cancel()
	_ = m.Publish(ctx, "t", []byte("two"))

	select {
	case <-c.ch:
		t.Error("expected no delivery after cancel")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemory_CancelFromInsideDeliver(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	defer m.Close()

	done := make(chan struct{})
	var cancel func()
	var once sync.Once
	cancel, _ = m.Subscribe(ctx, "t", func([]byte) {
		once.Do(func() {
			cancel()
			close(done)
		})
	})
	_ = m.Publish(ctx, "t", []byte("x"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("deliver never ran")
	}
}

func TestMemory_ClosedRejectsCalls(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if err := m.Publish(ctx, "t", []byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("Publish after Close = %v, want ErrClosed", err)
	}
	if _, err := m.Subscribe(ctx, "t", func([]byte) {}); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe after Close = %v, want ErrClosed", err)
	}
}

func TestMemory_EvictsIdleTopics(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(WithRetention(time.Minute))
	defer m.Close()

	now := time.Unix(1000, 0)
	m.now = func() time.Time { return now }

	_ = m.Publish(ctx, "old", []byte("x"))
	now = now.Add(2 * time.Minute)
	_ = m.Publish(ctx, "new", []byte("y"))

	m.mu.Lock()
	_, oldKept := m.topics["old"]
	_, newKept := m.topics["new"]
	m.mu.Unlock()

	if oldKept {
		t.Error("expected idle topic to be evicted")
	}
	if !newKept {
		t.Error("expected fresh topic to be kept")
	}
}

func TestMemory_KeepsTopicsWithSubscribers(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(WithRetention(time.Minute))
	defer m.Close()

	now := time.Unix(1000, 0)
	m.now = func() time.Time { return now }

	cancel, _ := m.Subscribe(ctx, "inbox:bob", func([]byte) {})
	defer cancel()

	now = now.Add(time.Hour)
	_ = m.Publish(ctx, "other", []byte("x"))

	m.mu.Lock()
	_, kept := m.topics["inbox:bob"]
	m.mu.Unlock()
	if !kept {
		t.Error("expected subscribed topic to survive eviction")
	}
}

func TestMemory_CancelledContext(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := m.Publish(ctx, "t", nil); !errors.Is(err, context.Canceled) {
		t.Errorf("Publish = %v, want context.Canceled", err)
	}
	if _, err := m.Subscribe(ctx, "t", func([]byte) {}); !errors.Is(err, context.Canceled) {
		t.Errorf("Subscribe = %v, want context.Canceled", err)
	}
}
