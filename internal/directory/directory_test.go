package directory

import (
	"context"
	"errors"
	"os"
	"testing"

	"duocall/native/internal/domain"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func TestMemory_RegisterAndResolve(t *testing.T) {
	ctx := context.Background()
	d := NewMemory()

	if err := d.Register(ctx, domain.Route{Identity: "bob", Inbox: "custom:bob"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	route, err := d.Resolve(ctx, "bob")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if route.Inbox != "custom:bob" {
		t.Errorf("expected custom:bob, got %q", route.Inbox)
	}
}

func TestMemory_DefaultInbox(t *testing.T) {
	ctx := context.Background()
	d := NewMemory()

	_ = d.Register(ctx, domain.Route{Identity: "carol"})
	route, _ := d.Resolve(ctx, "carol")
	if route.Inbox != "inbox:carol" {
		t.Errorf("expected inbox:carol, got %q", route.Inbox)
	}

	route, err := d.Resolve(ctx, "dave")
	if err != nil {
		t.Fatalf("Resolve unknown in lax mode: %v", err)
	}
	if route.Inbox != "inbox:dave" {
		t.Errorf("expected inbox:dave, got %q", route.Inbox)
	}
}

func TestMemory_StrictRejectsUnknown(t *testing.T) {
	d := NewMemory()
	d.Strict = true

	_, err := d.Resolve(context.Background(), "nobody")
	if !errors.Is(err, domain.ErrUnknownParticipant) {
		t.Errorf("expected ErrUnknownParticipant, got %v", err)
	}
}

func TestMemory_RejectsEmptyIdentity(t *testing.T) {
	d := NewMemory()
	if err := d.Register(context.Background(), domain.Route{}); err == nil {
		t.Error("expected error for empty identity")
	}
	if _, err := d.Resolve(context.Background(), ""); !errors.Is(err, domain.ErrUnknownParticipant) {
		t.Errorf("expected ErrUnknownParticipant, got %v", err)
	}
}

// Runs against a live server when DUOCALL_TEST_REDIS_ADDR is set.
func TestRedis_RegisterAndResolve(t *testing.T) {
	addr := os.Getenv("DUOCALL_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("DUOCALL_TEST_REDIS_ADDR not set")
	}

	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}

	d := NewRedis(rdb, "duocall-test-"+uuid.NewString())
	defer rdb.Del(ctx, d.key)

	if _, err := d.Resolve(ctx, "erin"); !errors.Is(err, domain.ErrUnknownParticipant) {
		t.Fatalf("expected ErrUnknownParticipant, got %v", err)
	}
	if err := d.Register(ctx, domain.Route{Identity: "erin"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	route, err := d.Resolve(ctx, "erin")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if route.Inbox != "inbox:erin" {
		t.Errorf("expected inbox:erin, got %q", route.Inbox)
	}
}
