package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"duocall/native/internal/domain"

	"github.com/redis/go-redis/v9"
)

// Redis keeps routes in one hash, identity -> inbox topic.
type Redis struct {
	rdb *redis.Client
	key string
}

// NewRedis builds a directory on rdb. Prefix is optional (e.g., "duocall").
func NewRedis(rdb *redis.Client, prefix string) *Redis {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "duocall"
	}
	return &Redis{rdb: rdb, key: p + ":directory"}
}

func (d *Redis) Register(ctx context.Context, route domain.Route) error {
	if route.Identity == "" {
		return fmt.Errorf("register: empty identity")
	}
	if route.Inbox == "" {
		route.Inbox = domain.InboxTopic(route.Identity)
	}
	return d.rdb.HSet(ctx, d.key, route.Identity, route.Inbox).Err()
}

func (d *Redis) Resolve(ctx context.Context, identity string) (domain.Route, error) {
	inbox, err := d.rdb.HGet(ctx, d.key, identity).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Route{}, fmt.Errorf("%w: %q", domain.ErrUnknownParticipant, identity)
	}
	if err != nil {
		return domain.Route{}, err
	}
	return domain.Route{Identity: identity, Inbox: inbox}, nil
}
