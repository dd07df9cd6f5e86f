package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const payloadField = "p"

// Redis is a Bus backed by one Redis stream per topic. Subscribers read each
// stream from the beginning, which gives the replay the call flow relies on.
type Redis struct {
	rdb    *redis.Client
	prefix string
	maxLen int64
	ttl    time.Duration
	block  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedis builds a Bus on rdb. Prefix is optional (e.g., "duocall").
func NewRedis(rdb *redis.Client, prefix string) *Redis {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "duocall"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Redis{
		rdb:    rdb,
		prefix: p,
		maxLen: DefaultHistory,
		ttl:    DefaultRetention,
		block:  time.Second,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (b *Redis) key(topic string) string {
	return fmt.Sprintf("%s:bus:%s", b.prefix, topic)
}

func (b *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	key := b.key(topic)
	pipe := b.rdb.TxPipeline()
	_ = pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{payloadField: payload},
	})
	_ = pipe.Expire(ctx, key, b.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (b *Redis) Subscribe(ctx context.Context, topic string, deliver func([]byte)) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := b.ctx.Err(); err != nil {
		return nil, ErrClosed
	}

	subCtx, cancel := context.WithCancel(b.ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.read(subCtx, b.key(topic), deliver)
	}()
	return cancel, nil
}

func (b *Redis) read(ctx context.Context, key string, deliver func([]byte)) {
	last := "0"
	for {
		if ctx.Err() != nil {
			return
		}

		streams, err := b.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, last},
			Count:   64,
			Block:   b.block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Str("stream", key).Msg("Redis stream read failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				last = msg.ID
				if p, ok := streamPayload(msg.Values); ok {
					deliver(p)
				}
			}
		}
	}
}

func streamPayload(values map[string]any) ([]byte, bool) {
	switch v := values[payloadField].(type) {
	case string:
		return []byte(v), true
	case []byte:
		return v, true
	default:
		return nil, false
	}
}

// Close stops all readers. The Redis client stays open; its owner closes it.
func (b *Redis) Close() error {
	b.cancel()
	b.wg.Wait()
	return nil
}
