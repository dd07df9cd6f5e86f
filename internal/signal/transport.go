// Package signal carries call envelopes over a domain.Bus.
package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"duocall/native/internal/domain"

	"github.com/rs/zerolog/log"
)

// Transport publishes and subscribes envelopes for one local participant.
// Messages the participant sent itself are never delivered back to it.
type Transport struct {
	bus  domain.Bus
	self string
	now  func() time.Time

	mu   sync.Mutex
	subs map[string]func()
}

func NewTransport(bus domain.Bus, self string) *Transport {
	return &Transport{
		bus:  bus,
		self: self,
		now:  time.Now,
		subs: make(map[string]func()),
	}
}

// Self returns the local participant identity stamped on outgoing envelopes.
func (t *Transport) Self() string {
	return t.self
}

// Send publishes env on the session topic of id.
func (t *Transport) Send(ctx context.Context, id domain.CallID, env domain.Envelope) error {
	env.CallID = id
	return t.Notify(ctx, domain.SessionTopic(id), env)
}

// Notify publishes env on an arbitrary topic, typically an inbox.
func (t *Transport) Notify(ctx context.Context, topic string, env domain.Envelope) error {
	env.From = t.self
	env.TS = t.now().UnixMilli()
	if err := env.Validate(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDelivery, err)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", domain.ErrDelivery, err)
	}
	if err := t.bus.Publish(ctx, topic, data); err != nil {
		return fmt.Errorf("%w: publish %s: %v", domain.ErrDelivery, topic, err)
	}

	log.Debug().Str("topic", topic).Str("kind", string(env.Kind)).Str("call_id", env.CallID.String()).Msg("Envelope sent")
	return nil
}

// Join subscribes to the session topic of id. Only envelopes for id from the
// remote side reach fn. leave drops the subscription and is idempotent.
func (t *Transport) Join(ctx context.Context, id domain.CallID, fn func(domain.Envelope)) (func(), error) {
	return t.Listen(ctx, domain.SessionTopic(id), func(env domain.Envelope) {
		if env.CallID != id {
			log.Debug().Str("call_id", id.String()).Str("got", env.CallID.String()).Msg("Dropping envelope for another call")
			return
		}
		fn(env)
	})
}

// Listen subscribes fn to topic. A second Listen on a topic that is already
// subscribed is a no-op and returns the existing leave func.
func (t *Transport) Listen(ctx context.Context, topic string, fn func(domain.Envelope)) (func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if leave, ok := t.subs[topic]; ok {
		return leave, nil
	}

	cancel, err := t.bus.Subscribe(ctx, topic, func(payload []byte) {
		env, ok := t.decode(topic, payload)
		if !ok {
			return
		}
		fn(env)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe %s: %v", domain.ErrDelivery, topic, err)
	}

	var once sync.Once
	leave := func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, topic)
			t.mu.Unlock()
			cancel()
		})
	}
	t.subs[topic] = leave
	return leave, nil
}

func (t *Transport) decode(topic string, payload []byte) (domain.Envelope, bool) {
	var env domain.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("Dropping undecodable envelope")
		return env, false
	}
	if env.From == t.self {
		return env, false
	}
	if err := env.Validate(); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("Dropping invalid envelope")
		return env, false
	}
	return env, true
}

// Close drops every subscription held by the transport.
func (t *Transport) Close() {
	t.mu.Lock()
	leaves := make([]func(), 0, len(t.subs))
	for _, leave := range t.subs {
		leaves = append(leaves, leave)
	}
	t.mu.Unlock()

	for _, leave := range leaves {
		leave()
	}
}
