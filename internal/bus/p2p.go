package bus

import (
	"context"
	"fmt"
	"sync"

	golog "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog/log"
)

// P2PConfig configures the gossip bus host.
type P2PConfig struct {
	ListenAddrs []string
	Bootstrap   []string
	History     int
}

// P2P is a Bus over libp2p gossipsub. Gossip has no retention, so every
// publisher keeps what it sent on a topic and publishes it again whenever a
// peer joins that topic.
type P2P struct {
	host    host.Host
	ps      *pubsub.PubSub
	history int

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	topics map[string]*p2pTopic
}

type p2pTopic struct {
	topic *pubsub.Topic

	mu   sync.Mutex
	sent [][]byte
}

func NewP2P(ctx context.Context, cfg P2PConfig) (*P2P, error) {
	// libp2p is chatty about dial backoff.
	for _, subsystem := range []string{"pubsub", "swarm2", "relay"} {
		_ = golog.SetLogLevel(subsystem, "error")
	}

	listen := cfg.ListenAddrs
	if len(listen) == 0 {
		listen = []string{"/ip4/0.0.0.0/tcp/0"}
	}
	h, err := libp2p.New(libp2p.ListenAddrStrings(listen...))
	if err != nil {
		return nil, fmt.Errorf("libp2p host: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		cancel()
		_ = h.Close()
		return nil, fmt.Errorf("gossipsub: %w", err)
	}

	history := cfg.History
	if history <= 0 {
		history = DefaultHistory
	}
	b := &P2P{
		host:    h,
		ps:      ps,
		history: history,
		ctx:     ctx,
		cancel:  cancel,
		topics:  make(map[string]*p2pTopic),
	}

	for _, addr := range cfg.Bootstrap {
		if err := b.Connect(ctx, addr); err != nil {
			log.Warn().Err(err).Str("addr", addr).Msg("Bootstrap peer unreachable")
		}
	}
	return b, nil
}

// Connect dials a peer given its full multiaddr (including /p2p/<id>).
func (b *P2P) Connect(ctx context.Context, addr string) error {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("parse multiaddr: %w", err)
	}
	info, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return fmt.Errorf("peer info: %w", err)
	}
	return b.host.Connect(ctx, *info)
}

// Addrs returns dialable addresses of this host for other peers' bootstrap lists.
func (b *P2P) Addrs() []string {
	var out []string
	for _, a := range b.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, b.host.ID()))
	}
	return out
}

func (b *P2P) join(name string) (*p2pTopic, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[name]; ok {
		return t, nil
	}
	if b.ctx.Err() != nil {
		return nil, ErrClosed
	}

	topic, err := b.ps.Join(name)
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", name, err)
	}
	events, err := topic.EventHandler()
	if err != nil {
		_ = topic.Close()
		return nil, fmt.Errorf("topic events %s: %w", name, err)
	}

	t := &p2pTopic{topic: topic}
	b.topics[name] = t
	go b.republish(name, t, events)
	return t, nil
}

func (b *P2P) republish(name string, t *p2pTopic, events *pubsub.TopicEventHandler) {
	defer events.Cancel()

	for {
		ev, err := events.NextPeerEvent(b.ctx)
		if err != nil {
			return
		}
		if ev.Type != pubsub.PeerJoin {
			continue
		}

		t.mu.Lock()
		sent := append([][]byte(nil), t.sent...)
		t.mu.Unlock()

		for _, p := range sent {
			if err := t.topic.Publish(b.ctx, p); err != nil {
				log.Warn().Err(err).Str("topic", name).Msg("Republish failed")
				break
			}
		}
	}
}

func (b *P2P) Publish(ctx context.Context, topic string, payload []byte) error {
	t, err := b.join(topic)
	if err != nil {
		return err
	}
	p := append([]byte(nil), payload...)
	if err := t.topic.Publish(ctx, p); err != nil {
		return err
	}

	t.mu.Lock()
	t.sent = append(t.sent, p)
	if over := len(t.sent) - b.history; over > 0 {
		t.sent = append([][]byte(nil), t.sent[over:]...)
	}
	t.mu.Unlock()
	return nil
}

func (b *P2P) Subscribe(ctx context.Context, topic string, deliver func([]byte)) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, err := b.join(topic)
	if err != nil {
		return nil, err
	}
	sub, err := t.topic.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	subCtx, cancel := context.WithCancel(b.ctx)
	go func() {
		for {
			msg, err := sub.Next(subCtx)
			if err != nil {
				return
			}
			deliver(msg.Data)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			sub.Cancel()
		})
	}, nil
}

func (b *P2P) Close() error {
	b.cancel()

	b.mu.Lock()
	topics := b.topics
	b.topics = make(map[string]*p2pTopic)
	b.mu.Unlock()

	for _, t := range topics {
		_ = t.topic.Close()
	}
	return b.host.Close()
}
