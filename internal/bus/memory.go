// Package bus holds the signaling bus implementations. Every implementation
// keeps topics replayable so that a participant subscribing after a message
// was published still receives it.
package bus

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrClosed = errors.New("bus closed")

const (
	DefaultHistory   = 256
	DefaultRetention = 2 * time.Minute
)

// Memory is an in-process Bus. Each topic retains its last messages; topics
// without subscribers are evicted once idle for longer than the retention.
type Memory struct {
	history   int
	retention time.Duration
	now       func() time.Time

	mu     sync.Mutex
	topics map[string]*memTopic
	nextID uint64
	closed bool
}

type memTopic struct {
	history [][]byte
	subs    map[uint64]*Queue
	touched time.Time
}

type MemoryOption func(*Memory)

// WithHistory bounds how many messages a topic replays to new subscribers.
func WithHistory(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.history = n
		}
	}
}

// WithRetention sets how long an idle topic survives without subscribers.
func WithRetention(d time.Duration) MemoryOption {
	return func(m *Memory) {
		if d > 0 {
			m.retention = d
		}
	}
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		history:   DefaultHistory,
		retention: DefaultRetention,
		now:       time.Now,
		topics:    make(map[string]*memTopic),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := append([]byte(nil), payload...)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	t := m.topicLocked(topic)
	t.history = append(t.history, p)
	if over := len(t.history) - m.history; over > 0 {
		t.history = append([][]byte(nil), t.history[over:]...)
	}
	for _, q := range t.subs {
		q.Push(p)
	}
	t.touched = m.now()
	m.sweepLocked()
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, topic string, deliver func([]byte)) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	t := m.topicLocked(topic)
	m.nextID++
	id := m.nextID
	q := NewQueue(deliver)
	for _, p := range t.history {
		q.Push(p)
	}
	t.subs[id] = q
	t.touched = m.now()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(t.subs, id)
			t.touched = m.now()
			m.mu.Unlock()
			q.Close()
		})
	}, nil
}

// Close stops every subscription. Further calls fail with ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, t := range m.topics {
		for _, q := range t.subs {
			q.Close()
		}
	}
	m.topics = nil
	return nil
}

func (m *Memory) topicLocked(name string) *memTopic {
	t, ok := m.topics[name]
	if !ok {
		t = &memTopic{subs: make(map[uint64]*Queue)}
		m.topics[name] = t
	}
	return t
}

func (m *Memory) sweepLocked() {
	now := m.now()
	for name, t := range m.topics {
		if len(t.subs) == 0 && now.Sub(t.touched) > m.retention {
			delete(m.topics, name)
		}
	}
}
