package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"duocall/native/internal/bus"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	defaultPingInterval = 20 * time.Second
	writeTimeout        = 5 * time.Second
)

var ErrClientClosed = errors.New("signal client closed")

// Client is a domain.Bus speaking to a relay over one WebSocket connection.
type Client struct {
	url          string
	pingInterval time.Duration
	conn         *websocket.Conn

	mu     sync.Mutex // guards writes on conn
	closed chan struct{}
	once   sync.Once

	subMu  sync.Mutex
	nextID uint64
	subs   map[uint64]*bus.Queue
}

// NewClient creates a client for the relay WebSocket at rawURL
// (e.g., ws://localhost:8080/ws).
func NewClient(rawURL string) *Client {
	return &Client{
		url:          rawURL,
		pingInterval: defaultPingInterval,
		closed:       make(chan struct{}),
		subs:         make(map[uint64]*bus.Queue),
	}
}

// Connect dials the relay and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	u, err := url.Parse(c.url)
	if err != nil {
		return fmt.Errorf("parse relay url: %w", err)
	}

	log.Info().Str("url", u.String()).Msg("Connecting to relay")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	c.conn = conn

	go c.readLoop()
	go c.pingLoop()

	return nil
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// Close shuts down the WebSocket connection and every subscription.
func (c *Client) Close() error {
	c.once.Do(func() {
		close(c.closed)
		if c.conn != nil {
			c.conn.Close()
		}

		c.subMu.Lock()
		for id, q := range c.subs {
			q.Close()
			delete(c.subs, id)
		}
		c.subMu.Unlock()
	})
	return nil
}

func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	return c.send(ctx, Frame{Op: OpPublish, Topic: topic, Payload: payload})
}

func (c *Client) Subscribe(ctx context.Context, topic string, deliver func([]byte)) (func(), error) {
	q := bus.NewQueue(deliver)

	c.subMu.Lock()
	c.nextID++
	id := c.nextID
	c.subs[id] = q
	c.subMu.Unlock()

	if err := c.send(ctx, Frame{Op: OpSubscribe, Sub: id, Topic: topic}); err != nil {
		c.drop(id)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if c.drop(id) {
				_ = c.send(context.Background(), Frame{Op: OpUnsubscribe, Sub: id, Topic: topic})
			}
		})
	}, nil
}

func (c *Client) drop(id uint64) bool {
	c.subMu.Lock()
	q, ok := c.subs[id]
	delete(c.subs, id)
	c.subMu.Unlock()
	if ok {
		q.Close()
	}
	return ok
}

func (c *Client) send(ctx context.Context, f Frame) error {
	select {
	case <-c.closed:
		return ErrClientClosed
	default:
	}
	if c.conn == nil {
		return errors.New("signal client not connected")
	}

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	log.Trace().Str("op", f.Op).Str("topic", f.Topic).Msg(">>> frame")
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer c.Close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				log.Warn().Err(err).Msg("Relay read failed")
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warn().Err(err).Msg("Dropping undecodable frame")
			continue
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f Frame) {
	switch f.Op {
	case OpMessage:
		c.subMu.Lock()
		q, ok := c.subs[f.Sub]
		c.subMu.Unlock()
		if ok {
			q.Push(f.Payload)
		}

	case OpError:
		log.Warn().Str("topic", f.Topic).Uint64("sub", f.Sub).Str("message", f.Message).Msg("Relay error")

	default:
		log.Debug().Str("op", f.Op).Msg("Unhandled frame")
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.conn.WriteControl(
				websocket.PingMessage,
				[]byte{},
				time.Now().Add(writeTimeout),
			)
			c.mu.Unlock()
			if err != nil {
				select {
				case <-c.closed:
				default:
					log.Warn().Err(err).Msg("Relay ping failed")
				}
				return
			}
		}
	}
}
