// Package relay serves the signaling bus and the participant directory over
// HTTP so that processes on different hosts can reach each other.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"duocall/native/internal/domain"
	"duocall/native/internal/signal"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 65536,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const writeTimeout = 5 * time.Second

type Server struct {
	Bus       domain.Bus
	Directory domain.DirectoryStore
}

func NewServer(bus domain.Bus, dir domain.DirectoryStore) *Server {
	return &Server{Bus: bus, Directory: dir}
}

func (s *Server) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/ws", s.ServeWS)

	r.Route("/directory/{identity}", func(r chi.Router) {
		r.Get("/", s.resolve)
		r.Put("/", s.register)
	})

	return r
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	route, err := s.Directory.Resolve(r.Context(), identity)
	if errors.Is(err, domain.ErrUnknownParticipant) {
		http.Error(w, "unknown participant", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")

	var route domain.Route
	if err := json.NewDecoder(r.Body).Decode(&route); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	route.Identity = identity
	if route.Inbox == "" {
		route.Inbox = domain.InboxTopic(identity)
	}

	if err := s.Directory.Register(r.Context(), route); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

// ServeWS upgrades the request and bridges frames to the backend bus until
// the connection drops.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := &wsConn{
		conn: conn,
		bus:  s.Bus,
		subs: make(map[uint64]func()),
	}
	log.Info().Str("remote", r.RemoteAddr).Msg("Relay client connected")
	c.serve()
	log.Info().Str("remote", r.RemoteAddr).Msg("Relay client disconnected")
}

type wsConn struct {
	conn *websocket.Conn
	bus  domain.Bus

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[uint64]func()
}

func (c *wsConn) serve() {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.mu.Lock()
		for id, stop := range c.subs {
			stop()
			delete(c.subs, id)
		}
		c.mu.Unlock()
		c.conn.Close()
	}()

	for {
		var f signal.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				log.Debug().Err(err).Msg("Relay read ended")
			}
			return
		}
		c.handle(ctx, f)
	}
}

func (c *wsConn) handle(ctx context.Context, f signal.Frame) {
	switch f.Op {
	case signal.OpPublish:
		if err := c.bus.Publish(ctx, f.Topic, f.Payload); err != nil {
			c.fail(f, err)
		}

	case signal.OpSubscribe:
		c.mu.Lock()
		_, exists := c.subs[f.Sub]
		c.mu.Unlock()
		if exists {
			return
		}

		sub, topic := f.Sub, f.Topic
		stop, err := c.bus.Subscribe(ctx, topic, func(payload []byte) {
			c.write(signal.Frame{Op: signal.OpMessage, Sub: sub, Topic: topic, Payload: payload})
		})
		if err != nil {
			c.fail(f, err)
			return
		}
		c.mu.Lock()
		c.subs[sub] = stop
		c.mu.Unlock()

	case signal.OpUnsubscribe:
		c.mu.Lock()
		stop, ok := c.subs[f.Sub]
		delete(c.subs, f.Sub)
		c.mu.Unlock()
		if ok {
			stop()
		}

	default:
		c.fail(f, errors.New("unknown op"))
	}
}

func (c *wsConn) fail(f signal.Frame, err error) {
	log.Warn().Err(err).Str("op", f.Op).Str("topic", f.Topic).Msg("Relay frame failed")
	c.write(signal.Frame{Op: signal.OpError, Sub: f.Sub, Topic: f.Topic, Message: err.Error()})
}

func (c *wsConn) write(f signal.Frame) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(f); err != nil {
		log.Debug().Err(err).Msg("Relay write failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
