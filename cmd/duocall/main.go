package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"duocall/native/internal/api"
	"duocall/native/internal/bus"
	"duocall/native/internal/call"
	"duocall/native/internal/config"
	"duocall/native/internal/directory"
	"duocall/native/internal/domain"
	"duocall/native/internal/invite"
	"duocall/native/internal/relay"
	"duocall/native/internal/signal"
	"duocall/native/internal/webrtc"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const helpText = `duocall - One-to-one audio/video calls over WebRTC

Usage:
  duocall relay                       Serve the signaling relay and directory
  duocall dial <identity> [audio|video]  Call a participant
  duocall answer                      Wait for calls and accept them

Media is synthetic (Opus silence, placeholder VP8 frames); remote RTP is
counted and logged.

Environment Variables:
  DUOCALL_IDENTITY          Local identity (required for dial/answer)
  DUOCALL_USERNAME          Display name (defaults to the identity)
  DUOCALL_BUS               relay | redis | p2p | memory (default relay)
  DUOCALL_RELAY_URL         Relay base URL (default http://127.0.0.1:8089)
  DUOCALL_LISTEN_ADDR       Relay listen address (default :8089)
  DUOCALL_REDIS_ADDR        Redis address (default 127.0.0.1:6379)
  DUOCALL_REDIS_PREFIX      Redis key prefix (default duocall)
  DUOCALL_P2P_LISTEN        libp2p listen multiaddrs, comma-separated
  DUOCALL_P2P_BOOTSTRAP     libp2p peers to dial, comma-separated
  DUOCALL_RING_TIMEOUT      Ring timeout (default 45s)
  DUOCALL_ICE_SERVERS_JSON  ICE servers as JSON
  DUOCALL_STUN_URLS         STUN urls, comma-separated
  DUOCALL_TURN_URLS         TURN urls, comma-separated
  DUOCALL_TURN_USERNAME     TURN username
  DUOCALL_TURN_CREDENTIAL   TURN credential
  DUOCALL_ICE_SERVERS_FILE  JSON ICE server file, reloaded on change

Examples:
  # Relay with an in-memory bus
  DUOCALL_BUS=memory duocall relay

  # Two participants through the relay
  DUOCALL_IDENTITY=bob duocall answer
  DUOCALL_IDENTITY=alice duocall dial bob video

Options:
  -h, --help  Show this help message
`

func main() {
	if len(os.Args) < 2 || os.Args[1] == "-h" || os.Args[1] == "--help" {
		fmt.Print(helpText)
		os.Exit(0)
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
		cancel()
	}()

	switch cmd := os.Args[1]; cmd {
	case "relay":
		err = runRelay(ctx, cfg)
	case "dial":
		if len(os.Args) < 3 {
			fmt.Print(helpText)
			os.Exit(2)
		}
		kind := domain.CallAudio
		if len(os.Args) > 3 {
			if kind, err = domain.ParseCallKind(os.Args[3]); err != nil {
				log.Fatal().Err(err).Msg("Parse call kind")
			}
		}
		err = runClient(ctx, cancel, cfg, func(m *call.Manager) error {
			_, err := m.Dial(ctx, os.Args[2], kind)
			return err
		})
	case "answer":
		err = runClient(ctx, cancel, cfg, nil)
	default:
		log.Fatal().Str("command", cmd).Msg("Unknown command")
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Exiting")
	}
	log.Info().Msg("Done")
}

func runRelay(ctx context.Context, cfg *config.Config) error {
	var (
		b   domain.Bus
		dir domain.DirectoryStore
	)
	switch cfg.Bus {
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		b = bus.NewRedis(rdb, cfg.RedisPrefix)
		dir = directory.NewRedis(rdb, cfg.RedisPrefix)
	case config.BackendMemory, config.BackendRelay:
		b = bus.NewMemory()
		dir = directory.NewMemory()
	default:
		return fmt.Errorf("relay cannot run on the %s bus", cfg.Bus)
	}
	defer b.Close()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           relay.NewServer(b, dir).NewRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", cfg.ListenAddr).Str("bus", string(cfg.Bus)).Msg("Relay listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// runClient wires a participant. With dial nil every incoming call is
// accepted; otherwise dial places one call and the process exits when it ends.
func runClient(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, dial func(*call.Manager) error) error {
	if err := cfg.RequireIdentity(); err != nil {
		return err
	}

	// Step 1: Signaling bus and directory
	b, dir, err := connectBus(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	if reg, ok := dir.(domain.DirectoryStore); ok {
		route := domain.Route{Identity: cfg.Identity, Inbox: domain.InboxTopic(cfg.Identity)}
		if err := reg.Register(ctx, route); err != nil {
			return fmt.Errorf("register: %w", err)
		}
		log.Info().Str("identity", cfg.Identity).Msg("Registered")
	}

	// Step 2: Peer connection factory
	factory, err := webrtc.NewFactory(webrtc.Config{
		ICEServers: cfg.ICEServers,
		Devices:    &webrtc.SyntheticDevices{},
		Sinks:      packetLogger(ctx),
	})
	if err != nil {
		return err
	}
	if cfg.ICEServersFile != "" {
		w, err := config.WatchICEServers(cfg.ICEServersFile, factory.SetICEServers)
		if err != nil {
			return err
		}
		defer w.Close()
	}

	// Step 3: Call manager
	transport := signal.NewTransport(b, cfg.Identity)
	defer transport.Close()

	obs := &logObserver{}
	if dial != nil {
		obs.onEnd = cancel
	}
	m := call.NewManager(call.ManagerConfig{
		Self:        cfg.Participant(),
		Signaler:    transport,
		Router:      invite.NewRouter(transport, dir),
		Peers:       factory.NewPeer,
		Observer:    obs,
		RingTimeout: cfg.RingTimeout,
	})
	defer m.Close()

	if dial == nil {
		m.OnIncoming(func(ic *call.IncomingCall) {
			go func() {
				if _, err := ic.Accept(ctx); err != nil {
					log.Warn().Err(err).Str("call_id", ic.Invite.CallID.String()).Msg("Accept failed")
				}
			}()
		})
	}
	if err := m.Listen(ctx); err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	// Step 4: Place the call, or wait for one
	if dial != nil {
		if err := dial(m); err != nil {
			return fmt.Errorf("dial: %w", err)
		}
	} else {
		log.Info().Str("identity", cfg.Identity).Msg("Waiting for calls")
	}

	<-ctx.Done()
	return nil
}

func connectBus(ctx context.Context, cfg *config.Config) (domain.Bus, domain.Directory, error) {
	switch cfg.Bus {
	case config.BackendRelay:
		c := signal.NewClient(wsURL(cfg.RelayURL))
		if err := c.Connect(ctx); err != nil {
			return nil, nil, fmt.Errorf("relay: %w", err)
		}
		return c, api.NewClient(cfg.RelayURL), nil
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("redis: %w", err)
		}
		return bus.NewRedis(rdb, cfg.RedisPrefix), directory.NewRedis(rdb, cfg.RedisPrefix), nil
	case config.BackendP2P:
		p, err := bus.NewP2P(ctx, bus.P2PConfig{ListenAddrs: cfg.P2PListen, Bootstrap: cfg.P2PPeers})
		if err != nil {
			return nil, nil, err
		}
		log.Info().Strs("addrs", p.Addrs()).Msg("libp2p host up")
		return p, directory.NewMemory(), nil
	default:
		return nil, nil, fmt.Errorf("participants cannot use the %s bus", cfg.Bus)
	}
}

func wsURL(base string) string {
	u := strings.TrimSuffix(base, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

// packetLogger counts remote RTP per track and logs the totals every few seconds.
func packetLogger(ctx context.Context) webrtc.SinkFactory {
	return func(track domain.Track) webrtc.Sink {
		c := &webrtc.PacketCounter{}
		go func() {
			ticker := time.NewTicker(5 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					log.Info().Str("track", track.ID).Str("kind", string(track.Kind)).Int64("packets", c.Count()).Msg("Remote media")
				}
			}
		}()
		return c
	}
}

type logObserver struct {
	onEnd func()
	ended atomic.Bool
}

func (o *logObserver) StateChanged(id domain.CallID, s domain.State) {
	log.Info().Str("call_id", id.String()).Str("state", s.String()).Msg("Call state")
}

func (o *logObserver) RemoteTrack(id domain.CallID, t domain.Track) {
	log.Info().Str("call_id", id.String()).Str("kind", string(t.Kind)).Str("track", t.ID).Msg("Remote track")
}

func (o *logObserver) ICEError(id domain.CallID, err error) {
	log.Warn().Err(err).Str("call_id", id.String()).Msg("ICE candidate rejected")
}

func (o *logObserver) Terminated(id domain.CallID, res domain.Result) {
	ev := log.Info()
	if res.Err != nil {
		ev = log.Warn().Err(res.Err)
	}
	ev.Str("call_id", id.String()).Str("state", res.State.String()).Str("reason", string(res.Reason)).Msg("Call over")
	if o.onEnd != nil && o.ended.CompareAndSwap(false, true) {
		o.onEnd()
	}
}
