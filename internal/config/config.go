package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"duocall/native/internal/domain"

	"github.com/joho/godotenv"
)

// Backend selects the bus that carries signaling.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendRelay  Backend = "relay"
	BackendRedis  Backend = "redis"
	BackendP2P    Backend = "p2p"
)

const (
	envIdentity    = "DUOCALL_IDENTITY"
	envUsername    = "DUOCALL_USERNAME"
	envBus         = "DUOCALL_BUS"
	envRelayURL    = "DUOCALL_RELAY_URL"
	envListenAddr  = "DUOCALL_LISTEN_ADDR"
	envRedisAddr   = "DUOCALL_REDIS_ADDR"
	envRedisPrefix = "DUOCALL_REDIS_PREFIX"
	envP2PListen   = "DUOCALL_P2P_LISTEN"
	envP2PPeers    = "DUOCALL_P2P_BOOTSTRAP"
	envRingTimeout = "DUOCALL_RING_TIMEOUT"
	envICEFile     = "DUOCALL_ICE_SERVERS_FILE"
)

// Config holds the application configuration.
type Config struct {
	Identity string
	Username string

	Bus         Backend
	RelayURL    string
	ListenAddr  string
	RedisAddr   string
	RedisPrefix string
	P2PListen   []string
	P2PPeers    []string

	RingTimeout time.Duration

	ICEServers     []domain.ICEServer
	ICEServersFile string
}

// Load reads configuration from a .env file (if present) and environment variables.
// Environment variables take precedence over .env values.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	cfg := &Config{
		Identity:       strings.TrimSpace(os.Getenv(envIdentity)),
		Username:       strings.TrimSpace(os.Getenv(envUsername)),
		Bus:            Backend(strings.ToLower(envOr(envBus, string(BackendRelay)))),
		RelayURL:       envOr(envRelayURL, "http://127.0.0.1:8089"),
		ListenAddr:     envOr(envListenAddr, ":8089"),
		RedisAddr:      envOr(envRedisAddr, "127.0.0.1:6379"),
		RedisPrefix:    envOr(envRedisPrefix, "duocall"),
		P2PListen:      splitCommaSeparated(envOr(envP2PListen, "/ip4/0.0.0.0/tcp/0")),
		P2PPeers:       splitCommaSeparated(os.Getenv(envP2PPeers)),
		ICEServersFile: strings.TrimSpace(os.Getenv(envICEFile)),
	}
	if cfg.Username == "" {
		cfg.Username = cfg.Identity
	}

	switch cfg.Bus {
	case BackendMemory, BackendRelay, BackendRedis, BackendP2P:
	default:
		return nil, fmt.Errorf("%s: unknown bus %q", envBus, cfg.Bus)
	}

	if raw := strings.TrimSpace(os.Getenv(envRingTimeout)); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("%s: invalid duration %q", envRingTimeout, raw)
		}
		cfg.RingTimeout = d
	}

	servers, err := ICEServersFromEnv()
	if err != nil {
		return nil, err
	}
	if cfg.ICEServersFile != "" {
		if servers, err = LoadICEServersFile(cfg.ICEServersFile); err != nil {
			return nil, err
		}
	}
	if len(servers) == 0 {
		servers = domain.DefaultICEServers()
	}
	cfg.ICEServers = servers

	return cfg, nil
}

// Participant is the local participant described by the config.
func (c *Config) Participant() domain.Participant {
	return domain.Participant{Identity: c.Identity, Username: c.Username}
}

// RequireIdentity fails unless DUOCALL_IDENTITY is set.
func (c *Config) RequireIdentity() error {
	if c.Identity == "" {
		return fmt.Errorf("%s environment variable is required", envIdentity)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
