package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"duocall/native/internal/domain"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DUOCALL_IDENTITY", "alice")
	t.Setenv("DUOCALL_USERNAME", "")
	t.Setenv("DUOCALL_BUS", "")
	t.Setenv("DUOCALL_ICE_SERVERS_JSON", "")
	t.Setenv("DUOCALL_STUN_URLS", "")
	t.Setenv("DUOCALL_TURN_URLS", "")
	t.Setenv("DUOCALL_ICE_SERVERS_FILE", "")
	t.Setenv("DUOCALL_RING_TIMEOUT", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Bus != BackendRelay {
		t.Errorf("Bus = %q, want relay", cfg.Bus)
	}
	if cfg.Username != "alice" {
		t.Errorf("Username = %q, want identity fallback", cfg.Username)
	}
	if cfg.RingTimeout != 0 {
		t.Errorf("RingTimeout = %v, want unset", cfg.RingTimeout)
	}
	if len(cfg.ICEServers) != 2 || cfg.ICEServers[0].URLs[0] != "stun:stun.l.google.com:19302" {
		t.Errorf("ICEServers = %+v, want defaults", cfg.ICEServers)
	}
	if err := cfg.RequireIdentity(); err != nil {
		t.Errorf("RequireIdentity: %v", err)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DUOCALL_IDENTITY", "bob")
	t.Setenv("DUOCALL_USERNAME", "Bob")
	t.Setenv("DUOCALL_BUS", "Redis")
	t.Setenv("DUOCALL_RING_TIMEOUT", "10s")
	t.Setenv("DUOCALL_P2P_BOOTSTRAP", "/ip4/10.0.0.1/tcp/4001/p2p/QmA, /ip4/10.0.0.2/tcp/4001/p2p/QmB")
	t.Setenv("DUOCALL_ICE_SERVERS_JSON", "")
	t.Setenv("DUOCALL_ICE_SERVERS_FILE", "")
	t.Setenv("DUOCALL_STUN_URLS", "stun:stun.example.org:3478")
	t.Setenv("DUOCALL_TURN_URLS", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Bus != BackendRedis {
		t.Errorf("Bus = %q, want redis", cfg.Bus)
	}
	if cfg.RingTimeout != 10*time.Second {
		t.Errorf("RingTimeout = %v", cfg.RingTimeout)
	}
	if len(cfg.P2PPeers) != 2 {
		t.Errorf("P2PPeers = %v", cfg.P2PPeers)
	}
	if p := cfg.Participant(); p.Identity != "bob" || p.Username != "Bob" {
		t.Errorf("Participant = %+v", p)
	}
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0].URLs[0] != "stun:stun.example.org:3478" {
		t.Errorf("ICEServers = %+v", cfg.ICEServers)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"bus", "DUOCALL_BUS", "carrier-pigeon"},
		{"ring timeout", "DUOCALL_RING_TIMEOUT", "soon"},
		{"negative ring timeout", "DUOCALL_RING_TIMEOUT", "-5s"},
		{"ice json", "DUOCALL_ICE_SERVERS_JSON", "{"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DUOCALL_BUS", "")
			t.Setenv("DUOCALL_RING_TIMEOUT", "")
			t.Setenv("DUOCALL_ICE_SERVERS_JSON", "")
			t.Setenv("DUOCALL_ICE_SERVERS_FILE", "")
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%q", tt.key, tt.value)
			}
		})
	}
}

func TestRequireIdentity(t *testing.T) {
	cfg := &Config{}
	if err := cfg.RequireIdentity(); err == nil || !strings.Contains(err.Error(), "DUOCALL_IDENTITY") {
		t.Errorf("RequireIdentity = %v", err)
	}
}

func TestParseICEServersJSON(t *testing.T) {
	servers, err := ParseICEServersJSON([]byte(`[
		{"urls": "stun:stun.example.org"},
		{"urls": [" turn:turn.example.org:3478 ", "turns:turn.example.org:5349"], "username": "u", "credential": "p"}
	]`))
	if err != nil {
		t.Fatalf("ParseICEServersJSON: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("got %d servers", len(servers))
	}
	if got := servers[1].URLs[0]; got != "turn:turn.example.org:3478" {
		t.Errorf("url not trimmed: %q", got)
	}
	if servers[1].Username != "u" || servers[1].Credential != "p" {
		t.Errorf("credentials = %+v", servers[1])
	}
}

func TestParseICEServersJSON_Rejects(t *testing.T) {
	tests := map[string]string{
		"no urls":         `[{"urls": []}]`,
		"bad scheme":      `[{"urls": "http://example.org"}]`,
		"no scheme":       `[{"urls": "example.org"}]`,
		"turn no creds":   `[{"urls": "turn:turn.example.org"}]`,
		"turn no secret":  `[{"urls": "turns:turn.example.org", "username": "u"}]`,
		"wrong urls type": `[{"urls": 5}]`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseICEServersJSON([]byte(raw)); err == nil {
				t.Errorf("expected error for %s", raw)
			}
		})
	}
}

func TestICEServersFromEnv_Convenience(t *testing.T) {
	t.Setenv("DUOCALL_ICE_SERVERS_JSON", "")
	t.Setenv("DUOCALL_STUN_URLS", "stun:a.example.org, stun:b.example.org")
	t.Setenv("DUOCALL_TURN_URLS", "turn:t.example.org")
	t.Setenv("DUOCALL_TURN_USERNAME", "user")
	t.Setenv("DUOCALL_TURN_CREDENTIAL", "secret")

	servers, err := ICEServersFromEnv()
	if err != nil {
		t.Fatalf("ICEServersFromEnv: %v", err)
	}
	if len(servers) != 2 || len(servers[0].URLs) != 2 || servers[1].Username != "user" {
		t.Errorf("servers = %+v", servers)
	}

	t.Setenv("DUOCALL_TURN_CREDENTIAL", "")
	if _, err := ICEServersFromEnv(); err == nil {
		t.Error("expected error for TURN without credential")
	}
}

func TestICEServersFromEnv_JSONWins(t *testing.T) {
	t.Setenv("DUOCALL_ICE_SERVERS_JSON", `[{"urls":"stun:json.example.org"}]`)
	t.Setenv("DUOCALL_STUN_URLS", "stun:env.example.org")

	servers, err := ICEServersFromEnv()
	if err != nil {
		t.Fatalf("ICEServersFromEnv: %v", err)
	}
	if len(servers) != 1 || servers[0].URLs[0] != "stun:json.example.org" {
		t.Errorf("servers = %+v", servers)
	}
}

func TestLoad_ICEServersFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ice.json")
	if err := os.WriteFile(path, []byte(`[{"urls":"stun:file.example.org"}]`), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DUOCALL_BUS", "")
	t.Setenv("DUOCALL_RING_TIMEOUT", "")
	t.Setenv("DUOCALL_ICE_SERVERS_JSON", "")
	t.Setenv("DUOCALL_ICE_SERVERS_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0].URLs[0] != "stun:file.example.org" {
		t.Errorf("ICEServers = %+v", cfg.ICEServers)
	}
}

func TestWatchICEServers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ice.json")
	if err := os.WriteFile(path, []byte(`[]`), 0o644); err != nil {
		t.Fatal(err)
	}

	got := make(chan []domain.ICEServer, 8)
	w, err := WatchICEServers(path, func(s []domain.ICEServer) {
		select {
		case got <- s:
		default:
		}
	})
	if err != nil {
		t.Fatalf("WatchICEServers: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte(`not json`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(`[{"urls":"stun:reloaded.example.org"}]`), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case servers := <-got:
			if len(servers) == 1 && servers[0].URLs[0] == "stun:reloaded.example.org" {
				return
			}
		case <-deadline:
			t.Fatal("reloaded servers never applied")
		}
	}
}
