package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"duocall/native/internal/domain"
)

const (
	envICEServersJSON = "DUOCALL_ICE_SERVERS_JSON"

	envStunURLs       = "DUOCALL_STUN_URLS"
	envTurnURLs       = "DUOCALL_TURN_URLS"
	envTurnUsername   = "DUOCALL_TURN_USERNAME"
	envTurnCredential = "DUOCALL_TURN_CREDENTIAL"
)

// ICEServersFromEnv reads the ICE server list from the environment. An empty
// result means nothing was configured.
func ICEServersFromEnv() ([]domain.ICEServer, error) {
	if raw := strings.TrimSpace(os.Getenv(envICEServersJSON)); raw != "" {
		servers, err := ParseICEServersJSON([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}
	return parseConvenience(
		os.Getenv(envStunURLs),
		os.Getenv(envTurnURLs),
		os.Getenv(envTurnUsername),
		os.Getenv(envTurnCredential),
	)
}

// LoadICEServersFile reads a JSON ICE server list from path.
func LoadICEServersFile(path string) ([]domain.ICEServer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ice servers: %w", err)
	}
	servers, err := ParseICEServersJSON(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return servers, nil
}

type iceServerJSON struct {
	URLs       stringOrSlice `json:"urls"`
	Username   string        `json:"username,omitempty"`
	Credential string        `json:"credential,omitempty"`
}

// stringOrSlice accepts "urls" as either a string or a list.
type stringOrSlice []string

func (s *stringOrSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ParseICEServersJSON parses and validates a list shaped like RTCIceServer.
func ParseICEServersJSON(raw []byte) ([]domain.ICEServer, error) {
	var in []iceServerJSON
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, err
	}

	out := make([]domain.ICEServer, 0, len(in))
	for i, s := range in {
		server := domain.ICEServer{
			URLs:       trimAll(s.URLs),
			Username:   strings.TrimSpace(s.Username),
			Credential: strings.TrimSpace(s.Credential),
		}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, server)
	}
	return out, nil
}

func parseConvenience(stunURLs, turnURLs, turnUsername, turnCredential string) ([]domain.ICEServer, error) {
	var servers []domain.ICEServer

	if urls := splitCommaSeparated(stunURLs); len(urls) > 0 {
		server := domain.ICEServer{URLs: urls}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}

	if urls := splitCommaSeparated(turnURLs); len(urls) > 0 {
		server := domain.ICEServer{
			URLs:       urls,
			Username:   strings.TrimSpace(turnUsername),
			Credential: strings.TrimSpace(turnCredential),
		}
		if server.Username == "" || server.Credential == "" {
			return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
		}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, server)
	}

	return servers, nil
}

func validateICEServer(server domain.ICEServer) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}

	turn := false
	for _, url := range server.URLs {
		scheme, _, ok := strings.Cut(url, ":")
		if !ok {
			return fmt.Errorf("missing url scheme: %q", url)
		}
		switch scheme {
		case "stun", "stuns":
		case "turn", "turns":
			turn = true
		default:
			return fmt.Errorf("unsupported url scheme: %q", url)
		}
	}

	if turn && (server.Username == "" || server.Credential == "") {
		return errors.New("turn urls require username and credential")
	}
	return nil
}

func splitCommaSeparated(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return trimAll(strings.Split(value, ","))
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
