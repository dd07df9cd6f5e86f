package webrtc

import (
	"fmt"
	"sync"
	"time"

	"duocall/native/internal/domain"

	"github.com/pion/interceptor"
	"github.com/pion/transport/v4"
	pion "github.com/pion/webrtc/v4"
)

// Config configures every peer connection built by a Factory.
type Config struct {
	ICEServers []domain.ICEServer
	Devices    Devices
	Sinks      SinkFactory

	// Net replaces the host network stack, e.g. with a vnet.Net in tests.
	Net transport.Net

	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

// Factory allocates peer controllers. ICE servers can be swapped at runtime;
// connections already built keep the list they started with.
type Factory struct {
	cfg Config

	mu         sync.RWMutex
	iceServers []domain.ICEServer
}

func NewFactory(cfg Config) (*Factory, error) {
	if cfg.Devices == nil {
		return nil, fmt.Errorf("webrtc: no media devices configured")
	}
	if cfg.DisconnectedTimeout == 0 {
		cfg.DisconnectedTimeout = 5 * time.Second
	}
	if cfg.FailedTimeout == 0 {
		cfg.FailedTimeout = 25 * time.Second
	}
	if cfg.KeepAliveInterval == 0 {
		cfg.KeepAliveInterval = 2 * time.Second
	}
	return &Factory{cfg: cfg, iceServers: cfg.ICEServers}, nil
}

// SetICEServers replaces the ICE list used by connections built afterwards.
func (f *Factory) SetICEServers(servers []domain.ICEServer) {
	f.mu.Lock()
	f.iceServers = append([]domain.ICEServer(nil), servers...)
	f.mu.Unlock()
}

func (f *Factory) ICEServers() []domain.ICEServer {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]domain.ICEServer(nil), f.iceServers...)
}

// NewPeer builds a controller reporting to h. It satisfies domain.PeerFactory.
func (f *Factory) NewPeer(h domain.PeerHandler) (domain.PeerController, error) {
	api, err := f.newAPI()
	if err != nil {
		return nil, err
	}

	var servers []pion.ICEServer
	for _, s := range f.ICEServers() {
		servers = append(servers, pion.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	pc, err := api.NewPeerConnection(pion.Configuration{
		ICEServers:   servers,
		BundlePolicy: pion.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	return newPeer(pc, f.cfg.Devices, f.cfg.Sinks, h), nil
}

func (f *Factory) newAPI() (*pion.API, error) {
	m := &pion.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	if err := pion.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := pion.SettingEngine{}
	se.LoggerFactory = newLoggerFactory()
	se.SetICETimeouts(f.cfg.DisconnectedTimeout, f.cfg.FailedTimeout, f.cfg.KeepAliveInterval)
	if f.cfg.Net != nil {
		se.SetNet(f.cfg.Net)
	}

	return pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
		pion.WithSettingEngine(se),
	), nil
}
