package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"duocall/native/internal/bus"
	"duocall/native/internal/domain"
	"duocall/native/internal/signal"
)

// fakePeer mimics the controller's sequencing rules and records every call.
type fakePeer struct {
	h       domain.PeerHandler
	openErr error

	mu         sync.Mutex
	opened     bool
	localOffer bool
	remoteDesc int
	applied    []string
	closes     int
	audio      bool
	video      bool
}

func (p *fakePeer) Open(ctx context.Context, kind domain.CallKind) (domain.LocalMedia, error) {
	if p.openErr != nil {
		return domain.LocalMedia{}, p.openErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opened = true
	media := domain.LocalMedia{Tracks: []domain.Track{{ID: "audio", Kind: domain.TrackAudio}}}
	if kind.WantsVideo() {
		media.Tracks = append(media.Tracks, domain.Track{ID: "video", Kind: domain.TrackVideo})
	}
	return media, nil
}

func (p *fakePeer) CreateOffer(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.opened || p.localOffer {
		return "", domain.ErrNegotiation
	}
	p.localOffer = true
	return "offer-sdp", nil
}

func (p *fakePeer) ApplyRemoteDescription(ctx context.Context, sdp string, typ domain.SDPType) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteDesc > 0 {
		return fmt.Errorf("%w: remote description already set", domain.ErrNegotiation)
	}
	if (typ == domain.SDPAnswer) != p.localOffer {
		return fmt.Errorf("%w: %s out of sequence", domain.ErrNegotiation, typ)
	}
	p.remoteDesc++
	return nil
}

func (p *fakePeer) CreateAnswer(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteDesc == 0 || p.localOffer {
		return "", domain.ErrNegotiation
	}
	return "answer-sdp", nil
}

func (p *fakePeer) AddRemoteICECandidate(c domain.ICECandidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteDesc == 0 {
		return fmt.Errorf("%w: no remote description", domain.ErrICEApplication)
	}
	if c.Candidate == "bad" {
		return fmt.Errorf("%w: malformed", domain.ErrICEApplication)
	}
	p.applied = append(p.applied, c.Candidate)
	return nil
}

func (p *fakePeer) SetLocalAudioEnabled(enabled bool) {
	p.mu.Lock()
	p.audio = enabled
	p.mu.Unlock()
}

func (p *fakePeer) SetLocalVideoEnabled(enabled bool) {
	p.mu.Lock()
	p.video = enabled
	p.mu.Unlock()
}

func (p *fakePeer) RemoteTracks() []domain.Track { return nil }

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closes++
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) snapshot() (applied []string, remoteDesc, closes int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.applied...), p.remoteDesc, p.closes
}

// fakePeers hands out fakePeers and keeps them for inspection.
type fakePeers struct {
	openErr error

	mu    sync.Mutex
	peers []*fakePeer
}

func (f *fakePeers) New(h domain.PeerHandler) (domain.PeerController, error) {
	p := &fakePeer{h: h, openErr: f.openErr}
	f.mu.Lock()
	f.peers = append(f.peers, p)
	f.mu.Unlock()
	return p, nil
}

func (f *fakePeers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

func (f *fakePeers) last(t *testing.T) *fakePeer {
	t.Helper()
	eventually(t, "controller allocated", func() bool { return f.count() > 0 })
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers[len(f.peers)-1]
}

// recorder is an Observer that keeps every event.
type recorder struct {
	mu      sync.Mutex
	states  []domain.State
	results []domain.Result
	iceErrs []error
	tracks  []domain.Track
}

func (r *recorder) StateChanged(_ domain.CallID, s domain.State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *recorder) RemoteTrack(_ domain.CallID, t domain.Track) {
	r.mu.Lock()
	r.tracks = append(r.tracks, t)
	r.mu.Unlock()
}

func (r *recorder) ICEError(_ domain.CallID, err error) {
	r.mu.Lock()
	r.iceErrs = append(r.iceErrs, err)
	r.mu.Unlock()
}

func (r *recorder) Terminated(_ domain.CallID, res domain.Result) {
	r.mu.Lock()
	r.results = append(r.results, res)
	r.mu.Unlock()
}

func (r *recorder) stateLog() []domain.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.State(nil), r.states...)
}

func (r *recorder) terminations() []domain.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Result(nil), r.results...)
}

func (r *recorder) iceErrors() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.iceErrs)
}

// tap records every envelope published on a topic, regardless of sender.
type tap struct {
	mu   sync.Mutex
	envs []domain.Envelope
}

func newTap(t *testing.T, b domain.Bus, id domain.CallID) *tap {
	t.Helper()
	tp := &tap{}
	tr := signal.NewTransport(b, "observer")
	leave, err := tr.Join(context.Background(), id, func(env domain.Envelope) {
		tp.mu.Lock()
		tp.envs = append(tp.envs, env)
		tp.mu.Unlock()
	})
	if err != nil {
		t.Fatalf("tap join: %v", err)
	}
	t.Cleanup(leave)
	return tp
}

func (tp *tap) count(kind domain.MessageKind) int {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	n := 0
	for _, env := range tp.envs {
		if env.Kind == kind {
			n++
		}
	}
	return n
}

func (tp *tap) total() int {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return len(tp.envs)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitDone(t *testing.T, s *Session) domain.Result {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session %s never finished (state %s)", s.ID(), s.State())
	}
	res, ok := s.Result()
	if !ok {
		t.Fatalf("session %s done without a result", s.ID())
	}
	return res
}

// callPair is two sessions of one call sharing a memory bus.
type callPair struct {
	bus       *bus.Memory
	id        domain.CallID
	caller    *Session
	callee    *Session
	callerObs *recorder
	calleeObs *recorder
	callerPCs *fakePeers
	calleePCs *fakePeers
}

func newCallPair(t *testing.T, kind domain.CallKind) *callPair {
	t.Helper()
	b := bus.NewMemory()
	t.Cleanup(func() { b.Close() })

	cp := &callPair{
		bus:       b,
		id:        domain.NewCallID(),
		callerObs: &recorder{},
		calleeObs: &recorder{},
		callerPCs: &fakePeers{},
		calleePCs: &fakePeers{},
	}
	alice := domain.Participant{Identity: "alice", Username: "Alice"}
	bob := domain.Participant{Identity: "bob", Username: "Bob"}

	cp.caller = NewSession(SessionConfig{
		ID: cp.id, Role: domain.RoleInitiator, Kind: kind,
		Local: alice, Remote: bob,
		Signaler: signal.NewTransport(b, "alice"),
		Peers:    cp.callerPCs.New,
		Observer: cp.callerObs,
	})
	cp.callee = NewSession(SessionConfig{
		ID: cp.id, Role: domain.RoleResponder, Kind: kind,
		Local: bob, Remote: alice,
		Signaler: signal.NewTransport(b, "bob"),
		Peers:    cp.calleePCs.New,
		Observer: cp.calleeObs,
	})
	t.Cleanup(func() {
		cp.caller.End()
		cp.callee.End()
	})
	return cp
}

// inject publishes env on the call topic as if sent by from.
func (cp *callPair) inject(t *testing.T, from string, env domain.Envelope) {
	t.Helper()
	tr := signal.NewTransport(cp.bus, from)
	if err := tr.Send(context.Background(), cp.id, env); err != nil {
		t.Fatalf("inject %s: %v", env.Kind, err)
	}
}

var errDenied = errors.New("camera permission denied")
