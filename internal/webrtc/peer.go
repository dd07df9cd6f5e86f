package webrtc

import (
	"context"
	"fmt"
	"math"
	"net"
	"sync"

	"duocall/native/internal/domain"

	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Peer wraps a pion PeerConnection and the local media feeding it.
//
// Handler events are dispatched under dispatchMu after checking closed, and
// Close takes dispatchMu once after setting closed, so no event is delivered
// after Close returns. Lock order is dispatchMu, then mu.
type Peer struct {
	pc      *pion.PeerConnection
	devices Devices
	sinks   SinkFactory
	handler domain.PeerHandler
	remote  RemoteMedia

	dispatchMu sync.Mutex

	mu            sync.Mutex
	closed        bool
	opened        bool
	local         []*localTrack
	remoteDescSet bool
}

func newPeer(pc *pion.PeerConnection, devices Devices, sinks SinkFactory, h domain.PeerHandler) *Peer {
	p := &Peer{
		pc:      pc,
		devices: devices,
		sinks:   sinks,
		handler: h,
	}

	pc.OnICECandidate(p.onICECandidate)
	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		log.Debug().Str("state", state.String()).Msg("Peer connection state")
		p.dispatch(func() { p.handler.OnConnectivityChange(connectivity(state)) })
	})
	pc.OnTrack(p.onTrack)

	return p
}

func (p *Peer) dispatch(fn func()) {
	p.dispatchMu.Lock()
	defer p.dispatchMu.Unlock()

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}
	fn()
}

// Open acquires local devices for kind and attaches them as tracks. Audio is
// always captured, video only for video calls.
func (p *Peer) Open(ctx context.Context, kind domain.CallKind) (domain.LocalMedia, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return domain.LocalMedia{}, domain.ErrSessionClosed
	}
	if p.opened {
		return domain.LocalMedia{}, fmt.Errorf("%w: media already open", domain.ErrInvalidState)
	}

	wanted := []domain.TrackKind{domain.TrackAudio}
	if kind.WantsVideo() {
		wanted = append(wanted, domain.TrackVideo)
	}

	streamID := "duocall-" + domain.NewCallID().String()
	var tracks []*localTrack
	release := func() {
		for _, t := range tracks {
			t.stop()
		}
	}

	for _, k := range wanted {
		if err := ctx.Err(); err != nil {
			release()
			return domain.LocalMedia{}, err
		}

		src, err := p.devices.Open(k)
		if err != nil {
			release()
			return domain.LocalMedia{}, fmt.Errorf("%w: %v", domain.ErrMediaAcquisition, err)
		}
		t, err := newLocalTrack(k, src, streamID)
		if err != nil {
			_ = src.Close()
			release()
			return domain.LocalMedia{}, fmt.Errorf("%w: %v", domain.ErrMediaAcquisition, err)
		}
		tracks = append(tracks, t)
	}

	for _, t := range tracks {
		sender, err := p.pc.AddTrack(t.track)
		if err != nil {
			release()
			return domain.LocalMedia{}, fmt.Errorf("%w: add %s track: %v", domain.ErrMediaAcquisition, t.kind, err)
		}
		go drainRTCP(sender)
	}

	media := domain.LocalMedia{}
	for _, t := range tracks {
		t.start()
		media.Tracks = append(media.Tracks, t.info())
	}
	p.local = tracks
	p.opened = true

	log.Info().Str("kind", string(kind)).Int("tracks", len(tracks)).Msg("Local media opened")
	return media, nil
}

// CreateOffer creates an SDP offer and sets it as the local description.
func (p *Peer) CreateOffer(ctx context.Context) (string, error) {
	if err := p.expect(pion.SignalingStateStable, "create offer"); err != nil {
		return "", err
	}

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("%w: create offer: %v", domain.ErrNegotiation, err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("%w: set local description: %v", domain.ErrNegotiation, err)
	}

	log.Debug().Msg("Local SDP offer set")
	return offer.SDP, nil
}

// ApplyRemoteDescription sets the remote offer or answer. Remote ICE
// candidates are accepted from then on.
func (p *Peer) ApplyRemoteDescription(ctx context.Context, sdp string, typ domain.SDPType) error {
	desc := pion.SessionDescription{SDP: sdp}
	switch typ {
	case domain.SDPOffer:
		if err := p.expect(pion.SignalingStateStable, "apply remote offer"); err != nil {
			return err
		}
		desc.Type = pion.SDPTypeOffer
	case domain.SDPAnswer:
		if err := p.expect(pion.SignalingStateHaveLocalOffer, "apply remote answer"); err != nil {
			return err
		}
		desc.Type = pion.SDPTypeAnswer
	default:
		return fmt.Errorf("%w: unknown sdp type %q", domain.ErrNegotiation, typ)
	}

	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("%w: set remote description: %v", domain.ErrNegotiation, err)
	}

	p.mu.Lock()
	p.remoteDescSet = true
	p.mu.Unlock()

	log.Debug().Str("type", string(typ)).Msg("Remote SDP set")
	return nil
}

// CreateAnswer answers the applied remote offer and sets the local description.
func (p *Peer) CreateAnswer(ctx context.Context) (string, error) {
	if err := p.expect(pion.SignalingStateHaveRemoteOffer, "create answer"); err != nil {
		return "", err
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("%w: create answer: %v", domain.ErrNegotiation, err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("%w: set local description: %v", domain.ErrNegotiation, err)
	}

	log.Debug().Msg("Local SDP answer set")
	return answer.SDP, nil
}

func (p *Peer) expect(want pion.SignalingState, op string) error {
	p.mu.Lock()
	closed, opened := p.closed, p.opened
	p.mu.Unlock()

	switch {
	case closed:
		return fmt.Errorf("%w: %s: %v", domain.ErrNegotiation, op, domain.ErrSessionClosed)
	case !opened:
		return fmt.Errorf("%w: %s before local media is open", domain.ErrNegotiation, op)
	}
	if got := p.pc.SignalingState(); got != want {
		return fmt.Errorf("%w: %s in signaling state %s", domain.ErrNegotiation, op, got)
	}
	return nil
}

// AddRemoteICECandidate applies a trickled candidate. It fails when no remote
// description is set yet; callers queue candidates until then.
func (p *Peer) AddRemoteICECandidate(candidate domain.ICECandidate) error {
	p.mu.Lock()
	closed, ready := p.closed, p.remoteDescSet
	p.mu.Unlock()

	if closed {
		return fmt.Errorf("%w: %v", domain.ErrICEApplication, domain.ErrSessionClosed)
	}
	if candidate.SDPMLineIndex < 0 || candidate.SDPMLineIndex > math.MaxUint16 {
		return fmt.Errorf("%w: sdpMLineIndex %d out of range", domain.ErrICEApplication, candidate.SDPMLineIndex)
	}
	if !ready {
		return fmt.Errorf("%w: no remote description", domain.ErrICEApplication)
	}

	sdpMid := candidate.SDPMid
	sdpMLineIndex := uint16(candidate.SDPMLineIndex)
	init := pion.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        &sdpMid,
		SDPMLineIndex: &sdpMLineIndex,
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrICEApplication, err)
	}

	log.Trace().Str("candidate", candidate.Candidate).Msg("Added remote ICE candidate")
	return nil
}

func (p *Peer) SetLocalAudioEnabled(enabled bool) {
	p.setEnabled(domain.TrackAudio, enabled)
}

func (p *Peer) SetLocalVideoEnabled(enabled bool) {
	p.setEnabled(domain.TrackVideo, enabled)
}

func (p *Peer) setEnabled(kind domain.TrackKind, enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.local {
		if t.kind == kind {
			t.enabled.Store(enabled)
		}
	}
}

func (p *Peer) RemoteTracks() []domain.Track {
	return p.remote.Tracks()
}

// Close stops local media and closes the PeerConnection. It is idempotent
// and no handler event fires after it returns.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	local := p.local
	p.local = nil
	p.mu.Unlock()

	// Wait out an in-flight dispatch.
	p.dispatchMu.Lock()
	p.dispatchMu.Unlock()

	for _, t := range local {
		t.stop()
	}
	if err := p.pc.Close(); err != nil {
		return fmt.Errorf("close peer connection: %w", err)
	}

	log.Debug().Msg("Peer closed")
	return nil
}

func (p *Peer) onICECandidate(c *pion.ICECandidate) {
	if c == nil {
		log.Debug().Msg("ICE gathering complete")
		return
	}

	if isLoopback(c) {
		log.Trace().Msg("Filtering loopback ICE candidate")
		return
	}

	init := c.ToJSON()
	candidate := domain.ICECandidate{Candidate: init.Candidate}
	if init.SDPMid != nil {
		candidate.SDPMid = *init.SDPMid
	}
	if init.SDPMLineIndex != nil {
		candidate.SDPMLineIndex = int(*init.SDPMLineIndex)
	}

	p.dispatch(func() { p.handler.OnLocalICECandidate(candidate) })
}

func (p *Peer) onTrack(track *pion.TrackRemote, _ *pion.RTPReceiver) {
	info := domain.Track{
		ID:       track.ID(),
		StreamID: track.StreamID(),
		Kind:     trackKind(track.Kind()),
	}
	codec := track.Codec()
	log.Info().Str("kind", string(info.Kind)).Str("codec", codec.MimeType).Msg("Got remote track")

	var sink Sink
	if p.sinks != nil {
		sink = p.sinks(info)
	}
	go readRemoteTrack(p.pc, track, sink)

	if p.remote.add(info) {
		p.dispatch(func() { p.handler.OnRemoteTrack(info) })
	}
}

func connectivity(s pion.PeerConnectionState) domain.ConnectivityState {
	switch s {
	case pion.PeerConnectionStateConnecting:
		return domain.ConnConnecting
	case pion.PeerConnectionStateConnected:
		return domain.ConnConnected
	case pion.PeerConnectionStateDisconnected:
		return domain.ConnDisconnected
	case pion.PeerConnectionStateFailed:
		return domain.ConnFailed
	case pion.PeerConnectionStateClosed:
		return domain.ConnClosed
	default:
		return domain.ConnNew
	}
}

// isLoopback reports whether c was gathered on a loopback address. mDNS
// hostnames never are.
func isLoopback(c *pion.ICECandidate) bool {
	ip := net.ParseIP(c.Address)
	return ip != nil && ip.IsLoopback()
}
