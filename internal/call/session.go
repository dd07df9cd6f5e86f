// Package call drives one call from invite to teardown and enforces a single
// active call per local participant.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"duocall/native/internal/domain"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const hangupTimeout = 2 * time.Second

// Observer receives session events. Calls for one session are made in order
// from a single goroutine, never while the session is locked.
type Observer interface {
	StateChanged(id domain.CallID, state domain.State)
	RemoteTrack(id domain.CallID, track domain.Track)
	ICEError(id domain.CallID, err error)
	Terminated(id domain.CallID, result domain.Result)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) StateChanged(domain.CallID, domain.State) {}
func (NopObserver) RemoteTrack(domain.CallID, domain.Track) {}
func (NopObserver) ICEError(domain.CallID, error) {}
func (NopObserver) Terminated(domain.CallID, domain.Result) {}

// SessionConfig describes one call from the local participant's side.
type SessionConfig struct {
	ID       domain.CallID
	Role     domain.Role
	Kind     domain.CallKind
	Local    domain.Participant
	Remote   domain.Participant
	Signaler domain.Signaler
	Peers    domain.PeerFactory
	Observer Observer
}

// Session is the state machine of one call.
//
// mu guards state. negMu serializes negotiation steps (offer, answer,
// candidates) and is taken before mu. gen changes exactly once, when the
// session terminates; work that blocked drops its result when gen moved.
type Session struct {
	cfg    SessionConfig
	log    zerolog.Logger
	notify *notifier

	ctx    context.Context
	cancel context.CancelFunc

	negMu sync.Mutex

	mu            sync.Mutex
	gen           uint64
	state         domain.State
	ctrl          domain.PeerController
	leave         func()
	ready         bool
	remoteDescSet bool
	pendingICE    []domain.ICECandidate
	pendingOffer  string
	media         domain.MediaEnabled
	result        domain.Result
}

func NewSession(cfg SessionConfig) *Session {
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg: cfg,
		log: log.With().
			Str("call_id", cfg.ID.String()).
			Str("role", cfg.Role.String()).
			Logger(),
		notify: newNotifier(),
		ctx:    ctx,
		cancel: cancel,
		state:  domain.StateIdle,
		media:  domain.MediaEnabled{Audio: true, Video: cfg.Kind.WantsVideo()},
	}
}

func (s *Session) ID() domain.CallID { return s.cfg.ID }
func (s *Session) Role() domain.Role { return s.cfg.Role }
func (s *Session) Kind() domain.CallKind { return s.cfg.Kind }
func (s *Session) Remote() domain.Participant { return s.cfg.Remote }
func (s *Session) Local() domain.Participant { return s.cfg.Local }

func (s *Session) State() domain.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Result returns the terminal result once the session has ended.
func (s *Session) Result() (domain.Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.state.Terminal()
}

func (s *Session) MediaEnabled() domain.MediaEnabled {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.media
}

// RemoteTracks lists the tracks received so far.
func (s *Session) RemoteTracks() []domain.Track {
	s.mu.Lock()
	ctrl := s.ctrl
	s.mu.Unlock()
	if ctrl == nil {
		return nil
	}
	return ctrl.RemoteTracks()
}

// Done is closed once every resource is released and Terminated was
// delivered.
func (s *Session) Done() <-chan struct{} {
	return s.notify.done
}

// Start places the call: Idle, Dialing, Negotiating, then the offer is
// published. Any error has already terminated the session.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cfg.Role != domain.RoleInitiator || s.state != domain.StateIdle {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: start as %s in %s", domain.ErrInvalidState, s.cfg.Role, st)
	}
	gen := s.gen
	s.setStateLocked(domain.StateDialing)
	s.mu.Unlock()

	if err := s.setup(ctx, gen); err != nil {
		return err
	}

	s.negMu.Lock()
	defer s.negMu.Unlock()

	ctrl, ok := s.controller(gen)
	if !ok {
		return domain.ErrSessionClosed
	}
	sdp, err := ctrl.CreateOffer(ctx)
	if err != nil {
		s.terminate(gen, domain.StateFailed, domain.ReasonNegotiation, err, false)
		return err
	}
	if err := s.cfg.Signaler.Send(ctx, s.cfg.ID, domain.Envelope{Kind: domain.MsgOffer, SDP: sdp}); err != nil {
		s.terminate(gen, domain.StateFailed, domain.ReasonDelivery, err, false)
		return err
	}

	s.log.Info().Str("remote", s.cfg.Remote.Identity).Msg("Offer sent")
	return nil
}

// Accept answers the call: it joins the call topic and opens media, and the
// offer is answered as soon as both it and the controller are ready.
func (s *Session) Accept(ctx context.Context) error {
	s.mu.Lock()
	if s.cfg.Role != domain.RoleResponder || s.state != domain.StateIdle {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: accept as %s in %s", domain.ErrInvalidState, s.cfg.Role, st)
	}
	gen := s.gen
	s.mu.Unlock()

	if err := s.setup(ctx, gen); err != nil {
		return err
	}

	s.negMu.Lock()
	defer s.negMu.Unlock()

	s.mu.Lock()
	offer := s.pendingOffer
	s.pendingOffer = ""
	if s.remoteDescSet {
		offer = ""
	}
	s.mu.Unlock()
	if offer != "" {
		if err := s.answerLocked(gen, offer); err != nil {
			return err
		}
	}

	s.log.Info().Str("remote", s.cfg.Remote.Identity).Msg("Call accepted")
	return nil
}

// setup joins the call topic, allocates the controller and opens local media.
// On success the session is Negotiating and ready for signaling.
func (s *Session) setup(ctx context.Context, gen uint64) error {
	leave, err := s.cfg.Signaler.Join(s.ctx, s.cfg.ID, func(env domain.Envelope) {
		s.onEnvelope(gen, env)
	})
	if err != nil {
		s.terminate(gen, domain.StateFailed, domain.ReasonDelivery, err, false)
		return err
	}
	if !s.attach(gen, func() { s.leave = leave }) {
		leave()
		return domain.ErrSessionClosed
	}

	ctrl, err := s.cfg.Peers(&peerEvents{s: s, gen: gen})
	if err != nil {
		err = fmt.Errorf("%w: allocate peer: %v", domain.ErrNegotiation, err)
		s.terminate(gen, domain.StateFailed, domain.ReasonNegotiation, err, false)
		return err
	}
	if !s.attach(gen, func() { s.ctrl = ctrl }) {
		_ = ctrl.Close()
		return domain.ErrSessionClosed
	}

	if _, err := ctrl.Open(ctx, s.cfg.Kind); err != nil {
		reason := domain.ReasonMediaAcquisition
		if !errors.Is(err, domain.ErrMediaAcquisition) {
			reason = domain.ReasonNegotiation
		}
		s.terminate(gen, domain.StateFailed, reason, err, false)
		return err
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return domain.ErrSessionClosed
	}
	ctrl.SetLocalAudioEnabled(s.media.Audio)
	ctrl.SetLocalVideoEnabled(s.media.Video)
	s.ready = true
	s.setStateLocked(domain.StateNegotiating)
	s.mu.Unlock()
	return nil
}

// attach runs set under the lock if the session is still in generation gen.
func (s *Session) attach(gen uint64, set func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return false
	}
	set()
	return true
}

func (s *Session) controller(gen uint64) (domain.PeerController, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.ctrl == nil {
		return nil, false
	}
	return s.ctrl, true
}

// End hangs up. It is idempotent and valid in every state.
func (s *Session) End() {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	s.terminate(gen, domain.StateEnded, domain.ReasonHangup, nil, true)
}

// Reject declines an incoming call before it was accepted. No session
// signaling is sent.
func (s *Session) Reject() error {
	s.mu.Lock()
	if s.cfg.Role != domain.RoleResponder || s.state != domain.StateIdle || s.ctrl != nil {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: reject as %s in %s", domain.ErrInvalidState, s.cfg.Role, st)
	}
	gen := s.gen
	s.mu.Unlock()

	s.terminate(gen, domain.StateEnded, domain.ReasonDeclined, nil, false)
	return nil
}

// discard drops a session that was never started. It emits no events.
func (s *Session) discard() {
	s.cancel()
}

// giveUp ends the session for an orchestration reason such as no-answer.
func (s *Session) giveUp(state domain.State, reason domain.Reason, err error) bool {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	return s.terminate(gen, state, reason, err, true)
}

func (s *Session) SetAudioEnabled(enabled bool) error {
	return s.setMedia(func(m *domain.MediaEnabled) { m.Audio = enabled }, func(c domain.PeerController) {
		c.SetLocalAudioEnabled(enabled)
	})
}

func (s *Session) SetVideoEnabled(enabled bool) error {
	return s.setMedia(func(m *domain.MediaEnabled) { m.Video = enabled }, func(c domain.PeerController) {
		c.SetLocalVideoEnabled(enabled)
	})
}

func (s *Session) setMedia(update func(*domain.MediaEnabled), apply func(domain.PeerController)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return domain.ErrSessionClosed
	}
	update(&s.media)
	if s.ctrl != nil && s.ready {
		apply(s.ctrl)
	}
	return nil
}

// terminate moves the session to a terminal state once and releases its
// resources outside the lock.
func (s *Session) terminate(gen uint64, state domain.State, reason domain.Reason, err error, hangup bool) bool {
	return s.finish(gen, state, reason, err, hangup, false)
}

// finish is terminate with optional release on a new goroutine, for callers
// running inside a controller event.
func (s *Session) finish(gen uint64, state domain.State, reason domain.Reason, err error, hangup, async bool) bool {
	s.mu.Lock()
	if s.gen != gen || s.state.Terminal() {
		s.mu.Unlock()
		return false
	}
	s.gen++
	s.cancel()

	joined := s.leave != nil
	ctrl, leave := s.ctrl, s.leave
	s.ctrl, s.leave = nil, nil
	s.pendingICE = nil
	s.pendingOffer = ""
	s.ready = false

	s.result = domain.Result{State: state, Reason: reason, Err: err}
	result := s.result
	s.setStateLocked(state)
	s.mu.Unlock()

	ev := s.log.Info()
	if state == domain.StateFailed {
		ev = s.log.Warn()
	}
	ev.Err(err).Str("reason", string(reason)).Str("state", state.String()).Msg("Call terminated")

	release := func() {
		if hangup && joined {
			ctx, cancel := context.WithTimeout(context.Background(), hangupTimeout)
			if err := s.cfg.Signaler.Send(ctx, s.cfg.ID, domain.Envelope{Kind: domain.MsgHangup}); err != nil {
				s.log.Debug().Err(err).Msg("Hangup not delivered")
			}
			cancel()
		}
		if ctrl != nil {
			if err := ctrl.Close(); err != nil {
				s.log.Warn().Err(err).Msg("Controller close failed")
			}
		}
		if leave != nil {
			leave()
		}
		s.notify.finish(func() { s.cfg.Observer.Terminated(s.cfg.ID, result) })
	}
	if async {
		go release()
	} else {
		release()
	}
	return true
}

func (s *Session) setStateLocked(state domain.State) {
	if s.state == state {
		return
	}
	s.log.Debug().Str("from", s.state.String()).Str("to", state.String()).Msg("State change")
	s.state = state
	id := s.cfg.ID
	s.notify.post(func() { s.cfg.Observer.StateChanged(id, state) })
}

func (s *Session) onEnvelope(gen uint64, env domain.Envelope) {
	switch env.Kind {
	case domain.MsgOffer:
		s.onOffer(gen, env.SDP)
	case domain.MsgAnswer:
		s.onAnswer(gen, env.SDP)
	case domain.MsgICECandidate:
		s.onCandidate(gen, *env.Candidate)
	case domain.MsgHangup:
		s.terminate(gen, domain.StateEnded, domain.ReasonRemoteHangup, nil, false)
	default:
		s.log.Debug().Str("kind", string(env.Kind)).Msg("Ignoring envelope")
	}
}

func (s *Session) onOffer(gen uint64, sdp string) {
	if s.cfg.Role != domain.RoleResponder {
		s.log.Debug().Msg("Ignoring offer as initiator")
		return
	}

	s.negMu.Lock()
	defer s.negMu.Unlock()

	s.mu.Lock()
	switch {
	case s.gen != gen:
		s.mu.Unlock()
		return
	case s.remoteDescSet:
		s.mu.Unlock()
		s.log.Debug().Msg("Ignoring duplicate offer")
		return
	case !s.ready:
		s.pendingOffer = sdp
		s.mu.Unlock()
		s.log.Debug().Msg("Offer held until media is open")
		return
	}
	s.mu.Unlock()

	_ = s.answerLocked(gen, sdp)
}

// answerLocked applies the remote offer and publishes the answer. negMu held.
func (s *Session) answerLocked(gen uint64, sdp string) error {
	ctrl, ok := s.controller(gen)
	if !ok {
		return domain.ErrSessionClosed
	}
	if err := ctrl.ApplyRemoteDescription(s.ctx, sdp, domain.SDPOffer); err != nil {
		s.terminate(gen, domain.StateFailed, domain.ReasonNegotiation, err, true)
		return err
	}
	s.drainLocked(gen, ctrl)

	answer, err := ctrl.CreateAnswer(s.ctx)
	if err != nil {
		s.terminate(gen, domain.StateFailed, domain.ReasonNegotiation, err, true)
		return err
	}
	if err := s.cfg.Signaler.Send(s.ctx, s.cfg.ID, domain.Envelope{Kind: domain.MsgAnswer, SDP: answer}); err != nil {
		s.terminate(gen, domain.StateFailed, domain.ReasonDelivery, err, false)
		return err
	}
	s.log.Info().Msg("Answer sent")
	return nil
}

func (s *Session) onAnswer(gen uint64, sdp string) {
	if s.cfg.Role != domain.RoleInitiator {
		s.log.Debug().Msg("Ignoring answer as responder")
		return
	}

	s.negMu.Lock()
	defer s.negMu.Unlock()

	s.mu.Lock()
	dup := s.remoteDescSet
	s.mu.Unlock()
	if dup {
		s.log.Debug().Msg("Ignoring duplicate answer")
		return
	}

	ctrl, ok := s.controller(gen)
	if !ok {
		return
	}
	if err := ctrl.ApplyRemoteDescription(s.ctx, sdp, domain.SDPAnswer); err != nil {
		s.terminate(gen, domain.StateFailed, domain.ReasonNegotiation, err, true)
		return
	}
	s.drainLocked(gen, ctrl)
	s.log.Info().Msg("Answer applied")
}

// drainLocked marks the remote description as set and applies the queued
// candidates in arrival order. negMu held.
func (s *Session) drainLocked(gen uint64, ctrl domain.PeerController) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.remoteDescSet = true
	queued := s.pendingICE
	s.pendingICE = nil
	s.mu.Unlock()

	for _, c := range queued {
		s.applyCandidate(ctrl, c)
	}
}

func (s *Session) onCandidate(gen uint64, c domain.ICECandidate) {
	s.negMu.Lock()
	defer s.negMu.Unlock()

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	if !s.remoteDescSet || s.ctrl == nil {
		s.pendingICE = append(s.pendingICE, c)
		s.mu.Unlock()
		return
	}
	ctrl := s.ctrl
	s.mu.Unlock()

	s.applyCandidate(ctrl, c)
}

func (s *Session) applyCandidate(ctrl domain.PeerController, c domain.ICECandidate) {
	err := ctrl.AddRemoteICECandidate(c)
	if err == nil {
		return
	}
	s.log.Warn().Err(err).Msg("Remote ICE candidate rejected")
	id := s.cfg.ID
	s.notify.post(func() { s.cfg.Observer.ICEError(id, err) })
}

// peerEvents binds controller callbacks to one session generation.
type peerEvents struct {
	s   *Session
	gen uint64
}

func (e *peerEvents) OnLocalICECandidate(c domain.ICECandidate) {
	s := e.s
	s.mu.Lock()
	alive := s.gen == e.gen
	s.mu.Unlock()
	if !alive {
		return
	}

	cand := c
	err := s.cfg.Signaler.Send(s.ctx, s.cfg.ID, domain.Envelope{Kind: domain.MsgICECandidate, Candidate: &cand})
	if err != nil && s.ctx.Err() == nil {
		s.log.Warn().Err(err).Msg("Local ICE candidate not delivered")
	}
}

func (e *peerEvents) OnConnectivityChange(state domain.ConnectivityState) {
	s := e.s
	s.mu.Lock()
	if s.gen != e.gen {
		s.mu.Unlock()
		return
	}
	switch {
	case state == domain.ConnConnected:
		if s.state == domain.StateNegotiating {
			s.setStateLocked(domain.StateConnected)
		}
		s.mu.Unlock()
	case state.Terminal():
		s.mu.Unlock()
		err := fmt.Errorf("%w: peer connection %s", domain.ErrConnectivity, state)
		// Close waits for this callback to return.
		s.finish(e.gen, domain.StateFailed, domain.ReasonConnectivity, err, true, true)
	default:
		s.mu.Unlock()
	}
}

func (e *peerEvents) OnRemoteTrack(track domain.Track) {
	s := e.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != e.gen {
		return
	}
	id := s.cfg.ID
	s.notify.post(func() { s.cfg.Observer.RemoteTrack(id, track) })
}
