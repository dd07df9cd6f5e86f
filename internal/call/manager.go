package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"duocall/native/internal/domain"
	"duocall/native/internal/invite"

	"github.com/rs/zerolog/log"
)

const DefaultRingTimeout = 45 * time.Second

// InviteRouter delivers invites and declines between inboxes.
type InviteRouter interface {
	Invite(ctx context.Context, callee string, id domain.CallID, caller domain.Participant, kind domain.CallKind) error
	Decline(ctx context.Context, caller string, id domain.CallID) error
	Listen(ctx context.Context, self string, h invite.Handler) error
}

type ManagerConfig struct {
	Self        domain.Participant
	Signaler    domain.Signaler
	Router      InviteRouter
	Peers       domain.PeerFactory
	Observer    Observer
	RingTimeout time.Duration
}

// Manager owns the single active call slot of the local participant.
type Manager struct {
	cfg ManagerConfig
	now func() time.Time

	mu         sync.Mutex
	active     *Session
	ring       *time.Timer
	incoming   map[domain.CallID]*IncomingCall
	seen       map[domain.CallID]time.Time
	onIncoming func(*IncomingCall)
	closed     bool
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = DefaultRingTimeout
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	return &Manager{
		cfg:      cfg,
		now:      time.Now,
		incoming: make(map[domain.CallID]*IncomingCall),
		seen:     make(map[domain.CallID]time.Time),
	}
}

// OnIncoming sets the callback for new invites. It runs on the bus goroutine.
func (m *Manager) OnIncoming(fn func(*IncomingCall)) {
	m.mu.Lock()
	m.onIncoming = fn
	m.mu.Unlock()
}

// Listen starts receiving invites and declines for the local participant.
func (m *Manager) Listen(ctx context.Context) error {
	return m.cfg.Router.Listen(ctx, m.cfg.Self.Identity, m)
}

// Active returns the session holding the call slot, if any.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *Manager) newSession(id domain.CallID, role domain.Role, kind domain.CallKind, remote domain.Participant) *Session {
	return NewSession(SessionConfig{
		ID:       id,
		Role:     role,
		Kind:     kind,
		Local:    m.cfg.Self,
		Remote:   remote,
		Signaler: m.cfg.Signaler,
		Peers:    m.cfg.Peers,
		Observer: m.cfg.Observer,
	})
}

// claim puts s in the call slot.
func (m *Manager) claim(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return domain.ErrSessionClosed
	}
	if m.active != nil {
		return domain.ErrBusy
	}
	m.active = s
	go m.release(s)
	return nil
}

// release frees the slot once s has let go of every resource.
func (m *Manager) release(s *Session) {
	<-s.Done()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != s {
		return
	}
	m.active = nil
	if m.ring != nil {
		m.ring.Stop()
		m.ring = nil
	}
}

// Dial calls callee. The call ends with no-answer if it is not connected
// within the ring timeout.
func (m *Manager) Dial(ctx context.Context, callee string, kind domain.CallKind) (*Session, error) {
	if _, err := domain.ParseCallKind(string(kind)); err != nil {
		return nil, err
	}

	s := m.newSession(domain.NewCallID(), domain.RoleInitiator, kind, domain.Participant{Identity: callee})
	if err := m.claim(s); err != nil {
		s.discard()
		return nil, err
	}

	if err := s.Start(ctx); err != nil {
		return s, err
	}
	if err := m.cfg.Router.Invite(ctx, callee, s.ID(), m.cfg.Self, kind); err != nil {
		s.giveUp(domain.StateFailed, domain.ReasonDelivery, err)
		return s, err
	}

	m.mu.Lock()
	if m.active == s {
		m.ring = time.AfterFunc(m.cfg.RingTimeout, func() { m.ringExpired(s) })
	}
	m.mu.Unlock()

	log.Info().Str("call_id", s.ID().String()).Str("callee", callee).Str("kind", string(kind)).Msg("Dialing")
	return s, nil
}

func (m *Manager) ringExpired(s *Session) {
	switch s.State() {
	case domain.StateDialing, domain.StateNegotiating:
		log.Info().Str("call_id", s.ID().String()).Msg("No answer")
		s.giveUp(domain.StateEnded, domain.ReasonNoAnswer, nil)
	}
}

// OnInvite implements invite.Handler.
func (m *Manager) OnInvite(inv domain.Invite) {
	l := log.With().Str("call_id", inv.CallID.String()).Str("caller", inv.Caller.Identity).Logger()

	now := m.now()
	if !inv.SentAt.IsZero() && now.Sub(inv.SentAt) > m.cfg.RingTimeout {
		l.Debug().Time("sent_at", inv.SentAt).Msg("Ignoring stale invite")
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.seenLocked(inv.CallID, now) || (m.active != nil && m.active.ID() == inv.CallID) {
		m.mu.Unlock()
		l.Debug().Msg("Ignoring redelivered invite")
		return
	}
	if m.active != nil {
		m.mu.Unlock()
		l.Info().Msg("Busy, declining invite")
		go m.decline(inv)
		return
	}

	ic := &IncomingCall{
		m:       m,
		Invite:  inv,
		expires: now.Add(m.cfg.RingTimeout),
	}
	m.incoming[inv.CallID] = ic
	time.AfterFunc(m.cfg.RingTimeout, func() { m.forget(inv.CallID, ic) })
	handler := m.onIncoming
	m.mu.Unlock()

	l.Info().Str("kind", string(inv.Kind)).Msg("Incoming call")
	if handler != nil {
		handler(ic)
	}
}

// OnDecline implements invite.Handler.
func (m *Manager) OnDecline(id domain.CallID, from string) {
	m.mu.Lock()
	s := m.active
	m.mu.Unlock()

	if s == nil || s.ID() != id || s.Role() != domain.RoleInitiator {
		return
	}
	if st := s.State(); st != domain.StateDialing && st != domain.StateNegotiating {
		log.Debug().Str("call_id", id.String()).Str("state", st.String()).Msg("Ignoring late decline")
		return
	}
	if from != "" && from != s.Remote().Identity {
		log.Warn().Str("call_id", id.String()).Str("from", from).Msg("Decline from unexpected participant")
		return
	}
	s.giveUp(domain.StateEnded, domain.ReasonDeclined, nil)
}

func (m *Manager) decline(inv domain.Invite) {
	ctx, cancel := context.WithTimeout(context.Background(), hangupTimeout)
	defer cancel()
	if err := m.cfg.Router.Decline(ctx, inv.Caller.Identity, inv.CallID); err != nil {
		log.Warn().Err(err).Str("call_id", inv.CallID.String()).Msg("Decline not delivered")
	}
}

// seenLocked reports whether id was already handled within the ring window
// and marks it as handled otherwise.
func (m *Manager) seenLocked(id domain.CallID, now time.Time) bool {
	for cid, until := range m.seen {
		if now.After(until) {
			delete(m.seen, cid)
		}
	}
	if _, ok := m.seen[id]; ok {
		return true
	}
	m.seen[id] = now.Add(m.cfg.RingTimeout)
	return false
}

func (m *Manager) forget(id domain.CallID, ic *IncomingCall) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.incoming[id] == ic {
		delete(m.incoming, id)
	}
}

// take removes a still-valid incoming call from the pending set.
func (m *Manager) take(ic *IncomingCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.incoming[ic.Invite.CallID] != ic {
		return domain.ErrInviteExpired
	}
	delete(m.incoming, ic.Invite.CallID)
	if m.now().After(ic.expires) {
		return domain.ErrInviteExpired
	}
	return nil
}

// Close hangs up the active call and stops accepting invites.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	s := m.active
	m.incoming = make(map[domain.CallID]*IncomingCall)
	m.mu.Unlock()

	if s != nil {
		s.End()
		<-s.Done()
	}
}

// IncomingCall is an invite waiting for the local participant's decision.
type IncomingCall struct {
	m       *Manager
	Invite  domain.Invite
	expires time.Time
}

// Accept answers the call and returns its session. It fails with
// ErrInviteExpired once the ring window has passed and with ErrBusy while
// another call is active.
func (ic *IncomingCall) Accept(ctx context.Context) (*Session, error) {
	m := ic.m
	if err := m.take(ic); err != nil {
		return nil, err
	}

	s := m.newSession(ic.Invite.CallID, domain.RoleResponder, ic.Invite.Kind, ic.Invite.Caller)
	if err := m.claim(s); err != nil {
		s.discard()
		return nil, err
	}
	if err := s.Accept(ctx); err != nil {
		return s, fmt.Errorf("accept %s: %w", ic.Invite.CallID, err)
	}
	return s, nil
}

// Reject declines the call and tells the caller.
func (ic *IncomingCall) Reject(ctx context.Context) error {
	m := ic.m
	if err := m.take(ic); err != nil {
		return err
	}

	s := m.newSession(ic.Invite.CallID, domain.RoleResponder, ic.Invite.Kind, ic.Invite.Caller)
	if err := s.Reject(); err != nil {
		return err
	}
	return m.cfg.Router.Decline(ctx, ic.Invite.Caller.Identity, ic.Invite.CallID)
}
