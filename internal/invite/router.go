// Package invite delivers call invitations and declines to participant
// inboxes, ahead of any call session.
package invite

import (
	"context"
	"fmt"

	"duocall/native/internal/domain"
	"duocall/native/internal/signal"

	"github.com/rs/zerolog/log"
)

// Handler receives inbox traffic for the local participant.
type Handler interface {
	OnInvite(inv domain.Invite)
	OnDecline(id domain.CallID, from string)
}

// Router sends invites through the directory and listens on the local inbox.
type Router struct {
	transport *signal.Transport
	directory domain.Directory
}

func NewRouter(transport *signal.Transport, directory domain.Directory) *Router {
	return &Router{transport: transport, directory: directory}
}

// Invite publishes an invite for callee. There is no acknowledgement and
// no retry.
func (r *Router) Invite(ctx context.Context, callee string, id domain.CallID, caller domain.Participant, kind domain.CallKind) error {
	topic, err := r.inbox(ctx, callee)
	if err != nil {
		return err
	}

	c := caller
	err = r.transport.Notify(ctx, topic, domain.Envelope{
		Kind:     domain.MsgInvite,
		CallID:   id,
		CallKind: kind,
		Caller:   &c,
	})
	if err != nil {
		return err
	}

	log.Info().Str("call_id", id.String()).Str("callee", callee).Str("kind", string(kind)).Msg("Invite sent")
	return nil
}

// Decline tells the caller the invite for id was turned down.
func (r *Router) Decline(ctx context.Context, caller string, id domain.CallID) error {
	topic, err := r.inbox(ctx, caller)
	if err != nil {
		return err
	}
	if err := r.transport.Notify(ctx, topic, domain.Envelope{Kind: domain.MsgDecline, CallID: id}); err != nil {
		return err
	}

	log.Info().Str("call_id", id.String()).Str("caller", caller).Msg("Decline sent")
	return nil
}

func (r *Router) inbox(ctx context.Context, identity string) (string, error) {
	route, err := r.directory.Resolve(ctx, identity)
	if err != nil {
		return "", fmt.Errorf("%w: resolve %q: %v", domain.ErrDelivery, identity, err)
	}
	if route.Inbox == "" {
		return domain.InboxTopic(identity), nil
	}
	return route.Inbox, nil
}

// Listen subscribes h to the inbox of self for as long as the transport
// lives. Listening twice is a no-op.
func (r *Router) Listen(ctx context.Context, self string, h Handler) error {
	topic, err := r.inbox(ctx, self)
	if err != nil {
		return err
	}

	_, err = r.transport.Listen(ctx, topic, func(env domain.Envelope) {
		switch env.Kind {
		case domain.MsgInvite:
			h.OnInvite(domain.InviteFromEnvelope(env))
		case domain.MsgDecline:
			h.OnDecline(env.CallID, env.From)
		default:
			log.Debug().Str("kind", string(env.Kind)).Str("topic", topic).Msg("Ignoring inbox envelope")
		}
	})
	if err != nil {
		return err
	}

	log.Info().Str("topic", topic).Msg("Listening for invites")
	return nil
}
