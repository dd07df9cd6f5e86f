package domain

import (
	"errors"
	"fmt"
	"time"
)

// MessageKind names an envelope on the signaling bus.
type MessageKind string

const (
	MsgOffer        MessageKind = "offer"
	MsgAnswer       MessageKind = "answer"
	MsgICECandidate MessageKind = "ice-candidate"
	MsgInvite       MessageKind = "invite"
	MsgDecline      MessageKind = "decline"
	MsgHangup       MessageKind = "hangup"
)

// SDPType tells the controller which side produced a session description.
type SDPType string

const (
	SDPOffer  SDPType = "offer"
	SDPAnswer SDPType = "answer"
)

// ICECandidate is the JSON structure for a trickled ICE candidate.
type ICECandidate struct {
	Candidate     string `json:"candidateString"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex int    `json:"sdpMLineIndex"`
}

// Envelope is the wire format of every message on the bus. Session messages
// travel on the CallID topic, invites and declines on an inbox topic.
type Envelope struct {
	Kind      MessageKind   `json:"kind"`
	CallID    CallID        `json:"callId"`
	From      string        `json:"from,omitempty"`
	TS        int64         `json:"ts,omitempty"`
	CallKind  CallKind      `json:"callKind,omitempty"`
	Caller    *Participant  `json:"caller,omitempty"`
	SDP       string        `json:"sdp,omitempty"`
	Candidate *ICECandidate `json:"candidate,omitempty"`
}

// Validate checks that the fields required by Kind are present.
func (e Envelope) Validate() error {
	if e.CallID == "" {
		return errors.New("missing callId")
	}
	switch e.Kind {
	case MsgOffer, MsgAnswer:
		if e.SDP == "" {
			return fmt.Errorf("%s: missing sdp", e.Kind)
		}
	case MsgICECandidate:
		if e.Candidate == nil {
			return errors.New("ice-candidate: missing candidate")
		}
	case MsgInvite:
		if e.Caller == nil || e.Caller.Identity == "" {
			return errors.New("invite: missing caller")
		}
		if _, err := ParseCallKind(string(e.CallKind)); err != nil {
			return fmt.Errorf("invite: %w", err)
		}
	case MsgDecline, MsgHangup:
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	return nil
}

// SentAt returns the sender timestamp, or the zero time when absent.
func (e Envelope) SentAt() time.Time {
	if e.TS == 0 {
		return time.Time{}
	}
	return time.UnixMilli(e.TS)
}

// Invite is delivered to the callee's inbox before any session exists.
type Invite struct {
	CallID CallID
	Caller Participant
	Kind   CallKind
	SentAt time.Time
}

// InviteFromEnvelope converts a validated invite envelope.
func InviteFromEnvelope(e Envelope) Invite {
	inv := Invite{
		CallID: e.CallID,
		Kind:   e.CallKind,
		SentAt: e.SentAt(),
	}
	if e.Caller != nil {
		inv.Caller = *e.Caller
	}
	return inv
}

// SessionTopic is the bus topic carrying one call's negotiation.
func SessionTopic(id CallID) string {
	return "call:" + string(id)
}

// InboxTopic is the default inbox topic for a participant identity.
func InboxTopic(identity string) string {
	return "inbox:" + identity
}
