package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// CallID identifies one call attempt. It doubles as the signaling topic for
// the lifetime of the call.
type CallID string

func NewCallID() CallID {
	return CallID(uuid.New().String())
}

func (id CallID) String() string {
	return string(id)
}

// Participant describes one side of a call. It never changes during a call.
type Participant struct {
	Identity     string `json:"id"`
	Username     string `json:"username"`
	DisplayColor string `json:"display_color,omitempty"`
}

// CallKind is fixed at invite time.
type CallKind string

const (
	CallAudio CallKind = "audio"
	CallVideo CallKind = "video"
)

func ParseCallKind(s string) (CallKind, error) {
	switch CallKind(s) {
	case CallAudio, CallVideo:
		return CallKind(s), nil
	default:
		return "", fmt.Errorf("unknown call kind %q", s)
	}
}

// WantsVideo reports whether a local video track is requested.
func (k CallKind) WantsVideo() bool {
	return k == CallVideo
}

type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// State is the lifecycle state of a call session.
type State int

const (
	StateIdle State = iota
	StateDialing
	StateNegotiating
	StateConnected
	StateEnded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDialing:
		return "dialing"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// Reason explains why a session reached a terminal state.
type Reason string

const (
	ReasonHangup           Reason = "hangup"
	ReasonRemoteHangup     Reason = "remote-hangup"
	ReasonDeclined         Reason = "declined"
	ReasonNoAnswer         Reason = "no-answer"
	ReasonMediaAcquisition Reason = "media-acquisition"
	ReasonNegotiation      Reason = "negotiation"
	ReasonDelivery         Reason = "delivery"
	ReasonConnectivity     Reason = "connectivity"
)

// Result is the single terminal event of a session.
type Result struct {
	State  State
	Reason Reason
	Err    error
}

// MediaEnabled tracks the local mute state.
type MediaEnabled struct {
	Audio bool
	Video bool
}
