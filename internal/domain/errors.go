package domain

import "errors"

var (
	// ErrMediaAcquisition means a camera or microphone was denied or missing.
	ErrMediaAcquisition = errors.New("media acquisition failed")
	// ErrNegotiation means an SDP step was attempted out of sequence or rejected.
	ErrNegotiation = errors.New("negotiation failed")
	// ErrICEApplication means a remote candidate was malformed or rejected.
	ErrICEApplication = errors.New("ice candidate rejected")
	// ErrDelivery means the signaling bus could not accept a message.
	ErrDelivery = errors.New("signal delivery failed")
	// ErrConnectivity is a terminal transport-layer condition.
	ErrConnectivity = errors.New("connectivity lost")

	ErrBusy               = errors.New("another call is active")
	ErrInviteExpired      = errors.New("invite expired")
	ErrInvalidState       = errors.New("invalid state for operation")
	ErrSessionClosed      = errors.New("session closed")
	ErrUnknownParticipant = errors.New("unknown participant")
)
