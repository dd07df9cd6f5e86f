package domain

import "context"

// Bus delivers opaque payloads to topic subscribers, at least once.
//
// Topics are replayable: a new subscriber first receives what the topic has
// retained, then live messages, in publish order.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, deliver func(payload []byte)) (cancel func(), err error)
	Close() error
}

// Signaler carries envelopes of one call between its two participants.
type Signaler interface {
	Send(ctx context.Context, id CallID, env Envelope) error
	Join(ctx context.Context, id CallID, fn func(Envelope)) (leave func(), err error)
}

// Directory resolves a participant identity to a routable address.
type Directory interface {
	Resolve(ctx context.Context, identity string) (Route, error)
}

// DirectoryStore is a Directory that also accepts registrations.
type DirectoryStore interface {
	Directory
	Register(ctx context.Context, route Route) error
}

// TrackKind is the media type of a single track.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// Track describes a local or remote media track.
type Track struct {
	ID       string
	StreamID string
	Kind     TrackKind
}

// LocalMedia is the handle returned once local devices are acquired.
type LocalMedia struct {
	Tracks []Track
}

// ConnectivityState mirrors the peer connection state.
type ConnectivityState int

const (
	ConnNew ConnectivityState = iota
	ConnConnecting
	ConnConnected
	ConnDisconnected
	ConnFailed
	ConnClosed
)

func (s ConnectivityState) String() string {
	switch s {
	case ConnNew:
		return "new"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnDisconnected:
		return "disconnected"
	case ConnFailed:
		return "failed"
	case ConnClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state ends a session.
func (s ConnectivityState) Terminal() bool {
	return s == ConnDisconnected || s == ConnFailed || s == ConnClosed
}

// PeerController manages one peer connection and its local media.
type PeerController interface {
	Open(ctx context.Context, kind CallKind) (LocalMedia, error)
	CreateOffer(ctx context.Context) (string, error)
	ApplyRemoteDescription(ctx context.Context, sdp string, typ SDPType) error
	CreateAnswer(ctx context.Context) (string, error)
	AddRemoteICECandidate(candidate ICECandidate) error
	SetLocalAudioEnabled(enabled bool)
	SetLocalVideoEnabled(enabled bool)
	RemoteTracks() []Track
	Close() error
}

// PeerHandler receives controller events. No method is called after the
// controller's Close has returned.
type PeerHandler interface {
	OnLocalICECandidate(candidate ICECandidate)
	OnConnectivityChange(state ConnectivityState)
	OnRemoteTrack(track Track)
}

// PeerFactory allocates a controller reporting to h.
type PeerFactory func(h PeerHandler) (PeerController, error)
