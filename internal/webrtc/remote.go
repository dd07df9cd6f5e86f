package webrtc

import (
	"sync"
	"sync/atomic"

	"duocall/native/internal/domain"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Sink consumes RTP packets of one remote track.
type Sink interface {
	WriteRTP(pkt *rtp.Packet) error
}

// SinkFactory picks the sink for a newly negotiated remote track. A nil
// Sink means the packets are read and discarded.
type SinkFactory func(track domain.Track) Sink

// RemoteMedia accumulates every remote track of one peer connection.
type RemoteMedia struct {
	mu     sync.Mutex
	tracks []domain.Track
}

// add records track and reports whether it was new.
func (m *RemoteMedia) add(track domain.Track) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tracks {
		if t.ID == track.ID && t.StreamID == track.StreamID {
			return false
		}
	}
	m.tracks = append(m.tracks, track)
	return true
}

func (m *RemoteMedia) Tracks() []domain.Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Track(nil), m.tracks...)
}

// PacketCounter is a Sink that only counts packets.
type PacketCounter struct {
	n atomic.Int64
}

func (c *PacketCounter) WriteRTP(*rtp.Packet) error {
	c.n.Add(1)
	return nil
}

func (c *PacketCounter) Count() int64 {
	return c.n.Load()
}

func trackKind(k pion.RTPCodecType) domain.TrackKind {
	if k == pion.RTPCodecTypeVideo {
		return domain.TrackVideo
	}
	return domain.TrackAudio
}

// readRemoteTrack forwards packets to sink until the track ends. Video
// tracks ask the sender for a keyframe first.
func readRemoteTrack(pc *pion.PeerConnection, track *pion.TrackRemote, sink Sink) {
	if track.Kind() == pion.RTPCodecTypeVideo {
		err := pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
		})
		if err != nil {
			log.Debug().Err(err).Msg("Keyframe request failed")
		}
	}

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			log.Debug().Err(err).Str("track", track.ID()).Msg("Remote track ended")
			return
		}
		if sink == nil {
			continue
		}
		if err := sink.WriteRTP(pkt); err != nil {
			log.Warn().Err(err).Str("track", track.ID()).Msg("Remote sink failed")
			return
		}
	}
}

// drainRTCP reads sender reports so interceptors (NACK, reports) keep working.
func drainRTCP(sender *pion.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
