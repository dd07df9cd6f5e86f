package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"duocall/native/internal/domain"

	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

// Source produces encoded media samples for one local track.
type Source interface {
	ReadSample(ctx context.Context) (media.Sample, error)
	Close() error
}

// Devices opens capture sources. Open fails when a device is denied or
// missing.
type Devices interface {
	Open(kind domain.TrackKind) (Source, error)
}

var ErrDeviceUnavailable = errors.New("device unavailable")

// localTrack pumps samples from a Source into a pion track. Samples read
// while the track is disabled are dropped.
type localTrack struct {
	kind    domain.TrackKind
	track   *pion.TrackLocalStaticSample
	source  Source
	enabled atomic.Bool

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newLocalTrack(kind domain.TrackKind, source Source, streamID string) (*localTrack, error) {
	capability := pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	if kind == domain.TrackVideo {
		capability = pion.RTPCodecCapability{MimeType: pion.MimeTypeVP8, ClockRate: 90000}
	}

	track, err := pion.NewTrackLocalStaticSample(capability, string(kind), streamID)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", kind, err)
	}

	t := &localTrack{
		kind:   kind,
		track:  track,
		source: source,
		done:   make(chan struct{}),
	}
	t.enabled.Store(true)
	return t, nil
}

func (t *localTrack) info() domain.Track {
	return domain.Track{ID: t.track.ID(), StreamID: t.track.StreamID(), Kind: t.kind}
}

func (t *localTrack) start() {
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	go t.pump(ctx)
}

func (t *localTrack) pump(ctx context.Context) {
	defer close(t.done)

	for {
		sample, err := t.source.ReadSample(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
				log.Warn().Err(err).Str("kind", string(t.kind)).Msg("Local source stopped")
			}
			return
		}
		if !t.enabled.Load() {
			continue
		}
		if err := t.track.WriteSample(sample); err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				return
			}
			log.Debug().Err(err).Str("kind", string(t.kind)).Msg("Write sample failed")
		}
	}
}

// stop releases the source and waits for the pump to exit.
func (t *localTrack) stop() {
	t.once.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}
		if err := t.source.Close(); err != nil {
			log.Debug().Err(err).Str("kind", string(t.kind)).Msg("Source close failed")
		}
		if t.cancel != nil {
			<-t.done
		}
	})
}

// SyntheticDevices generates Opus silence and placeholder VP8 frames. Deny
// flags simulate a refused permission prompt.
type SyntheticDevices struct {
	DenyAudio bool
	DenyVideo bool

	opened atomic.Int32
	closed atomic.Int32
}

func (d *SyntheticDevices) Open(kind domain.TrackKind) (Source, error) {
	switch {
	case kind == domain.TrackAudio && d.DenyAudio,
		kind == domain.TrackVideo && d.DenyVideo:
		return nil, fmt.Errorf("%w: %s permission denied", ErrDeviceUnavailable, kind)
	}

	d.opened.Add(1)
	s := &syntheticSource{
		closed:  make(chan struct{}),
		onClose: func() { d.closed.Add(1) },
	}
	if kind == domain.TrackVideo {
		s.interval = 33 * time.Millisecond
		s.frame = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x02, 0x00, 0x02, 0x00}
	} else {
		s.interval = 20 * time.Millisecond
		s.frame = []byte{0xf8, 0xff, 0xfe}
	}
	return s, nil
}

// Held reports how many sources are open and not yet closed.
func (d *SyntheticDevices) Held() int {
	return int(d.opened.Load() - d.closed.Load())
}

type syntheticSource struct {
	interval time.Duration
	frame    []byte

	once    sync.Once
	closed  chan struct{}
	onClose func()
	ticker  *time.Ticker
	mu      sync.Mutex
}

func (s *syntheticSource) ReadSample(ctx context.Context) (media.Sample, error) {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return media.Sample{}, io.EOF
	default:
	}
	if s.ticker == nil {
		s.ticker = time.NewTicker(s.interval)
	}
	ticker := s.ticker
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return media.Sample{}, ctx.Err()
	case <-s.closed:
		return media.Sample{}, io.EOF
	case <-ticker.C:
		return media.Sample{Data: append([]byte(nil), s.frame...), Duration: s.interval}, nil
	}
}

func (s *syntheticSource) Close() error {
	s.once.Do(func() {
		close(s.closed)
		s.mu.Lock()
		if s.ticker != nil {
			s.ticker.Stop()
		}
		s.mu.Unlock()
		if s.onClose != nil {
			s.onClose()
		}
	})
	return nil
}
