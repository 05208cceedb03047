package webrtc

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"feedview/native/internal/domain"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Track is an inbound track with an enabled flag. Packets read while the
// track is disabled are discarded.
type Track struct {
	id      string
	kind    domain.TrackKind
	ssrc    uint32
	enabled atomic.Bool
}

// NewTrack creates an enabled track.
func NewTrack(id string, kind domain.TrackKind, ssrc uint32) *Track {
	t := &Track{id: id, kind: kind, ssrc: ssrc}
	t.enabled.Store(true)
	return t
}

func (t *Track) ID() string { return t.id }
func (t *Track) Kind() domain.TrackKind { return t.kind }
func (t *Track) Enabled() bool { return t.enabled.Load() }
func (t *Track) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

type subscriber struct {
	kind domain.TrackKind
	fn   func(*rtp.Packet)
}

// Stream fans inbound RTP packets out to subscribers. It implements
// domain.Stream.
type Stream struct {
	id  string
	log *zap.Logger

	// writeRTCP sends feedback to the remote sender; nil in tests.
	writeRTCP func([]rtcp.Packet) error

	mu     sync.RWMutex
	tracks []*Track
	subs   map[uint64]subscriber
	nextID uint64
}

// NewStream creates an empty stream.
func NewStream(id string, writeRTCP func([]rtcp.Packet) error, log *zap.Logger) *Stream {
	if log == nil {
		log = zap.NewNop()
	}
	return &Stream{
		id:        id,
		log:       log,
		writeRTCP: writeRTCP,
		subs:      make(map[uint64]subscriber),
	}
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Tracks() []domain.Track {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Track, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

// AddTrack registers a track so it appears in Tracks.
func (s *Stream) AddTrack(t *Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, t)
}

func (s *Stream) Subscribe(kind domain.TrackKind, fn func(*rtp.Packet)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs[id] = subscriber{kind: kind, fn: fn}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			// taking the write lock waits out any in-progress Dispatch
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// Dispatch delivers pkt to every subscriber of the track's kind, unless the
// track is disabled.
func (s *Stream) Dispatch(t *Track, pkt *rtp.Packet) {
	if !t.Enabled() {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.kind == t.kind {
			sub.fn(pkt)
		}
	}
}

func (s *Stream) RequestKeyframe() {
	if s.writeRTCP == nil {
		return
	}

	s.mu.RLock()
	var pkts []rtcp.Packet
	for _, t := range s.tracks {
		if t.kind == domain.KindVideo {
			pkts = append(pkts, &rtcp.PictureLossIndication{MediaSSRC: t.ssrc})
		}
	}
	s.mu.RUnlock()

	if len(pkts) == 0 {
		return
	}
	if err := s.writeRTCP(pkts); err != nil {
		s.log.Debug("keyframe request failed", zap.Error(err))
	}
}

// readTrack pumps a remote track into the stream until the track ends.
func (s *Stream) readTrack(remote *pion.TrackRemote, t *Track) {
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("track read ended", zap.String("track", t.id), zap.Error(err))
			}
			return
		}
		s.Dispatch(t, pkt)
	}
}
