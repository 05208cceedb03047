package webrtc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"feedview/native/internal/domain"

	"github.com/Eyevinn/mp4ff/avc"
	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/at-wat/ebml-go/webm"
	"github.com/pion/rtp"
)

// MatroskaExtension is the extension of recordings written by MatroskaSink.
const MatroskaExtension = "mkv"

const (
	trackVideo = 1
	trackAudio = 2

	videoClockRate = 90000
	audioClockRate = 48000
	audioChannels  = 2

	// frame size used when the SPS cannot be parsed
	fallbackWidth  = 1280
	fallbackHeight = 720

	opusPreSkip = 312

	// bounds the wait for the muxer to write its last cluster
	closeTimeout = 5 * time.Second
)

var matroskaHeader = &webm.EBMLHeader{
	EBMLVersion:        1,
	EBMLReadVersion:    1,
	EBMLMaxIDLength:    4,
	EBMLMaxSizeLength:  8,
	DocType:            "matroska",
	DocTypeVersion:     4,
	DocTypeReadVersion: 2,
}

// MatroskaSink records a stream as Matroska: H.264 video, plus Opus audio
// when the stream carries an audio track. It implements
// domain.RecordingSink. Nothing is written until the first IDR frame with
// its parameter sets, so the file always starts decodable.
type MatroskaSink struct {
	stream   domain.Stream
	hasAudio bool
	now      func() time.Time

	mu      sync.Mutex
	out     *chunkWriter
	cancels []func()
	depack  *H264Depacketizer
	sps     []byte
	pps     []byte

	video   webm.BlockWriteCloser
	audio   webm.BlockWriteCloser
	start   time.Time
	videoTS trackClock
	audioTS trackClock

	// access unit being assembled
	frame   [][]byte
	frameTS uint32
	inFrame bool

	err error
}

// NewMatroskaSink is a recorder.SinkFactory. The stream must carry video.
func NewMatroskaSink(stream domain.Stream) (domain.RecordingSink, error) {
	if stream == nil {
		return nil, errors.New("no stream")
	}
	hasVideo, hasAudio := false, false
	for _, t := range stream.Tracks() {
		switch t.Kind() {
		case domain.KindVideo:
			hasVideo = true
		case domain.KindAudio:
			hasAudio = true
		}
	}
	if !hasVideo {
		return nil, errors.New("stream has no video track")
	}
	return &MatroskaSink{
		stream:   stream,
		hasAudio: hasAudio,
		now:      time.Now,
		videoTS:  trackClock{rate: videoClockRate},
		audioTS:  trackClock{rate: audioClockRate},
	}, nil
}

func (s *MatroskaSink) Extension() string { return MatroskaExtension }

func (s *MatroskaSink) Start(onData func([]byte)) error {
	s.mu.Lock()
	if s.out != nil {
		s.mu.Unlock()
		return errors.New("sink already started")
	}
	s.out = &chunkWriter{onData: onData, closed: make(chan struct{})}
	s.depack = NewH264Depacketizer()
	s.mu.Unlock()

	// subscribe outside s.mu: Dispatch holds the stream lock while it waits for s.mu
	cancels := []func(){s.stream.Subscribe(domain.KindVideo, s.handleVideo)}
	if s.hasAudio {
		cancels = append(cancels, s.stream.Subscribe(domain.KindAudio, s.handleAudio))
	}

	s.mu.Lock()
	s.cancels = cancels
	s.mu.Unlock()

	s.stream.RequestKeyframe()
	return nil
}

func (s *MatroskaSink) handleVideo(pkt *rtp.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.out == nil {
		return
	}
	if s.inFrame && pkt.Timestamp != s.frameTS {
		// the marker of the previous access unit was lost
		s.flushFrameLocked()
	}

	for _, nalu := range s.depack.Depacketize(pkt.SequenceNumber, pkt.Payload) {
		if len(nalu) == 0 {
			continue
		}
		switch nalu[0] & 0x1f {
		case naluTypeSPS:
			if len(nalu) >= 4 {
				s.sps = append([]byte(nil), nalu...)
			}
		case naluTypePPS:
			s.pps = append([]byte(nil), nalu...)
		}
		s.frame = append(s.frame, nalu)
		s.frameTS = pkt.Timestamp
		s.inFrame = true
	}

	if pkt.Marker {
		s.flushFrameLocked()
	}
}

// flushFrameLocked writes the assembled access unit as one length-prefixed
// sample. Caller holds s.mu.
func (s *MatroskaSink) flushFrameLocked() {
	nalus, ts := s.frame, s.frameTS
	s.frame, s.inFrame = nil, false
	if len(nalus) == 0 {
		return
	}

	key := false
	size := 0
	for _, n := range nalus {
		if n[0]&0x1f == naluTypeIDR {
			key = true
		}
		size += 4 + len(n)
	}

	if s.video == nil {
		if !key || s.sps == nil || s.pps == nil {
			return
		}
		if err := s.openLocked(); err != nil {
			s.failLocked(err)
			return
		}
	}

	sample := make([]byte, 0, size)
	for _, n := range nalus {
		sample = binary.BigEndian.AppendUint32(sample, uint32(len(n)))
		sample = append(sample, n...)
	}
	ms := s.videoTS.millis(ts, s.now().Sub(s.start))
	if _, err := s.video.Write(key, ms, sample); err != nil {
		s.failLocked(fmt.Errorf("write video: %w", err))
	}
}

func (s *MatroskaSink) handleAudio(pkt *rtp.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// audio before the first video keyframe has nothing to play against
	if s.audio == nil || len(pkt.Payload) == 0 {
		return
	}
	ms := s.audioTS.millis(pkt.Timestamp, s.now().Sub(s.start))
	if _, err := s.audio.Write(true, ms, append([]byte(nil), pkt.Payload...)); err != nil {
		s.failLocked(fmt.Errorf("write audio: %w", err))
	}
}

// openLocked starts the muxer once the parameter sets are known.
func (s *MatroskaSink) openLocked() error {
	width, height := uint64(fallbackWidth), uint64(fallbackHeight)
	if sps, err := avc.ParseSPSNALUnit(s.sps, false); err == nil && sps.Width > 0 && sps.Height > 0 {
		width, height = uint64(sps.Width), uint64(sps.Height)
	}

	tracks := []webm.TrackEntry{{
		Name:            "Video",
		TrackNumber:     trackVideo,
		TrackUID:        trackVideo,
		CodecID:         "V_MPEG4/ISO/AVC",
		CodecPrivate:    avcConfigRecord(s.sps, s.pps),
		TrackType:       1,
		DefaultDuration: 33333333,
		Video:           &webm.Video{PixelWidth: width, PixelHeight: height},
	}}
	if s.hasAudio {
		tracks = append(tracks, webm.TrackEntry{
			Name:            "Audio",
			TrackNumber:     trackAudio,
			TrackUID:        trackAudio,
			CodecID:         "A_OPUS",
			CodecPrivate:    opusHead(audioChannels),
			TrackType:       2,
			DefaultDuration: 20000000,
			Audio:           &webm.Audio{SamplingFrequency: audioClockRate, Channels: audioChannels},
		})
	}

	ws, err := webm.NewSimpleBlockWriter(s.out, tracks, mkvcore.WithEBMLHeader(matroskaHeader))
	if err != nil {
		return fmt.Errorf("open matroska writer: %w", err)
	}
	s.video = ws[0]
	if s.hasAudio {
		s.audio = ws[1]
	}
	s.start = s.now()
	return nil
}

func (s *MatroskaSink) failLocked(err error) {
	if s.err == nil {
		s.err = err
	}
}

// Stop unsubscribes, writes the pending frame and waits for the muxer to
// finish. No data is delivered after it returns.
func (s *MatroskaSink) Stop() error {
	s.mu.Lock()
	out := s.out
	cancels := s.cancels
	s.cancels = nil
	s.mu.Unlock()

	if out == nil {
		return errors.New("sink not started")
	}
	for _, cancel := range cancels {
		cancel()
	}

	s.mu.Lock()
	s.flushFrameLocked()
	video, audio := s.video, s.audio
	s.video, s.audio, s.out = nil, nil, nil
	err := s.err
	s.err = nil
	s.mu.Unlock()

	if video == nil {
		return err
	}
	if audio != nil {
		if cerr := audio.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close audio track: %w", cerr))
		}
	}
	if cerr := video.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("close video track: %w", cerr))
	}

	select {
	case <-out.closed:
	case <-time.After(closeTimeout):
		err = errors.Join(err, errors.New("matroska writer did not finish"))
	}
	return err
}

// chunkWriter hands every muxer write to onData and reports when the muxer
// closes it.
type chunkWriter struct {
	onData func([]byte)
	closed chan struct{}
	once   sync.Once
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	if len(p) > 0 {
		w.onData(append([]byte(nil), p...))
	}
	return len(p), nil
}

func (w *chunkWriter) Close() error {
	w.once.Do(func() { close(w.closed) })
	return nil
}

// trackClock maps the RTP timestamps of one track onto milliseconds since
// the recording started.
type trackClock struct {
	rate    int64
	started bool
	base    uint32
	offset  int64
}

func (c *trackClock) millis(ts uint32, sinceStart time.Duration) int64 {
	if !c.started {
		c.started = true
		c.base = ts
		c.offset = sinceStart.Milliseconds()
	}
	return c.offset + int64(int32(ts-c.base))*1000/c.rate
}

// avcConfigRecord builds the AVCDecoderConfigurationRecord for one SPS and
// one PPS, with 4-byte NALU lengths.
func avcConfigRecord(sps, pps []byte) []byte {
	rec := []byte{1, sps[1], sps[2], sps[3], 0xff, 0xe1}
	rec = binary.BigEndian.AppendUint16(rec, uint16(len(sps)))
	rec = append(rec, sps...)
	rec = append(rec, 1)
	rec = binary.BigEndian.AppendUint16(rec, uint16(len(pps)))
	return append(rec, pps...)
}

// opusHead is the Opus identification header Matroska stores as codec
// private data.
func opusHead(channels uint8) []byte {
	h := append([]byte("OpusHead"), 1, channels)
	h = binary.LittleEndian.AppendUint16(h, opusPreSkip)
	h = binary.LittleEndian.AppendUint32(h, audioClockRate)
	h = binary.LittleEndian.AppendUint16(h, 0)
	return append(h, 0)
}
