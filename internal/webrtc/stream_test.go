package webrtc

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"feedview/native/internal/domain"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func videoPacket(seq uint16, payload ...byte) *rtp.Packet {
	return &rtp.Packet{Header: rtp.Header{SequenceNumber: seq}, Payload: payload}
}

func TestStream_DispatchByKind(t *testing.T) {
	s := NewStream("feed", nil, nil)
	video := NewTrack("v", domain.KindVideo, 1)
	audio := NewTrack("a", domain.KindAudio, 2)
	s.AddTrack(video)
	s.AddTrack(audio)

	var gotVideo, gotAudio int
	s.Subscribe(domain.KindVideo, func(*rtp.Packet) { gotVideo++ })
	s.Subscribe(domain.KindAudio, func(*rtp.Packet) { gotAudio++ })

	s.Dispatch(video, videoPacket(1, 0x65))
	s.Dispatch(video, videoPacket(2, 0x41))
	s.Dispatch(audio, videoPacket(1, 0xff))

	assert.Equal(t, 2, gotVideo)
	assert.Equal(t, 1, gotAudio)
	assert.Len(t, s.Tracks(), 2)
}

func TestStream_DisabledTrackDeliversNothing(t *testing.T) {
	s := NewStream("feed", nil, nil)
	video := NewTrack("v", domain.KindVideo, 1)
	s.AddTrack(video)

	got := 0
	s.Subscribe(domain.KindVideo, func(*rtp.Packet) { got++ })

	video.SetEnabled(false)
	s.Dispatch(video, videoPacket(1, 0x65))
	assert.Zero(t, got)

	video.SetEnabled(true)
	s.Dispatch(video, videoPacket(2, 0x65))
	assert.Equal(t, 1, got)
}

func TestStream_CancelStopsDelivery(t *testing.T) {
	s := NewStream("feed", nil, nil)
	video := NewTrack("v", domain.KindVideo, 1)
	s.AddTrack(video)

	got := 0
	cancel := s.Subscribe(domain.KindVideo, func(*rtp.Packet) { got++ })
	s.Dispatch(video, videoPacket(1, 0x65))
	cancel()
	cancel()
	s.Dispatch(video, videoPacket(2, 0x65))

	assert.Equal(t, 1, got)
}

func TestStream_RequestKeyframeSendsPLIForVideo(t *testing.T) {
	var sent []rtcp.Packet
	s := NewStream("feed", func(pkts []rtcp.Packet) error {
		sent = append(sent, pkts...)
		return errors.New("ignored")
	}, nil)
	s.AddTrack(NewTrack("v", domain.KindVideo, 1234))
	s.AddTrack(NewTrack("a", domain.KindAudio, 99))

	s.RequestKeyframe()

	require.Len(t, sent, 1)
	pli, ok := sent[0].(*rtcp.PictureLossIndication)
	require.True(t, ok)
	assert.Equal(t, uint32(1234), pli.MediaSSRC)
}

// chunkCollector gathers sink output; the muxer may write from its own
// goroutine.
type chunkCollector struct {
	mu  sync.Mutex
	buf bytes.Buffer
	n   int
}

func (c *chunkCollector) add(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf.Write(b)
	c.n++
}

func (c *chunkCollector) snapshot() ([]byte, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.buf.Bytes()...), c.n
}

func rtpPacket(seq uint16, ts uint32, marker bool, payload ...byte) *rtp.Packet {
	return &rtp.Packet{
		Header:  rtp.Header{SequenceNumber: seq, Timestamp: ts, Marker: marker},
		Payload: payload,
	}
}

// stapA packs NAL units into one STAP-A payload.
func stapA(nalus ...[]byte) []byte {
	payload := []byte{0x18}
	for _, n := range nalus {
		payload = append(payload, byte(len(n)>>8), byte(len(n)))
		payload = append(payload, n...)
	}
	return payload
}

func TestMatroskaSink_MuxesVideoAndAudio(t *testing.T) {
	s := NewStream("feed", nil, nil)
	video := NewTrack("v", domain.KindVideo, 1)
	audio := NewTrack("a", domain.KindAudio, 2)
	s.AddTrack(video)
	s.AddTrack(audio)

	rs, err := NewMatroskaSink(s)
	require.NoError(t, err)
	assert.Equal(t, "mkv", rs.Extension())

	sink := rs.(*MatroskaSink)
	clock := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	sink.now = func() time.Time {
		clock = clock.Add(10 * time.Millisecond)
		return clock
	}

	var out chunkCollector
	require.NoError(t, sink.Start(out.add))

	sps := []byte{0x67, 0x42, 0xc0, 0x1f, 0xda}
	pps := []byte{0x68, 0xce, 0x3c, 0x80}
	idr := []byte{0x65, 0xb1, 0xb2, 0xb3, 0xb4}
	earlySlice := []byte{0x41, 0xee, 0xef, 0xe0}
	earlyOpus := []byte{0xfc, 0xd0, 0xd1, 0xd2}
	opus := []byte{0xfc, 0xa1, 0xa2, 0xa3, 0xa4}
	slice := []byte{0x41, 0xc1, 0xc2, 0xc3}

	// nothing is recorded before the first keyframe with parameter sets
	s.Dispatch(video, rtpPacket(1, 0, true, earlySlice...))
	s.Dispatch(audio, rtpPacket(1, 0, false, earlyOpus...))

	s.Dispatch(video, rtpPacket(2, 3000, false, stapA(sps, pps)...))
	s.Dispatch(video, rtpPacket(3, 3000, true, idr...))
	s.Dispatch(audio, rtpPacket(2, 960, false, opus...))
	s.Dispatch(video, rtpPacket(4, 6000, true, slice...))

	require.NoError(t, sink.Stop())
	data, chunks := out.snapshot()

	s.Dispatch(video, rtpPacket(5, 9000, true, 0x41, 0x01))
	_, after := out.snapshot()
	assert.Equal(t, chunks, after, "no data after Stop")

	require.Greater(t, len(data), 4)
	assert.Equal(t, []byte{0x1a, 0x45, 0xdf, 0xa3}, data[:4], "EBML magic")
	assert.True(t, bytes.Contains(data, []byte("matroska")))
	assert.True(t, bytes.Contains(data, []byte("V_MPEG4/ISO/AVC")))
	assert.True(t, bytes.Contains(data, []byte("A_OPUS")))
	assert.True(t, bytes.Contains(data, []byte("OpusHead")))

	// samples are length-prefixed, not Annex-B
	assert.True(t, bytes.Contains(data, append([]byte{0, 0, 0, byte(len(idr))}, idr...)))
	assert.True(t, bytes.Contains(data, append([]byte{0, 0, 0, byte(len(slice))}, slice...)))
	assert.True(t, bytes.Contains(data, opus), "audio payload is recorded")

	assert.False(t, bytes.Contains(data, earlySlice))
	assert.False(t, bytes.Contains(data, earlyOpus))
}

func TestMatroskaSink_VideoOnlyStream(t *testing.T) {
	s := NewStream("feed", nil, nil)
	video := NewTrack("v", domain.KindVideo, 1)
	s.AddTrack(video)

	rs, err := NewMatroskaSink(s)
	require.NoError(t, err)

	var out chunkCollector
	require.NoError(t, rs.Start(out.add))
	s.Dispatch(video, rtpPacket(1, 0, false, stapA([]byte{0x67, 0x42, 0xc0, 0x1f}, []byte{0x68, 0xce})...))
	s.Dispatch(video, rtpPacket(2, 0, true, 0x65, 0x88, 0x84))
	require.NoError(t, rs.Stop())

	data, _ := out.snapshot()
	assert.True(t, bytes.Contains(data, []byte("V_MPEG4/ISO/AVC")))
	assert.False(t, bytes.Contains(data, []byte("A_OPUS")))
}

func TestMatroskaSink_NoKeyframeWritesNothing(t *testing.T) {
	s := NewStream("feed", nil, nil)
	video := NewTrack("v", domain.KindVideo, 1)
	s.AddTrack(video)

	rs, err := NewMatroskaSink(s)
	require.NoError(t, err)

	var out chunkCollector
	require.NoError(t, rs.Start(out.add))
	assert.Error(t, rs.Start(out.add), "already started")

	s.Dispatch(video, rtpPacket(1, 0, true, 0x41, 0x01))
	require.NoError(t, rs.Stop())
	assert.Error(t, rs.Stop(), "not started")

	_, chunks := out.snapshot()
	assert.Zero(t, chunks)
}

func TestMatroskaSink_RequiresVideoTrack(t *testing.T) {
	s := NewStream("feed", nil, nil)
	s.AddTrack(NewTrack("a", domain.KindAudio, 1))

	_, err := NewMatroskaSink(s)
	assert.Error(t, err)

	_, err = NewMatroskaSink(nil)
	assert.Error(t, err)
}

func TestTrackClock(t *testing.T) {
	c := trackClock{rate: videoClockRate}
	base := uint32(4_294_960_000)
	assert.Equal(t, int64(40), c.millis(base, 40*time.Millisecond))
	// RTP timestamps wrap around uint32; later arrival times do not move the base
	assert.Equal(t, int64(140), c.millis(base+9000, time.Second))
}

func TestRenderer_WaitsForKeyframe(t *testing.T) {
	s := NewStream("feed", nil, nil)
	video := NewTrack("v", domain.KindVideo, 1)
	s.AddTrack(video)

	var out bytes.Buffer
	r := NewRenderer(&out, nil, nil)
	r.Attach(s)
	defer r.Detach()

	s.Dispatch(video, videoPacket(1, 0x41, 0x01))
	assert.Zero(t, out.Len())

	s.Dispatch(video, videoPacket(2, 0x65, 0x02))
	s.Dispatch(video, videoPacket(3, 0x41, 0x03))
	assert.Equal(t, []byte{0, 0, 0, 1, 0x65, 0x02, 0, 0, 0, 1, 0x41, 0x03}, out.Bytes())
}

func TestRenderer_WritesVideoAndHonoursPause(t *testing.T) {
	s := NewStream("feed", nil, nil)
	video := NewTrack("v", domain.KindVideo, 1)
	s.AddTrack(video)

	var out bytes.Buffer
	r := NewRenderer(&out, nil, nil)
	r.Attach(s)
	assert.Equal(t, "feed", r.Attached())

	s.Dispatch(video, videoPacket(1, 0x65, 0x01))
	video.SetEnabled(false)
	s.Dispatch(video, videoPacket(2, 0x41, 0x02))
	video.SetEnabled(true)

	r.Detach()
	s.Dispatch(video, videoPacket(3, 0x41, 0x03))

	assert.Equal(t, []byte{0, 0, 0, 1, 0x65, 0x01}, out.Bytes())
	assert.Empty(t, r.Attached())
}

func TestRenderer_MuteDropsAudio(t *testing.T) {
	s := NewStream("feed", nil, nil)
	audio := NewTrack("a", domain.KindAudio, 1)
	s.AddTrack(audio)

	var out bytes.Buffer
	r := NewRenderer(nil, &out, nil)
	r.Attach(s)
	headerLen := out.Len()
	require.NotZero(t, headerLen, "ogg headers are written on attach")

	r.SetMuted(true)
	assert.True(t, r.Muted())
	s.Dispatch(audio, &rtp.Packet{Header: rtp.Header{SequenceNumber: 1, Timestamp: 960}, Payload: []byte{0xfc, 0x01}})
	assert.Equal(t, headerLen, out.Len())

	r.SetMuted(false)
	s.Dispatch(audio, &rtp.Packet{Header: rtp.Header{SequenceNumber: 2, Timestamp: 1920}, Payload: []byte{0xfc, 0x02}})
	assert.Greater(t, out.Len(), headerLen)

	r.Detach()
}
