package webrtc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDepacketize_SingleNAL(t *testing.T) {
	d := NewH264Depacketizer()

	// Type 5 = IDR slice (single NAL, type in range 1-23)
	payload := []byte{0x65, 0x01, 0x02, 0x03}
	nalus := d.Depacketize(100, payload)

	require.Len(t, nalus, 1)
	assert.Equal(t, payload, nalus[0])
}

func TestDepacketize_STAPA(t *testing.T) {
	d := NewH264Depacketizer()

	// STAP-A header (type 24 = 0x18), then two NALUs with 2-byte size prefix each
	nalu1 := []byte{0x67, 0xAA, 0xBB} // SPS
	nalu2 := []byte{0x68, 0xCC}       // PPS

	payload := []byte{0x18} // STAP-A indicator
	// NALU 1: size=3
	payload = append(payload, 0x00, 0x03)
	payload = append(payload, nalu1...)
	// NALU 2: size=2
	payload = append(payload, 0x00, 0x02)
	payload = append(payload, nalu2...)

	nalus := d.Depacketize(100, payload)

	require.Len(t, nalus, 2)
	assert.Equal(t, nalu1, nalus[0])
	assert.Equal(t, nalu2, nalus[1])
}

func TestDepacketize_FUA(t *testing.T) {
	d := NewH264Depacketizer()

	// Fragment a type 5 (IDR) NAL with NRI=3 (0x60)
	// FU indicator: NRI=3 (0x60) | type=28 (0x1C) = 0x7C
	// FU header start: 0x80 | type=5 = 0x85
	// FU header middle: type=5 = 0x05
	// FU header end: 0x40 | type=5 = 0x45

	startPkt := []byte{0x7C, 0x85, 0x01, 0x02}
	midPkt := []byte{0x7C, 0x05, 0x03, 0x04}
	endPkt := []byte{0x7C, 0x45, 0x05, 0x06}

	// Start and middle fragments: no output yet
	assert.Nil(t, d.Depacketize(100, startPkt))
	assert.Nil(t, d.Depacketize(101, midPkt))

	// End fragment: should produce reassembled NALU
	nalus := d.Depacketize(102, endPkt)
	require.Len(t, nalus, 1)
	// Reconstructed NAL: header byte (NRI=3 | type=5 = 0x65) + all fragment data
	assert.Equal(t, []byte{0x65, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06}, nalus[0])
}

func TestDepacketize_FUASequenceWraps(t *testing.T) {
	d := NewH264Depacketizer()

	// Sequence numbers wrap from 65535 to 0 inside one fragment chain
	assert.Nil(t, d.Depacketize(65535, []byte{0x7C, 0x85, 0x01}))
	nalus := d.Depacketize(0, []byte{0x7C, 0x45, 0x02})
	require.Len(t, nalus, 1)
	assert.Equal(t, []byte{0x65, 0x01, 0x02}, nalus[0])
}

func TestDepacketize_EmptyPayload(t *testing.T) {
	d := NewH264Depacketizer()

	assert.Nil(t, d.Depacketize(0, nil))
	assert.Nil(t, d.Depacketize(0, []byte{}))
}

func TestDepacketize_InstanceIsolation(t *testing.T) {
	d1 := NewH264Depacketizer()
	d2 := NewH264Depacketizer()

	// Start a FU-A fragment on d1
	startPkt := []byte{0x7C, 0x85, 0x01, 0x02}
	d1.Depacketize(100, startPkt)

	// d2 should have no state from d1
	endPkt := []byte{0x7C, 0x45, 0x03, 0x04}
	assert.Nil(t, d2.Depacketize(101, endPkt), "orphan end fragment must not produce a NALU")
	// d1 should still be able to complete its fragment
	assert.Len(t, d1.Depacketize(101, endPkt), 1)
}

func TestDepacketize_FUADropsOnSequenceGap(t *testing.T) {
	d := NewH264Depacketizer()

	startPkt := []byte{0x7C, 0x85, 0x01, 0x02}
	midPkt := []byte{0x7C, 0x05, 0x03, 0x04}
	endPkt := []byte{0x7C, 0x45, 0x05, 0x06}

	assert.Nil(t, d.Depacketize(100, startPkt))
	// Simulate one lost RTP packet by skipping sequence 101.
	assert.Nil(t, d.Depacketize(102, midPkt))
	assert.Nil(t, d.Depacketize(103, endPkt))
}

func TestDepacketize_STAPAIgnoresZeroSizeNALU(t *testing.T) {
	d := NewH264Depacketizer()

	// STAP-A with a zero-sized NALU should terminate parsing safely.
	nalus := d.Depacketize(100, []byte{0x18, 0x00, 0x00})
	assert.Empty(t, nalus)
}

func TestIsKeyframeNALU(t *testing.T) {
	// IDR (5) and SPS (7) start a decodable sequence; a non-IDR slice (1) does not
	assert.True(t, isKeyframeNALU([]byte{0x65}))
	assert.True(t, isKeyframeNALU([]byte{0x67, 0x42}))
	assert.False(t, isKeyframeNALU([]byte{0x41}))
	assert.False(t, isKeyframeNALU(nil))
}
