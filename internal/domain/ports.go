package domain

import (
	"context"

	"github.com/pion/rtp"
)

// TrackKind distinguishes inbound media tracks.
type TrackKind string

const (
	KindVideo TrackKind = "video"
	KindAudio TrackKind = "audio"
)

// Track is one inbound media track of a Stream.
type Track interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	SetEnabled(enabled bool)
}

// Stream is the live media stream surfaced by a negotiation. Consumers only
// attach to it; the session owns it.
type Stream interface {
	ID() string
	Tracks() []Track
	// Subscribe delivers every packet of the given kind while the track is
	// enabled. The returned cancel func guarantees no delivery after it
	// returns.
	Subscribe(kind TrackKind, fn func(pkt *rtp.Packet)) (cancel func())
	// RequestKeyframe asks the sender for a fresh video keyframe.
	RequestKeyframe()
}

// Connection is the peer connection behind a Stream.
type Connection interface {
	Close() error
	// Done is closed once the connection has failed or been closed.
	Done() <-chan struct{}
}

// Negotiator builds a receive-only connection against a WHEP endpoint.
// onStream is invoked at most once, with the first inbound stream, possibly
// after Negotiate has returned.
type Negotiator interface {
	Negotiate(ctx context.Context, endpoint string, onStream func(Stream)) (Connection, error)
}

// RecordingSink captures a stream into container-formatted chunks.
type RecordingSink interface {
	// Start begins delivering chunks to onData.
	Start(onData func(chunk []byte)) error
	// Stop flushes pending data through onData and returns; onData is never
	// invoked after Stop returns.
	Stop() error
	// Extension is the output file extension without the dot.
	Extension() string
}

// Saver persists a finished recording.
type Saver interface {
	Save(name string, data []byte) error
}

// SettingsBackend is the device-side HTTP API for auxiliary hardware.
type SettingsBackend interface {
	SetIRBrightness(ctx context.Context, brightness int) error
}
