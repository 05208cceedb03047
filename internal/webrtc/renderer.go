package webrtc

import (
	"io"
	"sync"
	"sync/atomic"

	"feedview/native/internal/domain"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"go.uber.org/zap"
)

var annexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

// Renderer is the video surface: it writes the attached stream's video as
// Annex-B H.264 to one writer and its audio as Ogg/Opus to another. It only
// holds subscriptions; the session keeps ownership of the stream.
type Renderer struct {
	videoOut io.Writer
	audioOut io.Writer
	log      *zap.Logger

	muted atomic.Bool

	mu       sync.Mutex
	streamID string
	cancels  []func()
	depack   *H264Depacketizer
	synced   bool
	ogg      *oggwriter.OggWriter
}

// NewRenderer creates a Renderer. Either writer may be nil to discard that
// kind of media.
func NewRenderer(videoOut, audioOut io.Writer, log *zap.Logger) *Renderer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Renderer{videoOut: videoOut, audioOut: audioOut, log: log.Named("renderer")}
}

// Attach starts rendering stream, replacing any previous attachment.
func (r *Renderer) Attach(stream domain.Stream) {
	r.Detach()

	r.mu.Lock()
	r.streamID = stream.ID()
	video := r.videoOut != nil
	if video {
		r.depack = NewH264Depacketizer()
		r.synced = false
	}
	audio := false
	if r.audioOut != nil {
		ogg, err := oggwriter.NewWith(r.audioOut, 48000, 2)
		if err != nil {
			r.log.Warn("audio output disabled", zap.Error(err))
		} else {
			r.ogg = ogg
			audio = true
		}
	}
	r.mu.Unlock()

	// subscribe outside r.mu: Dispatch holds the stream lock while it waits for r.mu
	var cancels []func()
	if video {
		cancels = append(cancels, stream.Subscribe(domain.KindVideo, r.writeVideo))
		stream.RequestKeyframe()
	}
	if audio {
		cancels = append(cancels, stream.Subscribe(domain.KindAudio, r.writeAudio))
	}

	r.mu.Lock()
	r.cancels = cancels
	r.mu.Unlock()

	r.log.Info("attached", zap.String("stream", stream.ID()))
}

// Detach stops rendering. Safe to call when nothing is attached.
func (r *Renderer) Detach() {
	r.mu.Lock()
	cancels := r.cancels
	r.cancels = nil
	streamID := r.streamID
	r.streamID = ""
	r.mu.Unlock()

	// cancel outside r.mu: a delivery in flight may be waiting for it
	for _, cancel := range cancels {
		cancel()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ogg != nil {
		if err := r.ogg.Close(); err != nil {
			r.log.Debug("close audio output", zap.Error(err))
		}
		r.ogg = nil
	}
	r.depack = nil
	if streamID != "" {
		r.log.Info("detached", zap.String("stream", streamID))
	}
}

// SetMuted drops audio while muted.
func (r *Renderer) SetMuted(muted bool) { r.muted.Store(muted) }

// Muted reports the mute flag.
func (r *Renderer) Muted() bool { return r.muted.Load() }

// Attached reports the ID of the attached stream, or "".
func (r *Renderer) Attached() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streamID
}

func (r *Renderer) writeVideo(pkt *rtp.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.depack == nil {
		return
	}
	for _, nalu := range r.depack.Depacketize(pkt.SequenceNumber, pkt.Payload) {
		if len(nalu) == 0 {
			continue
		}
		if !r.synced {
			if !isKeyframeNALU(nalu) {
				continue
			}
			r.synced = true
		}
		if _, err := r.videoOut.Write(annexBStartCode); err != nil {
			r.log.Debug("video write", zap.Error(err))
			return
		}
		if _, err := r.videoOut.Write(nalu); err != nil {
			r.log.Debug("video write", zap.Error(err))
			return
		}
	}
}

func (r *Renderer) writeAudio(pkt *rtp.Packet) {
	if r.muted.Load() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ogg == nil {
		return
	}
	if err := r.ogg.WriteRTP(pkt); err != nil {
		r.log.Debug("audio write", zap.Error(err))
	}
}
