package webrtc

import (
	"context"
	"fmt"
	"sync"

	"feedview/native/internal/domain"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	pion "github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// OfferPoster exchanges an SDP offer for an answer over HTTP.
type OfferPoster interface {
	PostOffer(ctx context.Context, endpoint, offer string) (string, error)
}

// Config configures the peer connections built by a Negotiator.
type Config struct {
	// ICEServers are STUN/TURN URLs; empty means host candidates only.
	ICEServers []string
	// IncludeLoopback gathers loopback candidates; used for same-host tests.
	IncludeLoopback bool
}

// Negotiator builds receive-only WHEP sessions. It implements
// domain.Negotiator.
type Negotiator struct {
	cfg    Config
	poster OfferPoster
	log    *zap.Logger
}

// NewNegotiator creates a Negotiator that exchanges offers through poster.
func NewNegotiator(cfg Config, poster OfferPoster, log *zap.Logger) *Negotiator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Negotiator{cfg: cfg, poster: poster, log: log.Named("webrtc")}
}

// Negotiate runs one offer/answer round against endpoint. It returns once
// the answer is applied; onStream fires later, when the first track arrives.
// On any failure the partially built peer connection is closed.
func (n *Negotiator) Negotiate(ctx context.Context, endpoint string, onStream func(domain.Stream)) (domain.Connection, error) {
	peer, err := n.newPeer(onStream)
	if err != nil {
		return nil, &domain.NegotiationError{Stage: domain.StagePeer, Err: err}
	}

	fail := func(stage string, err error) (domain.Connection, error) {
		peer.Close()
		n.log.Warn("negotiation failed",
			zap.String("peer", peer.id),
			zap.String("stage", stage),
			zap.Error(err),
		)
		return nil, &domain.NegotiationError{Stage: stage, Err: err}
	}

	if err := peer.addTransceivers(); err != nil {
		return fail(domain.StagePeer, err)
	}

	gatherComplete, err := peer.createOffer()
	if err != nil {
		return fail(domain.StageOffer, err)
	}
	offer, err := peer.waitForCandidates(ctx, gatherComplete)
	if err != nil {
		return fail(domain.StageGather, err)
	}

	answer, err := n.poster.PostOffer(ctx, endpoint, PatchSetupRole(offer))
	if err != nil {
		return fail(domain.StageSignal, err)
	}

	if _, err := parseAnswer(answer); err != nil {
		return fail(domain.StageAnswer, err)
	}
	if err := peer.setRemoteDescription(answer); err != nil {
		return fail(domain.StageAnswer, err)
	}

	n.log.Info("answer applied, waiting for media", zap.String("peer", peer.id), zap.String("endpoint", endpoint))
	return peer, nil
}

// Peer wraps a Pion PeerConnection used for a single receive-only session.
type Peer struct {
	id  string
	pc  *pion.PeerConnection
	log *zap.Logger

	onStream func(domain.Stream)

	mu     sync.Mutex
	stream *Stream

	done      chan struct{}
	closeOnce sync.Once
}

func (n *Negotiator) newPeer(onStream func(domain.Stream)) (*Peer, error) {
	m := &pion.MediaEngine{}

	feedback := []pion.RTCPFeedback{{Type: "nack"}, {Type: "nack", Parameter: "pli"}}
	h264Codec := pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:     pion.MimeTypeH264,
			ClockRate:    90000,
			SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
			RTCPFeedback: feedback,
		},
		PayloadType: 102,
	}
	if err := m.RegisterCodec(h264Codec, pion.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register H264: %w", err)
	}

	opusCodec := pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:    pion.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}
	if err := m.RegisterCodec(opusCodec, pion.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register Opus: %w", err)
	}

	i := &interceptor.Registry{}
	generator, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack generator: %w", err)
	}
	i.Add(generator)
	if err := pion.ConfigureRTCPReports(i); err != nil {
		return nil, fmt.Errorf("configure rtcp reports: %w", err)
	}

	s := pion.SettingEngine{}
	s.SetIncludeLoopbackCandidate(n.cfg.IncludeLoopback)

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
		pion.WithSettingEngine(s),
	)

	var iceServers []pion.ICEServer
	if len(n.cfg.ICEServers) > 0 {
		iceServers = []pion.ICEServer{{URLs: n.cfg.ICEServers}}
	}

	pc, err := api.NewPeerConnection(pion.Configuration{
		ICEServers:   iceServers,
		BundlePolicy: pion.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	p := &Peer{
		id:       uuid.New().String(),
		pc:       pc,
		log:      n.log,
		onStream: onStream,
		done:     make(chan struct{}),
	}

	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		p.log.Debug("ICE connection state", zap.String("peer", p.id), zap.Stringer("state", state))
	})
	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		p.log.Info("peer connection state", zap.String("peer", p.id), zap.Stringer("state", state))
		if state == pion.PeerConnectionStateFailed || state == pion.PeerConnectionStateClosed {
			p.markDone()
		}
	})
	pc.OnTrack(p.handleTrack)

	return p, nil
}

// addTransceivers adds one recvonly video and one recvonly audio transceiver.
func (p *Peer) addTransceivers() error {
	_, err := p.pc.AddTransceiverFromKind(pion.RTPCodecTypeVideo, pion.RTPTransceiverInit{
		Direction: pion.RTPTransceiverDirectionRecvonly,
	})
	if err != nil {
		return fmt.Errorf("add video transceiver: %w", err)
	}

	_, err = p.pc.AddTransceiverFromKind(pion.RTPCodecTypeAudio, pion.RTPTransceiverInit{
		Direction: pion.RTPTransceiverDirectionRecvonly,
	})
	if err != nil {
		return fmt.Errorf("add audio transceiver: %w", err)
	}

	return nil
}

// createOffer creates an SDP offer and sets it as the local description.
// The returned channel closes when ICE gathering completes.
func (p *Peer) createOffer() (<-chan struct{}, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}

	gatherComplete := pion.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}

	p.log.Debug("local SDP offer set", zap.String("peer", p.id))
	return gatherComplete, nil
}

// waitForCandidates returns the local description once gathering is done,
// so the offer carries every candidate (WHEP without trickle).
func (p *Peer) waitForCandidates(ctx context.Context, gatherComplete <-chan struct{}) (string, error) {
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return "", fmt.Errorf("ice gathering: %w", ctx.Err())
	}
	return p.pc.LocalDescription().SDP, nil
}

func (p *Peer) setRemoteDescription(answer string) error {
	err := p.pc.SetRemoteDescription(pion.SessionDescription{
		Type: pion.SDPTypeAnswer,
		SDP:  answer,
	})
	if err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	p.log.Debug("remote SDP answer set", zap.String("peer", p.id))
	return nil
}

// handleTrack groups every inbound track into one Stream; the stream is
// surfaced once, on the first track.
func (p *Peer) handleTrack(remote *pion.TrackRemote, _ *pion.RTPReceiver) {
	codec := remote.Codec()
	p.log.Info("got track",
		zap.String("peer", p.id),
		zap.Stringer("kind", remote.Kind()),
		zap.String("codec", codec.MimeType),
		zap.Uint8("pt", uint8(codec.PayloadType)),
	)

	track := NewTrack(remote.ID(), domain.TrackKind(remote.Kind().String()), uint32(remote.SSRC()))

	p.mu.Lock()
	first := p.stream == nil
	if first {
		p.stream = NewStream(remote.StreamID(), p.pc.WriteRTCP, p.log)
	}
	stream := p.stream
	p.mu.Unlock()

	stream.AddTrack(track)
	go stream.readTrack(remote, track)

	if first && p.onStream != nil {
		p.onStream(stream)
	}
}

// Done is closed when the connection fails or is closed.
func (p *Peer) Done() <-chan struct{} { return p.done }

func (p *Peer) markDone() {
	p.closeOnce.Do(func() { close(p.done) })
}

// Close shuts down the PeerConnection.
func (p *Peer) Close() error {
	err := p.pc.Close()
	p.markDone()
	if err != nil {
		return fmt.Errorf("close peer connection: %w", err)
	}
	return nil
}
