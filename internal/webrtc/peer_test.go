package webrtc

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"feedview/native/internal/api"
	"feedview/native/internal/domain"

	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// whepServer answers WHEP offers with a real Pion peer that sends a video
// track, the way a mediamtx feed does.
type whepServer struct {
	t *testing.T

	mu     sync.Mutex
	offers []string
	pcs    []*pion.PeerConnection
	stop   chan struct{}
}

func newWHEPServer(t *testing.T) (*whepServer, *httptest.Server) {
	ws := &whepServer{t: t, stop: make(chan struct{})}
	srv := httptest.NewServer(http.HandlerFunc(ws.handle))
	t.Cleanup(func() {
		close(ws.stop)
		srv.Close()
		ws.mu.Lock()
		defer ws.mu.Unlock()
		for _, pc := range ws.pcs {
			_ = pc.Close()
		}
	})
	return ws, srv
}

func (ws *whepServer) handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ws.mu.Lock()
	ws.offers = append(ws.offers, string(body))
	ws.mu.Unlock()

	m := &pion.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s := pion.SettingEngine{}
	s.SetIncludeLoopbackCandidate(true)
	pc, err := pion.NewAPI(pion.WithMediaEngine(m), pion.WithSettingEngine(s)).NewPeerConnection(pion.Configuration{})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	ws.mu.Lock()
	ws.pcs = append(ws.pcs, pc)
	ws.mu.Unlock()

	track, err := pion.NewTrackLocalStaticSample(pion.RTPCodecCapability{MimeType: pion.MimeTypeH264}, "video", "feed")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if _, err := pc.AddTrack(track); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := pc.SetRemoteDescription(pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: string(body)}); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	gatherComplete := pion.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	<-gatherComplete

	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		idr := []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84, 0x00}
		for {
			select {
			case <-ws.stop:
				return
			case <-ticker.C:
				_ = track.WriteSample(media.Sample{Data: idr, Duration: 20 * time.Millisecond})
			}
		}
	}()

	w.Header().Set("Content-Type", "application/sdp")
	w.WriteHeader(http.StatusCreated)
	_, _ = io.WriteString(w, pc.LocalDescription().SDP)
}

func (ws *whepServer) lastOffer() string {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if len(ws.offers) == 0 {
		return ""
	}
	return ws.offers[len(ws.offers)-1]
}

func TestNegotiate_LoopbackDeliversStream(t *testing.T) {
	ws, srv := newWHEPServer(t)

	n := NewNegotiator(Config{IncludeLoopback: true}, api.NewClient(api.Options{}, nil), nil)

	streams := make(chan domain.Stream, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, err := n.Negotiate(ctx, srv.URL+"/feed/whep", func(s domain.Stream) { streams <- s })
	require.NoError(t, err)
	defer conn.Close()

	offer := ws.lastOffer()
	assert.Contains(t, offer, "m=video")
	assert.Contains(t, offer, "m=audio")
	assert.Contains(t, offer, "a=recvonly")
	assert.Contains(t, offer, "a=setup:actpass")
	assert.NotContains(t, offer, "a=sendrecv")

	var stream domain.Stream
	select {
	case stream = <-streams:
	case <-time.After(15 * time.Second):
		t.Fatal("no stream surfaced")
	}
	require.NotEmpty(t, stream.Tracks())
	assert.Equal(t, domain.KindVideo, stream.Tracks()[0].Kind())

	select {
	case <-streams:
		t.Fatal("stream surfaced twice")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, conn.Close())
	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after Close")
	}
}

type failingPoster struct{ err error }

func (f failingPoster) PostOffer(context.Context, string, string) (string, error) {
	return "", f.err
}

type answerPoster struct{ answer string }

func (a answerPoster) PostOffer(context.Context, string, string) (string, error) {
	return a.answer, nil
}

func TestNegotiate_SignalFailure(t *testing.T) {
	boom := errors.New("connection refused")
	n := NewNegotiator(Config{}, failingPoster{err: boom}, nil)

	conn, err := n.Negotiate(context.Background(), "http://127.0.0.1:1/feed/whep", nil)
	assert.Nil(t, conn)

	var negErr *domain.NegotiationError
	require.ErrorAs(t, err, &negErr)
	assert.Equal(t, domain.StageSignal, negErr.Stage)
	assert.ErrorIs(t, err, boom)
}

func TestNegotiate_MalformedAnswer(t *testing.T) {
	n := NewNegotiator(Config{}, answerPoster{answer: "<html>bad gateway</html>"}, nil)

	_, err := n.Negotiate(context.Background(), "http://media/feed/whep", nil)

	var negErr *domain.NegotiationError
	require.ErrorAs(t, err, &negErr)
	assert.Equal(t, domain.StageAnswer, negErr.Stage)
}

func TestNegotiate_HTTPErrorFromServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no one is publishing to path 'feed'", http.StatusNotFound)
	}))
	defer srv.Close()

	n := NewNegotiator(Config{}, api.NewClient(api.Options{}, nil), nil)
	_, err := n.Negotiate(context.Background(), srv.URL+"/feed/whep", nil)

	var negErr *domain.NegotiationError
	require.ErrorAs(t, err, &negErr)
	assert.Equal(t, domain.StageSignal, negErr.Stage)
	assert.Contains(t, err.Error(), "404")
}
