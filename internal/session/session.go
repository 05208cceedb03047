// Package session owns the lifecycle of the single live streaming session:
// notConnected -> connecting -> connected, and back on stop or failure.
package session

import (
	"context"
	"errors"
	"sync"

	"feedview/native/internal/domain"
	"feedview/native/internal/metrics"

	"go.uber.org/zap"
)

var (
	// ErrAlreadyActive is returned by Start outside NotConnected.
	ErrAlreadyActive = errors.New("session already active")
	// ErrNoStream is returned by TogglePause before a stream is published.
	ErrNoStream = errors.New("no stream published")
	// ErrStale is returned by Start when the attempt was abandoned by Stop
	// before it completed.
	ErrStale = errors.New("session stopped during negotiation")
)

// Snapshot is the observable state of the session.
type Snapshot struct {
	State      domain.ConnectionState `json:"connectionState"`
	Paused     bool                   `json:"paused"`
	StreamID   string                 `json:"streamId,omitempty"`
	Generation uint64                 `json:"generation"`
}

// Session is the connection state machine. It exclusively owns the
// connection and the stream; everything else only borrows the stream.
type Session struct {
	negotiator domain.Negotiator
	endpoint   string
	metrics    *metrics.Metrics
	log        *zap.Logger

	mu         sync.Mutex
	state      domain.ConnectionState
	generation uint64
	conn       domain.Connection
	stream     domain.Stream
	paused     bool

	obsMu     sync.Mutex
	observers map[uint64]func(Snapshot)
	nextObs   uint64
}

// New creates a Session that negotiates against endpoint.
func New(negotiator domain.Negotiator, endpoint string, m *metrics.Metrics, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{
		negotiator: negotiator,
		endpoint:   endpoint,
		metrics:    m,
		log:        log.Named("session"),
		observers:  make(map[uint64]func(Snapshot)),
	}
}

// Start negotiates a new connection. It returns once the offer/answer
// exchange is done; the session becomes Connected later, when the first
// stream arrives. A failed negotiation leaves the session NotConnected.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != domain.NotConnected || s.conn != nil {
		s.mu.Unlock()
		return ErrAlreadyActive
	}
	s.generation++
	gen := s.generation
	s.state = domain.Connecting
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.log.Info("starting", zap.Uint64("generation", gen), zap.String("endpoint", s.endpoint))
	s.metrics.SetConnectionState(domain.Connecting)
	s.publish(snap)

	conn, err := s.negotiator.Negotiate(ctx, s.endpoint, func(stream domain.Stream) {
		s.handleStream(gen, stream)
	})
	if err != nil {
		s.metrics.ObserveNegotiation(false)
		s.log.Error("negotiation failed", zap.Uint64("generation", gen), zap.Error(err))

		s.mu.Lock()
		if s.generation != gen {
			s.mu.Unlock()
			return err
		}
		s.resetLocked()
		snap := s.snapshotLocked()
		s.mu.Unlock()

		s.metrics.SetConnectionState(domain.NotConnected)
		s.publish(snap)
		return err
	}

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		s.log.Info("discarding connection of abandoned attempt", zap.Uint64("generation", gen))
		_ = conn.Close()
		return ErrStale
	}
	s.conn = conn
	s.mu.Unlock()

	s.metrics.ObserveNegotiation(true)
	go s.watch(gen, conn)
	return nil
}

// handleStream publishes the first stream of the current generation.
func (s *Session) handleStream(gen uint64, stream domain.Stream) {
	s.mu.Lock()
	if s.generation != gen || s.state != domain.Connecting {
		s.mu.Unlock()
		s.log.Debug("ignoring stale stream", zap.Uint64("generation", gen), zap.String("stream", stream.ID()))
		return
	}
	s.stream = stream
	s.state = domain.Connected
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.log.Info("connected", zap.Uint64("generation", gen), zap.String("stream", stream.ID()))
	s.metrics.SetConnectionState(domain.Connected)
	s.publish(snap)
}

// watch tears the session down when its connection dies underneath it.
func (s *Session) watch(gen uint64, conn domain.Connection) {
	<-conn.Done()
	s.stop(true, gen)
}

// TogglePause flips every track's enabled flag and the paused flag.
func (s *Session) TogglePause() (bool, error) {
	s.mu.Lock()
	if s.stream == nil {
		s.mu.Unlock()
		return false, ErrNoStream
	}
	s.paused = !s.paused
	for _, t := range s.stream.Tracks() {
		t.SetEnabled(!s.paused)
	}
	paused := s.paused
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.log.Info("pause toggled", zap.Bool("paused", paused))
	s.publish(snap)
	return paused, nil
}

// Stop closes the connection and returns to NotConnected. Calling it with
// nothing active is a no-op. Any negotiation still in flight is invalidated.
func (s *Session) Stop() {
	s.stop(false, 0)
}

// stop tears the session down; with onlyGen set it does so only while gen
// is still the current generation.
func (s *Session) stop(onlyGen bool, gen uint64) {
	s.mu.Lock()
	if onlyGen && s.generation != gen {
		s.mu.Unlock()
		return
	}
	if s.state == domain.NotConnected && s.conn == nil {
		s.mu.Unlock()
		return
	}
	if onlyGen {
		s.log.Warn("connection lost", zap.Uint64("generation", gen))
	}
	s.generation++
	conn := s.conn
	s.resetLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			s.log.Warn("close connection", zap.Error(err))
		}
	}
	s.log.Info("stopped", zap.Uint64("generation", snap.Generation))
	s.metrics.SetConnectionState(domain.NotConnected)
	s.publish(snap)
}

func (s *Session) resetLocked() {
	s.state = domain.NotConnected
	s.conn = nil
	s.stream = nil
	s.paused = false
}

// Stream returns the published stream, or nil.
func (s *Session) Stream() domain.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

// Snapshot returns the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{State: s.state, Paused: s.paused, Generation: s.generation}
	if s.stream != nil {
		snap.StreamID = s.stream.ID()
	}
	return snap
}

// Subscribe registers fn for every state change. fn runs outside the
// session lock and may call back into the session.
func (s *Session) Subscribe(fn func(Snapshot)) (cancel func()) {
	s.obsMu.Lock()
	s.nextObs++
	id := s.nextObs
	s.observers[id] = fn
	s.obsMu.Unlock()

	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

func (s *Session) publish(snap Snapshot) {
	s.obsMu.Lock()
	fns := make([]func(Snapshot), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.obsMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}
