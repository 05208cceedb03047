// Package domaintest provides in-memory doubles for the domain ports.
package domaintest

import (
	"context"
	"errors"
	"sync"

	"feedview/native/internal/domain"

	"github.com/pion/rtp"
)

type Track struct {
	id   string
	kind domain.TrackKind

	mu      sync.Mutex
	enabled bool
}

func NewTrack(id string, kind domain.TrackKind) *Track {
	return &Track{id: id, kind: kind, enabled: true}
}

func (t *Track) ID() string             { return t.id }
func (t *Track) Kind() domain.TrackKind { return t.kind }

func (t *Track) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// Stream is a domain.Stream fed by Emit.
type Stream struct {
	id     string
	tracks []domain.Track

	mu        sync.Mutex
	subs      map[int]sub
	next      int
	keyframes int
}

type sub struct {
	kind domain.TrackKind
	fn   func(*rtp.Packet)
}

// NewStream returns a stream with one enabled video and one enabled audio track.
func NewStream(id string) *Stream {
	return &Stream{
		id:     id,
		tracks: []domain.Track{NewTrack(id+"-video", domain.KindVideo), NewTrack(id+"-audio", domain.KindAudio)},
		subs:   make(map[int]sub),
	}
}

func (s *Stream) ID() string             { return s.id }
func (s *Stream) Tracks() []domain.Track { return s.tracks }

func (s *Stream) Subscribe(kind domain.TrackKind, fn func(*rtp.Packet)) func() {
	s.mu.Lock()
	s.next++
	id := s.next
	s.subs[id] = sub{kind: kind, fn: fn}
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Stream) RequestKeyframe() {
	s.mu.Lock()
	s.keyframes++
	s.mu.Unlock()
}

// KeyframeRequests counts RequestKeyframe calls.
func (s *Stream) KeyframeRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keyframes
}

// Subscribers counts live subscriptions.
func (s *Stream) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Emit delivers pkt to subscribers of kind when a track of that kind is enabled.
func (s *Stream) Emit(kind domain.TrackKind, pkt *rtp.Packet) {
	enabled := false
	for _, t := range s.tracks {
		if t.Kind() == kind && t.Enabled() {
			enabled = true
		}
	}
	if !enabled {
		return
	}

	s.mu.Lock()
	var fns []func(*rtp.Packet)
	for _, sb := range s.subs {
		if sb.kind == kind {
			fns = append(fns, sb.fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(pkt)
	}
}

// Conn is a domain.Connection whose death is triggered by Fail.
type Conn struct {
	once   sync.Once
	done   chan struct{}
	mu     sync.Mutex
	closes int
}

func NewConn() *Conn {
	return &Conn{done: make(chan struct{})}
}

func (c *Conn) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *Conn) Done() <-chan struct{} { return c.done }

// Fail simulates the remote peer dropping.
func (c *Conn) Fail() { c.once.Do(func() { close(c.done) }) }

func (c *Conn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// Negotiator hands out Conns. Each call is recorded so tests can deliver
// its stream later through Call.OnStream.
type Negotiator struct {
	mu    sync.Mutex
	Err   error
	Block chan struct{}
	calls []*Call
}

type Call struct {
	Endpoint string
	Conn     *Conn
	OnStream func(domain.Stream)
}

func (n *Negotiator) Negotiate(ctx context.Context, endpoint string, onStream func(domain.Stream)) (domain.Connection, error) {
	n.mu.Lock()
	c := &Call{Endpoint: endpoint, Conn: NewConn(), OnStream: onStream}
	n.calls = append(n.calls, c)
	block, err := n.Block, n.Err
	n.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return c.Conn, nil
}

// Calls returns every Negotiate call so far.
func (n *Negotiator) Calls() []*Call {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Call(nil), n.calls...)
}

// Last returns the most recent call.
func (n *Negotiator) Last() *Call {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.calls) == 0 {
		return nil
	}
	return n.calls[len(n.calls)-1]
}

// Sink is a domain.RecordingSink whose chunks are pushed by Push.
type Sink struct {
	mu       sync.Mutex
	onData   func([]byte)
	StartErr error
	StopErr  error
	Tail     []byte
	started  int
}

func (s *Sink) Start(onData func([]byte)) error {
	if s.StartErr != nil {
		return s.StartErr
	}
	s.mu.Lock()
	s.onData = onData
	s.started++
	s.mu.Unlock()
	return nil
}

func (s *Sink) Stop() error {
	s.mu.Lock()
	fn := s.onData
	s.onData = nil
	s.mu.Unlock()
	if fn != nil && len(s.Tail) > 0 {
		fn(s.Tail)
	}
	return s.StopErr
}

func (s *Sink) Extension() string { return "mkv" }

// Push emits a chunk while started.
func (s *Sink) Push(chunk []byte) {
	s.mu.Lock()
	fn := s.onData
	s.mu.Unlock()
	if fn != nil {
		fn(chunk)
	}
}

func (s *Sink) Started() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Saver keeps saved files in memory.
type Saver struct {
	mu    sync.Mutex
	Err   error
	Files map[string][]byte
	Order []string
}

func (s *Saver) Save(name string, data []byte) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Files == nil {
		s.Files = make(map[string][]byte)
	}
	s.Files[name] = append([]byte(nil), data...)
	s.Order = append(s.Order, name)
	return nil
}

// Count returns the number of saved files.
func (s *Saver) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Order)
}

// Backend records settings calls.
type Backend struct {
	mu     sync.Mutex
	Err    error
	Values []int
}

func (b *Backend) SetIRBrightness(ctx context.Context, brightness int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Values = append(b.Values, brightness)
	return b.Err
}

func (b *Backend) Calls() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.Values...)
}

// ErrBoom is a generic failure for tests.
var ErrBoom = errors.New("boom")
