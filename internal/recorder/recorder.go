// Package recorder captures the live stream into one output file per
// recording, with an elapsed-seconds ticker and a blinking indicator.
package recorder

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"feedview/native/internal/domain"
	"feedview/native/internal/metrics"
	"feedview/native/internal/timer"

	"go.uber.org/zap"
)

const (
	timerElapsed = "recorder.elapsed"
	timerBlink   = "recorder.blink"

	tick = time.Second

	filenameLayout = "2006-01-02T15-04-05"
)

var (
	ErrNoStream     = errors.New("no stream to record")
	ErrNotRecording = errors.New("not recording")
)

// SinkFactory opens a recording sink against a live stream.
type SinkFactory func(stream domain.Stream) (domain.RecordingSink, error)

// StreamSource yields the stream to record, or nil when there is none.
type StreamSource func() domain.Stream

// Snapshot is the observable recording state.
type Snapshot struct {
	Recording      bool   `json:"recording"`
	ElapsedSeconds int    `json:"elapsedSeconds"`
	Elapsed        string `json:"elapsed"`
	DotVisible     bool   `json:"dotVisible"`
}

// Result describes a finalized recording.
type Result struct {
	Filename string        `json:"filename"`
	Size     int           `json:"size"`
	Elapsed  time.Duration `json:"elapsed"`
	Chunks   int           `json:"chunks"`
}

// Recorder captures the current stream into one file per recording.
type Recorder struct {
	source  StreamSource
	sinks   SinkFactory
	saver   domain.Saver
	timers  *timer.Registry
	metrics *metrics.Metrics
	log     *zap.Logger

	mu         sync.Mutex
	sink       domain.RecordingSink
	stopping   bool
	chunks     [][]byte
	elapsed    int
	dotVisible bool

	obsMu     sync.Mutex
	observers map[uint64]func(Snapshot)
	nextObs   uint64
}

// New returns an idle Recorder. m and log may be nil.
func New(source StreamSource, sinks SinkFactory, saver domain.Saver, timers *timer.Registry, m *metrics.Metrics, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{
		source:     source,
		sinks:      sinks,
		saver:      saver,
		timers:     timers,
		metrics:    m,
		log:        log.Named("recorder"),
		dotVisible: true,
		observers:  make(map[uint64]func(Snapshot)),
	}
}

// Start opens a sink against the current stream. It is a no-op while a
// recording is already running.
func (r *Recorder) Start() error {
	r.mu.Lock()
	if r.sink != nil {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	stream := r.source()
	if stream == nil {
		return ErrNoStream
	}

	sink, err := r.sinks(stream)
	if err != nil {
		r.log.Error("open sink", zap.Error(err))
		return &domain.RecordingError{Op: "open", Err: err}
	}

	r.mu.Lock()
	if r.sink != nil {
		r.mu.Unlock()
		return nil
	}
	r.sink = sink
	r.chunks = nil
	r.elapsed = 0
	r.dotVisible = true
	r.mu.Unlock()

	if err := sink.Start(r.append); err != nil {
		r.mu.Lock()
		if r.sink == sink {
			r.sink = nil
		}
		r.mu.Unlock()
		r.log.Error("start sink", zap.Error(err))
		return &domain.RecordingError{Op: "start", Err: err}
	}

	r.timers.Every(timerElapsed, tick, r.onElapsed)
	r.timers.Every(timerBlink, tick, r.onBlink)

	r.log.Info("recording started", zap.String("stream", stream.ID()), zap.String("format", sink.Extension()))
	r.publish()
	return nil
}

// append collects one delivered buffer. Empty buffers are dropped.
func (r *Recorder) append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	r.mu.Lock()
	if r.sink != nil {
		r.chunks = append(r.chunks, chunk)
	}
	r.mu.Unlock()
}

func (r *Recorder) onElapsed() {
	r.mu.Lock()
	if r.sink == nil {
		r.mu.Unlock()
		return
	}
	r.elapsed++
	r.mu.Unlock()
	r.publish()
}

func (r *Recorder) onBlink() {
	r.mu.Lock()
	if r.sink == nil {
		r.mu.Unlock()
		return
	}
	r.dotVisible = !r.dotVisible
	r.mu.Unlock()
	r.publish()
}

// Stop finalizes the running recording: the sink is flushed, every chunk is
// concatenated in delivery order and handed to the saver.
func (r *Recorder) Stop() (*Result, error) {
	r.mu.Lock()
	sink := r.sink
	if sink == nil || r.stopping {
		r.mu.Unlock()
		return nil, ErrNotRecording
	}
	r.stopping = true
	elapsed := r.elapsed
	r.mu.Unlock()

	r.timers.Cancel(timerElapsed)
	r.timers.Cancel(timerBlink)

	// the sink flushes through append, so r.sink stays set until it returns
	stopErr := sink.Stop()

	r.mu.Lock()
	chunks := r.chunks
	r.sink = nil
	r.stopping = false
	r.chunks = nil
	r.elapsed = 0
	r.dotVisible = true
	r.mu.Unlock()
	r.publish()

	if stopErr != nil {
		r.log.Warn("stop sink", zap.Error(stopErr))
	}

	data := bytes.Join(chunks, nil)
	res := &Result{
		Filename: Filename(r.timers.Clock().Now(), sink.Extension()),
		Size:     len(data),
		Elapsed:  time.Duration(elapsed) * time.Second,
		Chunks:   len(chunks),
	}
	if err := r.saver.Save(res.Filename, data); err != nil {
		r.metrics.ObserveRecording(false, len(data))
		r.log.Error("save recording", zap.String("file", res.Filename), zap.Error(err))
		return nil, &domain.RecordingError{Op: "save", Err: err}
	}

	r.metrics.ObserveRecording(true, len(data))
	r.log.Info("recording saved",
		zap.String("file", res.Filename),
		zap.Int("bytes", res.Size),
		zap.Int("chunks", res.Chunks),
		zap.Duration("elapsed", res.Elapsed))
	return res, nil
}

// Toggle starts a recording when idle and stops it otherwise. The result
// is nil when a recording was started.
func (r *Recorder) Toggle() (*Result, error) {
	if r.Recording() {
		return r.Stop()
	}
	return nil, r.Start()
}

func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sink != nil && !r.stopping
}

func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		Recording:      r.sink != nil,
		ElapsedSeconds: r.elapsed,
		Elapsed:        FormatElapsed(r.elapsed),
		DotVisible:     r.dotVisible,
	}
}

// Subscribe registers fn for every change of the snapshot.
func (r *Recorder) Subscribe(fn func(Snapshot)) (cancel func()) {
	r.obsMu.Lock()
	r.nextObs++
	id := r.nextObs
	r.observers[id] = fn
	r.obsMu.Unlock()

	return func() {
		r.obsMu.Lock()
		delete(r.observers, id)
		r.obsMu.Unlock()
	}
}

func (r *Recorder) publish() {
	snap := r.Snapshot()

	r.obsMu.Lock()
	fns := make([]func(Snapshot), 0, len(r.observers))
	for _, fn := range r.observers {
		fns = append(fns, fn)
	}
	r.obsMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// Filename names a recording finalized at t.
func Filename(t time.Time, ext string) string {
	return fmt.Sprintf("stream-recording-%s.%s", t.UTC().Format(filenameLayout), ext)
}

// FormatElapsed renders seconds as MM:SS, or H:MM:SS past the hour.
func FormatElapsed(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	h, m, s := seconds/3600, seconds/60%60, seconds%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
