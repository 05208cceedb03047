// Package viewer is the screen that hosts one live session. It wires the
// session, recorder, controls and settings together and applies the
// cross-effects between them.
package viewer

import (
	"context"
	"errors"
	"sync"
	"time"

	"feedview/native/internal/controls"
	"feedview/native/internal/domain"
	"feedview/native/internal/metrics"
	"feedview/native/internal/recorder"
	"feedview/native/internal/session"
	"feedview/native/internal/settings"
	"feedview/native/internal/timer"

	"go.uber.org/zap"
)

// ErrClosed is returned by operations on a viewer after Teardown.
var ErrClosed = errors.New("viewer closed")

// Renderer is the video surface the live stream is attached to.
type Renderer interface {
	Attach(stream domain.Stream)
	Detach()
	SetMuted(muted bool)
	Muted() bool
}

// Deps are the collaborators of a Viewer.
type Deps struct {
	Negotiator domain.Negotiator
	Endpoint   string
	Sinks      recorder.SinkFactory
	Saver      domain.Saver
	Backend    domain.SettingsBackend
	Renderer   Renderer

	// Clock drives every timer; nil selects the real clock.
	Clock       timer.Clock
	IdleTimeout time.Duration
	SettingsRPS float64
	Metrics     *metrics.Metrics
}

// Snapshot is everything the surrounding app displays.
type Snapshot struct {
	Session       session.Snapshot  `json:"session"`
	Recording     recorder.Snapshot `json:"recording"`
	Controls      controls.Snapshot `json:"controls"`
	Settings      settings.Settings `json:"settings"`
	Muted         bool              `json:"muted"`
	LastRecording *recorder.Result  `json:"lastRecording,omitempty"`
}

// Viewer owns one camera session and the recorder, controls and settings
// built around it.
type Viewer struct {
	timers   *timer.Registry
	session  *session.Session
	recorder *recorder.Recorder
	controls *controls.Controller
	settings *settings.Service
	renderer Renderer
	log      *zap.Logger

	unsubscribe []func()

	mu        sync.Mutex
	connected bool
	last      *recorder.Result
	closed    bool

	obsMu     sync.Mutex
	observers map[uint64]func(Snapshot)
	nextObs   uint64
}

// New wires a Viewer from deps. It starts disconnected.
func New(deps Deps, log *zap.Logger) *Viewer {
	if log == nil {
		log = zap.NewNop()
	}
	timers := timer.NewRegistry(deps.Clock)
	sess := session.New(deps.Negotiator, deps.Endpoint, deps.Metrics, log)

	v := &Viewer{
		timers:    timers,
		session:   sess,
		recorder:  recorder.New(sess.Stream, deps.Sinks, deps.Saver, timers, deps.Metrics, log),
		controls:  controls.New(timers, deps.IdleTimeout, log),
		settings:  settings.New(deps.Backend, deps.SettingsRPS, deps.Metrics, log),
		renderer:  deps.Renderer,
		log:       log.Named("viewer"),
		observers: make(map[uint64]func(Snapshot)),
	}

	v.unsubscribe = []func(){
		v.session.Subscribe(v.onSession),
		v.recorder.Subscribe(func(recorder.Snapshot) { v.publish() }),
		v.controls.Subscribe(func(controls.Snapshot) { v.publish() }),
		v.settings.Subscribe(func(settings.Settings) { v.publish() }),
	}
	return v
}

// onSession applies the effects of entering and leaving Connected.
func (v *Viewer) onSession(snap session.Snapshot) {
	v.mu.Lock()
	was := v.connected
	v.connected = snap.State == domain.Connected
	now := v.connected
	v.mu.Unlock()

	switch {
	case now && !was:
		if stream := v.session.Stream(); stream != nil {
			v.renderer.Attach(stream)
		}
		v.controls.Touch()
	case was && !now:
		v.finalizeRecording()
		v.renderer.Detach()
	}
	v.publish()
}

// finalizeRecording stops an in-progress recording so nothing outlives the
// stream it was capturing.
func (v *Viewer) finalizeRecording() {
	res, err := v.recorder.Stop()
	switch {
	case errors.Is(err, recorder.ErrNotRecording):
	case err != nil:
		v.log.Error("finalize recording", zap.Error(err))
	default:
		v.setLast(res)
	}
}

func (v *Viewer) setLast(res *recorder.Result) {
	v.mu.Lock()
	v.last = res
	v.mu.Unlock()
	v.publish()
}

func (v *Viewer) isClosed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

// StartSession negotiates a connection. It returns once the offer/answer
// exchange is done; the session turns connected when media arrives.
func (v *Viewer) StartSession(ctx context.Context) error {
	if v.isClosed() {
		return ErrClosed
	}
	if err := v.session.Start(ctx); err != nil {
		v.log.Warn("start session", zap.Error(err))
		return err
	}
	return nil
}

func (v *Viewer) StopSession() {
	v.controls.CancelHide()
	v.finalizeRecording()
	v.session.Stop()
}

func (v *Viewer) TogglePause() error {
	paused, err := v.session.TogglePause()
	if err != nil {
		v.log.Warn("toggle pause", zap.Error(err))
		return err
	}
	v.log.Debug("pause toggled", zap.Bool("paused", paused))
	v.controls.Touch()
	return nil
}

// ToggleRecording starts or finalizes a recording. The result is non-nil
// when a recording was finalized.
func (v *Viewer) ToggleRecording() (*recorder.Result, error) {
	res, err := v.recorder.Toggle()
	v.controls.Touch()
	if err != nil {
		v.log.Warn("toggle recording", zap.Error(err))
		return nil, err
	}
	if res != nil {
		v.setLast(res)
	}
	return res, nil
}

func (v *Viewer) SetMuted(muted bool) {
	v.renderer.SetMuted(muted)
	v.publish()
}

// OnSurfaceClick is a pointer interaction with the video surface.
func (v *Viewer) OnSurfaceClick() {
	v.controls.Touch()
}

func (v *Viewer) SetIRBrightness(level int) error {
	if err := v.settings.SetIRBrightness(level); err != nil {
		v.log.Warn("set ir brightness", zap.Int("brightness", level), zap.Error(err))
		return err
	}
	return nil
}

func (v *Viewer) SetResolution(r settings.Resolution) error {
	if err := v.settings.SetResolution(r); err != nil {
		v.log.Warn("set resolution", zap.String("resolution", string(r)), zap.Error(err))
		return err
	}
	return nil
}

func (v *Viewer) Snapshot() Snapshot {
	v.mu.Lock()
	last := v.last
	v.mu.Unlock()

	return Snapshot{
		Session:       v.session.Snapshot(),
		Recording:     v.recorder.Snapshot(),
		Controls:      v.controls.Snapshot(),
		Settings:      v.settings.Snapshot(),
		Muted:         v.renderer.Muted(),
		LastRecording: last,
	}
}

// Subscribe registers fn for every change of any part of the snapshot.
func (v *Viewer) Subscribe(fn func(Snapshot)) (cancel func()) {
	v.obsMu.Lock()
	v.nextObs++
	id := v.nextObs
	v.observers[id] = fn
	v.obsMu.Unlock()

	return func() {
		v.obsMu.Lock()
		delete(v.observers, id)
		v.obsMu.Unlock()
	}
}

func (v *Viewer) publish() {
	v.obsMu.Lock()
	if len(v.observers) == 0 {
		v.obsMu.Unlock()
		return
	}
	fns := make([]func(Snapshot), 0, len(v.observers))
	for _, fn := range v.observers {
		fns = append(fns, fn)
	}
	v.obsMu.Unlock()

	snap := v.Snapshot()
	for _, fn := range fns {
		fn(snap)
	}
}

// Teardown stops the session and cancels every timer and in-flight call.
// The viewer is unusable afterwards. Safe to call more than once.
func (v *Viewer) Teardown() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	v.mu.Unlock()

	v.StopSession()
	v.controls.Close()
	v.timers.Close()
	v.settings.Close()
	v.renderer.Detach()

	for _, cancel := range v.unsubscribe {
		cancel()
	}
	v.log.Info("torn down")
}
