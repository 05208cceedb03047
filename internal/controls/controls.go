// Package controls drives the show/hide timing of the transient playback
// controls: a short fade-in on show, an idle auto-hide and a fade-out.
package controls

import (
	"sync"
	"time"

	"feedview/native/internal/timer"

	"go.uber.org/zap"
)

const (
	FadeInDelay = 10 * time.Millisecond
	FadeOut     = 300 * time.Millisecond
	IdleTimeout = 5 * time.Second

	timerIdle    = "controls.idle"
	timerFadeIn  = "controls.fade-in"
	timerFadeOut = "controls.fade-out"
)

// Snapshot is the visibility state. Opacity is 0 whenever Visible is false.
type Snapshot struct {
	Visible bool    `json:"visible"`
	Opacity float64 `json:"opacity"`
}

// Controller tracks whether the playback controls are shown and hides them
// after a period without interaction.
type Controller struct {
	timers *timer.Registry
	idle   time.Duration
	log    *zap.Logger

	mu      sync.Mutex
	visible bool
	opacity float64

	obsMu     sync.Mutex
	observers map[uint64]func(Snapshot)
	nextObs   uint64
}

// New returns a controller that starts visible. idle <= 0 selects IdleTimeout.
func New(timers *timer.Registry, idle time.Duration, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	if idle <= 0 {
		idle = IdleTimeout
	}
	return &Controller{
		timers:    timers,
		idle:      idle,
		log:       log.Named("controls"),
		visible:   true,
		opacity:   1,
		observers: make(map[uint64]func(Snapshot)),
	}
}

// Show makes the controls visible and cancels any pending hide. Unless
// immediate, the opacity rises to 1 after FadeInDelay.
func (c *Controller) Show(immediate bool) {
	c.timers.Cancel(timerIdle)
	c.timers.Cancel(timerFadeOut)

	c.mu.Lock()
	c.visible = true
	if immediate {
		c.opacity = 1
	} else {
		c.opacity = 0
	}
	c.mu.Unlock()

	if immediate {
		c.timers.Cancel(timerFadeIn)
	} else {
		c.timers.After(timerFadeIn, FadeInDelay, c.fadeIn)
	}
	c.publish()
}

func (c *Controller) fadeIn() {
	c.mu.Lock()
	if !c.visible {
		c.mu.Unlock()
		return
	}
	c.opacity = 1
	c.mu.Unlock()
	c.publish()
}

// ScheduleHide arms the idle hide, replacing one already pending.
func (c *Controller) ScheduleHide(delay time.Duration) {
	c.timers.After(timerIdle, delay, c.Hide)
}

// Hide starts the two-phase hide now: opacity drops to 0 and the controls
// become invisible after FadeOut.
func (c *Controller) Hide() {
	c.timers.Cancel(timerIdle)
	c.timers.Cancel(timerFadeIn)

	c.mu.Lock()
	if !c.visible {
		c.mu.Unlock()
		return
	}
	c.opacity = 0
	c.mu.Unlock()

	c.timers.After(timerFadeOut, FadeOut, c.fadeOut)
	c.publish()
}

func (c *Controller) fadeOut() {
	c.mu.Lock()
	c.visible = false
	c.opacity = 0
	c.mu.Unlock()
	c.log.Debug("controls hidden")
	c.publish()
}

// Touch registers user activity: hidden controls are shown and the idle
// hide is re-armed.
func (c *Controller) Touch() {
	c.mu.Lock()
	hidden := !c.visible || c.opacity == 0
	c.mu.Unlock()

	if hidden {
		c.Show(false)
	}
	c.ScheduleHide(c.idle)
}

// CancelHide drops a pending idle hide.
func (c *Controller) CancelHide() {
	c.timers.Cancel(timerIdle)
}

// Close cancels every controls timer.
func (c *Controller) Close() {
	c.timers.Cancel(timerIdle)
	c.timers.Cancel(timerFadeIn)
	c.timers.Cancel(timerFadeOut)
}

// HidePending reports whether an idle hide is armed.
func (c *Controller) HidePending() bool {
	return c.timers.Pending(timerIdle)
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{Visible: c.visible, Opacity: c.opacity}
}

func (c *Controller) Subscribe(fn func(Snapshot)) (cancel func()) {
	c.obsMu.Lock()
	c.nextObs++
	id := c.nextObs
	c.observers[id] = fn
	c.obsMu.Unlock()

	return func() {
		c.obsMu.Lock()
		delete(c.observers, id)
		c.obsMu.Unlock()
	}
}

func (c *Controller) publish() {
	snap := c.Snapshot()

	c.obsMu.Lock()
	fns := make([]func(Snapshot), 0, len(c.observers))
	for _, fn := range c.observers {
		fns = append(fns, fn)
	}
	c.obsMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}
