// Package settings holds the auxiliary device settings. Changes apply to
// local state at once and are pushed to the device best-effort.
package settings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"feedview/native/internal/domain"
	"feedview/native/internal/metrics"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	ErrInvalidBrightness = errors.New("ir brightness must be 0..100 in steps of 10")
	ErrInvalidResolution = errors.New("unsupported resolution")
)

const (
	MaxIRBrightness  = 100
	IRBrightnessStep = 10

	callTimeout = 5 * time.Second
)

// Resolution is a capture resolution the device accepts.
type Resolution string

const (
	Resolution480p  Resolution = "480p"
	Resolution720p  Resolution = "720p"
	Resolution1080p Resolution = "1080p"
)

// Resolutions lists the supported presets, lowest first.
var Resolutions = []Resolution{Resolution480p, Resolution720p, Resolution1080p}

// ParseResolution accepts only the values listed in Resolutions.
func ParseResolution(s string) (Resolution, error) {
	for _, r := range Resolutions {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidResolution, s)
}

type Settings struct {
	IRBrightness int        `json:"irBrightness"`
	Resolution   Resolution `json:"resolution"`
}

// Service applies settings optimistically and forwards IR brightness
// changes to the device, paced by a rate limiter.
type Service struct {
	backend domain.SettingsBackend
	limiter *rate.Limiter
	metrics *metrics.Metrics
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	state Settings

	obsMu     sync.Mutex
	observers map[uint64]func(Settings)
	nextObs   uint64
}

// New creates a Service. rps <= 0 disables pacing.
func New(backend domain.SettingsBackend, rps float64, m *metrics.Metrics, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		backend:   backend,
		limiter:   rate.NewLimiter(limit, 1),
		metrics:   m,
		log:       log.Named("settings"),
		ctx:       ctx,
		cancel:    cancel,
		state:     Settings{Resolution: Resolution720p},
		observers: make(map[uint64]func(Settings)),
	}
}

func ValidIRBrightness(level int) bool {
	return level >= 0 && level <= MaxIRBrightness && level%IRBrightnessStep == 0
}

// SetIRBrightness updates the level and sends it to the device in the
// background. A failed call is logged and the local value kept.
func (s *Service) SetIRBrightness(level int) error {
	if !ValidIRBrightness(level) {
		return fmt.Errorf("%w: %d", ErrInvalidBrightness, level)
	}
	if s.ctx.Err() != nil {
		return context.Canceled
	}

	s.mu.Lock()
	s.state.IRBrightness = level
	s.mu.Unlock()
	s.publish()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sendIRBrightness(level)
	}()
	return nil
}

func (s *Service) sendIRBrightness(level int) {
	if err := s.limiter.Wait(s.ctx); err != nil {
		s.log.Debug("ir brightness call dropped", zap.Int("brightness", level), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, callTimeout)
	defer cancel()

	if err := s.backend.SetIRBrightness(ctx, level); err != nil {
		s.metrics.ObserveSettingsCall("ir_brightness", false)
		s.log.Warn("set ir brightness", zap.Int("brightness", level), zap.Error(err))
		return
	}
	s.metrics.ObserveSettingsCall("ir_brightness", true)
	s.log.Info("ir brightness applied", zap.Int("brightness", level))
}

// SetResolution records the preset. Nothing is sent to the media server;
// the running session keeps its negotiated resolution.
func (s *Service) SetResolution(r Resolution) error {
	if _, err := ParseResolution(string(r)); err != nil {
		return err
	}

	s.mu.Lock()
	s.state.Resolution = r
	s.mu.Unlock()

	s.metrics.ObserveSettingsCall("resolution", true)
	s.log.Info("resolution selected; no renegotiation sent", zap.String("resolution", string(r)))
	s.publish()
	return nil
}

func (s *Service) Snapshot() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Service) Subscribe(fn func(Settings)) (cancel func()) {
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

func (s *Service) publish() {
	snap := s.Snapshot()

	s.obsMu.Lock()
	fns := make([]func(Settings), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.obsMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// Wait blocks until every call sent so far has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Close cancels in-flight calls and waits for them.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}
