// Package control exposes the viewer to the surrounding app over HTTP: JSON
// commands, a websocket state feed and Prometheus metrics.
package control

import (
	"context"
	"errors"
	"net/http"
	"time"

	"feedview/native/internal/recorder"
	"feedview/native/internal/settings"
	"feedview/native/internal/viewer"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Viewer is the collaborator interface the API drives.
type Viewer interface {
	StartSession(ctx context.Context) error
	StopSession()
	TogglePause() error
	ToggleRecording() (*recorder.Result, error)
	SetMuted(muted bool)
	OnSurfaceClick()
	SetIRBrightness(level int) error
	SetResolution(r settings.Resolution) error
	Snapshot() viewer.Snapshot
	Subscribe(fn func(viewer.Snapshot)) (cancel func())
}

type Options struct {
	// CORSOrigins enables CORS for the listed origins; empty disables it.
	CORSOrigins []string
	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// StartTimeout bounds an asynchronous session start.
	StartTimeout time.Duration
	PingInterval time.Duration
}

type Server struct {
	viewer Viewer
	opts   Options
	log    *zap.Logger

	// ctx outlives requests; asynchronous starts derive from it.
	ctx      context.Context
	router   *gin.Engine
	upgrader websocket.Upgrader
}

// New builds the router. ctx bounds work that outlives a request.
func New(ctx context.Context, v Viewer, opts Options, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 30 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	s := &Server{viewer: v, opts: opts, log: log.Named("control"), ctx: ctx}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r, s.opts.CORSOrigins)
		},
	}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestID())
	r.Use(accessLog(s.log.Named("http")))

	if len(s.opts.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:  s.opts.CORSOrigins,
			AllowMethods:  []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:  []string{"Content-Type", "X-Request-ID"},
			ExposeHeaders: []string{"X-Request-ID"},
			MaxAge:        12 * time.Hour,
		}))
	}

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if s.opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api", originGuard(s.opts.CORSOrigins))
	{
		api.GET("/state", s.getState)

		api.POST("/session/start", s.startSession)
		api.POST("/session/stop", s.stopSession)
		api.POST("/session/pause", s.togglePause)

		api.POST("/recording/toggle", s.toggleRecording)
		api.POST("/mute", s.setMuted)
		api.POST("/surface/click", s.surfaceClick)

		api.POST("/settings/ir-brightness", s.setIRBrightness)
		api.POST("/settings/resolution", s.setResolution)
	}

	r.GET("/ws", s.serveWS)
	return r
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	httpsrv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("running HTTP server", zap.String("addr", addr))
		errc <- httpsrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpsrv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.log.Info("server closed")
	return nil
}
