package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	ossignal "os/signal"
	"syscall"

	"feedview/native/internal/api"
	"feedview/native/internal/config"
	"feedview/native/internal/control"
	"feedview/native/internal/logging"
	"feedview/native/internal/metrics"
	"feedview/native/internal/recorder"
	"feedview/native/internal/viewer"
	"feedview/native/internal/webrtc"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const helpText = `feedview - Watch a WHEP camera feed and control it over HTTP

Usage:
  feedview [options]

The raw H264 video is written to stdout. Pipe to ffplay for playback.
Recordings are saved as Matroska (.mkv) files to FEEDVIEW_RECORDINGS_DIR.

Environment Variables:
  FEEDVIEW_CONFIG          Optional YAML config file
  FEEDVIEW_WHEP_URL        WHEP endpoint of the media server
  FEEDVIEW_DEVICE_URL      Base URL of the device settings API
  FEEDVIEW_STUN_URLS       ICE servers, separated by "|"
  FEEDVIEW_INSECURE_TLS    Skip TLS verification (self-signed devices)
  FEEDVIEW_RECORDINGS_DIR  Directory for saved recordings
  FEEDVIEW_CONTROL_ADDR    Control API address; empty disables it
  FEEDVIEW_CORS_ORIGINS    Allowed browser origins, separated by "|"
  FEEDVIEW_AUDIO_OUT       Optional file or FIFO for Ogg/Opus audio
  FEEDVIEW_AUTOSTART       Connect on startup
  FEEDVIEW_LOG_LEVEL       debug, info, warn or error
  FEEDVIEW_LOG_FORMAT      console or json

Examples:
  # Live playback, connect immediately
  FEEDVIEW_AUTOSTART=true feedview | ffplay -f h264 -

  # Start a session through the control API
  curl -X POST http://127.0.0.1:8090/api/session/start

Options:
  -h, --help  Show this help message
`

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		fmt.Print(helpText)
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "feedview: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "feedview: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("exit", zap.Error(err))
	}
	log.Info("done")
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			log.Info("shutting down", zap.Stringer("signal", sig))
			cancel()
		case <-ctx.Done():
		}
	}()

	if cfg.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	gin.DefaultWriter = zap.NewStdLog(log.Named("gin")).Writer()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	client := api.NewClient(api.Options{DeviceURL: cfg.DeviceURL, InsecureTLS: cfg.InsecureTLS}, log)
	negotiator := webrtc.NewNegotiator(webrtc.Config{ICEServers: cfg.STUNURLs}, client, log)

	var audio io.Writer
	if cfg.AudioOut != "" {
		f, err := os.OpenFile(cfg.AudioOut, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return fmt.Errorf("open audio output: %w", err)
		}
		defer f.Close()
		audio = f
	}

	v := viewer.New(viewer.Deps{
		Negotiator:  negotiator,
		Endpoint:    cfg.WHEPURL,
		Sinks:       webrtc.NewMatroskaSink,
		Saver:       recorder.NewDirSaver(cfg.RecordingsDir, log),
		Backend:     client,
		Renderer:    webrtc.NewRenderer(os.Stdout, audio, log),
		SettingsRPS: cfg.SettingsRPS,
		Metrics:     metrics.New(reg),
	}, log)
	defer v.Teardown()

	headless := cfg.ControlAddr == ""
	if headless {
		// nothing else can restart the session, so losing it ends the process
		var end sessionEnd
		unsubscribe := v.Subscribe(func(s viewer.Snapshot) {
			if end.Observe(s.Session.State) {
				log.Info("session ended")
				cancel()
			}
		})
		defer unsubscribe()
	}

	g, gctx := errgroup.WithContext(ctx)

	if !headless {
		srv := control.New(gctx, v, control.Options{CORSOrigins: cfg.CORSOrigins, Gatherer: reg}, log)
		g.Go(func() error { return srv.Run(gctx, cfg.ControlAddr) })
	}

	if cfg.Autostart || headless {
		g.Go(func() error {
			log.Info("connecting", zap.String("endpoint", cfg.WHEPURL))
			if err := v.StartSession(gctx); err != nil && !errors.Is(err, context.Canceled) {
				if headless {
					return fmt.Errorf("start session: %w", err)
				}
				log.Error("autostart failed", zap.Error(err))
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err := g.Wait()
	log.Info("shutting down")
	return err
}
