package control

import (
	"context"
	"errors"
	"net/http"

	"feedview/native/internal/domain"
	"feedview/native/internal/recorder"
	"feedview/native/internal/session"
	"feedview/native/internal/settings"
	"feedview/native/internal/viewer"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type muteRequest struct {
	Muted *bool `json:"muted" binding:"required"`
}

type irBrightnessRequest struct {
	Brightness *int `json:"brightness" binding:"required"`
}

type resolutionRequest struct {
	Resolution string `json:"resolution" binding:"required"`
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrAlreadyActive),
		errors.Is(err, session.ErrNoStream),
		errors.Is(err, session.ErrStale),
		errors.Is(err, recorder.ErrNoStream),
		errors.Is(err, recorder.ErrNotRecording),
		errors.Is(err, viewer.ErrClosed):
		return http.StatusConflict
	case errors.Is(err, settings.ErrInvalidBrightness),
		errors.Is(err, settings.ErrInvalidResolution):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func abort(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
}

func (s *Server) getState(c *gin.Context) {
	c.JSON(http.StatusOK, s.viewer.Snapshot())
}

// startSession kicks off negotiation and answers 202 right away; progress
// shows up on /api/state and /ws.
func (s *Server) startSession(c *gin.Context) {
	if state := s.viewer.Snapshot().Session.State; state != domain.NotConnected {
		abort(c, session.ErrAlreadyActive)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.opts.StartTimeout)
		defer cancel()
		if err := s.viewer.StartSession(ctx); err != nil {
			s.log.Warn("session start failed", zap.Error(err))
		}
	}()
	c.JSON(http.StatusAccepted, s.viewer.Snapshot())
}

func (s *Server) stopSession(c *gin.Context) {
	s.viewer.StopSession()
	c.JSON(http.StatusOK, s.viewer.Snapshot())
}

func (s *Server) togglePause(c *gin.Context) {
	if err := s.viewer.TogglePause(); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, s.viewer.Snapshot())
}

func (s *Server) toggleRecording(c *gin.Context) {
	res, err := s.viewer.ToggleRecording()
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": s.viewer.Snapshot(), "result": res})
}

func (s *Server) setMuted(c *gin.Context) {
	var req muteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.viewer.SetMuted(*req.Muted)
	c.JSON(http.StatusOK, s.viewer.Snapshot())
}

func (s *Server) surfaceClick(c *gin.Context) {
	s.viewer.OnSurfaceClick()
	c.Status(http.StatusNoContent)
}

func (s *Server) setIRBrightness(c *gin.Context) {
	var req irBrightnessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.viewer.SetIRBrightness(*req.Brightness); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, s.viewer.Snapshot().Settings)
}

func (s *Server) setResolution(c *gin.Context) {
	var req resolutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	r, err := settings.ParseResolution(req.Resolution)
	if err != nil {
		abort(c, err)
		return
	}
	if err := s.viewer.SetResolution(r); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, s.viewer.Snapshot().Settings)
}
