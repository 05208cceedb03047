package main

import (
	"sync/atomic"

	"feedview/native/internal/domain"
)

// sessionEnd decides when a headless run is over: once the session has
// left NotConnected, any return to it ends the run, whether or not media
// ever arrived.
type sessionEnd struct {
	started atomic.Bool
}

// Observe reports whether state ends the run.
func (e *sessionEnd) Observe(state domain.ConnectionState) bool {
	if state != domain.NotConnected {
		e.started.Store(true)
		return false
	}
	return e.started.Load()
}
