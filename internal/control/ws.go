package control

import (
	"sync"
	"time"

	"feedview/native/internal/viewer"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeTimeout = 10 * time.Second
	// snapshots queued per client before older ones are dropped
	feedBuffer = 16
)

// message is the websocket envelope.
type message struct {
	Type  string           `json:"type"`
	State *viewer.Snapshot `json:"state,omitempty"`
}

// feed pushes viewer snapshots to one websocket client.
type feed struct {
	conn *websocket.Conn
	log  *zap.Logger

	mu     sync.Mutex
	closed chan struct{}
	once   sync.Once
}

func (s *Server) serveWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	f := &feed{
		conn:   conn,
		log:    s.log.Named("ws").With(zap.String("remote", c.Request.RemoteAddr)),
		closed: make(chan struct{}),
	}
	f.log.Debug("client connected")

	updates := make(chan viewer.Snapshot, feedBuffer)
	cancel := s.viewer.Subscribe(func(snap viewer.Snapshot) {
		select {
		case updates <- snap:
		default:
			// slow client: drop the oldest queued snapshot to make room
			select {
			case <-updates:
			default:
			}
			select {
			case updates <- snap:
			default:
			}
		}
	})
	defer cancel()

	go f.readLoop(s.opts.PingInterval)
	go f.pingLoop(s.opts.PingInterval)

	initial := s.viewer.Snapshot()
	if err := f.sendJSON(message{Type: "state", State: &initial}); err != nil {
		f.Close()
	}

	for {
		select {
		case <-f.closed:
			f.log.Debug("client disconnected")
			return
		case <-s.ctx.Done():
			f.Close()
			return
		case snap := <-updates:
			if err := f.sendJSON(message{Type: "state", State: &snap}); err != nil {
				f.log.Debug("write failed", zap.Error(err))
				f.Close()
			}
		}
	}
}

func (f *feed) sendJSON(msg any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	_ = f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(msg)
}

// readLoop drains client frames so pongs and close frames are processed.
func (f *feed) readLoop(pingInterval time.Duration) {
	defer f.Close()

	readTimeout := 2 * pingInterval
	_ = f.conn.SetReadDeadline(time.Now().Add(readTimeout))
	f.conn.SetPongHandler(func(string) error {
		return f.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		if _, _, err := f.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				f.log.Debug("read error", zap.Error(err))
			}
			return
		}
		_ = f.conn.SetReadDeadline(time.Now().Add(readTimeout))
	}
}

func (f *feed) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.closed:
			return
		case <-ticker.C:
			f.mu.Lock()
			err := f.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			f.mu.Unlock()
			if err != nil {
				f.log.Debug("ping failed", zap.Error(err))
				f.Close()
				return
			}
		}
	}
}

func (f *feed) Close() {
	f.once.Do(func() {
		close(f.closed)
		f.conn.Close()
	})
}
