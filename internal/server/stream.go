package server

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	streamBuffer  = 256
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	// the API listens on loopback by default
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleSSE streams bus messages as Server-Sent Events named by topic.
func (r *Router) handleSSE(c *gin.Context) {
	sub := r.be.Subscribe(streamBuffer, parseTopics(c.Query("topics"))...)
	defer sub.Close()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Header("Content-Type", "text/event-stream")
	// send headers now so clients see the stream open before the first event
	c.Status(http.StatusOK)
	c.Writer.Flush()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case m, ok := <-sub.C:
			if !ok {
				return false
			}
			c.SSEvent(string(m.Topic), m)
			return true
		case <-ticker.C:
			c.SSEvent("ping", gin.H{"at": time.Now().UTC()})
			return true
		}
	})
}

// handleWS streams bus messages as JSON text frames. Client frames are read
// only to notice a close.
func (r *Router) handleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("websocket upgrade", "error", err)
		return
	}
	sub := r.be.Subscribe(streamBuffer, parseTopics(c.Query("topics"))...)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readDeadline))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					slog.Debug("websocket read", "error", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		sub.Close()
		_ = conn.Close()
	}()
	for {
		select {
		case <-closed:
			return
		case m, ok := <-sub.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(m); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
