package dashboard

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/zulandar/botfleet/internal/broadcast"
	"github.com/zulandar/botfleet/internal/session"
)

const (
	heartbeatInterval = 15 * time.Second

	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// streamMessage is one websocket frame.
type streamMessage struct {
	Type     string            `json:"type"`
	Snapshot *session.Snapshot `json:"snapshot,omitempty"`
}

// handleSSE streams every published snapshot as an SSE "snapshot" event. The
// stream opens with the current snapshot of every account.
func (h *handlers) handleSSE(c *gin.Context) {
	if h.feed == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "live updates are disabled"})
		return
	}
	sub := h.feed.Subscribe()
	defer h.feed.Unsubscribe(sub)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.SSEvent("connected", gin.H{"type": "connected"})
	c.Writer.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	ctx := c.Request.Context()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			c.SSEvent("heartbeat", gin.H{"timestamp": time.Now().UTC().Format(time.RFC3339)})
			c.Writer.Flush()
		case s, ok := <-sub.C:
			if !ok {
				// Dropped for falling behind; the client reconnects and resyncs.
				return
			}
			c.SSEvent("snapshot", s)
			c.Writer.Flush()
		}
	}
}

// handleWS streams snapshots over a websocket. Clients only read; anything
// they send is discarded.
func (h *handlers) handleWS(c *gin.Context) {
	if h.feed == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "live updates are disabled"})
		return
	}
	upgrader := websocket.Upgrader{CheckOrigin: sameOrigin}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("dashboard: ws upgrade: %v", err)
		return
	}
	defer conn.Close()

	sub := h.feed.Subscribe()
	defer h.feed.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	var writeMu sync.Mutex
	write := func(msg streamMessage) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteJSON(msg)
	}

	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	go pingLoop(ctx, conn, &writeMu)

	if err := write(streamMessage{Type: "connected"}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			writeMu.Lock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeTimeout))
			writeMu.Unlock()
			return
		case s, ok := <-sub.C:
			if !ok {
				return
			}
			if err := write(streamMessage{Type: "snapshot", Snapshot: &s}); err != nil {
				return
			}
		}
	}
}

// pingLoop keeps the read deadline alive on idle connections.
func pingLoop(ctx context.Context, conn *websocket.Conn, writeMu *sync.Mutex) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// sameOrigin accepts requests without an Origin header (CLI clients) and
// browser requests from the dashboard's own host.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Host == r.Host
}

var _ Feed = (*broadcast.Hub)(nil)
