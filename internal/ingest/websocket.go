package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/austindbirch/harbor_upload/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxClientFrame = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Callers are authenticated by the middleware, not by origin
	CheckOrigin: func(*http.Request) bool { return true },
}

// clientFrame is the only thing a subscriber sends: {"ack":"<eventId>"}
type clientFrame struct {
	Ack string `json:"ack"`
}

// handleEvents attaches a subscription for the lifetime of the socket
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	// Attach first so nothing published after the handshake completes is missed
	sub := s.events.Attach(r.Context())
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		sub.Close()
		s.log.WithContext(r.Context()).WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := &wsClient{
		server: s,
		conn:   conn,
		sub:    sub,
	}
	s.log.WithContext(r.Context()).WithField("remote", r.RemoteAddr).Info("subscriber attached")

	go c.writePump()
	c.readPump(r.Context())
	s.log.WithContext(r.Context()).WithField("remote", r.RemoteAddr).Info("subscriber detached")
}

type wsClient struct {
	server *Server
	conn   *websocket.Conn
	sub    *events.Subscription
}

// readPump handles acknowledgements until the socket closes, then detaches the subscription
func (c *wsClient) readPump(ctx context.Context) {
	defer func() {
		c.sub.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxClientFrame)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.server.log.WithContext(ctx).WithError(err).Warn("websocket read failed")
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Ack == "" {
			c.server.log.WithContext(ctx).WithField("frame", string(data)).Warn("ignoring unrecognised client frame")
			continue
		}
		if err := c.server.AcknowledgeEvent(ctx, frame.Ack); err != nil {
			c.server.log.WithContext(ctx).WithEvent(frame.Ack).WithError(err).Warn("acknowledge failed")
		}
	}
}

// writePump sends each message as one JSON text frame and keeps the connection alive
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.sub.C():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
