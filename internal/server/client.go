package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	maxFrameSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// CORS policy is enforced at the HTTP layer; the browser same-origin
		// check adds nothing for a token-authenticated socket.
		return true
	},
}

// ServeWS upgrades the request, registers a session, and runs the read and
// write pumps until the connection drops. A valid token query parameter
// pre-authenticates the session so the client can skip the authenticate
// event after a reconnect.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request, preAuthUsername string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	session := g.hub.Register()
	ctx := context.Background()

	if preAuthUsername != "" {
		_ = g.Authenticate(ctx, session, preAuthUsername)
	}

	go g.writePump(conn, session)
	g.readPump(ctx, conn, session)
}

// readPump decodes frames and runs each event to completion before reading
// the next, so one connection's events never interleave with each other.
func (g *Gateway) readPump(ctx context.Context, conn *websocket.Conn, session *Session) {
	defer func() {
		g.HandleDisconnect(ctx, session)
		conn.Close()
	}()

	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Debug("websocket closed unexpectedly",
					zap.String("session_id", session.ID()), zap.Error(err))
			}
			return
		}
		g.HandleFrame(ctx, session, frame)
	}
}

func (g *Gateway) writePump(conn *websocket.Conn, session *Session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case event := <-session.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-session.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
