package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/domain"
)

const wsWriteTimeout = 10 * time.Second

// wsHandler serves the same feed as the SSE endpoint over a WebSocket.
// Each event is one JSON text message; the server closes the socket with
// a normal closure after the terminal job_status event.
func (s *Server) wsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := s.ownedJob(r)
		if err != nil {
			s.fail(w, r, err)
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", "job_id", job.ID, "error", err)
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// The client never sends data; reading surfaces its close.
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
						s.logger.Debug("websocket read error", "job_id", job.ID, "error", err)
					}
					return
				}
			}
		}()

		emit := func(ev domain.ExecutionEvent) error {
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			return conn.WriteJSON(ev)
		}
		heartbeat := func() error {
			return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
		}

		if err := s.stream(ctx, job.ID, 0, emit, heartbeat); err != nil {
			s.logger.Debug("websocket stream ended", "job_id", job.ID, "error", err)
			return
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
	}
}
