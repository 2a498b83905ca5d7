package gateway

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// wsFrame is the envelope for events forwarded to stream observers.
type wsFrame struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// handleWS upgrades the connection and forwards committed mutations.
// Each connection owns exactly one bus subscription, registered on
// accept and released on close. There is no replay: a reconnecting
// client refetches /api/tasks and /api/actions, then resumes from live
// events. Slow consumers lose frames at the bus buffer rather than
// stalling the mutation path.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	identity, err := s.cfg.Auth.Authenticate(ExtractToken(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket
		// library; cross-origin requires an explicit allowlist entry.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}

	sub := s.cfg.Bus.Subscribe("")
	s.log.Info("ws: client connected", "user_id", identity.UserID)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.WSConnections.Add(r.Context(), 1)
	}
	defer func() {
		s.cfg.Bus.Unsubscribe(sub)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.WSConnections.Add(context.Background(), -1)
		}
		s.log.Info("ws: client disconnected", "user_id", identity.UserID)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	// The stream is one-way. CloseRead discards inbound frames and
	// cancels the context when the client goes away.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, wsFrame{Event: evt.Topic, Payload: evt.Payload}); err != nil {
				s.log.Warn("ws: write failed, closing", "error", err)
				return
			}
		}
	}
}
