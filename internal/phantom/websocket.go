package phantom

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/phantom/internal/identity"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	phaseStreamPingInterval = 30 * time.Second
	phaseStreamWriteTimeout = 5 * time.Second
)

// phaseFrame is the websocket message describing the room's thinking state.
type phaseFrame struct {
	Type string `json:"type"`
	State
}

// HandlePhaseStream upgrades to a websocket and streams the room's thinking
// state, starting with the current state and then every phase change.
func (h *Handler) HandlePhaseStream(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKeyFromRequest(r)
	if !ok {
		http.Error(w, "world and room are required", http.StatusBadRequest)
		return
	}
	userID := identity.UserIDFromContext(r.Context())

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	// Clients only listen; CloseRead handles control frames and reports disconnects.
	ctx := ws.CloseRead(r.Context())

	ctrl := h.registry.Get(key)
	events, unsubscribe := ctrl.Subscribe(16)
	defer unsubscribe()

	slog.Info("Phase stream connected", "user_id", userID, "world_id", key.WorldID, "room_id", key.RoomID)

	if err := writeFrame(ctx, ws, ctrl.State()); err != nil {
		slog.Debug("Failed to send initial phase state", "error", err, "user_id", userID)
		return
	}

	ping := time.NewTicker(phaseStreamPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Phase stream disconnected", "user_id", userID, "room_id", key.RoomID)
			return
		case ev, open := <-events:
			if !open {
				_ = ws.Close(websocket.StatusGoingAway, "room closed")
				return
			}
			if err := writeFrame(ctx, ws, ev.State()); err != nil {
				slog.Debug("Failed to write phase event", "error", err, "user_id", userID)
				return
			}
		case <-ping.C:
			pingCtx, cancel := context.WithTimeout(ctx, phaseStreamWriteTimeout)
			err := ws.Ping(pingCtx)
			cancel()
			if err != nil {
				slog.Debug("Phase stream ping failed", "error", err, "user_id", userID)
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, ws *websocket.Conn, state State) error {
	ctx, cancel := context.WithTimeout(ctx, phaseStreamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, ws, phaseFrame{Type: "phase", State: state})
}
