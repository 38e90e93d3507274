package events

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
	"nhooyr.io/websocket"

	"agora/api"
)

const wsWriteTimeout = 10 * time.Second

// streamMessage is the frame sent on the live websocket.
type streamMessage struct {
	Type  string `json:"type"`
	Event Event  `json:"event"`
}

// Routes mounts the read surface of the event log. Every service mounts the
// same routes since the log table is shared.
func Routes(db *gorm.DB, hub *Hub) func(chi.Router) {
	return func(r chi.Router) {
		r.Get("/events", handleCatchUp(db))
		r.Get("/events/stream", handleStream(hub))
	}
}

func handleCatchUp(db *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		after := int64(0)
		if raw := r.URL.Query().Get("after"); raw != "" {
			parsed, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || parsed < 0 {
				api.WriteError(w, http.StatusBadRequest, api.KindValidation, "after must be a non-negative integer")
				return
			}
			after = parsed
		}
		limit := 100
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				api.WriteError(w, http.StatusBadRequest, api.KindValidation, "limit must be a positive integer")
				return
			}
			limit = parsed
		}
		evts, err := After(db, after, limit)
		if err != nil {
			api.WriteError(w, http.StatusInternalServerError, api.KindInternal, "event query failed")
			return
		}
		if evts == nil {
			evts = []Event{}
		}
		api.WriteJSON(w, http.StatusOK, map[string]any{"events": evts})
	}
}

func handleStream(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if hub == nil {
			api.WriteError(w, http.StatusServiceUnavailable, api.KindTransient, "stream unavailable")
			return
		}
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "stream closed")
		if err := stream(r.Context(), conn, hub); err != nil {
			if status := websocket.CloseStatus(err); status == -1 {
				_ = conn.Close(websocket.StatusInternalError, "stream error")
			}
		}
	}
}

func stream(ctx context.Context, conn *websocket.Conn, hub *Hub) error {
	updates, cancel := hub.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-updates:
			if !ok {
				return nil
			}
			if err := writeEvent(ctx, conn, evt); err != nil {
				return err
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt Event) error {
	data, err := json.Marshal(streamMessage{Type: "economy_event", Event: evt})
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
