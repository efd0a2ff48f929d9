package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/ashureev/keysearch/internal/identity"
	"github.com/coder/websocket"
)

// queryFrame is a client message on a query stream.
type queryFrame struct {
	Question string `json:"question"`
}

// QueryStream upgrades a gated request to a WebSocket. Each text frame
// carrying a question runs the query pipeline and is answered with one
// envelope frame, in order.
func (h *Handler) QueryStream(w http.ResponseWriter, r *http.Request) {
	key, ok := identity.SessionKeyFromContext(r.Context())
	if !ok {
		WriteOutcome(w, invalidInput("missing session"))
		return
	}
	sessionID := key.String()

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(h.origins),
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "session_id", sessionID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()

	h.streams.Register(sessionID, ws)
	defer h.streams.Unregister(sessionID, ws)

	ctx := r.Context()
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("WebSocket closed by client", "session_id", sessionID)
			} else if ctx.Err() == nil {
				h.logger.Warn("WebSocket read error", "error", err, "session_id", sessionID)
			}
			return
		}

		var frame queryFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			if err := h.writeFrame(ctx, ws, NewEnvelope(invalidInput("frame must be {\"question\": ...}"))); err != nil {
				return
			}
			continue
		}

		out := h.svc.AnswerQuery(ctx, sessionID, frame.Question)
		if err := h.writeFrame(ctx, ws, NewEnvelope(out)); err != nil {
			h.logger.Debug("Failed to write query result", "error", err, "session_id", sessionID)
			return
		}
	}
}

func (h *Handler) writeFrame(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

// originPatterns converts allowed CORS origins to WebSocket host patterns.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, strings.TrimSpace(o))
	}
	return patterns
}
