package interview

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/hiring-assistant/internal/domain"
	"github.com/ashureev/hiring-assistant/internal/identity"
)

const wsWriteTimeout = 10 * time.Second

// wsMessage is a client-to-server frame.
type wsMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// wsEvent is a server-to-client frame.
type wsEvent struct {
	Type       string         `json:"type"`
	Content    string         `json:"content,omitempty"`
	Kind       string         `json:"kind,omitempty"`
	Turn       *domain.Turn   `json:"turn,omitempty"`
	Interview  *interviewView `json:"interview,omitempty"`
	Submission string         `json:"submission,omitempty"`
	Terminal   bool           `json:"terminal,omitempty"`
	Warning    string         `json:"warning,omitempty"`
}

// HandleWebSocket handles GET /ws/interview.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	h.logger.Info("WebSocket connection request", "user_id", userID, "session_id", sessionID, "ip", r.RemoteAddr)

	if userID == "" {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ctrl, err := h.registry.Get(r.Context(), userID, sessionID)
	if err != nil {
		h.logger.Error("failed to load interview", "error", err, "user_id", userID)
		http.Error(w, `{"error":"failed to load interview"}`, http.StatusInternalServerError)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	ctx := r.Context()

	warning := h.finalize(ctx, userID, sessionID, ctrl)
	view := viewOf(ctrl)
	view.Warning = warning
	if err := h.writeJSON(ctx, ws, wsEvent{Type: "transcript", Interview: &view}); err != nil {
		h.logger.Debug("Failed to send transcript", "error", err)
		return
	}

	h.readLoop(ctx, ws, ctrl, userID, sessionID)
	h.logger.Info("Interview WebSocket closed", "user_id", userID, "session_id", sessionID)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.cfg.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.cfg.AllowedOrigin == "" || h.cfg.AllowedOrigin == "*" {
		return true
	}
	if origin == h.cfg.AllowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.cfg.AllowedOrigin)
	return false
}

// readLoop serves client frames. The controller is looked up again for every
// frame that touches the interview, so a socket outlives eviction and reset.
func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, ctrl *Controller, userID, sessionID string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("WebSocket closed by client", "user_id", userID)
			} else if ctx.Err() == nil {
				h.logger.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			if err := h.writeJSON(ctx, ws, wsEvent{Type: "error", Kind: "input", Content: "malformed message"}); err != nil {
				return
			}
			continue
		}

		switch msg.Type {
		case "ping":
			if err := h.writeJSON(ctx, ws, wsEvent{Type: "pong"}); err != nil {
				h.logger.Debug("Failed to send pong", "error", err)
				return
			}
		case "credential":
			var ok bool
			if ctrl, ok = h.reattach(ctx, ws, ctrl, userID, sessionID); !ok {
				return
			}
			if ctrl == nil {
				continue
			}
			ctrl.SetCredential(msg.Content)
			view := viewOf(ctrl)
			if err := h.writeJSON(ctx, ws, wsEvent{Type: "transcript", Interview: &view}); err != nil {
				return
			}
		case "message", "retry":
			if !h.rateLimiter.Allow(userID) {
				if err := h.writeJSON(ctx, ws, wsEvent{Type: "error", Kind: "rate_limited", Content: "rate limit exceeded"}); err != nil {
					return
				}
				continue
			}
			var ok bool
			if ctrl, ok = h.reattach(ctx, ws, ctrl, userID, sessionID); !ok {
				return
			}
			if ctrl == nil {
				continue
			}
			if !h.wsTurn(ctx, ws, ctrl, userID, sessionID, msg) {
				return
			}
		default:
			if err := h.writeJSON(ctx, ws, wsEvent{Type: "error", Kind: "input", Content: "unknown message type"}); err != nil {
				return
			}
		}
	}
}

// reattach returns the registry's current controller for the tab. When it
// differs from prev, the client first gets the transcript it now addresses.
// A nil controller means the lookup failed and the client was told so; ok
// reports whether the connection is still usable.
func (h *Handler) reattach(ctx context.Context, ws *websocket.Conn, prev *Controller, userID, sessionID string) (*Controller, bool) {
	ctrl, err := h.registry.Get(ctx, userID, sessionID)
	if err != nil {
		h.logger.Error("failed to load interview", "error", err, "user_id", userID, "session_id", sessionID)
		return nil, h.writeJSON(ctx, ws, wsEvent{Type: "error", Kind: "internal", Content: "failed to load interview"}) == nil
	}
	if ctrl == prev {
		return ctrl, true
	}

	h.logger.Debug("WebSocket reattached to interview", "user_id", userID, "session_id", sessionID, "interview_id", ctrl.ID())
	view := viewOf(ctrl)
	if err := h.writeJSON(ctx, ws, wsEvent{Type: "transcript", Interview: &view}); err != nil {
		return nil, false
	}
	return ctrl, true
}

// wsTurn runs one turn and reports whether the connection is still usable.
func (h *Handler) wsTurn(ctx context.Context, ws *websocket.Conn, ctrl *Controller, userID, sessionID string, msg wsMessage) bool {
	writeFailed := false
	onFragment := func(fragment string) {
		if writeFailed {
			return
		}
		if err := h.writeJSON(ctx, ws, wsEvent{Type: "fragment", Content: fragment}); err != nil {
			writeFailed = true
		}
	}

	var turn domain.Turn
	var err error
	if msg.Type == "retry" {
		turn, err = ctrl.RetryLastTurn(ctx, onFragment)
	} else {
		h.log.Log(ConversationLogEvent{
			UserID:     userID,
			SessionID:  sessionID,
			Channel:    "interview_ws",
			Direction:  "outbound",
			EventType:  "user_turn",
			ContentRaw: msg.Content,
		})
		turn, err = ctrl.SubmitUserTurn(ctx, msg.Content, onFragment)
	}
	h.checkpoint(userID, sessionID, ctrl)

	if err != nil {
		h.log.Log(ConversationLogEvent{
			UserID:     userID,
			SessionID:  sessionID,
			Channel:    "interview_ws",
			Direction:  "inbound",
			EventType:  "assistant_turn_failed",
			ContentRaw: err.Error(),
			Meta:       map[string]any{"kind": ErrorKind(err)},
		})
		return h.writeJSON(ctx, ws, wsEvent{Type: "error", Kind: ErrorKind(err), Content: err.Error()}) == nil
	}
	if writeFailed {
		return false
	}

	h.log.Log(ConversationLogEvent{
		UserID:     userID,
		SessionID:  sessionID,
		Channel:    "interview_ws",
		Direction:  "inbound",
		EventType:  "assistant_turn",
		ContentRaw: turn.Content,
	})

	warning := h.finalize(ctx, userID, sessionID, ctrl)
	if err := h.writeJSON(ctx, ws, wsEvent{Type: "turn", Turn: &turn, Terminal: ctrl.Terminal(), Warning: warning}); err != nil {
		return false
	}
	if ctrl.State() == domain.SessionClosed {
		if err := h.writeJSON(ctx, ws, wsEvent{Type: "closed", Submission: filepath.Base(ctrl.Location())}); err != nil {
			return false
		}
	}
	return true
}

func (h *Handler) writeJSON(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}
