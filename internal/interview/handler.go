package interview

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/hiring-assistant/internal/api"
	"github.com/ashureev/hiring-assistant/internal/domain"
	"github.com/ashureev/hiring-assistant/internal/identity"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

// checkpointTimeout bounds a store write issued after the request context
// may already be gone.
const checkpointTimeout = 5 * time.Second

// HandlerConfig tunes the HTTP surface.
type HandlerConfig struct {
	MaxRequestBodySize int64
	KeepaliveInterval  time.Duration
	RateLimitRequests  int
	RateLimitWindow    time.Duration
	// AllowedOrigin is checked on WebSocket upgrades outside development.
	AllowedOrigin string
	IsDev         bool
}

// Handler exposes interviews over HTTP with SSE streaming and a WebSocket channel.
type Handler struct {
	registry    *Registry
	rateLimiter *RateLimiter
	log         ConversationLogger
	cfg         HandlerConfig
	logger      *slog.Logger
}

// NewHandler creates an interview handler.
func NewHandler(registry *Registry, conversationLogger ConversationLogger, cfg HandlerConfig, logger *slog.Logger) *Handler {
	if conversationLogger == nil {
		conversationLogger = noopConversationLogger{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRequestBodySize <= 0 {
		cfg.MaxRequestBodySize = defaultMaxRequestBodySize
	}
	return &Handler{
		registry:    registry,
		rateLimiter: NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow),
		log:         conversationLogger,
		cfg:         cfg,
		logger:      logger,
	}
}

// RegisterRoutes registers interview routes (requires identity middleware).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/interview", func(r chi.Router) {
		r.Get("/", h.HandleGet)
		r.Delete("/", h.HandleReset)
		r.Post("/messages", h.HandleMessage)
		r.Post("/retry", h.HandleRetry)
		r.Post("/credential", h.HandleCredential)
	})
	r.Get("/ws/interview", h.HandleWebSocket)
}

// Close releases handler resources.
func (h *Handler) Close() {
	h.rateLimiter.Stop()
	if err := h.log.Close(); err != nil {
		h.logger.Warn("failed to close conversation logger", "error", err)
	}
}

type interviewView struct {
	ID                 string              `json:"id"`
	State              domain.SessionState `json:"state"`
	Turns              []domain.Turn       `json:"turns"`
	Submission         string              `json:"submission,omitempty"`
	Terminal           bool                `json:"terminal"`
	Busy               bool                `json:"busy"`
	CredentialRequired bool                `json:"credential_required"`
	Warning            string              `json:"warning,omitempty"`
}

func viewOf(ctrl *Controller) interviewView {
	v := interviewView{
		ID:                 ctrl.ID(),
		State:              ctrl.State(),
		Turns:              ctrl.Transcript(),
		Terminal:           ctrl.Terminal(),
		Busy:               ctrl.Busy(),
		CredentialRequired: !ctrl.HasCredential(),
	}
	if loc := ctrl.Location(); loc != "" {
		v.Submission = filepath.Base(loc)
	}
	return v
}

type messageRequest struct {
	Message string `json:"message"`
}

type credentialRequest struct {
	Token string `json:"token"`
}

type errorPayload struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

type donePayload struct {
	Turn       domain.Turn         `json:"turn"`
	State      domain.SessionState `json:"state"`
	Submission string              `json:"submission,omitempty"`
	Terminal   bool                `json:"terminal"`
	Warning    string              `json:"warning,omitempty"`
}

func (h *Handler) controllerFor(w http.ResponseWriter, r *http.Request) (*Controller, string, string, bool) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return nil, "", "", false
	}

	ctrl, err := h.registry.Get(r.Context(), userID, sessionID)
	if err != nil {
		h.logger.Error("failed to load interview", "error", err, "user_id", userID, "session_id", sessionID)
		api.Error(w, http.StatusInternalServerError, "failed to load interview")
		return nil, "", "", false
	}
	return ctrl, userID, sessionID, true
}

// finalize runs the render-cycle check and checkpoints a state change.
// It returns a warning for the client when persistence failed.
func (h *Handler) finalize(ctx context.Context, userID, sessionID string, ctrl *Controller) string {
	wasClosed := ctrl.State() == domain.SessionClosed
	closed, err := ctrl.CheckAndFinalize(ctx)
	if err != nil {
		h.logger.Warn("failed to finalize interview", "error", err, "user_id", userID, "session_id", sessionID)
		return "Your answers could not be saved yet. They are kept and saving will be retried."
	}
	if closed && !wasClosed {
		h.checkpoint(userID, sessionID, ctrl)
		h.log.Log(ConversationLogEvent{
			UserID:    userID,
			SessionID: sessionID,
			Channel:   "interview",
			Direction: "internal",
			EventType: "interview_finalized",
			Meta: map[string]any{
				"interview_id": ctrl.ID(),
				"location":     ctrl.Location(),
			},
		})
	}
	return ""
}

func (h *Handler) checkpoint(userID, sessionID string, ctrl *Controller) {
	ctx, cancel := context.WithTimeout(context.Background(), checkpointTimeout)
	defer cancel()
	if err := h.registry.Save(ctx, userID, sessionID, ctrl); err != nil {
		h.logger.Warn("failed to checkpoint interview", "error", err, "user_id", userID, "session_id", sessionID)
	}
}

// HandleGet handles GET /api/interview.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctrl, userID, sessionID, ok := h.controllerFor(w, r)
	if !ok {
		return
	}
	warning := h.finalize(r.Context(), userID, sessionID, ctrl)
	view := viewOf(ctrl)
	view.Warning = warning
	api.JSON(w, http.StatusOK, view)
}

// HandleReset handles DELETE /api/interview.
func (h *Handler) HandleReset(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := h.registry.Reset(r.Context(), userID, sessionID); err != nil {
		h.logger.Error("failed to reset interview", "error", err, "user_id", userID)
		api.Error(w, http.StatusInternalServerError, "failed to reset interview")
		return
	}
	api.JSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// HandleCredential handles POST /api/interview/credential.
func (h *Handler) HandleCredential(w http.ResponseWriter, r *http.Request) {
	ctrl, _, _, ok := h.controllerFor(w, r)
	if !ok {
		return
	}
	var req credentialRequest
	if err := api.DecodeJSON(w, r, h.cfg.MaxRequestBodySize, &req); err != nil {
		api.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	ctrl.SetCredential(req.Token)
	api.JSON(w, http.StatusOK, map[string]bool{"credential_configured": ctrl.HasCredential()})
}

// HandleMessage handles POST /api/interview/messages and streams the reply as SSE.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID != "" && !h.rateLimiter.Allow(userID) {
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req messageRequest
	if err := api.DecodeJSON(w, r, h.cfg.MaxRequestBodySize, &req); err != nil {
		api.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	ctrl, userID, sessionID, ok := h.controllerFor(w, r)
	if !ok {
		return
	}

	h.logger.Info("Interview message",
		"user_id", userID,
		"session_id", sessionID,
		"interview_id", ctrl.ID(),
		"message_length", len(req.Message),
		"remote_ip", identity.IPFromRequest(r),
	)
	h.log.Log(ConversationLogEvent{
		UserID:     userID,
		SessionID:  sessionID,
		Channel:    "interview_http",
		Direction:  "outbound",
		EventType:  "user_turn",
		ContentRaw: req.Message,
		Meta:       map[string]any{"request_id": chiMiddleware.GetReqID(r.Context())},
	})

	h.streamTurn(w, r, userID, sessionID, ctrl, func(ctx context.Context, onFragment func(string)) (domain.Turn, error) {
		return ctrl.SubmitUserTurn(ctx, req.Message, onFragment)
	})
}

// HandleRetry handles POST /api/interview/retry.
func (h *Handler) HandleRetry(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID != "" && !h.rateLimiter.Allow(userID) {
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	ctrl, userID, sessionID, ok := h.controllerFor(w, r)
	if !ok {
		return
	}
	h.streamTurn(w, r, userID, sessionID, ctrl, ctrl.RetryLastTurn)
}

type turnFunc func(ctx context.Context, onFragment func(string)) (domain.Turn, error)

// sseStream serializes event writes from the turn and the keepalive ticker.
type sseStream struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	failed  bool
}

func (s *sseStream) send(event string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return io.ErrClosedPipe
	}
	if err := writeSSE(s.w, event, string(data)); err != nil {
		s.failed = true
		return err
	}
	s.flusher.Flush()
	return nil
}

func (h *Handler) streamTurn(w http.ResponseWriter, r *http.Request, userID, sessionID string, ctrl *Controller, run turnFunc) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		api.Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	stream := &sseStream{w: w, flusher: flusher}

	stopKeepalive := make(chan struct{})
	var keepaliveDone sync.WaitGroup
	if h.cfg.KeepaliveInterval > 0 {
		keepaliveDone.Add(1)
		go func() {
			defer keepaliveDone.Done()
			ticker := time.NewTicker(h.cfg.KeepaliveInterval)
			defer ticker.Stop()
			for {
				select {
				case <-stopKeepalive:
					return
				case <-r.Context().Done():
					return
				case <-ticker.C:
					if err := stream.send("ping", map[string]string{"status": "alive"}); err != nil {
						return
					}
				}
			}
		}()
	}

	var fragments int
	turn, err := run(r.Context(), func(fragment string) {
		fragments++
		if sendErr := stream.send("fragment", map[string]string{"content": fragment}); sendErr != nil {
			h.logger.Debug("failed to write SSE fragment", "error", sendErr, "user_id", userID)
		}
	})

	close(stopKeepalive)
	keepaliveDone.Wait()

	// The user turn is recorded even when the reply failed.
	h.checkpoint(userID, sessionID, ctrl)

	if err != nil {
		kind := ErrorKind(err)
		h.log.Log(ConversationLogEvent{
			UserID:     userID,
			SessionID:  sessionID,
			Channel:    "interview_http",
			Direction:  "inbound",
			EventType:  "assistant_turn_failed",
			ContentRaw: err.Error(),
			Meta:       map[string]any{"kind": kind, "stream_chunks": fragments},
		})
		if sendErr := stream.send("error", errorPayload{Error: err.Error(), Kind: kind}); sendErr != nil {
			h.logger.Warn("failed to write SSE error event", "error", sendErr, "user_id", userID)
		}
		return
	}

	h.log.Log(ConversationLogEvent{
		UserID:     userID,
		SessionID:  sessionID,
		Channel:    "interview_http",
		Direction:  "inbound",
		EventType:  "assistant_turn",
		ContentRaw: turn.Content,
		Meta:       map[string]any{"stream_chunks": fragments},
	})

	warning := h.finalize(context.WithoutCancel(r.Context()), userID, sessionID, ctrl)
	done := donePayload{
		Turn:     turn,
		State:    ctrl.State(),
		Terminal: ctrl.Terminal(),
		Warning:  warning,
	}
	if loc := ctrl.Location(); loc != "" {
		done.Submission = filepath.Base(loc)
	}
	if sendErr := stream.send("done", done); sendErr != nil {
		h.logger.Warn("failed to write SSE done event", "error", sendErr, "user_id", userID)
	}
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
