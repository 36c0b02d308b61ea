// Package interview drives the conversation lifecycle of a candidate
// screening: greeting, model-led questioning, detection of the closing phrase
// and persistence of the finished transcript.
package interview

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/hiring-assistant/internal/domain"
	"github.com/ashureev/hiring-assistant/internal/gateway"
	"github.com/ashureev/hiring-assistant/internal/prompts"
)

// Persister stores a finished transcript and returns its location.
type Persister interface {
	Persist(ctx context.Context, turns []domain.Turn) (string, error)
}

// Options configures the completion calls a controller makes.
type Options struct {
	Catalog     prompts.Catalog
	Model       string
	Temperature float64
	// Timeout bounds one completion call. Zero means no bound beyond the
	// caller's context.
	Timeout time.Duration
}

// credentialed is implemented by gateways that know whether they hold a
// credential of their own.
type credentialed interface {
	IsConfigured() bool
}

// Controller owns one interview transcript. All methods are safe for
// concurrent use; at most one completion call runs at a time.
type Controller struct {
	mu sync.Mutex

	id        string
	gateway   gateway.Gateway
	persister Persister
	opts      Options
	base      *slog.Logger
	logger    *slog.Logger
	now       func() time.Time

	system     domain.Turn
	turns      []domain.Turn
	state      domain.SessionState
	location   string
	credential string
	createdAt  time.Time
	updatedAt  time.Time

	busy     bool
	cancel   context.CancelFunc
	shutdown bool
}

// NewController creates an uninitialized controller with a fresh interview ID.
func NewController(gw gateway.Gateway, persister Persister, opts Options, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Catalog.ThankYou == "" {
		opts.Catalog = prompts.Default()
	}
	id := uuid.Must(uuid.NewV7()).String()
	now := time.Now()
	return &Controller{
		id:        id,
		gateway:   gw,
		persister: persister,
		opts:      opts,
		base:      logger,
		logger:    logger.With("interview_id", id),
		now:       time.Now,
		state:     domain.SessionActive,
		createdAt: now,
		updatedAt: now,
	}
}

// Initialize seeds the transcript with the greeting and prepares the system
// instructions. Calling it again has no effect.
func (c *Controller) Initialize() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initializeLocked()
}

func (c *Controller) initializeLocked() {
	if len(c.turns) == 0 {
		c.turns = []domain.Turn{domain.NewAssistantTurn(c.opts.Catalog.Greeting)}
	}
	if c.system.Content == "" {
		c.system = domain.NewSystemTurn(c.opts.Catalog.SystemInstructions())
	}
}

// IsTerminal reports whether the last turn is an assistant turn containing
// closingPhrase.
func IsTerminal(turns []domain.Turn, closingPhrase string) bool {
	if len(turns) == 0 || closingPhrase == "" {
		return false
	}
	last := turns[len(turns)-1]
	return last.Role == domain.RoleAssistant && strings.Contains(last.Content, closingPhrase)
}

// Terminal reports whether the interview has reached its closing turn.
func (c *Controller) Terminal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminalLocked()
}

func (c *Controller) terminalLocked() bool {
	return c.state == domain.SessionClosed || IsTerminal(c.turns, c.opts.Catalog.ThankYou)
}

// SubmitUserTurn appends text as a user turn, asks the model for a reply and
// appends it. onFragment, when non-nil, receives reply fragments as they
// arrive. On a gateway failure the user turn is kept and no assistant turn is
// recorded.
func (c *Controller) SubmitUserTurn(ctx context.Context, text string, onFragment func(string)) (domain.Turn, error) {
	if strings.TrimSpace(text) == "" {
		c.mu.Lock()
		closed := c.shutdown || c.terminalLocked()
		c.mu.Unlock()
		if closed {
			return domain.Turn{}, ErrSessionClosed
		}
		return domain.Turn{}, ErrEmptyInput
	}
	return c.exchange(ctx, &text, onFragment)
}

// RetryLastTurn requests a reply for a trailing user turn left unanswered by
// a failed completion call.
func (c *Controller) RetryLastTurn(ctx context.Context, onFragment func(string)) (domain.Turn, error) {
	return c.exchange(ctx, nil, onFragment)
}

func (c *Controller) exchange(ctx context.Context, text *string, onFragment func(string)) (domain.Turn, error) {
	req, callCtx, err := c.beginTurn(ctx, text)
	if err != nil {
		return domain.Turn{}, err
	}

	start := c.now()
	var reply strings.Builder
	var streamErr error
	fragments := 0
	for fragment, err := range c.gateway.Stream(callCtx, req) {
		if err != nil {
			streamErr = err
			break
		}
		if fragment == "" {
			continue
		}
		fragments++
		reply.WriteString(fragment)
		if onFragment != nil {
			onFragment(fragment)
		}
	}

	return c.finishTurn(text != nil, reply.String(), fragments, streamErr, c.now().Sub(start))
}

func (c *Controller) beginTurn(ctx context.Context, text *string) (gateway.Request, context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shutdown || c.terminalLocked() {
		return gateway.Request{}, nil, ErrSessionClosed
	}
	if c.busy {
		return gateway.Request{}, nil, ErrTurnInFlight
	}
	if !c.hasCredentialLocked() {
		return gateway.Request{}, nil, &ConfigurationError{Reason: "no API token configured for the completion endpoint"}
	}

	c.initializeLocked()

	if text != nil {
		c.turns = append(c.turns, domain.NewUserTurn(*text))
		c.updatedAt = c.now()
	} else if c.turns[len(c.turns)-1].Role != domain.RoleUser {
		return gateway.Request{}, nil, ErrNothingToRetry
	}

	messages := make([]domain.Turn, 0, len(c.turns)+1)
	messages = append(messages, c.system)
	messages = append(messages, c.turns...)

	var callCtx context.Context
	var cancel context.CancelFunc
	if c.opts.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}
	c.busy = true
	c.cancel = cancel

	return gateway.Request{
		Model:       c.opts.Model,
		Temperature: c.opts.Temperature,
		Messages:    messages,
		APIKey:      c.credential,
	}, callCtx, nil
}

func (c *Controller) finishTurn(appended bool, content string, fragments int, streamErr error, latency time.Duration) (domain.Turn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.busy = false

	if errors.Is(streamErr, gateway.ErrNotConfigured) {
		// Nothing was sent; leave the transcript as it was before the call.
		if appended && len(c.turns) > 0 && c.turns[len(c.turns)-1].Role == domain.RoleUser {
			c.turns = c.turns[:len(c.turns)-1]
		}
		return domain.Turn{}, &ConfigurationError{Reason: streamErr.Error()}
	}
	if streamErr == nil && strings.TrimSpace(content) == "" {
		streamErr = gateway.ErrEmptyCompletion
	}
	if streamErr != nil {
		c.logger.Warn("completion failed",
			"error", streamErr,
			"fragments", fragments,
			"latency", latency,
		)
		return domain.Turn{}, &GatewayError{Err: streamErr}
	}

	turn := domain.NewAssistantTurn(content)
	c.turns = append(c.turns, turn)
	c.updatedAt = c.now()

	c.logger.Debug("assistant turn recorded",
		"turns", len(c.turns),
		"fragments", fragments,
		"latency", latency,
		"terminal", IsTerminal(c.turns, c.opts.Catalog.ThankYou),
	)
	return turn, nil
}

func (c *Controller) hasCredentialLocked() bool {
	if c.credential != "" {
		return true
	}
	if cc, ok := c.gateway.(credentialed); ok {
		return cc.IsConfigured()
	}
	return true
}

// CheckAndFinalize persists the transcript once it is terminal and closes
// the session. It returns true when the session is closed. A persistence
// failure returns false with a *PersistenceError and may be retried.
func (c *Controller) CheckAndFinalize(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == domain.SessionClosed {
		return true, nil
	}
	if !IsTerminal(c.turns, c.opts.Catalog.ThankYou) {
		return false, nil
	}

	location, err := c.persister.Persist(ctx, domain.CloneTurns(c.turns))
	if err != nil {
		c.logger.Warn("failed to persist finished transcript", "error", err)
		return false, &PersistenceError{Err: err}
	}

	c.state = domain.SessionClosed
	c.location = location
	c.updatedAt = c.now()
	c.logger.Info("interview finalized", "location", location, "turns", len(c.turns))
	return true, nil
}

// SetCredential sets a per-session API token that takes precedence over the
// gateway's configured one. An empty token clears the override.
func (c *Controller) SetCredential(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.credential = strings.TrimSpace(token)
}

// HasCredential reports whether a completion call would have a credential.
func (c *Controller) HasCredential() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasCredentialLocked()
}

// Close cancels an in-flight completion call and rejects further turns.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdown = true
	if c.cancel != nil {
		c.cancel()
	}
}

// ID returns the interview identifier.
func (c *Controller) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Transcript returns a copy of the visible turns.
func (c *Controller) Transcript() []domain.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.CloneTurns(c.turns)
}

// State returns the lifecycle state.
func (c *Controller) State() domain.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Location returns where the transcript was persisted, or "" before closing.
func (c *Controller) Location() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.location
}

// Busy reports whether a completion call is in flight.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// Snapshot returns the storable form of the interview. Owner fields are left
// for the caller to fill.
func (c *Controller) Snapshot() domain.InterviewSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.InterviewSession{
		ID:             c.id,
		State:          c.state,
		Turns:          domain.CloneTurns(c.turns),
		SubmissionPath: c.location,
		CreatedAt:      c.createdAt,
		UpdatedAt:      c.updatedAt,
	}
}

// Restore replaces the controller's state with a stored interview and
// re-initializes it.
func (c *Controller) Restore(session *domain.InterviewSession) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if session.ID != "" {
		c.id = session.ID
		c.logger = c.base.With("interview_id", session.ID)
	}
	c.turns = domain.CloneTurns(session.Turns)
	c.state = session.State
	if c.state == "" {
		c.state = domain.SessionActive
	}
	c.location = session.SubmissionPath
	if !session.CreatedAt.IsZero() {
		c.createdAt = session.CreatedAt
	}
	if !session.UpdatedAt.IsZero() {
		c.updatedAt = session.UpdatedAt
	}
	c.initializeLocked()
}
