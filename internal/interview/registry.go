package interview

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/hiring-assistant/internal/store"
)

// ControllerFactory builds an uninitialized controller for a new interview.
type ControllerFactory func() *Controller

type registryEntry struct {
	ctrl       *Controller
	userID     string
	sessionID  string
	lastActive time.Time
}

// Registry keeps one controller per user and tab session and checkpoints
// them to the repository so interviews survive restarts.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*registryEntry
	repo    store.Repository
	factory ControllerFactory
	now     func() time.Time
	logger  *slog.Logger
}

// NewRegistry creates a registry. A nil repo keeps interviews in memory only.
func NewRegistry(repo store.Repository, factory ControllerFactory, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries: make(map[string]*registryEntry),
		repo:    repo,
		factory: factory,
		now:     time.Now,
		logger:  logger,
	}
}

func registryKey(userID, sessionID string) string {
	return userID + ":" + sessionID
}

// Get returns the controller for the session, restoring it from the
// repository or starting a new interview when none exists.
func (r *Registry) Get(ctx context.Context, userID, sessionID string) (*Controller, error) {
	key := registryKey(userID, sessionID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok {
		e.lastActive = r.now()
		return e.ctrl, nil
	}

	ctrl := r.factory()

	var restored bool
	if r.repo != nil {
		stored, err := r.repo.GetInterviewSession(ctx, userID, sessionID)
		if err != nil {
			return nil, fmt.Errorf("load interview session: %w", err)
		}
		if stored != nil {
			ctrl.Restore(stored)
			restored = true
		}
	}

	if !restored {
		ctrl.Initialize()
		if err := r.checkpoint(ctx, userID, sessionID, ctrl); err != nil {
			return nil, err
		}
	}

	r.entries[key] = &registryEntry{
		ctrl:       ctrl,
		userID:     userID,
		sessionID:  sessionID,
		lastActive: r.now(),
	}
	r.logger.Info("interview attached",
		"user_id", userID,
		"session_id", sessionID,
		"interview_id", ctrl.ID(),
		"restored", restored,
	)
	return ctrl, nil
}

// Save checkpoints the controller's current state. A controller that was
// reset, or replaced by a newer interview for the same tab, is not written.
func (r *Registry) Save(ctx context.Context, userID, sessionID string, ctrl *Controller) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[registryKey(userID, sessionID)]; ok {
		if e.ctrl != ctrl {
			return nil
		}
		e.lastActive = r.now()
		return r.checkpoint(ctx, userID, sessionID, ctrl)
	}
	if r.repo == nil {
		return nil
	}

	// An evicted controller may still finish its last turn. Its row is
	// written only while it still holds this interview.
	stored, err := r.repo.GetInterviewSession(ctx, userID, sessionID)
	if err != nil {
		return fmt.Errorf("load interview session: %w", err)
	}
	if stored == nil || stored.ID != ctrl.ID() {
		return nil
	}
	return r.checkpoint(ctx, userID, sessionID, ctrl)
}

func (r *Registry) checkpoint(ctx context.Context, userID, sessionID string, ctrl *Controller) error {
	if r.repo == nil {
		return nil
	}
	snap := ctrl.Snapshot()
	snap.UserID = userID
	snap.SessionID = sessionID
	if err := r.repo.UpsertInterviewSession(ctx, &snap); err != nil {
		return fmt.Errorf("checkpoint interview session: %w", err)
	}
	return nil
}

// Reset abandons the session's interview. The next Get starts a new one.
func (r *Registry) Reset(ctx context.Context, userID, sessionID string) error {
	key := registryKey(userID, sessionID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok {
		delete(r.entries, key)
		e.ctrl.Close()
	}
	// The row goes while r.mu is held so a concurrent Get cannot restore it.
	if r.repo != nil {
		if err := r.repo.DeleteInterviewSession(ctx, userID, sessionID); err != nil {
			return err
		}
	}
	r.logger.Info("interview reset", "user_id", userID, "session_id", sessionID)
	return nil
}

// EvictIdle drops controllers not used within idleTTL. Controllers with a
// call in flight are kept. Stored state is untouched, so an evicted
// interview is restored on the next Get.
func (r *Registry) EvictIdle(idleTTL time.Duration) int {
	cutoff := r.now().Add(-idleTTL)

	r.mu.Lock()
	var evicted []*registryEntry
	for key, e := range r.entries {
		if e.lastActive.After(cutoff) || e.ctrl.Busy() {
			continue
		}
		delete(r.entries, key)
		evicted = append(evicted, e)
	}
	r.mu.Unlock()

	for _, e := range evicted {
		e.ctrl.Close()
		r.logger.Debug("idle interview evicted", "user_id", e.userID, "session_id", e.sessionID)
	}
	return len(evicted)
}

// Len returns the number of live controllers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// CloseAll cancels every in-flight call and empties the registry.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*registryEntry)
	r.mu.Unlock()

	for _, e := range entries {
		e.ctrl.Close()
	}
}
