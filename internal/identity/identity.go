// Package identity recognizes returning candidates without accounts. A
// candidate is a browser remembered by a cookie; every open tab runs its own
// interview and names it with the X-Interview-Session-ID header.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/hiring-assistant/internal/domain"
	"github.com/ashureev/hiring-assistant/internal/store"
)

const (
	CandidateCookieName = "hiring_candidate"
	SessionHeaderName   = "X-Interview-Session-ID"
	// DefaultTabID names the interview of a client that sends no tab ID.
	DefaultTabID = "default"

	tabQueryParam      = "session_id"
	candidateIDPrefix  = "cand_"
	candidateCookieTTL = 30 * 24 * time.Hour

	// lastSeenResolution limits how often an active candidate's row is rewritten.
	lastSeenResolution = time.Minute
)

var (
	candidateIDPattern = regexp.MustCompile(`^cand_[a-f0-9]{32}$`)
	tabIDPattern       = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// Candidate is the identity attached to a request.
type Candidate struct {
	ID          string
	DisplayName string
	Tab         string
}

type candidateKey struct{}

func newCandidate(id, tab string) Candidate {
	return Candidate{ID: id, DisplayName: displayName(id), Tab: normalizeTab(tab)}
}

// FromContext returns the candidate attached by Middleware or WithIdentity.
func FromContext(ctx context.Context) (Candidate, bool) {
	c, ok := ctx.Value(candidateKey{}).(Candidate)
	return c, ok
}

// UserIDFromContext returns the candidate ID, or "" for anonymous contexts.
func UserIDFromContext(ctx context.Context) string {
	c, _ := FromContext(ctx)
	return c.ID
}

// UsernameFromContext returns the candidate's display name.
func UsernameFromContext(ctx context.Context) string {
	c, _ := FromContext(ctx)
	return c.DisplayName
}

// SessionIDFromContext returns the tab whose interview the request addresses.
func SessionIDFromContext(ctx context.Context) string {
	if c, ok := FromContext(ctx); ok {
		return c.Tab
	}
	return DefaultTabID
}

// WithIdentity attaches a candidate to ctx outside the HTTP middleware.
func WithIdentity(ctx context.Context, userID, sessionID string) context.Context {
	return context.WithValue(ctx, candidateKey{}, newCandidate(userID, sessionID))
}

func newCandidateID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate candidate id: %w", err)
	}
	return candidateIDPrefix + hex.EncodeToString(buf), nil
}

func validCandidateID(id string) bool {
	return candidateIDPattern.MatchString(id)
}

// normalizeTab maps missing or malformed tab IDs to DefaultTabID.
func normalizeTab(tab string) string {
	tab = strings.TrimSpace(tab)
	if !tabIDPattern.MatchString(tab) {
		return DefaultTabID
	}
	return tab
}

// displayName is what logs and /api/me show instead of the raw ID.
func displayName(id string) string {
	if len(id) > len(candidateIDPrefix)+8 {
		return "candidate-" + id[len(id)-8:]
	}
	return "candidate"
}

// registerVisit records a first visit and refreshes last_seen_at for a
// returning candidate.
func registerVisit(ctx context.Context, repo store.Repository, c Candidate) error {
	known, err := repo.GetUser(ctx, c.ID)
	if err != nil {
		return err
	}

	now := time.Now()
	if known != nil {
		if known.IdleFor(now) < lastSeenResolution {
			return nil
		}
		return repo.UpdateLastSeen(ctx, c.ID, now)
	}

	return repo.UpsertUser(ctx, &domain.User{
		UserID:     c.ID,
		Username:   c.DisplayName,
		LastSeenAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
}

// rememberCandidate (re)issues the cookie so its expiry slides with activity.
func rememberCandidate(w http.ResponseWriter, id string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CandidateCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(candidateCookieTTL.Seconds()),
		Expires:  time.Now().Add(candidateCookieTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   secure,
	})
}

// recognize returns the candidate ID from the cookie, minting one for new
// browsers and for cookies that fail validation.
func recognize(w http.ResponseWriter, r *http.Request, secure bool) (string, error) {
	id := ""
	if cookie, err := r.Cookie(CandidateCookieName); err == nil && validCandidateID(cookie.Value) {
		id = cookie.Value
	} else {
		var genErr error
		if id, genErr = newCandidateID(); genErr != nil {
			return "", genErr
		}
	}
	rememberCandidate(w, id, secure)
	return id, nil
}

func tabFromRequest(r *http.Request) string {
	if tab := r.Header.Get(SessionHeaderName); tab != "" {
		return tab
	}
	// Browsers cannot set headers on WebSocket upgrades.
	return r.URL.Query().Get(tabQueryParam)
}

// Middleware attaches the candidate and tab to every request. Cookies are
// marked Secure outside development.
func Middleware(repo store.Repository, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := recognize(w, r, !isDev)
			if err != nil {
				http.Error(w, `{"error":"failed to recognize candidate"}`, http.StatusInternalServerError)
				return
			}

			candidate := newCandidate(id, tabFromRequest(r))
			if err := registerVisit(r.Context(), repo, candidate); err != nil {
				slog.Error("failed to register candidate visit", "user_id", id, "error", err)
				http.Error(w, `{"error":"failed to register candidate"}`, http.StatusInternalServerError)
				return
			}

			ctx := context.WithValue(r.Context(), candidateKey{}, candidate)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns the remote IP without the port for request logs.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
