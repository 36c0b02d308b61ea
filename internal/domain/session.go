package domain

import (
	"time"
)

// SessionState is the lifecycle state of an interview session.
type SessionState string

const (
	// SessionActive accepts new user turns.
	SessionActive SessionState = "active"
	// SessionClosed is terminal: the transcript has been persisted.
	SessionClosed SessionState = "closed"
)

// InterviewSession is the stored form of one interview, keyed by the
// anonymous user and the browser tab session.
type InterviewSession struct {
	ID             string       `json:"id"`
	UserID         string       `json:"user_id"`
	SessionID      string       `json:"session_id"`
	State          SessionState `json:"state"`
	Turns          []Turn       `json:"turns"`
	SubmissionPath string       `json:"submission_path,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// IsClosed reports whether the session reached its terminal state.
func (s *InterviewSession) IsClosed() bool {
	return s.State == SessionClosed
}
