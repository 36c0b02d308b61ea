// Package gateway talks to an OpenAI-compatible chat completion endpoint and
// exposes the reply as a sequence of text fragments.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/ashureev/hiring-assistant/internal/domain"
)

// Gateway produces an assistant reply for a conversation.
type Gateway interface {
	// Stream sends the request and yields reply fragments in order. The
	// sequence is finite and cannot be restarted. A non-nil error is always
	// the last value yielded.
	Stream(ctx context.Context, req Request) iter.Seq2[string, error]
}

// Request is one completion call. Messages must start with the system turn.
type Request struct {
	Model       string
	Temperature float64
	Messages    []domain.Turn
	// APIKey overrides the client's configured credential when non-empty.
	APIKey string
}

var (
	// ErrNotConfigured indicates no credential is available.
	ErrNotConfigured = errors.New("API key not configured")

	// ErrAuthFailed indicates the endpoint rejected the credential.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrRateLimited indicates the endpoint throttled the request.
	ErrRateLimited = errors.New("rate limited")

	// ErrModelNotFound indicates the requested model does not exist.
	ErrModelNotFound = errors.New("model not found")

	// ErrStreamTruncated indicates the stream ended before completion was signalled.
	ErrStreamTruncated = errors.New("stream ended before completion")

	// ErrEmptyCompletion indicates the endpoint returned no content.
	ErrEmptyCompletion = errors.New("completion returned empty content")
)

// APIError is a non-success response from the completion endpoint.
type APIError struct {
	Status  int
	Code    string
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("completion API error [%s] (HTTP %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("completion API error (HTTP %d): %s", e.Status, e.Message)
}

// Collect drains a fragment sequence into a single string.
func Collect(seq iter.Seq2[string, error]) (string, error) {
	var out []byte
	for fragment, err := range seq {
		if err != nil {
			return string(out), err
		}
		out = append(out, fragment...)
	}
	return string(out), nil
}
