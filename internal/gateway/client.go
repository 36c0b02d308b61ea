package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/hiring-assistant/internal/domain"
)

// maxErrorBodySize bounds how much of an error response is read.
const maxErrorBodySize = 64 * 1024

// ClientConfig holds configuration for the completion client.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	// Stream selects SSE streaming. When false a single JSON completion is
	// requested and yielded as one fragment.
	Stream     bool
	HTTPClient *http.Client
}

// Client is a Gateway backed by an OpenAI-compatible HTTP API.
type Client struct {
	baseURL    string
	apiKey     string
	stream     bool
	httpClient *http.Client
	logger     *slog.Logger
}

// Ensure Client implements Gateway.
var _ Gateway = (*Client)(nil)

// NewClient creates a completion client.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// No client timeout: calls are bounded by the caller's context.
		httpClient = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		stream:     cfg.Stream,
		httpClient: httpClient,
		logger:     logger,
	}
}

// IsConfigured reports whether the client has its own credential.
func (c *Client) IsConfigured() bool {
	return c.apiKey != ""
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []domain.Turn `json:"messages"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Role    string `json:"role,omitempty"`
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *apiErrorBody `json:"error,omitempty"`
}

type apiErrorBody struct {
	Code    json.RawMessage `json:"code"`
	Message string          `json:"message"`
}

type apiErrorResponse struct {
	Error apiErrorBody `json:"error"`
}

// Stream implements Gateway.
func (c *Client) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		apiKey := strings.TrimSpace(req.APIKey)
		if apiKey == "" {
			apiKey = c.apiKey
		}
		if apiKey == "" {
			yield("", ErrNotConfigured)
			return
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		resp, err := c.send(ctx, apiKey, req)
		if err != nil {
			yield("", err)
			return
		}
		defer func() {
			if closeErr := resp.Body.Close(); closeErr != nil {
				c.logger.Debug("failed to close completion response body", "error", closeErr)
			}
		}()

		if !c.stream {
			content, err := decodeCompletion(resp.Body)
			if err != nil {
				yield("", err)
				return
			}
			yield(content, nil)
			return
		}

		c.readStream(ctx, resp.Body, yield)
	}
}

func (c *Client) send(ctx context.Context, apiKey string, req Request) (*http.Response, error) {
	body, err := json.Marshal(chatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		Stream:      c.stream,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	if c.stream {
		httpReq.Header.Set("Accept", "text/event-stream")
		httpReq.Header.Set("Cache-Control", "no-cache")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("completion request failed: %w", err)
	}

	c.logger.Debug("completion response received",
		"status", resp.StatusCode,
		"model", req.Model,
		"messages", len(req.Messages),
		"latency", time.Since(start),
	)

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close error response body", "error", closeErr)
		}
		return nil, statusError(resp.StatusCode, data)
	}
	return resp, nil
}

func (c *Client) readStream(ctx context.Context, body io.Reader, yield func(string, error) bool) {
	reader := newSSEReader(body)
	for {
		data, err := reader.next()
		if errors.Is(err, io.EOF) {
			yield("", ErrStreamTruncated)
			return
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				yield("", ctxErr)
				return
			}
			yield("", fmt.Errorf("read completion stream: %w", err))
			return
		}

		if bytes.Equal(data, []byte("[DONE]")) {
			return
		}

		var chunk streamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			yield("", fmt.Errorf("parse completion chunk: %w", err))
			return
		}
		if chunk.Error != nil {
			yield("", &APIError{Status: http.StatusOK, Code: errorCode(chunk.Error.Code), Message: chunk.Error.Message})
			return
		}
		if len(chunk.Choices) == 0 {
			// Some providers send usage or filter metadata chunks without choices.
			continue
		}

		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			if !yield(choice.Delta.Content, nil) {
				return
			}
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			return
		}
	}
}

func decodeCompletion(r io.Reader) (string, error) {
	var resp chatResponse
	if err := json.NewDecoder(r).Decode(&resp); err != nil {
		return "", fmt.Errorf("decode completion response: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", ErrEmptyCompletion
	}
	return resp.Choices[0].Message.Content, nil
}

func statusError(status int, body []byte) error {
	var parsed apiErrorResponse
	message := strings.TrimSpace(string(body))
	code := ""
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		message = parsed.Error.Message
		code = errorCode(parsed.Error.Code)
	}
	apiErr := &APIError{Status: status, Code: code, Message: message}

	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %w", ErrAuthFailed, apiErr)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", ErrModelNotFound, apiErr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", ErrRateLimited, apiErr)
	default:
		return apiErr
	}
}

// errorCode renders an error code that providers send as a string or a number.
func errorCode(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
