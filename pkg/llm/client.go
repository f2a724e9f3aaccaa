// Package llm provides the upstream LLM endpoint client: unary and
// streaming completions against an OpenRouter-compatible chat API, with
// bounded retry, plus the parallel fan-out used by the pipeline stages.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Retry policy: one retry (two attempts total), exponential backoff with
// a 1s base doubled per attempt. Only retryable statuses and network
// errors are retried.
const (
	maxRetries        = 1
	retryBaseInterval = 1 * time.Second
)

var retryableStatusCodes = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// ErrorKind classifies upstream failures.
type ErrorKind string

const (
	ErrorKindRetryableStatus ErrorKind = "retryable_status"
	ErrorKindNetwork         ErrorKind = "network"
	ErrorKindFatal           ErrorKind = "fatal"
)

// Error is a typed upstream failure. Callers drop the endpoint and
// continue; only the pipeline decides whether total failure is fatal.
type Error struct {
	Model      string
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream %s: %s (HTTP %d)", e.Model, e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("upstream %s: %s: %v", e.Model, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Message is one chat message sent upstream. Content is either a plain
// string or a []ContentPart for multimodal messages.
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// ContentPart is one part of a multimodal message.
type ContentPart struct {
	Type     string    `json:"type"` // "text" or "image_url"
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL carries a data-URI image reference.
type ImageURL struct {
	URL string `json:"url"`
}

// TextMessage builds a plain user message.
func TextMessage(text string) Message {
	return Message{Role: "user", Content: text}
}

// Answer is a successful unary completion.
type Answer struct {
	Content          string
	ReasoningDetails json.RawMessage
}

// Client issues requests to one OpenRouter-compatible endpoint URL.
// The underlying HTTP connection pool is shared process-wide and safe
// for concurrent use.
type Client struct {
	apiURL     string
	apiKey     string
	httpClient *http.Client
	timeout    time.Duration
}

// Options tunes the client; zero values take defaults.
type Options struct {
	RequestTimeout time.Duration // default 120s
	ConnectTimeout time.Duration // default 10s
}

// NewClient creates the process-wide upstream client.
func NewClient(apiURL, apiKey string, opts Options) *Client {
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 120 * time.Second
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	dialer := &net.Dialer{Timeout: opts.ConnectTimeout}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     100,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		apiURL:     apiURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Transport: transport},
		timeout:    opts.RequestTimeout,
	}
}

// Close releases idle connections in the shared pool.
func (c *Client) Close() {
	if t, ok := c.httpClient.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content          string          `json:"content"`
			ReasoningDetails json.RawMessage `json:"reasoning_details"`
		} `json:"message"`
	} `json:"choices"`
}

// Query issues a unary completion to one endpoint, retrying once on
// retryable statuses and network errors.
func (c *Client) Query(ctx context.Context, model string, messages []Message) (*Answer, error) {
	bo := backoff.WithContext(backoff.WithMaxRetries(newRetryBackoff(), maxRetries), ctx)

	attempt := 0
	answer, err := backoff.RetryWithData(func() (*Answer, error) {
		attempt++
		ans, qerr := c.queryOnce(ctx, model, messages, attempt)
		if qerr == nil {
			return ans, nil
		}
		var ue *Error
		if errors.As(qerr, &ue) && ue.Kind == ErrorKindFatal {
			return nil, backoff.Permanent(qerr)
		}
		return nil, qerr
	}, bo)
	if err != nil {
		return nil, err
	}
	return answer, nil
}

func (c *Client) queryOnce(ctx context.Context, model string, messages []Message, attempt int) (*Answer, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.post(callCtx, chatRequest{Model: model, Messages: messages})
	if err != nil {
		slog.Warn("Upstream request failed", "model", model, "attempt", attempt, "error", err)
		return nil, &Error{Model: model, Kind: ErrorKindNetwork, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		kind := ErrorKindFatal
		if retryableStatusCodes[resp.StatusCode] {
			kind = ErrorKindRetryableStatus
		}
		slog.Warn("Upstream returned error status",
			"model", model, "attempt", attempt, "status", resp.StatusCode, "body", string(body))
		return nil, &Error{Model: model, Kind: kind, StatusCode: resp.StatusCode}
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &Error{Model: model, Kind: ErrorKindFatal, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(parsed.Choices) == 0 {
		return nil, &Error{Model: model, Kind: ErrorKindFatal, Err: errors.New("response has no choices")}
	}

	return &Answer{
		Content:          parsed.Choices[0].Message.Content,
		ReasoningDetails: parsed.Choices[0].Message.ReasoningDetails,
	}, nil
}

func (c *Client) post(ctx context.Context, payload chatRequest) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	return c.httpClient.Do(req)
}

// newRetryBackoff builds the 1s-base doubling backoff without jitter so
// the retry delays are deterministic (1s, then 2s).
func newRetryBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryBaseInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	return b
}
