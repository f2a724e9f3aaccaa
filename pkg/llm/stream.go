package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// StreamEvent is one event from a token stream. Exactly one field is
// meaningful per event; a Complete or Err event terminates the stream.
type StreamEvent struct {
	Token    string
	Complete bool
	FullText string
	Err      error
}

type streamDelta struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// QueryStream issues a streaming completion. Events are delivered on the
// returned channel, which is closed after the terminating Complete or
// Err event. The stream is finite and not restartable.
//
// Streaming calls are not retried: once tokens have been delivered the
// request is not idempotent from the caller's point of view.
func (c *Client) QueryStream(ctx context.Context, model string, messages []Message) (<-chan StreamEvent, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)

	resp, err := c.post(callCtx, chatRequest{Model: model, Messages: messages, Stream: true})
	if err != nil {
		cancel()
		return nil, &Error{Model: model, Kind: ErrorKindNetwork, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		cancel()
		kind := ErrorKindFatal
		if retryableStatusCodes[resp.StatusCode] {
			kind = ErrorKindRetryableStatus
		}
		return nil, &Error{Model: model, Kind: kind, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("stream rejected: %s", string(body))}
	}

	events := make(chan StreamEvent)
	go func() {
		defer close(events)
		defer cancel()
		defer func() { _ = resp.Body.Close() }()

		var full strings.Builder
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			select {
			case <-ctx.Done():
				events <- StreamEvent{Err: ctx.Err()}
				return
			default:
			}

			line := scanner.Text()
			data, ok := strings.CutPrefix(line, "data:")
			if !ok {
				continue
			}
			data = strings.TrimSpace(data)
			if data == "" {
				continue
			}
			if data == "[DONE]" {
				events <- StreamEvent{Complete: true, FullText: full.String()}
				return
			}

			var delta streamDelta
			if err := json.Unmarshal([]byte(data), &delta); err != nil {
				// Tolerate malformed frames; upstream occasionally
				// interleaves comments and keepalives.
				continue
			}
			if len(delta.Choices) == 0 {
				continue
			}
			if token := delta.Choices[0].Delta.Content; token != "" {
				full.WriteString(token)
				select {
				case events <- StreamEvent{Token: token}:
				case <-ctx.Done():
					events <- StreamEvent{Err: ctx.Err()}
					return
				}
			}
		}

		if err := scanner.Err(); err != nil {
			events <- StreamEvent{Err: &Error{Model: model, Kind: ErrorKindNetwork, Err: err}}
			return
		}
		// Stream ended without [DONE]; deliver what accumulated.
		events <- StreamEvent{Complete: true, FullText: full.String()}
	}()

	return events, nil
}
