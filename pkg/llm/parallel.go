package llm

import (
	"context"
	"log/slog"
	"sync"
)

// Querier is the single-endpoint interface the fan-out and the pipeline
// consume. *Client implements it; tests substitute fakes.
type Querier interface {
	Query(ctx context.Context, model string, messages []Message) (*Answer, error)
}

// QueryParallel issues the same messages to every endpoint concurrently
// and gathers results keyed by endpoint. A failed endpoint maps to nil;
// callers filter. No endpoint's failure cancels the others.
func QueryParallel(ctx context.Context, q Querier, models []string, messages []Message) map[string]*Answer {
	results := make(map[string]*Answer, len(models))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, model := range models {
		wg.Add(1)
		go func(model string) {
			defer wg.Done()
			answer, err := q.Query(ctx, model, messages)
			if err != nil {
				slog.Warn("Endpoint dropped from fan-out", "model", model, "error", err)
				answer = nil
			}
			mu.Lock()
			results[model] = answer
			mu.Unlock()
		}(model)
	}

	wg.Wait()
	return results
}

// QueryEach issues per-endpoint message lists concurrently, for stages
// where every endpoint receives a differently built prompt.
func QueryEach(ctx context.Context, q Querier, perModel map[string][]Message) map[string]*Answer {
	results := make(map[string]*Answer, len(perModel))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for model, messages := range perModel {
		wg.Add(1)
		go func(model string, messages []Message) {
			defer wg.Done()
			answer, err := q.Query(ctx, model, messages)
			if err != nil {
				slog.Warn("Endpoint dropped from fan-out", "model", model, "error", err)
				answer = nil
			}
			mu.Lock()
			results[model] = answer
			mu.Unlock()
		}(model, messages)
	}

	wg.Wait()
	return results
}
