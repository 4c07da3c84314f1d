// Package sink is the HTTP adapter to the external action sink.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/quorumnet/steward/pkg/executor"
	"github.com/quorumnet/steward/pkg/fault"
)

// HTTPSink submits action requests to a remote sink over HTTP.
// Submission is idempotent by request id — the remote deduplicates, so the
// retry policy and the circuit breaker can both safely re-send.
type HTTPSink struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// NewHTTPSink creates a sink client for baseURL.
func NewHTTPSink(baseURL string, timeout time.Duration) *HTTPSink {
	return &HTTPSink{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "action-sink",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// Submit posts the request. Transport failures and 5xx answers surface as
// transient; a tripped breaker does too.
func (s *HTTPSink) Submit(ctx context.Context, req executor.Request) (executor.SinkReceipt, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return executor.SinkReceipt{}, fmt.Errorf("marshal request %s: %w", req.ID, err)
	}

	out, err := s.breaker.Execute(func() (any, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			s.baseURL+"/v1/actions", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Idempotency-Key", req.ID)

		resp, err := s.httpClient.Do(httpReq)
		if err != nil {
			return nil, fault.Transientf("submit %s: %v", req.ID, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return nil, fault.Transientf("sink returned HTTP %d for %s", resp.StatusCode, req.ID)
		}
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
			return nil, fmt.Errorf("sink returned HTTP %d for %s", resp.StatusCode, req.ID)
		}

		var receipt executor.SinkReceipt
		if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
			return nil, fmt.Errorf("decode receipt for %s: %w", req.ID, err)
		}
		return receipt, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return executor.SinkReceipt{}, fault.Transientf("action sink circuit open")
		}
		return executor.SinkReceipt{}, err
	}
	return out.(executor.SinkReceipt), nil
}

// Status fetches the terminal result for a submitted request.
func (s *HTTPSink) Status(ctx context.Context, id string) (executor.Result, error) {
	out, err := s.breaker.Execute(func() (any, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
			s.baseURL+"/v1/actions/"+id, nil)
		if err != nil {
			return nil, err
		}
		resp, err := s.httpClient.Do(httpReq)
		if err != nil {
			return nil, fault.Transientf("status %s: %v", id, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return nil, fault.Transientf("sink returned HTTP %d for %s", resp.StatusCode, id)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("sink returned HTTP %d for %s", resp.StatusCode, id)
		}

		var result executor.Result
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, fmt.Errorf("decode status for %s: %w", id, err)
		}
		return result, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return executor.Result{}, fault.Transientf("action sink circuit open")
		}
		return executor.Result{}, err
	}
	return out.(executor.Result), nil
}
