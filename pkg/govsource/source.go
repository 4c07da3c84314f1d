// Package govsource is the read adapter to the external governance state.
package govsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"github.com/quorumnet/steward/pkg/fault"
)

// Proposal is one governance proposal visible in a snapshot.
type Proposal struct {
	ID       string             `json:"id"`
	Title    string             `json:"title"`
	Proposer string             `json:"proposer"`
	Level    string             `json:"level"`
	Criteria map[string]float64 `json:"criteria"`
	Tags     []string           `json:"tags,omitempty"`
	Deadline *time.Time         `json:"deadline,omitempty"`
}

// Snapshot is a bounded view of governance state.
type Snapshot struct {
	Proposals  []Proposal         `json:"proposals"`
	Parameters map[string]string  `json:"parameters"`
	State      map[string]float64 `json:"state"`
}

// Event is one governance change with its monotonic cursor.
type Event struct {
	Cursor  uint64          `json:"cursor"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Source reads governance state.
type Source interface {
	Snapshot(ctx context.Context) (Snapshot, error)
	Events(ctx context.Context, sinceCursor uint64, limit int) ([]Event, error)
}

// HTTPSource reads governance state over HTTP.
type HTTPSource struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// NewHTTPSource creates a governance reader for baseURL.
func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "governance-source",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// Snapshot fetches the current governance view.
func (s *HTTPSource) Snapshot(ctx context.Context) (Snapshot, error) {
	out, err := s.get(ctx, s.baseURL+"/v1/snapshot", func(body *json.Decoder) (any, error) {
		var snap Snapshot
		if err := body.Decode(&snap); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		return snap, nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return out.(Snapshot), nil
}

// Events fetches governance events after sinceCursor, oldest first.
func (s *HTTPSource) Events(ctx context.Context, sinceCursor uint64, limit int) ([]Event, error) {
	url := s.baseURL + "/v1/events?since=" + strconv.FormatUint(sinceCursor, 10) +
		"&limit=" + strconv.Itoa(limit)
	out, err := s.get(ctx, url, func(body *json.Decoder) (any, error) {
		var events []Event
		if err := body.Decode(&events); err != nil {
			return nil, fmt.Errorf("decode events: %w", err)
		}
		return events, nil
	})
	if err != nil {
		return nil, err
	}
	return out.([]Event), nil
}

// get runs one breaker-guarded GET, mapping transport failures and 5xx to
// transient.
func (s *HTTPSource) get(ctx context.Context, url string, decode func(*json.Decoder) (any, error)) (any, error) {
	out, err := s.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := s.httpClient.Do(req)
		if err != nil {
			return nil, fault.Transientf("governance source: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return nil, fault.Transientf("governance source returned HTTP %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("governance source returned HTTP %d", resp.StatusCode)
		}
		return decode(json.NewDecoder(resp.Body))
	})
	if err != nil && (errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)) {
		return nil, fault.Transientf("governance source circuit open")
	}
	return out, err
}
