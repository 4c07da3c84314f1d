package memory

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/quorumnet/steward/pkg/fault"
)

// SpendingCounters is the durable state for one (actor, asset) pair.
// Invariant: DailySpent ≤ DailyCap and TotalSpent ≤ TotalCap at all times —
// a deduction is applied only inside the transaction that proves it fits.
type SpendingCounters struct {
	Actor        string    `json:"actor"`
	Asset        string    `json:"asset"`
	DailyCap     float64   `json:"daily_cap"`
	TotalCap     float64   `json:"total_cap"`
	DayStartedAt time.Time `json:"day_started_at"`
	DailySpent   float64   `json:"daily_spent"`
	TotalSpent   float64   `json:"total_spent"`
}

// deductionMarker is the write-ahead record for an applied deduction whose
// downstream result is not yet known.
type deductionMarker struct {
	RequestID string    `json:"request_id"`
	Actor     string    `json:"actor"`
	Asset     string    `json:"asset"`
	Amount    float64   `json:"amount"`
	StagedAt  time.Time `json:"staged_at"`
}

func limitKey(actor, asset string) []byte { return []byte(actor + "/" + asset) }

// ConfigureLimit declares (or updates) the caps for an (actor, asset) pair.
// Existing spent counters are preserved.
func (s *Store) ConfigureLimit(actor, asset string, dailyCap, totalCap float64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		limits := tx.Bucket([]byte("limits"))
		key := limitKey(actor, asset)

		counters := SpendingCounters{
			Actor: actor, Asset: asset,
			DailyCap: dailyCap, TotalCap: totalCap,
			DayStartedAt: utcDay(s.clk.Now()),
		}
		if data := limits.Get(key); data != nil {
			var existing SpendingCounters
			if err := json.Unmarshal(data, &existing); err != nil {
				return fmt.Errorf("decode counters %s/%s: %w", actor, asset, err)
			}
			counters.DayStartedAt = existing.DayStartedAt
			counters.DailySpent = existing.DailySpent
			counters.TotalSpent = existing.TotalSpent
		}

		data, err := json.Marshal(counters)
		if err != nil {
			return err
		}
		return limits.Put(key, data)
	})
}

// PreDeduct checks and applies a deduction in a single critical section,
// staging a write-ahead marker in the same transaction. Idempotent by
// request id: a request that is already staged or already settled is not
// applied twice. A deduction that would breach either cap fails with
// QuotaExceeded and changes nothing.
func (s *Store) PreDeduct(requestID, actor, asset string, amount float64) error {
	if amount <= 0 {
		return fault.NewInputError("amount", fmt.Errorf("deduction must be positive, got %v", amount))
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte("limits_wal")).Get([]byte(requestID)) != nil {
			return nil // staged; double-admission impossible
		}
		if tx.Bucket([]byte("limits_done")).Get([]byte(requestID)) != nil {
			return nil // settled
		}

		limits := tx.Bucket([]byte("limits"))
		key := limitKey(actor, asset)
		data := limits.Get(key)
		if data == nil {
			return fault.NewInputError("limit",
				fmt.Errorf("no spending limit configured for %s/%s", actor, asset))
		}
		var counters SpendingCounters
		if err := json.Unmarshal(data, &counters); err != nil {
			return fmt.Errorf("decode counters %s/%s: %w", actor, asset, err)
		}

		// Lazy UTC day rollover, atomic with the cap check.
		now := s.clk.Now()
		if day := utcDay(now); day.After(counters.DayStartedAt) {
			counters.DayStartedAt = day
			counters.DailySpent = 0
		}

		if counters.DailySpent+amount > counters.DailyCap {
			return fault.NewQuotaError(actor, fmt.Sprintf("daily spending cap for %s", asset),
				counters.DayStartedAt.Add(24*time.Hour).Sub(now))
		}
		if counters.TotalSpent+amount > counters.TotalCap {
			return fault.NewQuotaError(actor, fmt.Sprintf("total spending cap for %s", asset), 0)
		}

		counters.DailySpent += amount
		counters.TotalSpent += amount

		updated, err := json.Marshal(counters)
		if err != nil {
			return err
		}
		if err := limits.Put(key, updated); err != nil {
			return err
		}

		marker, err := json.Marshal(deductionMarker{
			RequestID: requestID, Actor: actor, Asset: asset,
			Amount: amount, StagedAt: now,
		})
		if err != nil {
			return err
		}
		return tx.Bucket([]byte("limits_wal")).Put([]byte(requestID), marker)
	})
}

// CommitDeduction settles a staged deduction after downstream success.
// Idempotent by request id.
func (s *Store) CommitDeduction(requestID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		wal := tx.Bucket([]byte("limits_wal"))
		marker := wal.Get([]byte(requestID))
		if marker == nil {
			return nil
		}
		if err := tx.Bucket([]byte("limits_done")).Put([]byte(requestID), marker); err != nil {
			return err
		}
		return wal.Delete([]byte(requestID))
	})
}

// CreditDeduction reverses a staged deduction after downstream failure.
// Idempotent by request id: once credited (or committed) there is nothing
// left to reverse.
func (s *Store) CreditDeduction(requestID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		wal := tx.Bucket([]byte("limits_wal"))
		data := wal.Get([]byte(requestID))
		if data == nil {
			return nil
		}
		var marker deductionMarker
		if err := json.Unmarshal(data, &marker); err != nil {
			return fmt.Errorf("decode deduction marker %s: %w", requestID, err)
		}

		limits := tx.Bucket([]byte("limits"))
		key := limitKey(marker.Actor, marker.Asset)
		var counters SpendingCounters
		if err := json.Unmarshal(limits.Get(key), &counters); err != nil {
			return fmt.Errorf("decode counters %s/%s: %w", marker.Actor, marker.Asset, err)
		}

		// Same-day credits restore the daily window; a credit after the day
		// rolled must not go negative.
		if counters.DayStartedAt.Equal(utcDay(marker.StagedAt)) {
			counters.DailySpent = max(0, counters.DailySpent-marker.Amount)
		}
		counters.TotalSpent = max(0, counters.TotalSpent-marker.Amount)

		updated, err := json.Marshal(counters)
		if err != nil {
			return err
		}
		if err := limits.Put(key, updated); err != nil {
			return err
		}
		if err := tx.Bucket([]byte("limits_done")).Put([]byte(requestID), data); err != nil {
			return err
		}
		return wal.Delete([]byte(requestID))
	})
}

// Counters returns the current state for (actor, asset), or (nil, nil) when
// no limit is configured.
func (s *Store) Counters(actor, asset string) (*SpendingCounters, error) {
	var counters *SpendingCounters
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte("limits")).Get(limitKey(actor, asset))
		if data == nil {
			return nil
		}
		var c SpendingCounters
		if err := json.Unmarshal(data, &c); err != nil {
			return fmt.Errorf("decode counters %s/%s: %w", actor, asset, err)
		}
		counters = &c
		return nil
	})
	return counters, err
}

func utcDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
