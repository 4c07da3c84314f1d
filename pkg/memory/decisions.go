package memory

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/quorumnet/steward/pkg/decision"
)

// DecisionRecord is the immutable per-decision record: everything the core
// knew and concluded, committed as one unit.
type DecisionRecord struct {
	Context     decision.Context    `json:"context"`
	Evaluation  decision.Evaluation `json:"evaluation"`
	Explanation json.RawMessage     `json:"explanation,omitempty"`
	Outcome     *decision.Outcome   `json:"outcome,omitempty"`
	Status      decision.Status     `json:"status"`
	CommittedAt time.Time           `json:"committed_at"`
}

// CommitDecision durably records a completed decision.
//
// The commit is staged through a write-ahead marker: the full pending record
// goes to decision_wal first, then the decision and its outcome are written,
// then the marker is cleared. A crash between any two steps is repaired by
// recover(): a readable marker is forward-completed, a corrupt one is
// discarded. Idempotent by decision id — terminal records never change.
func (s *Store) CommitDecision(rec DecisionRecord) error {
	if rec.Context.ID == "" {
		return fmt.Errorf("commit decision: empty context id")
	}
	rec.CommittedAt = s.clk.Now()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal decision %s: %w", rec.Context.ID, err)
	}

	id := []byte(rec.Context.ID)

	// Stage 1: write-ahead marker with the full pending record.
	err = s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte("decisions")).Get(id) != nil {
			return nil // already committed
		}
		return tx.Bucket([]byte("decision_wal")).Put(id, data)
	})
	if err != nil {
		return fmt.Errorf("stage decision %s: %w", rec.Context.ID, err)
	}

	// Stage 2: commit record and outcome.
	if err := s.commitStagedDecision(id, rec); err != nil {
		return err
	}

	// Stage 3: clear the marker.
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte("decision_wal")).Delete(id)
	})
	if err != nil {
		return fmt.Errorf("clear decision marker %s: %w", rec.Context.ID, err)
	}
	return nil
}

// commitStagedDecision writes the decision record and its outcome in one
// transaction. Idempotent by decision id and outcome id.
func (s *Store) commitStagedDecision(id []byte, rec DecisionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal decision %s: %w", rec.Context.ID, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		decisions := tx.Bucket([]byte("decisions"))
		if decisions.Get(id) != nil {
			return nil
		}
		if err := decisions.Put(id, data); err != nil {
			return err
		}
		if rec.Outcome != nil {
			return appendOutcomeTx(tx, *rec.Outcome)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit decision %s: %w", rec.Context.ID, err)
	}
	return nil
}

// GetDecision returns the committed record for id, or (nil, nil).
func (s *Store) GetDecision(id string) (*DecisionRecord, error) {
	var rec *DecisionRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte("decisions")).Get([]byte(id))
		if data == nil {
			return nil
		}
		var r DecisionRecord
		if err := json.Unmarshal(data, &r); err != nil {
			return fmt.Errorf("decode decision %s: %w", id, err)
		}
		rec = &r
		return nil
	})
	return rec, err
}

// RecordOutcome appends an outcome to the durable outcome log. Idempotent by
// outcome id; the id is assigned when empty.
func (s *Store) RecordOutcome(out decision.Outcome) (string, error) {
	if out.ID == "" {
		out.ID = out.DecisionID + "/outcome"
	}
	if out.ObservedAt.IsZero() {
		out.ObservedAt = s.clk.Now()
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return appendOutcomeTx(tx, out)
	})
	if err != nil {
		return "", fmt.Errorf("record outcome %s: %w", out.ID, err)
	}
	return out.ID, nil
}

// appendOutcomeTx writes an outcome inside tx, skipping ids already present.
func appendOutcomeTx(tx *bolt.Tx, out decision.Outcome) error {
	ids := tx.Bucket([]byte("outcome_ids"))
	if ids.Get([]byte(out.ID)) != nil {
		return nil
	}
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal outcome %s: %w", out.ID, err)
	}
	key := []byte(out.ObservedAt.UTC().Format(time.RFC3339Nano) + "|" + out.ID)
	if err := tx.Bucket([]byte("outcomes")).Put(key, data); err != nil {
		return err
	}
	return ids.Put([]byte(out.ID), key)
}

// Outcomes returns all outcomes in chronological order. The outcome log is
// the source of truth for the threshold table and spending counters — both
// are materialized views recomputable from this sequence.
func (s *Store) Outcomes() ([]decision.Outcome, error) {
	var out []decision.Outcome
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte("outcomes")).ForEach(func(_, v []byte) error {
			var o decision.Outcome
			if err := json.Unmarshal(v, &o); err != nil {
				return err
			}
			out = append(out, o)
			return nil
		})
	})
	return out, err
}
