package memory

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// CandidateTransition is one state change of an improvement candidate.
// Transitions are appended, never rewritten.
type CandidateTransition struct {
	State string    `json:"state"`
	At    time.Time `json:"at"`
	Note  string    `json:"note,omitempty"`
}

// CandidateRecord is the durable trail of one improvement candidate.
type CandidateRecord struct {
	ID          string                `json:"id"`
	Payload     json.RawMessage       `json:"payload"`
	Transitions []CandidateTransition `json:"transitions"`
}

// PutCandidate creates the candidate record if absent and refreshes its
// payload snapshot. The transition trail is preserved.
func (s *Store) PutCandidate(id string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal candidate %s: %w", id, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte("improvements"))
		rec := CandidateRecord{ID: id}
		if existing := b.Get([]byte(id)); existing != nil {
			if err := json.Unmarshal(existing, &rec); err != nil {
				return fmt.Errorf("decode candidate %s: %w", id, err)
			}
		}
		rec.Payload = data
		out, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
}

// AppendCandidateTransition appends a state change to the candidate's trail.
// Appending an identical consecutive state is a no-op, which makes state
// transitions idempotent by (candidate, state).
func (s *Store) AppendCandidateTransition(id, state, note string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte("improvements"))
		rec := CandidateRecord{ID: id}
		if existing := b.Get([]byte(id)); existing != nil {
			if err := json.Unmarshal(existing, &rec); err != nil {
				return fmt.Errorf("decode candidate %s: %w", id, err)
			}
		}
		if n := len(rec.Transitions); n > 0 && rec.Transitions[n-1].State == state {
			return nil
		}
		rec.Transitions = append(rec.Transitions, CandidateTransition{
			State: state,
			At:    s.clk.Now(),
			Note:  note,
		})
		out, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
}

// GetCandidate returns the candidate's durable record, or (nil, nil).
func (s *Store) GetCandidate(id string) (*CandidateRecord, error) {
	var rec *CandidateRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte("improvements")).Get([]byte(id))
		if data == nil {
			return nil
		}
		var r CandidateRecord
		if err := json.Unmarshal(data, &r); err != nil {
			return fmt.Errorf("decode candidate %s: %w", id, err)
		}
		rec = &r
		return nil
	})
	return rec, err
}
