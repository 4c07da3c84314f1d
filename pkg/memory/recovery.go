package memory

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// recover repairs write-ahead state left by a crash.
//
// Decision markers: a readable marker holds the full pending record, so it
// is forward-completed; an unreadable marker is discarded. Either way no
// executed decision is lost and no partial record survives.
//
// Deduction markers: the deduction itself was applied atomically with the
// marker, so the counters are already consistent; only the downstream result
// is unknown. The marker is settled as committed — keeping the deduction can
// under-spend but can never breach a cap, which is the invariant that must
// hold. Each repair is logged as an inconsistency.
func (s *Store) recover() error {
	type pendingDecision struct {
		id   []byte
		rec  DecisionRecord
		keep bool
	}
	var pending []pendingDecision

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte("decision_wal")).ForEach(func(k, v []byte) error {
			p := pendingDecision{id: append([]byte(nil), k...)}
			if err := json.Unmarshal(v, &p.rec); err == nil {
				p.keep = true
			}
			pending = append(pending, p)
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("scan decision markers: %w", err)
	}

	for _, p := range pending {
		if p.keep {
			s.log.Warn("Inconsistent decision marker found, forward-completing",
				"decision_id", string(p.id))
			if err := s.commitStagedDecision(p.id, p.rec); err != nil {
				return err
			}
		} else {
			s.log.Warn("Corrupt decision marker found, discarding",
				"decision_id", string(p.id))
		}
		if err := s.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket([]byte("decision_wal")).Delete(p.id)
		}); err != nil {
			return fmt.Errorf("clear decision marker %s: %w", p.id, err)
		}
	}

	var staged []string
	err = s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte("limits_wal")).ForEach(func(k, _ []byte) error {
			staged = append(staged, string(k))
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("scan deduction markers: %w", err)
	}
	for _, requestID := range staged {
		s.log.Warn("Inconsistent deduction marker found, settling as committed",
			"request_id", requestID)
		if err := s.CommitDeduction(requestID); err != nil {
			return err
		}
	}
	return nil
}
