package memory

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/quorumnet/steward/pkg/bus"
)

// JournalEntry is one persisted bus event. The payload hash lets an auditor
// verify entries without re-marshalling.
type JournalEntry struct {
	Seq         uint64          `json:"seq"`
	ID          string          `json:"id"`
	TS          time.Time       `json:"ts"`
	Topic       string          `json:"topic"`
	PayloadHash string          `json:"payload_hash"`
	Payload     json.RawMessage `json:"payload"`
}

// AppendEvent persists a bus event to the append-only journal. Implements
// bus.Journal. Keys are the 8-byte big-endian sequence, so cursor order is
// publish order.
func (s *Store) AppendEvent(ev bus.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal event %d payload: %w", ev.Seq, err)
	}
	sum := sha256.Sum256(payload)

	entry := JournalEntry{
		Seq:         ev.Seq,
		ID:          ev.ID,
		TS:          ev.TS,
		Topic:       ev.Topic,
		PayloadHash: hex.EncodeToString(sum[:]),
		Payload:     payload,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal event %d: %w", ev.Seq, err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte("events")).Put(seqKey(ev.Seq), data)
	})
}

// RangeEvents returns up to limit journal entries with seq > fromSeq,
// optionally filtered by topic (empty topic matches all).
func (s *Store) RangeEvents(topic string, fromSeq uint64, limit int) ([]JournalEntry, error) {
	var out []JournalEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte("events")).Cursor()
		for k, v := c.Seek(seqKey(fromSeq + 1)); k != nil && len(out) < limit; k, v = c.Next() {
			var entry JournalEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("decode event at seq key %x: %w", k, err)
			}
			if topic != "" && entry.Topic != topic {
				continue
			}
			out = append(out, entry)
		}
		return nil
	})
	return out, err
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
