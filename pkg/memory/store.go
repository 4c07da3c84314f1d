// Package memory is the shared memory store of the core.
//
// Three layers:
//
//  1. Short-term cache — TTL- and size-bounded LRU, a read-through memo over
//     the durable log. Failures here degrade to cache misses, never errors.
//  2. Long-term log — bbolt-backed, append-only. Entries are immutable once
//     acknowledged. A long-term write failure is fatal to the enclosing
//     decision.
//  3. Semantic index — in-memory cosine k-NN over record embeddings, rebuilt
//     from the log on open. Put updates it synchronously, so reads within
//     the same logical decision see their own writes.
//
// Bucket layout:
//
//	records       record id → JSON Record
//	records_idx   kind|ts|id (sortable) → record id
//	events        8-byte BE seq → JSON journal entry
//	decisions     decision id → JSON DecisionRecord (write-once)
//	decision_wal  decision id → pending DecisionRecord (write-ahead marker)
//	outcomes      ts|outcome id (sortable) → JSON Outcome
//	outcome_ids   outcome id → outcomes key (idempotence index)
//	limits        actor/asset → JSON counters
//	limits_wal    request id → JSON deduction marker
//	improvements  candidate id → JSON candidate record
//	meta          schema bookkeeping
package memory

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/quorumnet/steward/pkg/clock"
)

const schemaVersion = "1"

var buckets = []string{
	"records", "records_idx", "events", "decisions", "decision_wal",
	"outcomes", "outcome_ids", "limits", "limits_wal", "limits_done",
	"improvements", "meta",
}

// Record is a single memory entry.
type Record struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	TS        time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
	Embedding []float32       `json:"embedding,omitempty"`
}

// Store is the memory store. Safe for concurrent use: bbolt serializes
// writers, the cache and vector index carry their own locks.
type Store struct {
	db    *bolt.DB
	clk   clock.Clock
	cache *shortTermCache
	index *vectorIndex
	log   *slog.Logger
}

// Options bound the short-term layer.
type Options struct {
	ShortTermTTL time.Duration
	ShortTermMax int
}

// Open opens (or creates) the store at path, runs write-ahead recovery, and
// rebuilds the semantic index from the log.
func Open(path string, clk clock.Clock, opts Options) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open memory store %q: %w", path, err)
	}

	s := &Store{
		db:    db,
		clk:   clk,
		cache: newShortTermCache(opts.ShortTermMax, opts.ShortTermTTL, clk),
		index: newVectorIndex(),
		log:   slog.Default().With("component", "memory"),
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		meta := tx.Bucket([]byte("meta"))
		if meta.Get([]byte("schema_version")) == nil {
			return meta.Put([]byte("schema_version"), []byte(schemaVersion))
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialise memory store: %w", err)
	}

	if err := s.recover(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.rebuildIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Put stores a record durably and updates the cache and semantic index.
// Idempotent by record id: a second put of an existing id is a no-op. An
// empty id is assigned.
func (s *Store) Put(rec Record) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.TS.IsZero() {
		rec.TS = s.clk.Now()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal record %s: %w", rec.ID, err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket([]byte("records"))
		if records.Get([]byte(rec.ID)) != nil {
			return nil // already acknowledged; immutable
		}
		if err := records.Put([]byte(rec.ID), data); err != nil {
			return err
		}
		return tx.Bucket([]byte("records_idx")).Put(recordIdxKey(rec.Kind, rec.TS, rec.ID), []byte(rec.ID))
	})
	if err != nil {
		return "", fmt.Errorf("put record %s: %w", rec.ID, err)
	}

	s.cache.put(rec)
	if len(rec.Embedding) > 0 {
		s.index.add(rec.ID, rec.Embedding)
	}
	return rec.ID, nil
}

// Get returns the record by id, consulting the short-term cache first.
// Returns (nil, nil) when the record does not exist.
func (s *Store) Get(id string) (*Record, error) {
	if rec, ok := s.cache.get(id); ok {
		return &rec, nil
	}

	var rec *Record
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte("records")).Get([]byte(id))
		if data == nil {
			return nil
		}
		var r Record
		if err := json.Unmarshal(data, &r); err != nil {
			return fmt.Errorf("decode record %s: %w", id, err)
		}
		rec = &r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if rec != nil {
		s.cache.put(*rec)
	}
	return rec, nil
}

// Range returns records of kind with TS in [from, to], in chronological order.
func (s *Store) Range(kind string, from, to time.Time) ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		records := tx.Bucket([]byte("records"))
		c := tx.Bucket([]byte("records_idx")).Cursor()
		start := recordIdxKey(kind, from, "")
		end := recordIdxKey(kind, to, "\xff")
		for k, id := c.Seek(start); k != nil && string(k) <= string(end); k, id = c.Next() {
			data := records.Get(id)
			if data == nil {
				continue
			}
			var r Record
			if err := json.Unmarshal(data, &r); err != nil {
				return fmt.Errorf("decode record %s: %w", id, err)
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// Match is one semantic search hit.
type Match struct {
	ID         string
	Similarity float64
}

// Search returns up to k record ids nearest to embedding by cosine
// similarity, most similar first.
func (s *Store) Search(embedding []float32, k int) []Match {
	return s.index.search(embedding, k)
}

// Compact evicts expired short-term entries. The long-term log is never
// rewritten.
func (s *Store) Compact() int {
	return s.cache.purgeExpired()
}

// recordIdxKey builds the sortable index key kind|RFC3339Nano|id.
// Lexicographic order equals chronological order within a kind.
func recordIdxKey(kind string, ts time.Time, id string) []byte {
	return []byte(kind + "|" + ts.UTC().Format(time.RFC3339Nano) + "|" + id)
}

// rebuildIndex loads every embedded record into the semantic index.
func (s *Store) rebuildIndex() error {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte("records")).ForEach(func(_, v []byte) error {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if len(r.Embedding) > 0 {
				s.index.add(r.ID, r.Embedding)
				count++
			}
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("rebuild semantic index: %w", err)
	}
	if count > 0 {
		s.log.Info("Semantic index rebuilt", "vectors", count)
	}
	return nil
}
