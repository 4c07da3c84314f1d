package memory

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumnet/steward/pkg/clock"
	"github.com/quorumnet/steward/pkg/decision"
)

func openTestStore(t *testing.T) (*Store, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store, err := Open(filepath.Join(t.TempDir(), "steward.db"), clk, Options{
		ShortTermTTL: time.Hour,
		ShortTermMax: 8,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, clk
}

func TestPutIsIdempotentByID(t *testing.T) {
	store, _ := openTestStore(t)

	id, err := store.Put(Record{ID: "rec-1", Kind: "note", Payload: json.RawMessage(`{"v":1}`)})
	require.NoError(t, err)
	assert.Equal(t, "rec-1", id)

	// A second put with the same id must not overwrite the first payload.
	_, err = store.Put(Record{ID: "rec-1", Kind: "note", Payload: json.RawMessage(`{"v":2}`)})
	require.NoError(t, err)

	rec, err := store.Get("rec-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.JSONEq(t, `{"v":1}`, string(rec.Payload))
}

func TestPutAssignsIDWhenEmpty(t *testing.T) {
	store, _ := openTestStore(t)

	id, err := store.Put(Record{Kind: "note", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestGetMissingRecordReturnsNil(t *testing.T) {
	store, _ := openTestStore(t)

	rec, err := store.Get("absent")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRangeFiltersByKindAndTime(t *testing.T) {
	store, clk := openTestStore(t)

	base := clk.Now()
	for i, kind := range []string{"note", "note", "audit"} {
		_, err := store.Put(Record{
			ID:      kind + "-" + string(rune('a'+i)),
			Kind:    kind,
			TS:      base.Add(time.Duration(i) * time.Minute),
			Payload: json.RawMessage(`{}`),
		})
		require.NoError(t, err)
	}

	notes, err := store.Range("note", base.Add(-time.Minute), base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, notes, 2)
	assert.True(t, notes[0].TS.Before(notes[1].TS))

	early, err := store.Range("note", base.Add(-time.Minute), base.Add(30*time.Second))
	require.NoError(t, err)
	assert.Len(t, early, 1)
}

func TestSearchReturnsNearestByCosine(t *testing.T) {
	store, _ := openTestStore(t)

	vectors := map[string][]float32{
		"east":  {1, 0},
		"north": {0, 1},
		"diag":  {1, 1},
	}
	for id, v := range vectors {
		_, err := store.Put(Record{ID: id, Kind: "vec", Payload: json.RawMessage(`{}`), Embedding: v})
		require.NoError(t, err)
	}

	matches := store.Search([]float32{1, 0.1}, 2)
	require.Len(t, matches, 2)
	assert.Equal(t, "east", matches[0].ID)
	assert.Greater(t, matches[0].Similarity, matches[1].Similarity)
}

func TestSearchSurvivesReopen(t *testing.T) {
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	path := filepath.Join(t.TempDir(), "steward.db")

	store, err := Open(path, clk, Options{ShortTermTTL: time.Hour, ShortTermMax: 8})
	require.NoError(t, err)
	_, err = store.Put(Record{ID: "v1", Kind: "vec", Payload: json.RawMessage(`{}`), Embedding: []float32{1, 0}})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := Open(path, clk, Options{ShortTermTTL: time.Hour, ShortTermMax: 8})
	require.NoError(t, err)
	defer reopened.Close()

	matches := reopened.Search([]float32{1, 0}, 1)
	require.Len(t, matches, 1)
	assert.Equal(t, "v1", matches[0].ID)
}

func TestShortTermCacheExpiresAndCompacts(t *testing.T) {
	store, clk := openTestStore(t)

	_, err := store.Put(Record{ID: "rec-1", Kind: "note", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, 1, store.cache.len())

	clk.Advance(2 * time.Hour)
	assert.Equal(t, 1, store.Compact())
	assert.Equal(t, 0, store.cache.len())

	// Expired cache entry degrades to a long-term read, not a miss.
	rec, err := store.Get("rec-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
}

func TestShortTermCacheEvictsLRU(t *testing.T) {
	store, _ := openTestStore(t)

	for i := 0; i < 12; i++ {
		_, err := store.Put(Record{
			ID:      string(rune('a' + i)),
			Kind:    "note",
			Payload: json.RawMessage(`{}`),
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 8, store.cache.len())
}

func TestRecordOutcomeIsIdempotent(t *testing.T) {
	store, _ := openTestStore(t)

	out := decision.Outcome{ID: "out-1", DecisionID: "d-1", Success: true, Magnitude: 0.5}
	_, err := store.RecordOutcome(out)
	require.NoError(t, err)
	_, err = store.RecordOutcome(out)
	require.NoError(t, err)

	outcomes, err := store.Outcomes()
	require.NoError(t, err)
	assert.Len(t, outcomes, 1)
}

func TestCommitDecisionIsWriteOnce(t *testing.T) {
	store, _ := openTestStore(t)

	dctx := decision.Context{ID: "d-1", Level: decision.Advisory, Proposer: "alice"}
	rec := DecisionRecord{
		Context:    dctx,
		Evaluation: decision.Evaluation{ContextID: "d-1", WeightedScore: 0.8, Confidence: 0.9},
		Status:     decision.StatusRecorded,
		Outcome:    &decision.Outcome{ID: "d-1/outcome", DecisionID: "d-1", Success: true},
	}
	require.NoError(t, store.CommitDecision(rec))

	// A second commit with a different evaluation must not replace the first.
	rec.Evaluation.WeightedScore = 0.1
	require.NoError(t, store.CommitDecision(rec))

	stored, err := store.GetDecision("d-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, 0.8, stored.Evaluation.WeightedScore)

	outcomes, err := store.Outcomes()
	require.NoError(t, err)
	assert.Len(t, outcomes, 1)
}
