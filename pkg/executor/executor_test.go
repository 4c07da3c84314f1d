package executor

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumnet/steward/pkg/bus"
	"github.com/quorumnet/steward/pkg/clock"
	"github.com/quorumnet/steward/pkg/config"
	"github.com/quorumnet/steward/pkg/confidence"
	"github.com/quorumnet/steward/pkg/decision"
	"github.com/quorumnet/steward/pkg/fault"
	"github.com/quorumnet/steward/pkg/memory"
	"github.com/quorumnet/steward/pkg/mode"
)

// fakeSink is an in-memory action sink, idempotent by request id.
type fakeSink struct {
	mu       sync.Mutex
	accepted map[string]SinkReceipt
	submits  int
	reject   bool

	// block, when set, stalls Submit until closed; entered signals each
	// Submit entry.
	block   chan struct{}
	entered chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{accepted: make(map[string]SinkReceipt)}
}

func (s *fakeSink) Submit(_ context.Context, req Request) (SinkReceipt, error) {
	s.mu.Lock()
	s.submits++
	entered, block, reject := s.entered, s.block, s.reject
	s.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		<-block
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if receipt, ok := s.accepted[req.ID]; ok {
		return receipt, nil
	}
	receipt := SinkReceipt{Accepted: !reject, ID: req.ID}
	if reject {
		receipt.Reason = "rejected by policy"
	}
	s.accepted[req.ID] = receipt
	return receipt, nil
}

func (s *fakeSink) Status(_ context.Context, id string) (Result, error) {
	return Result{Success: true, ObservableEffect: "done:" + id}, nil
}

type harness struct {
	exec  *Executor
	clk   *clock.Manual
	modes *mode.State
	store *memory.Store
	sink  *fakeSink
	conf  *confidence.Manager
}

func newHarness(t *testing.T, queueMax int) *harness {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	modes := &mode.State{}

	store, err := memory.Open(filepath.Join(t.TempDir(), "steward.db"), clk,
		memory.Options{ShortTermTTL: time.Hour, ShortTermMax: 64})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	conf := confidence.NewManager(clk, config.Default().Thresholds)
	limiter := clock.NewLimiter(clk, modes, clock.Policy{MinInterval: 0, DailyCap: 1000})
	eventBus := bus.New(clk, 64, 100*time.Millisecond)
	sink := newFakeSink()

	return &harness{
		exec:  New(clk, modes, limiter, store, conf, eventBus, sink, queueMax, time.Second),
		clk:   clk,
		modes: modes,
		store: store,
		sink:  sink,
		conf:  conf,
	}
}

func spendRequest(id string, amount float64) Request {
	return Request{
		ID:    id,
		Actor: "alice",
		Kind:  KindSpend,
		Cost:  &Cost{Asset: "usd", Amount: amount},
	}
}

func TestExecuteHappyPath(t *testing.T) {
	h := newHarness(t, 4)

	result, err := h.exec.Execute(context.Background(), Request{
		ID: "req-1", Actor: "alice", Kind: KindPropose,
		DecisionID: "d-1", Level: decision.Advisory,
	})
	require.NoError(t, err)
	assert.True(t, result.Success)

	// The outcome was recorded durably.
	outcomes, err := h.store.Outcomes()
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "d-1", outcomes[0].DecisionID)
	assert.True(t, outcomes[0].Success)
}

func TestModeGatePaused(t *testing.T) {
	h := newHarness(t, 4)
	h.modes.Set(mode.Paused)

	_, err := h.exec.Execute(context.Background(), Request{Actor: "alice", Kind: KindPropose})
	require.Error(t, err)

	// emergency-stop is the single admitted kind while paused.
	_, err = h.exec.Execute(context.Background(), Request{Actor: "alice", Kind: KindEmergencyStop})
	require.NoError(t, err)
}

func TestModeGateEmergencyAdmitsNothing(t *testing.T) {
	h := newHarness(t, 4)
	h.modes.Set(mode.Emergency)

	for _, kind := range []Kind{KindPropose, KindSpend, KindEmergencyStop, KindCodeChange} {
		_, err := h.exec.Execute(context.Background(), Request{
			Actor: "alice", Kind: kind, Cost: &Cost{Asset: "usd", Amount: 1},
		})
		require.Error(t, err, "kind %s", kind)
	}
	assert.Equal(t, 0, h.sink.submits)
}

func TestSpendingEnforcement(t *testing.T) {
	h := newHarness(t, 4)
	require.NoError(t, h.store.ConfigureLimit("alice", "usd", 1000, 10000))

	_, err := h.exec.Execute(context.Background(), spendRequest("req-1", 400))
	require.NoError(t, err)
	_, err = h.exec.Execute(context.Background(), spendRequest("req-2", 400))
	require.NoError(t, err)

	_, err = h.exec.Execute(context.Background(), spendRequest("req-3", 300))
	require.ErrorIs(t, err, fault.ErrQuotaExceeded)

	h.clk.Advance(24 * time.Hour)
	_, err = h.exec.Execute(context.Background(), spendRequest("req-4", 300))
	require.NoError(t, err)
}

func TestDownstreamFailureCreditsDeduction(t *testing.T) {
	h := newHarness(t, 4)
	require.NoError(t, h.store.ConfigureLimit("alice", "usd", 1000, 10000))
	h.sink.reject = true

	_, err := h.exec.Execute(context.Background(), spendRequest("req-1", 400))
	require.Error(t, err)

	counters, err := h.store.Counters("alice", "usd")
	require.NoError(t, err)
	assert.Equal(t, 0.0, counters.DailySpent, "compensating credit must restore the counters")
}

func TestValidityWindow(t *testing.T) {
	h := newHarness(t, 4)
	now := h.clk.Now()

	_, err := h.exec.Execute(context.Background(), Request{
		Actor: "alice", Kind: KindPropose, NotBefore: now.Add(time.Hour),
	})
	assert.ErrorIs(t, err, fault.ErrInvalidInput)

	_, err = h.exec.Execute(context.Background(), Request{
		Actor: "alice", Kind: KindPropose, ExpiresAt: now.Add(-time.Hour),
	})
	assert.ErrorIs(t, err, fault.ErrInvalidInput)
}

func TestRateLimitSurfacesRetryAfter(t *testing.T) {
	clkStart := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewManual(clkStart)
	modes := &mode.State{}
	store, err := memory.Open(filepath.Join(t.TempDir(), "steward.db"), clk,
		memory.Options{ShortTermTTL: time.Hour, ShortTermMax: 64})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	limiter := clock.NewLimiter(clk, modes, clock.Policy{MinInterval: time.Minute, DailyCap: 100})
	conf := confidence.NewManager(clk, config.Default().Thresholds)
	eventBus := bus.New(clk, 64, 100*time.Millisecond)
	exec := New(clk, modes, limiter, store, conf, eventBus, newFakeSink(), 4, time.Second)

	_, err = exec.Execute(context.Background(), Request{Actor: "alice", Kind: KindPropose})
	require.NoError(t, err)

	_, err = exec.Execute(context.Background(), Request{Actor: "alice", Kind: KindPropose})
	require.ErrorIs(t, err, fault.ErrQuotaExceeded)
}

func TestLaneOverloadAtQueueMax(t *testing.T) {
	h := newHarness(t, 1)
	block := make(chan struct{})
	entered := make(chan struct{}, 4)
	h.sink.block = block
	h.sink.entered = entered

	// First request takes the lane slot and stalls inside the sink.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := h.exec.Execute(context.Background(), Request{
			ID: "slow-1", Actor: "alice", Kind: KindPropose,
		})
		assert.NoError(t, err)
	}()
	<-entered

	// Second request fills the single queue position.
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := h.exec.Execute(context.Background(), Request{
			ID: "slow-2", Actor: "alice", Kind: KindPropose,
		})
		assert.NoError(t, err)
	}()
	require.Eventually(t, func() bool {
		return h.exec.QueueDepths()["alice|propose"] == 2
	}, time.Second, 5*time.Millisecond)

	// Beyond queue_max: immediate Overloaded.
	_, err := h.exec.Execute(context.Background(), Request{
		ID: "over", Actor: "alice", Kind: KindPropose,
	})
	require.ErrorIs(t, err, fault.ErrOverloaded)

	close(block)
	wg.Wait()
	assert.Equal(t, 0, h.exec.QueueDepths()["alice|propose"])
}

func TestConcurrentRequestsDifferentLanesProceed(t *testing.T) {
	h := newHarness(t, 2)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			actor := fmt.Sprintf("actor-%d", i)
			_, errs[i] = h.exec.Execute(context.Background(), Request{
				ID: fmt.Sprintf("req-%d", i), Actor: actor, Kind: KindPropose,
			})
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		assert.NoError(t, err, "request %d", i)
	}
}

func TestSpendingRequestRequiresCost(t *testing.T) {
	h := newHarness(t, 4)

	_, err := h.exec.Execute(context.Background(), Request{Actor: "alice", Kind: KindSpend})
	assert.ErrorIs(t, err, fault.ErrInvalidInput)
}
