// Package health produces periodic health snapshots and the Degraded /
// Emergency signals that drive the operating mode.
package health

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/quorumnet/steward/pkg/bus"
	"github.com/quorumnet/steward/pkg/clock"
	"github.com/quorumnet/steward/pkg/config"
	"github.com/quorumnet/steward/pkg/confidence"
	"github.com/quorumnet/steward/pkg/improve"
	"github.com/quorumnet/steward/pkg/probe"
)

// latencyRetention bounds the decision-latency sample window.
const latencyRetention = 5 * time.Minute

// ExecutorDepths is the slice of the executor the monitor reads.
type ExecutorDepths interface {
	QueueDepths() map[string]int
}

// Snapshot is one periodic health reading.
type Snapshot struct {
	TS             time.Time          `json:"ts"`
	Resources      probe.Snapshot     `json:"resources"`
	BusDepths      map[string]int     `json:"bus_depths"`
	ExecutorDepths map[string]int     `json:"executor_depths"`
	ErrorCounts    map[string]int     `json:"error_counts"`
	LatencyP50     time.Duration      `json:"latency_p50"`
	LatencyP95     time.Duration      `json:"latency_p95"`
	LatencyP99     time.Duration      `json:"latency_p99"`
	Score          float64            `json:"score"`
	SubScores      map[string]float64 `json:"sub_scores"`
}

// Monitor collects signals and scores them every interval.
type Monitor struct {
	clk      clock.Clock
	probes   probe.Probe
	eventBus *bus.Bus
	exec     ExecutorDepths
	conf     *confidence.Manager
	improver *improve.Engine
	cfg      config.HealthConfig
	interval time.Duration
	metrics  *Metrics
	log      *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	errors    map[string]int // since last snapshot
	latencies []latencySample
	failures  int // consecutive unhealthy snapshots
	last      *Snapshot
}

type latencySample struct {
	at time.Time
	d  time.Duration
}

// NewMonitor wires the monitor. improver may be nil.
func NewMonitor(clk clock.Clock, probes probe.Probe, eventBus *bus.Bus,
	exec ExecutorDepths, conf *confidence.Manager, improver *improve.Engine,
	cfg config.HealthConfig, interval time.Duration, metrics *Metrics) *Monitor {
	return &Monitor{
		clk:      clk,
		probes:   probes,
		eventBus: eventBus,
		exec:     exec,
		conf:     conf,
		improver: improver,
		cfg:      cfg,
		interval: interval,
		metrics:  metrics,
		log:      slog.Default().With("component", "health"),
		errors:   make(map[string]int),
	}
}

// Start launches the snapshot loop and the error/latency collectors.
func (m *Monitor) Start(ctx context.Context) {
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go m.collectErrors(ctx)
	go m.collectLatencies(ctx)
	go m.run(ctx)
	m.log.Info("Health monitor started", "interval", m.interval)
}

// Stop signals the loops and waits for the snapshot loop.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.log.Info("Health monitor stopped")
}

// Last returns the most recent snapshot, or nil before the first one.
func (m *Monitor) Last() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return nil
	}
	snap := *m.last
	return &snap
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.snapshot(ctx)
		}
	}
}

// collectErrors counts structured error events per component.
func (m *Monitor) collectErrors(ctx context.Context) {
	sub := m.eventBus.Subscribe(bus.TopicErrors, bus.StreamTelemetry)
	defer m.eventBus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			component := "unknown"
			if payload, ok := ev.Payload.(map[string]any); ok {
				if t, ok := payload["type"].(string); ok {
					component = componentOf(t)
				}
			}
			m.mu.Lock()
			m.errors[component]++
			m.mu.Unlock()
			m.metrics.ErrorsTotal.WithLabelValues(component).Inc()
		}
	}
}

// collectLatencies samples decision recording latency from the decision
// stream.
func (m *Monitor) collectLatencies(ctx context.Context) {
	sub := m.eventBus.Subscribe(bus.TopicDecisions, bus.StreamTelemetry)
	defer m.eventBus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			payload, ok := ev.Payload.(map[string]any)
			if !ok {
				continue
			}
			if t, _ := payload["type"].(string); t != bus.DecisionRecorded {
				continue
			}
			ms, ok := payload["latency_ms"].(int64)
			if !ok {
				continue
			}
			d := time.Duration(ms) * time.Millisecond
			m.mu.Lock()
			m.latencies = append(m.latencies, latencySample{at: m.clk.Now(), d: d})
			m.mu.Unlock()
			m.metrics.DecisionLatency.Observe(d.Seconds())
		}
	}
}

// snapshot computes one health reading and emits any signal it implies.
func (m *Monitor) snapshot(ctx context.Context) {
	resources, probeErr := m.probes.Snapshot(ctx)
	if probeErr != nil {
		m.log.Warn("Resource probe failed", "error", probeErr)
	}

	busDepths := m.eventBus.Depths()
	execDepths := map[string]int{}
	if m.exec != nil {
		execDepths = m.exec.QueueDepths()
	}

	m.mu.Lock()
	errorCounts := m.errors
	m.errors = make(map[string]int)
	p50, p95, p99 := m.percentilesLocked()
	m.mu.Unlock()

	subScores := map[string]float64{
		"resources": resourceScore(resources, probeErr != nil),
		"errors":    errorScore(errorCounts),
		"latency":   latencyScore(p95),
	}
	score := 1.0
	for _, s := range subScores {
		score = math.Min(score, s)
	}

	snap := Snapshot{
		TS:             m.clk.Now(),
		Resources:      resources,
		BusDepths:      busDepths,
		ExecutorDepths: execDepths,
		ErrorCounts:    errorCounts,
		LatencyP50:     p50,
		LatencyP95:     p95,
		LatencyP99:     p99,
		Score:          score,
		SubScores:      subScores,
	}

	m.export(snap)

	m.mu.Lock()
	m.last = &snap
	if score < m.cfg.WarnThreshold {
		m.failures++
	} else {
		m.failures = 0
	}
	failures := m.failures
	m.mu.Unlock()

	m.publish(bus.TopicHealth, map[string]any{
		"type":  "health.snapshot",
		"score": score,
		"p95":   p95.Milliseconds(),
	})

	switch {
	case score < m.cfg.CritThreshold || failures >= m.cfg.ConsecutiveFailureLimit:
		m.log.Error("Health critical", "score", score, "consecutive_failures", failures)
		m.publish(bus.TopicModes, map[string]any{
			"type": bus.SignalEmergency, "score": score, "consecutive_failures": failures,
		})
	case score < m.cfg.WarnThreshold:
		m.log.Warn("Health degraded", "score", score)
		m.publish(bus.TopicModes, map[string]any{
			"type": bus.SignalDegraded, "score": score,
		})
	}
}

// export pushes the snapshot into the Prometheus instruments.
func (m *Monitor) export(snap Snapshot) {
	m.metrics.HealthScore.Set(snap.Score)
	m.metrics.CPUPct.Set(snap.Resources.CPUPct)
	m.metrics.MemBytes.Set(float64(snap.Resources.MemBytes))
	for topic, depth := range snap.BusDepths {
		m.metrics.BusQueueDepth.WithLabelValues(topic).Set(float64(depth))
	}
	for lane, depth := range snap.ExecutorDepths {
		m.metrics.ExecutorQueueDepth.WithLabelValues(lane).Set(float64(depth))
	}
	if m.conf != nil {
		for level, threshold := range m.conf.Thresholds() {
			m.metrics.Threshold.WithLabelValues(level.String()).Set(threshold)
		}
	}
	if m.improver != nil {
		for state, count := range m.improver.StateCounts() {
			m.metrics.ImprovementCandidates.WithLabelValues(string(state)).Set(float64(count))
		}
	}
}

// percentilesLocked prunes stale samples and computes p50/p95/p99.
// Caller holds m.mu.
func (m *Monitor) percentilesLocked() (p50, p95, p99 time.Duration) {
	cutoff := m.clk.Now().Add(-latencyRetention)
	kept := m.latencies[:0]
	for _, s := range m.latencies {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	m.latencies = kept
	if len(kept) == 0 {
		return 0, 0, 0
	}

	sorted := make([]time.Duration, len(kept))
	for i, s := range kept {
		sorted[i] = s.d
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	pick := func(q float64) time.Duration {
		idx := int(math.Ceil(q*float64(len(sorted)))) - 1
		if idx < 0 {
			idx = 0
		}
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		return sorted[idx]
	}
	return pick(0.50), pick(0.95), pick(0.99)
}

func (m *Monitor) publish(topic string, payload any) {
	if _, err := m.eventBus.Publish(context.Background(), topic, payload); err != nil {
		m.log.Warn("Health event publish failed", "topic", topic, "error", err)
	}
}

// resourceScore degrades with CPU and memory pressure. A failed probe reads
// as a half-degraded resource picture rather than a blind pass.
func resourceScore(snap probe.Snapshot, probeFailed bool) float64 {
	if probeFailed {
		return 0.5
	}
	cpu := 1 - snap.CPUPct/100
	memory := 1 - snap.MemPct/100
	return clamp01(math.Min(cpu, memory))
}

// errorScore degrades linearly with the error count since the last snapshot,
// reaching zero at ten errors.
func errorScore(counts map[string]int) float64 {
	total := 0
	for _, c := range counts {
		total += c
	}
	return clamp01(1 - float64(total)/10)
}

// latencyScore degrades as p95 approaches five seconds.
func latencyScore(p95 time.Duration) float64 {
	return clamp01(1 - p95.Seconds()/5)
}

// componentOf maps an error event type like "governance.snapshot_failed" to
// its component label.
func componentOf(eventType string) string {
	for i := 0; i < len(eventType); i++ {
		if eventType[i] == '.' {
			return eventType[:i]
		}
	}
	return eventType
}

func clamp01(v float64) float64 { return math.Max(0, math.Min(1, v)) }
