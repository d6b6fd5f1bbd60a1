package harness

import (
	"sort"
	"sync"
	"time"

	ports "github.com/Galdaer/portfolio-sub000/medcore/harness/ports"
	"gonum.org/v1/gonum/stat"
)

// maxLatencySamples bounds the latency window kept per series.
const maxLatencySamples = 1000

// MetricsCollector collects turn, task and reasoning metrics.
type MetricsCollector struct {
	mu sync.RWMutex

	turnCount   int64
	turnErrors  map[ports.OrchestrationErrorKind]int64
	turnLatency []time.Duration

	classCounts    map[ports.QueryClass]int64
	strategyCounts map[ports.Strategy]int64
	fallbacks      map[string]int64
	reviewCount    int64

	agentStats map[ports.AgentName]AgentStats
}

// AgentStats tracks outcomes for one agent.
type AgentStats struct {
	Succeeded    int64         `json:"succeeded"`
	Failed       int64         `json:"failed"`
	TimedOut     int64         `json:"timed_out"`
	TotalLatency time.Duration `json:"total_latency"`
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		turnErrors:     make(map[ports.OrchestrationErrorKind]int64),
		turnLatency:    make([]time.Duration, 0, maxLatencySamples),
		classCounts:    make(map[ports.QueryClass]int64),
		strategyCounts: make(map[ports.Strategy]int64),
		fallbacks:      make(map[string]int64),
		agentStats:     make(map[ports.AgentName]AgentStats),
	}
}

// RecordTurn records one finished turn. kind is empty for successful turns.
func (mc *MetricsCollector) RecordTurn(duration time.Duration, class ports.QueryClass, strategy ports.Strategy, review bool, kind ports.OrchestrationErrorKind) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.turnCount++
	if len(mc.turnLatency) == maxLatencySamples {
		mc.turnLatency = append(mc.turnLatency[:0], mc.turnLatency[1:]...)
	}
	mc.turnLatency = append(mc.turnLatency, duration)
	if kind != "" {
		mc.turnErrors[kind]++
		return
	}
	mc.classCounts[class]++
	mc.strategyCounts[strategy]++
	if review {
		mc.reviewCount++
	}
}

// RecordTask records the terminal status of one agent task.
func (mc *MetricsCollector) RecordTask(agent ports.AgentName, status ports.TaskStatus, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	stats := mc.agentStats[agent]
	switch status {
	case ports.TaskSucceeded:
		stats.Succeeded++
	case ports.TaskTimedOut:
		stats.TimedOut++
	default:
		stats.Failed++
	}
	stats.TotalLatency += duration
	mc.agentStats[agent] = stats
}

// RecordFallback counts a degraded reasoning path, e.g. "tree_to_chain".
func (mc *MetricsCollector) RecordFallback(kind string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.fallbacks[kind]++
}

// Snapshot returns a copy of the collected metrics.
func (mc *MetricsCollector) Snapshot() MetricsSummary {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	s := MetricsSummary{
		TurnCount:      mc.turnCount,
		ReviewCount:    mc.reviewCount,
		TurnErrors:     make(map[ports.OrchestrationErrorKind]int64, len(mc.turnErrors)),
		ClassCounts:    make(map[ports.QueryClass]int64, len(mc.classCounts)),
		StrategyCounts: make(map[ports.Strategy]int64, len(mc.strategyCounts)),
		Fallbacks:      make(map[string]int64, len(mc.fallbacks)),
		AgentStats:     make(map[ports.AgentName]AgentStats, len(mc.agentStats)),
		TurnLatency:    percentiles(mc.turnLatency),
	}
	for k, v := range mc.turnErrors {
		s.TurnErrors[k] = v
	}
	for k, v := range mc.classCounts {
		s.ClassCounts[k] = v
	}
	for k, v := range mc.strategyCounts {
		s.StrategyCounts[k] = v
	}
	for k, v := range mc.fallbacks {
		s.Fallbacks[k] = v
	}
	for k, v := range mc.agentStats {
		s.AgentStats[k] = v
	}
	return s
}

// percentiles calculates p50, p95, p99 latencies
func percentiles(latencies []time.Duration) LatencyPercentiles {
	if len(latencies) == 0 {
		return LatencyPercentiles{}
	}
	xs := make([]float64, len(latencies))
	for i, d := range latencies {
		xs[i] = float64(d)
	}
	sort.Float64s(xs)
	q := func(p float64) time.Duration { return time.Duration(stat.Quantile(p, stat.Empirical, xs, nil)) }
	return LatencyPercentiles{P50: q(0.50), P95: q(0.95), P99: q(0.99)}
}

// MetricsSummary represents a summary of collected metrics
type MetricsSummary struct {
	TurnCount      int64                                  `json:"turn_count"`
	ReviewCount    int64                                  `json:"review_count"`
	TurnErrors     map[ports.OrchestrationErrorKind]int64 `json:"turn_errors"`
	ClassCounts    map[ports.QueryClass]int64             `json:"class_counts"`
	StrategyCounts map[ports.Strategy]int64               `json:"strategy_counts"`
	Fallbacks      map[string]int64                       `json:"fallbacks"`
	AgentStats     map[ports.AgentName]AgentStats         `json:"agent_stats"`
	TurnLatency    LatencyPercentiles                     `json:"turn_latency"`
}

// LatencyPercentiles represents latency percentiles
type LatencyPercentiles struct {
	P50 time.Duration `json:"p50"`
	P95 time.Duration `json:"p95"`
	P99 time.Duration `json:"p99"`
}

// Reset clears all collected metrics
func (mc *MetricsCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.turnCount = 0
	mc.reviewCount = 0
	mc.turnLatency = mc.turnLatency[:0]
	mc.turnErrors = make(map[ports.OrchestrationErrorKind]int64)
	mc.classCounts = make(map[ports.QueryClass]int64)
	mc.strategyCounts = make(map[ports.Strategy]int64)
	mc.fallbacks = make(map[string]int64)
	mc.agentStats = make(map[ports.AgentName]AgentStats)
}
