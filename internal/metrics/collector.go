// Package metrics provides in-memory runtime statistics collection and their
// Prometheus exposition.
package metrics

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// OperationMetrics holds aggregated metrics for a single operation type.
type OperationMetrics struct {
	Count     int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration

	// Token metrics (only for LLM operations)
	TotalInputTokens  int64
	TotalOutputTokens int64
}

// OperationSnapshot provides computed stats from raw metrics.
type OperationSnapshot struct {
	Count       int64   `json:"count"`
	TotalTimeMs int64   `json:"total_time_ms"`
	AvgTimeMs   float64 `json:"avg_time_ms"`
	MinTimeMs   int64   `json:"min_time_ms"`
	MaxTimeMs   int64   `json:"max_time_ms"`

	// Token stats (nil if not applicable)
	TotalInputTokens  *int64 `json:"total_input_tokens,omitempty"`
	TotalOutputTokens *int64 `json:"total_output_tokens,omitempty"`
}

// Snapshot represents the full process statistics at a point in time.
type Snapshot struct {
	UptimeSeconds float64                      `json:"uptime_seconds"`
	Operations    map[string]OperationSnapshot `json:"operations"`
	Reassembly    map[string]ReassemblyCounts  `json:"reassembly,omitempty"`
}

// Operation names for the collector.
const (
	OpPublish     = "publish"
	OpReassemble  = "reassemble"
	OpProcess     = "process"
	OpAssemble    = "assemble"
	OpDBQuery     = "db_query"
	OpLLMGenerate = "llm_generate"
)

// ReassemblyCounts is the pending and stuck entry count of one reassembler.
type ReassemblyCounts struct {
	Pending int `json:"pending"`
	Stuck   int `json:"stuck"`
}

// ReassemblySource reports reassembly state. Entries without progress for at
// least stuckAfter count as stuck.
type ReassemblySource interface {
	Counts(ctx context.Context, stuckAfter time.Duration) (pending, stuck int, err error)
}

// countsTimeout bounds one reassembly source read during a scrape.
const countsTimeout = 2 * time.Second

const namespace = "mediaflow"

var (
	opCountDesc = prometheus.NewDesc(namespace+"_operations_total",
		"Completed operations by type.", []string{"op"}, nil)
	opSecondsDesc = prometheus.NewDesc(namespace+"_operation_seconds_total",
		"Total time spent per operation type.", []string{"op"}, nil)
	opMaxDesc = prometheus.NewDesc(namespace+"_operation_max_seconds",
		"Slowest observed operation per type.", []string{"op"}, nil)
	tokensDesc = prometheus.NewDesc(namespace+"_llm_tokens_total",
		"LLM tokens by operation and direction.", []string{"op", "direction"}, nil)
	pendingDesc = prometheus.NewDesc(namespace+"_reassembly_pending",
		"Items with fragments outstanding.", []string{"stage"}, nil)
	stuckDesc = prometheus.NewDesc(namespace+"_reassembly_stuck",
		"Items with fragments outstanding and no recent progress.", []string{"stage"}, nil)
)

// Collector aggregates in-memory runtime statistics and implements
// prometheus.Collector for them. All methods are thread-safe.
type Collector struct {
	mu         sync.RWMutex
	startTime  time.Time
	ops        map[string]*OperationMetrics
	sources    map[string]ReassemblySource
	stuckAfter time.Duration

	registry     *prometheus.Registry
	routed       *prometheus.CounterVec
	statusEvents *prometheus.CounterVec
	decodeDrops  *prometheus.CounterVec
}

// NewCollector creates a collector with its own registry. stuckAfter is the
// no-progress window after which a pending reassembly counts as stuck.
func NewCollector(stuckAfter time.Duration) *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	c := &Collector{
		startTime:  time.Now(),
		ops:        make(map[string]*OperationMetrics),
		sources:    make(map[string]ReassemblySource),
		stuckAfter: stuckAfter,
		registry:   reg,
		routed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_routed_total",
			Help:      "Content items handed to a category channel.",
		}, []string{"category", "outcome"}),
		statusEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_events_total",
			Help:      "Status events recorded by the correlator.",
		}, []string{"status"}),
		decodeDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_drops_total",
			Help:      "Messages dropped because they could not be decoded.",
		}, []string{"channel"}),
	}

	reg.MustRegister(c, collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return c
}

// Registry returns the registry the collector exposes through.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// getOrCreate returns existing metrics or creates new ones for an operation.
// Caller must hold write lock.
func (c *Collector) getOrCreate(op string) *OperationMetrics {
	m, ok := c.ops[op]
	if !ok {
		m = &OperationMetrics{MinTime: time.Duration(math.MaxInt64)}
		c.ops[op] = m
	}
	return m
}

func (m *OperationMetrics) observe(d time.Duration) {
	m.Count++
	m.TotalTime += d
	if d < m.MinTime {
		m.MinTime = d
	}
	if d > m.MaxTime {
		m.MaxTime = d
	}
}

// RecordTiming records timing for an operation.
func (c *Collector) RecordTiming(op string, duration time.Duration) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.getOrCreate(op).observe(duration)
}

// Time records the time elapsed since start. Use as defer c.Time(op, time.Now()).
func (c *Collector) Time(op string, start time.Time) {
	c.RecordTiming(op, time.Since(start))
}

// RecordLLMUsage records timing and token usage for an LLM operation.
func (c *Collector) RecordLLMUsage(op string, duration time.Duration, inputTokens, outputTokens int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.getOrCreate(op)
	m.observe(duration)
	m.TotalInputTokens += inputTokens
	m.TotalOutputTokens += outputTokens
}

// Routed counts one content item handed to a category channel.
func (c *Collector) Routed(category string, ok bool) {
	if c == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	c.routed.WithLabelValues(category, outcome).Inc()
}

// StatusEvent counts one recorded status event.
func (c *Collector) StatusEvent(status string) {
	if c == nil {
		return
	}
	c.statusEvents.WithLabelValues(status).Inc()
}

// DecodeDrop counts one message dropped as undecodable.
func (c *Collector) DecodeDrop(channel string) {
	if c == nil {
		return
	}
	c.decodeDrops.WithLabelValues(channel).Inc()
}

// TrackReassembly exposes a reassembler's pending and stuck counts under stage.
func (c *Collector) TrackReassembly(stage string, src ReassemblySource) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[stage] = src
}

// snapshotOp creates a snapshot for an operation.
func snapshotOp(m *OperationMetrics) OperationSnapshot {
	snap := OperationSnapshot{
		Count:       m.Count,
		TotalTimeMs: m.TotalTime.Milliseconds(),
		AvgTimeMs:   float64(m.TotalTime.Milliseconds()) / float64(m.Count),
		MinTimeMs:   m.MinTime.Milliseconds(),
		MaxTimeMs:   m.MaxTime.Milliseconds(),
	}
	if m.TotalInputTokens > 0 || m.TotalOutputTokens > 0 {
		totalIn := m.TotalInputTokens
		totalOut := m.TotalOutputTokens
		snap.TotalInputTokens = &totalIn
		snap.TotalOutputTokens = &totalOut
	}
	return snap
}

func (c *Collector) reassembly() map[string]ReassemblyCounts {
	out := make(map[string]ReassemblyCounts, len(c.sources))
	for stage, src := range c.sources {
		ctx, cancel := context.WithTimeout(context.Background(), countsTimeout)
		pending, stuck, err := src.Counts(ctx, c.stuckAfter)
		cancel()
		if err != nil {
			continue
		}
		out[stage] = ReassemblyCounts{Pending: pending, Stuck: stuck}
	}
	return out
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		UptimeSeconds: time.Since(c.startTime).Seconds(),
		Operations:    make(map[string]OperationSnapshot, len(c.ops)),
		Reassembly:    c.reassembly(),
	}
	for op, m := range c.ops {
		if m.Count > 0 {
			snap.Operations[op] = snapshotOp(m)
		}
	}
	return snap
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- opCountDesc
	ch <- opSecondsDesc
	ch <- opMaxDesc
	ch <- tokensDesc
	ch <- pendingDesc
	ch <- stuckDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ops := make([]string, 0, len(c.ops))
	for op := range c.ops {
		ops = append(ops, op)
	}
	sort.Strings(ops)

	for _, op := range ops {
		m := c.ops[op]
		ch <- prometheus.MustNewConstMetric(opCountDesc, prometheus.CounterValue, float64(m.Count), op)
		ch <- prometheus.MustNewConstMetric(opSecondsDesc, prometheus.CounterValue, m.TotalTime.Seconds(), op)
		ch <- prometheus.MustNewConstMetric(opMaxDesc, prometheus.GaugeValue, m.MaxTime.Seconds(), op)
		if m.TotalInputTokens > 0 || m.TotalOutputTokens > 0 {
			ch <- prometheus.MustNewConstMetric(tokensDesc, prometheus.CounterValue, float64(m.TotalInputTokens), op, "input")
			ch <- prometheus.MustNewConstMetric(tokensDesc, prometheus.CounterValue, float64(m.TotalOutputTokens), op, "output")
		}
	}

	for stage, counts := range c.reassembly() {
		ch <- prometheus.MustNewConstMetric(pendingDesc, prometheus.GaugeValue, float64(counts.Pending), stage)
		ch <- prometheus.MustNewConstMetric(stuckDesc, prometheus.GaugeValue, float64(counts.Stuck), stage)
	}
}
