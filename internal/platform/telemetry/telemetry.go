// Package telemetry provides in-process observability for the migration
// service using only standard library constructs: counters, gauges, and
// Prometheus-style histograms with a text exposition endpoint. No external
// telemetry SDK is imported.
package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// Default bucket boundaries.
var (
	// defaultDurationBuckets covers HTTP handler latencies in seconds.
	defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	// defaultPhaseBuckets covers pipeline phase durations in seconds. Phases
	// stream whole artifact sets, so the tail is much longer.
	defaultPhaseBuckets = []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800}
)

// ---------------------------------------------------------------------------
// Histogram — Prometheus-style histogram with buckets
// ---------------------------------------------------------------------------

// histogram is a thread-safe histogram with configurable bucket boundaries.
// Bucket counts are non-cumulative in storage; cumulative counts are computed
// at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64 // one per boundary, non-cumulative
	count        int64
	sum          uint64     // stored as math.Float64bits for atomic add
	mu           sync.Mutex // protects bucketCounts
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

// Observe records a single value.
func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			h.mu.Unlock()
			return
		}
	}
	// Value exceeds all boundaries — counted in +Inf (handled at export).
	h.mu.Unlock()
}

// Count returns the total number of observations.
func (h *histogram) Count() int64 {
	return atomic.LoadInt64(&h.count)
}

// Sum returns the total sum of all observations.
func (h *histogram) Sum() float64 {
	return math.Float64frombits(atomic.LoadUint64(&h.sum))
}

// cumulativeBuckets returns cumulative bucket counts for Prometheus export.
func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	raw := make([]int64, len(h.bucketCounts))
	copy(raw, h.bucketCounts)
	h.mu.Unlock()

	cum := make([]int64, len(raw))
	var running int64
	for i, c := range raw {
		running += c
		cum[i] = running
	}
	return cum
}

// atomicAddFloat64 performs an atomic add on a uint64 that stores a float64
// using CAS.
func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		newVal := math.Float64frombits(old) + delta
		if atomic.CompareAndSwapUint64(addr, old, math.Float64bits(newVal)) {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Labeled stores
// ---------------------------------------------------------------------------

type histogramStore struct {
	mu    sync.RWMutex
	items map[string]*histogram
}

func newHistogramStore() *histogramStore {
	return &histogramStore{items: make(map[string]*histogram)}
}

func (s *histogramStore) getOrCreate(key string, boundaries []float64) *histogram {
	s.mu.RLock()
	h, ok := s.items[key]
	s.mu.RUnlock()
	if ok {
		return h
	}
	s.mu.Lock()
	h, ok = s.items[key]
	if !ok {
		h = newHistogram(boundaries)
		s.items[key] = h
	}
	s.mu.Unlock()
	return h
}

func (s *histogramStore) snapshot() map[string]*histogram {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[string]*histogram, len(s.items))
	for k, v := range s.items {
		cp[k] = v
	}
	return cp
}

type counterStore struct {
	mu    sync.RWMutex
	items map[string]*int64
}

func newCounterStore() *counterStore {
	return &counterStore{items: make(map[string]*int64)}
}

func (s *counterStore) add(key string, delta int64) {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if ok {
		atomic.AddInt64(p, delta)
		return
	}
	s.mu.Lock()
	p, ok = s.items[key]
	if !ok {
		v := delta
		s.items[key] = &v
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	atomic.AddInt64(p, delta)
}

func (s *counterStore) get(key string) int64 {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

func (s *counterStore) snapshot() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[string]int64, len(s.items))
	for k, p := range s.items {
		cp[k] = atomic.LoadInt64(p)
	}
	return cp
}

type gaugeStore struct {
	mu    sync.RWMutex
	items map[string]*int64
}

func newGaugeStore() *gaugeStore {
	return &gaugeStore{items: make(map[string]*int64)}
}

func (s *gaugeStore) add(name string, delta int64) {
	s.mu.RLock()
	p, ok := s.items[name]
	s.mu.RUnlock()
	if ok {
		atomic.AddInt64(p, delta)
		return
	}
	s.mu.Lock()
	p, ok = s.items[name]
	if !ok {
		v := delta
		s.items[name] = &v
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	atomic.AddInt64(p, delta)
}

func (s *gaugeStore) set(name string, val int64) {
	s.mu.Lock()
	p, ok := s.items[name]
	if !ok {
		v := val
		s.items[name] = &v
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	atomic.StoreInt64(p, val)
}

func (s *gaugeStore) get(name string) int64 {
	s.mu.RLock()
	p, ok := s.items[name]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

// ---------------------------------------------------------------------------
// Provider
// ---------------------------------------------------------------------------

// LabelsKey builds the composite key for a labeled metric. Exported so tests
// can construct the same key.
func LabelsKey(parts ...string) string {
	return strings.Join(parts, "|")
}

// Provider holds all metric stores for the service.
type Provider struct {
	serviceName string

	httpDurations  *histogramStore // keyed by method|route|status
	phaseDurations *histogramStore // keyed by phase
	counters       *counterStore
	gauges         *gaugeStore
}

// NewProvider creates an empty metrics provider.
func NewProvider(serviceName string) *Provider {
	return &Provider{
		serviceName:    serviceName,
		httpDurations:  newHistogramStore(),
		phaseDurations: newHistogramStore(),
		counters:       newCounterStore(),
		gauges:         newGaugeStore(),
	}
}

// ObservePhase records one pipeline phase execution. Nil-safe so services can
// run without a provider in tests.
func (p *Provider) ObservePhase(phase string, passed bool, elapsed time.Duration) {
	if p == nil {
		return
	}
	p.phaseDurations.getOrCreate(phase, defaultPhaseBuckets).Observe(elapsed.Seconds())
	result := "passed"
	if !passed {
		result = "failed"
	}
	p.counters.add(LabelsKey("pipeline.phase.count", phase, result), 1)
}

// AddRecords counts records moving through the pipeline by entity type and
// disposition (loaded, promoted, failed, skipped, invalid). Nil-safe.
func (p *Provider) AddRecords(entityType, disposition string, n int) {
	if p == nil || n == 0 {
		return
	}
	p.counters.add(LabelsKey("migration.records.count", entityType, disposition), int64(n))
}

// CountProposal counts one mapping proposal by the proposer that served it.
// Nil-safe.
func (p *Provider) CountProposal(proposer string) {
	if p == nil {
		return
	}
	p.counters.add(LabelsKey("ai.proposal.count", proposer), 1)
}

// SetDBPool records connection pool gauges.
func (p *Provider) SetDBPool(active, idle int64) {
	if p == nil {
		return
	}
	p.gauges.set("db.pool.active_connections", active)
	p.gauges.set("db.pool.idle_connections", idle)
}

// Counter returns the current value of a labeled counter. Test helper.
func (p *Provider) Counter(parts ...string) int64 {
	return p.counters.get(LabelsKey(parts...))
}

// PhaseCount returns the number of observations for a phase. Test helper.
func (p *Provider) PhaseCount(phase string) int64 {
	return p.phaseDurations.getOrCreate(phase, defaultPhaseBuckets).Count()
}

// ---------------------------------------------------------------------------
// Echo middleware
// ---------------------------------------------------------------------------

// Middleware records request duration histograms labeled by method, route,
// and status, plus an active-request gauge.
func (p *Provider) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p.gauges.add("http.server.active_requests", 1)
			start := time.Now()

			err := next(c)

			p.gauges.add("http.server.active_requests", -1)
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			key := LabelsKey(c.Request().Method, route, fmt.Sprintf("%d", c.Response().Status))
			p.httpDurations.getOrCreate(key, defaultDurationBuckets).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// ---------------------------------------------------------------------------
// Prometheus text exposition
// ---------------------------------------------------------------------------

// Handler serves all metrics in Prometheus text exposition format.
func (p *Provider) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		writeLabeledHistograms(&b, "http_server_request_duration_seconds",
			"Duration of HTTP requests in seconds.",
			[]string{"method", "route", "status"},
			p.httpDurations.snapshot(), defaultDurationBuckets)

		writeLabeledHistograms(&b, "pipeline_phase_duration_seconds",
			"Duration of pipeline phase executions in seconds.",
			[]string{"phase"},
			p.phaseDurations.snapshot(), defaultPhaseBuckets)

		writeCounter(&b, "pipeline_phase_count", "pipeline.phase.count",
			"Pipeline phase executions by phase and result.",
			[]string{"phase", "result"}, p.counters.snapshot())

		writeCounter(&b, "migration_records_count", "migration.records.count",
			"Records processed by entity type and disposition.",
			[]string{"entity_type", "disposition"}, p.counters.snapshot())

		writeCounter(&b, "ai_proposal_count", "ai.proposal.count",
			"Mapping proposals served by proposer.",
			[]string{"proposer"}, p.counters.snapshot())

		for _, g := range []struct {
			promName string
			name     string
			help     string
		}{
			{"http_server_active_requests", "http.server.active_requests", "Number of active HTTP requests."},
			{"db_pool_active_connections", "db.pool.active_connections", "Number of active database pool connections."},
			{"db_pool_idle_connections", "db.pool.idle_connections", "Number of idle database pool connections."},
		} {
			fmt.Fprintf(&b, "# HELP %s %s\n", g.promName, g.help)
			fmt.Fprintf(&b, "# TYPE %s gauge\n", g.promName)
			fmt.Fprintf(&b, "%s %d\n\n", g.promName, p.gauges.get(g.name))
		}

		return c.String(http.StatusOK, b.String())
	}
}

func writeLabeledHistograms(b *strings.Builder, name, help string,
	labelNames []string, items map[string]*histogram, boundaries []float64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s histogram\n", name)
	for key, h := range items {
		labels := formatLabels(labelNames, strings.Split(key, "|"))
		cum := h.cumulativeBuckets()
		var running int64
		for i, bound := range boundaries {
			running = cum[i]
			fmt.Fprintf(b, "%s_bucket{%s,le=%q} %d\n", name, labels, formatBound(bound), running)
		}
		fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, h.Count())
		fmt.Fprintf(b, "%s_sum{%s} %g\n", name, labels, h.Sum())
		fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, h.Count())
	}
	b.WriteByte('\n')
}

func writeCounter(b *strings.Builder, promName, prefix, help string,
	labelNames []string, counters map[string]int64) {
	fmt.Fprintf(b, "# HELP %s %s\n", promName, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", promName)
	for key, val := range counters {
		parts := strings.Split(key, "|")
		if parts[0] != prefix || len(parts) != len(labelNames)+1 {
			continue
		}
		fmt.Fprintf(b, "%s{%s} %d\n", promName, formatLabels(labelNames, parts[1:]), val)
	}
	b.WriteByte('\n')
}

func formatLabels(names, values []string) string {
	pairs := make([]string, 0, len(names))
	for i, n := range names {
		v := ""
		if i < len(values) {
			v = values[i]
		}
		pairs = append(pairs, fmt.Sprintf("%s=%q", n, v))
	}
	return strings.Join(pairs, ",")
}

func formatBound(bound float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", bound), "0"), ".")
}
