// Package telemetry keeps in-process metrics for the queue server and serves
// them in the Prometheus text exposition format. It records HTTP server
// metrics through an Echo middleware, counts queue operations and samples
// gauges at scrape time.
package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

// histogram is a thread-safe histogram with fixed bucket boundaries.
// Bucket counts are stored non-cumulative; cumulative counts are computed
// at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits, updated by CAS
	mu           sync.Mutex
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
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) Count() int64 {
	return atomic.LoadInt64(&h.count)
}

func (h *histogram) Sum() float64 {
	return math.Float64frombits(atomic.LoadUint64(&h.sum))
}

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	raw := make([]int64, len(h.bucketCounts))
	copy(raw, h.bucketCounts)
	h.mu.Unlock()

	var running int64
	for i, c := range raw {
		running += c
		raw[i] = running
	}
	return raw
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64frombits(old) + delta
		if atomic.CompareAndSwapUint64(addr, old, math.Float64bits(next)) {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Labeled stores
// ---------------------------------------------------------------------------

type histogramStore struct {
	mu         sync.RWMutex
	boundaries []float64
	items      map[string]*histogram
}

func newHistogramStore(boundaries []float64) *histogramStore {
	return &histogramStore{boundaries: boundaries, items: make(map[string]*histogram)}
}

func (s *histogramStore) get(key string) *histogram {
	s.mu.RLock()
	h, ok := s.items[key]
	s.mu.RUnlock()
	if ok {
		return h
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok = s.items[key]; !ok {
		h = newHistogram(s.boundaries)
		s.items[key] = h
	}
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

func (s *counterStore) inc(key string) {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		s.mu.Lock()
		if p, ok = s.items[key]; !ok {
			p = new(int64)
			s.items[key] = p
		}
		s.mu.Unlock()
	}
	atomic.AddInt64(p, 1)
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

// LabelsKey builds the key of a request duration series.
func LabelsKey(method, route, statusCode string) string {
	return method + "|" + route + "|" + statusCode
}

// ---------------------------------------------------------------------------
// Provider
// ---------------------------------------------------------------------------

var (
	defaultDurationBuckets = []float64{
		0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
	}
	defaultSizeBuckets = []float64{
		100, 1_000, 10_000, 100_000, 1_000_000,
	}
)

type gaugeFunc struct {
	name string
	help string
	fn   func() float64
}

// Provider holds every metric the server exports.
type Provider struct {
	duration *histogramStore
	reqSize  *histogram
	respSize *histogram
	active   int64
	queueOps *counterStore

	gaugeMu sync.RWMutex
	gauges  []gaugeFunc
}

func NewProvider() *Provider {
	return &Provider{
		duration: newHistogramStore(defaultDurationBuckets),
		reqSize:  newHistogram(defaultSizeBuckets),
		respSize: newHistogram(defaultSizeBuckets),
		queueOps: newCounterStore(),
	}
}

// Count increments queue_operations_total for event. It satisfies the
// queue service's Recorder.
func (p *Provider) Count(event string) {
	p.queueOps.inc(event)
}

// QueueOperations returns the current count for event.
func (p *Provider) QueueOperations(event string) int64 {
	return p.queueOps.get(event)
}

// GaugeFunc registers a gauge sampled on every scrape. Names must be valid
// Prometheus metric names.
func (p *Provider) GaugeFunc(name, help string, fn func() float64) {
	p.gaugeMu.Lock()
	p.gauges = append(p.gauges, gaugeFunc{name: name, help: help, fn: fn})
	p.gaugeMu.Unlock()
}

// durationHistogram returns the series for a method, route and status, or
// nil when nothing was recorded.
func (p *Provider) durationHistogram(method, route, statusCode string) *histogram {
	return p.duration.snapshot()[LabelsKey(method, route, statusCode)]
}

// ActiveRequests returns the number of requests in flight.
func (p *Provider) ActiveRequests() int64 {
	return atomic.LoadInt64(&p.active)
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

// Middleware records HTTP server metrics for every request. Routes are
// labeled by their registered pattern so path parameters do not create
// new series.
func (p *Provider) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			atomic.AddInt64(&p.active, 1)
			start := time.Now()
			req := c.Request()

			err := next(c)

			atomic.AddInt64(&p.active, -1)

			// Errors are written further out, so the status comes from err.
			resp := c.Response()
			status := resp.Status
			if err != nil {
				status = http.StatusInternalServerError
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			p.duration.get(LabelsKey(req.Method, route, strconv.Itoa(status))).
				Observe(time.Since(start).Seconds())
			if req.ContentLength > 0 {
				p.reqSize.Observe(float64(req.ContentLength))
			}
			if resp.Size > 0 {
				p.respSize.Observe(float64(resp.Size))
			}
			return err
		}
	}
}

// ---------------------------------------------------------------------------
// Exposition
// ---------------------------------------------------------------------------

// Handler serves all metrics in Prometheus text format.
func (p *Provider) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.String(http.StatusOK, p.Render())
	}
}

// Render returns the current exposition text.
func (p *Provider) Render() string {
	var b strings.Builder

	name := "http_server_request_duration_seconds"
	fmt.Fprintf(&b, "# HELP %s Duration of HTTP requests in seconds.\n", name)
	fmt.Fprintf(&b, "# TYPE %s histogram\n", name)
	series := p.duration.snapshot()
	for _, key := range sortedKeys(series) {
		parts := strings.SplitN(key, "|", 3)
		if len(parts) != 3 {
			continue
		}
		labels := fmt.Sprintf("method=%q,route=%q,status_code=%q", parts[0], parts[1], parts[2])
		writeHistogram(&b, name, labels, series[key])
	}
	b.WriteByte('\n')

	b.WriteString("# HELP http_server_active_requests Number of active HTTP requests.\n")
	b.WriteString("# TYPE http_server_active_requests gauge\n")
	fmt.Fprintf(&b, "http_server_active_requests %d\n\n", p.ActiveRequests())

	writeSimpleHistogram(&b, "http_server_request_size_bytes", "Size of HTTP request bodies in bytes.", p.reqSize)
	writeSimpleHistogram(&b, "http_server_response_size_bytes", "Size of HTTP response bodies in bytes.", p.respSize)

	b.WriteString("# HELP queue_operations_total Queue operations by event.\n")
	b.WriteString("# TYPE queue_operations_total counter\n")
	ops := p.queueOps.snapshot()
	for _, event := range sortedKeys(ops) {
		fmt.Fprintf(&b, "queue_operations_total{event=%q} %d\n", event, ops[event])
	}
	b.WriteByte('\n')

	p.gaugeMu.RLock()
	gauges := make([]gaugeFunc, len(p.gauges))
	copy(gauges, p.gauges)
	p.gaugeMu.RUnlock()
	for _, g := range gauges {
		fmt.Fprintf(&b, "# HELP %s %s\n", g.name, g.help)
		fmt.Fprintf(&b, "# TYPE %s gauge\n", g.name)
		fmt.Fprintf(&b, "%s %g\n\n", g.name, g.fn())
	}
	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeSimpleHistogram(b *strings.Builder, name, help string, h *histogram) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s histogram\n", name)
	writeHistogram(b, name, "", h)
	b.WriteByte('\n')
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	cum := h.cumulativeBuckets()
	total := h.Count()

	prefix, suffix := "", ""
	if labels != "" {
		prefix = labels + ","
		suffix = "{" + labels + "}"
	}
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%sle=\"%g\"} %d\n", name, prefix, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%sle=\"+Inf\"} %d\n", name, prefix, total)
	fmt.Fprintf(b, "%s_sum%s %g\n", name, suffix, h.Sum())
	fmt.Fprintf(b, "%s_count%s %d\n", name, suffix, total)
}
