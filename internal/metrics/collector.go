// Package metrics keeps process-wide counters, gauges and latency
// histograms for the gateway and renders them in the Prometheus text
// exposition format.
package metrics

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

type kind string

const (
	kindCounter   kind = "counter"
	kindGauge     kind = "gauge"
	kindHistogram kind = "histogram"
)

// Registry groups series into named families. A family has one help text
// and type; each label set within it is a separate series.
type Registry struct {
	mu       sync.RWMutex
	families map[string]*family
	started  time.Time
}

type family struct {
	name   string
	help   string
	kind   kind
	series map[string]any // labels -> *Counter | *Gauge | *Histogram
}

// Collector is the registry used by the gateway packages.
var Collector = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{families: make(map[string]*family), started: time.Now()}
}

// Uptime returns how long the registry has existed.
func (r *Registry) Uptime() time.Duration {
	return time.Since(r.started)
}

// Counter only goes up.
type Counter struct{ v atomic.Int64 }

func (c *Counter) Inc()         { c.v.Add(1) }
func (c *Counter) Add(n int64)  { c.v.Add(n) }
func (c *Counter) Value() int64 { return c.v.Load() }

// Gauge tracks a level such as in-flight processes.
type Gauge struct{ v atomic.Int64 }

func (g *Gauge) Set(n int64)  { g.v.Store(n) }
func (g *Gauge) Inc()         { g.v.Add(1) }
func (g *Gauge) Dec()         { g.v.Add(-1) }
func (g *Gauge) Value() int64 { return g.v.Load() }

// Histogram counts observed durations into cumulative second buckets.
type Histogram struct {
	mu     sync.Mutex
	bounds []float64
	counts []int64
	sum    float64
	count  int64
}

// Observe records one duration.
func (h *Histogram) Observe(d time.Duration) {
	sec := d.Seconds()
	h.mu.Lock()
	h.sum += sec
	h.count++
	for i, le := range h.bounds {
		if sec <= le {
			h.counts[i]++
		}
	}
	h.mu.Unlock()
}

// Percentile estimates the p-quantile (0..1) as the upper bound of the
// first bucket that holds it. It returns 0 before any observation.
func (h *Histogram) Percentile(p float64) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 || len(h.bounds) == 0 {
		return 0
	}
	target := int64(math.Ceil(p * float64(h.count)))
	for i, c := range h.counts {
		if c >= target {
			return h.bounds[i]
		}
	}
	return h.bounds[len(h.bounds)-1]
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// series returns the metric for name and labels, creating the family and
// the series on first use. Registering a name under two kinds panics.
func (r *Registry) series(name, help string, k kind, labels string, create func() any) any {
	r.mu.RLock()
	if f, ok := r.families[name]; ok {
		if s, ok := f.series[labels]; ok {
			r.mu.RUnlock()
			return s
		}
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.families[name]
	if !ok {
		f = &family{name: name, help: help, kind: k, series: make(map[string]any)}
		r.families[name] = f
	}
	if f.kind != k {
		panic(fmt.Sprintf("metrics: %s registered as %s, requested as %s", name, f.kind, k))
	}
	s, ok := f.series[labels]
	if !ok {
		s = create()
		f.series[labels] = s
	}
	return s
}

// Counter returns the counter series for name and labels.
func (r *Registry) Counter(name, help, labels string) *Counter {
	return r.series(name, help, kindCounter, labels, func() any { return new(Counter) }).(*Counter)
}

// Gauge returns the gauge series for name and labels.
func (r *Registry) Gauge(name, help, labels string) *Gauge {
	return r.series(name, help, kindGauge, labels, func() any { return new(Gauge) }).(*Gauge)
}

// Histogram returns the histogram series for name and labels. Bounds are
// in seconds; a +Inf bucket is appended when missing.
func (r *Registry) Histogram(name, help, labels string, bounds []float64) *Histogram {
	return r.series(name, help, kindHistogram, labels, func() any {
		b := slices.Clone(bounds)
		slices.Sort(b)
		if len(b) == 0 || !math.IsInf(b[len(b)-1], 1) {
			b = append(b, math.Inf(1))
		}
		return &Histogram{bounds: b, counts: make([]int64, len(b))}
	}).(*Histogram)
}

// Handler serves the registry in text exposition format.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		r.WriteTo(w)
	}
}

// WriteTo renders every family sorted by name, series sorted by labels.
func (r *Registry) WriteTo(out io.Writer) (int64, error) {
	cw := &countingWriter{w: out}
	bw := bufio.NewWriter(cw)

	fmt.Fprintf(bw, "# HELP cmdgate_uptime_seconds Seconds since the process started\n")
	fmt.Fprintf(bw, "# TYPE cmdgate_uptime_seconds gauge\n")
	fmt.Fprintf(bw, "cmdgate_uptime_seconds %d\n", int64(r.Uptime().Seconds()))

	r.mu.RLock()
	names := make([]string, 0, len(r.families))
	for name := range r.families {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		f := r.families[name]
		fmt.Fprintf(bw, "# HELP %s %s\n# TYPE %s %s\n", f.name, f.help, f.name, f.kind)
		labelSets := make([]string, 0, len(f.series))
		for labels := range f.series {
			labelSets = append(labelSets, labels)
		}
		slices.Sort(labelSets)
		for _, labels := range labelSets {
			writeSeries(bw, f.name, labels, f.series[labels])
		}
	}
	r.mu.RUnlock()

	err := bw.Flush()
	return cw.n, err
}

func writeSeries(w io.Writer, name, labels string, s any) {
	switch m := s.(type) {
	case *Counter:
		fmt.Fprintf(w, "%s%s %d\n", name, braces(labels), m.Value())
	case *Gauge:
		fmt.Fprintf(w, "%s%s %d\n", name, braces(labels), m.Value())
	case *Histogram:
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, le := range m.bounds {
			bound := strconv.FormatFloat(le, 'g', -1, 64)
			if math.IsInf(le, 1) {
				bound = "+Inf"
			}
			fmt.Fprintf(w, "%s_bucket%s %d\n", name, braces(join(labels, Label("le", bound))), m.counts[i])
		}
		fmt.Fprintf(w, "%s_sum%s %g\n", name, braces(labels), m.sum)
		fmt.Fprintf(w, "%s_count%s %d\n", name, braces(labels), m.count)
	}
}

func braces(labels string) string {
	if labels == "" {
		return ""
	}
	return "{" + labels + "}"
}

func join(a, b string) string {
	if a == "" {
		return b
	}
	return a + "," + b
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Label formats a single name="value" pair.
func Label(name, value string) string {
	return name + "=" + strconv.Quote(value)
}

var (
	SinkErrors   = Collector.Counter("cmdgate_sink_errors_total", "Durable audit sink write failures", "")
	AuditRecords = Collector.Counter("cmdgate_audit_records_total", "Audit records written", "")
	Inflight     = Collector.Gauge("cmdgate_inflight_executions", "Processes currently running", "")
	Pending      = Collector.Gauge("cmdgate_pending_approvals", "Approval requests awaiting a decision", "")
	WSClients    = Collector.Gauge("cmdgate_stream_clients", "Connected audit stream clients", "")

	ExecLatency = Collector.Histogram("cmdgate_execution_duration_seconds", "Process run time in seconds", "",
		[]float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300})
)

// Executions counts finished execute calls by outcome
// (executed, blocked, pending_approval, failed, timeout).
func Executions(outcome string) *Counter {
	return Collector.Counter("cmdgate_executions_total", "Execute calls by outcome", Label("outcome", outcome))
}

// Blocked counts rejections by error kind.
func Blocked(kind string) *Counter {
	return Collector.Counter("cmdgate_blocked_total", "Rejected invocations by kind", Label("kind", kind))
}

// Approvals counts approval transitions by resulting status.
func Approvals(status string) *Counter {
	return Collector.Counter("cmdgate_approvals_total", "Approval requests by status", Label("status", status))
}
