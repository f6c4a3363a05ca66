// Package metrics provides a small Prometheus-compatible metrics registry for
// the bridge. It renders the text exposition format directly.
package metrics

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Default is the process-wide registry the pipeline reports into.
var Default = NewRegistry("agentbridge")

// Registry aggregates counters and histograms under a common prefix.
type Registry struct {
	prefix     string
	mu         sync.Mutex
	counters   map[string]*Counter
	histograms map[string]*Histogram
	startTime  time.Time
}

func NewRegistry(prefix string) *Registry {
	return &Registry{
		prefix:     prefix,
		counters:   make(map[string]*Counter),
		histograms: make(map[string]*Histogram),
		startTime:  time.Now(),
	}
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Histogram tracks the distribution of observed values.
type Histogram struct {
	name    string
	help    string
	labels  string
	mu      sync.Mutex
	count   int64
	sum     float64
	bounds  []float64
	buckets []int64
}

// Observe records v.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, le := range h.bounds {
		if v <= le {
			h.buckets[i]++
		}
	}
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Counter returns or creates the counter name{labels}. labels is a rendered
// label set such as `kind="text"`.
func (r *Registry) Counter(name, help, labels string) *Counter {
	name = r.prefix + "_" + name
	key := name + "{" + labels + "}"

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[key]; ok {
		return c
	}
	c := &Counter{name: name, help: help, labels: labels}
	r.counters[key] = c
	return c
}

// Histogram returns or creates the histogram name{labels}.
func (r *Registry) Histogram(name, help, labels string, bounds []float64) *Histogram {
	name = r.prefix + "_" + name
	key := name + "{" + labels + "}"

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[key]; ok {
		return h
	}
	b := append([]float64(nil), bounds...)
	sort.Float64s(b)
	h := &Histogram{name: name, help: help, labels: labels, bounds: b, buckets: make([]int64, len(b))}
	r.histograms[key] = h
	return h
}

// Render writes all metrics in Prometheus text format, sorted by key.
func (r *Registry) Render() string {
	r.mu.Lock()
	counterKeys := sortedKeys(r.counters)
	histKeys := sortedKeys(r.histograms)
	counters := make([]*Counter, 0, len(counterKeys))
	for _, k := range counterKeys {
		counters = append(counters, r.counters[k])
	}
	hists := make([]*Histogram, 0, len(histKeys))
	for _, k := range histKeys {
		hists = append(hists, r.histograms[k])
	}
	r.mu.Unlock()

	var sb strings.Builder
	fmt.Fprintf(&sb, "# HELP %s_uptime_seconds Time since start in seconds\n", r.prefix)
	fmt.Fprintf(&sb, "# TYPE %s_uptime_seconds gauge\n", r.prefix)
	fmt.Fprintf(&sb, "%s_uptime_seconds %d\n", r.prefix, int64(time.Since(r.startTime).Seconds()))

	seen := make(map[string]bool)
	for _, c := range counters {
		if !seen[c.name] {
			fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s counter\n", c.name, c.help, c.name)
			seen[c.name] = true
		}
		fmt.Fprintf(&sb, "%s %d\n", series(c.name, c.labels, ""), c.Value())
	}

	for _, h := range hists {
		h.mu.Lock()
		if !seen[h.name] {
			fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s histogram\n", h.name, h.help, h.name)
			seen[h.name] = true
		}
		for i, le := range h.bounds {
			bound := fmt.Sprintf("%g", le)
			if math.IsInf(le, 1) {
				bound = "+Inf"
			}
			fmt.Fprintf(&sb, "%s %d\n", series(h.name+"_bucket", h.labels, `le="`+bound+`"`), h.buckets[i])
		}
		fmt.Fprintf(&sb, "%s %d\n", series(h.name+"_count", h.labels, ""), h.count)
		fmt.Fprintf(&sb, "%s %f\n", series(h.name+"_sum", h.labels, ""), h.sum)
		h.mu.Unlock()
	}
	return sb.String()
}

// Handler serves Render over HTTP.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, r.Render())
	}
}

func series(name, labels, extra string) string {
	switch {
	case labels == "" && extra == "":
		return name
	case labels == "":
		return name + "{" + extra + "}"
	case extra == "":
		return name + "{" + labels + "}"
	default:
		return name + "{" + labels + "," + extra + "}"
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
