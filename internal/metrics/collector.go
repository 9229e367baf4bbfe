// Package metrics provides a lightweight, Prometheus-compatible metrics
// collector for the gateway: transport state, per-platform message counts
// and provider call latency, rendered in the Prometheus text format.
package metrics

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// PlatformLabel is the label name used by every per-platform family.
const PlatformLabel = "platform"

// unlabelled is the label value used when a family is labelled but the
// caller could not attribute the sample, e.g. a frame that failed to decode.
const unlabelled = "unknown"

// Collector is the gateway's metric registry. Families are rendered sorted
// by name so scrapes are stable.
type Collector struct {
	start time.Time

	mu       sync.Mutex
	families map[string]family
}

type family interface {
	kind() string
	write(w io.Writer)
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{start: time.Now(), families: make(map[string]family)}
}

// register returns the family already registered under name or stores f.
// Registering the same name with a different metric type panics.
func register[T family](c *Collector, name string, f T) T {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.families[name]; ok {
		same, ok := existing.(T)
		if !ok {
			panic(fmt.Sprintf("metrics: %s registered as %s", name, existing.kind()))
		}
		return same
	}
	c.families[name] = f
	return f
}

// Counter is a monotonically increasing counter.
type Counter struct{ value atomic.Int64 }

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.value.Add(1) }

// Value returns the current count.
func (c *Counter) Value() int64 { return c.value.Load() }

func (c *Counter) write(w io.Writer, name, labels string) {
	fmt.Fprintf(w, "%s%s %d\n", name, braced(labels), c.Value())
}

// Gauge is a value that can go up and down.
type Gauge struct{ value atomic.Int64 }

// Set replaces the gauge value.
func (g *Gauge) Set(v int64) { g.value.Store(v) }

// Value returns the current value.
func (g *Gauge) Value() int64 { return g.value.Load() }

func (g *Gauge) write(w io.Writer, name, labels string) {
	fmt.Fprintf(w, "%s%s %d\n", name, braced(labels), g.Value())
}

// Histogram counts observations into cumulative buckets.
type Histogram struct {
	bounds []float64

	mu     sync.Mutex
	counts []int64 // per bound, non-cumulative
	count  int64
	sum    float64
}

func newHistogram(bounds []float64) *Histogram {
	return &Histogram{bounds: bounds, counts: make([]int64, len(bounds))}
}

// Observe records one value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	if i := sort.SearchFloat64s(h.bounds, v); i < len(h.bounds) {
		h.counts[i]++
	}
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func (h *Histogram) write(w io.Writer, name, labels string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var cumulative int64
	for i, le := range h.bounds {
		cumulative += h.counts[i]
		fmt.Fprintf(w, "%s_bucket%s %d\n", name, braced(join(labels, `le="`+formatBound(le)+`"`)), cumulative)
	}
	fmt.Fprintf(w, "%s_bucket%s %d\n", name, braced(join(labels, `le="+Inf"`)), h.count)
	fmt.Fprintf(w, "%s_sum%s %g\n", name, braced(labels), h.sum)
	fmt.Fprintf(w, "%s_count%s %d\n", name, braced(labels), h.count)
}

type sample interface {
	*Counter | *Gauge | *Histogram
	write(w io.Writer, name, labels string)
}

// Vec is a metric family with at most one label. An unlabelled family has a
// single series reached through With("").
type Vec[T sample] struct {
	name, help, typ, label string
	newSample              func() T

	mu     sync.RWMutex
	series map[string]T
}

func (v *Vec[T]) kind() string { return v.typ }

// With returns the series for the label value, creating it on first use.
func (v *Vec[T]) With(value string) T {
	if v.label == "" {
		value = ""
	} else if value == "" {
		value = unlabelled
	}

	v.mu.RLock()
	s, ok := v.series[value]
	v.mu.RUnlock()
	if ok {
		return s
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.series[value]; ok {
		return s
	}
	s = v.newSample()
	v.series[value] = s
	return s
}

func (v *Vec[T]) write(w io.Writer) {
	v.mu.RLock()
	values := make([]string, 0, len(v.series))
	for value := range v.series {
		values = append(values, value)
	}
	v.mu.RUnlock()
	if len(values) == 0 {
		return
	}
	sort.Strings(values)

	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", v.name, v.help, v.name, v.typ)
	for _, value := range values {
		labels := ""
		if v.label != "" {
			labels = v.label + "=" + strconv.Quote(value)
		}
		v.With(value).write(w, v.name, labels)
	}
}

// CounterVec registers a counter family keyed by label.
func (c *Collector) CounterVec(name, help, label string) *Vec[*Counter] {
	return register(c, name, &Vec[*Counter]{
		name: name, help: help, typ: "counter", label: label,
		newSample: func() *Counter { return &Counter{} },
		series:    make(map[string]*Counter),
	})
}

// Counter registers an unlabelled counter.
func (c *Collector) Counter(name, help string) *Counter {
	return c.CounterVec(name, help, "").With("")
}

// Gauge registers an unlabelled gauge.
func (c *Collector) Gauge(name, help string) *Gauge {
	return register(c, name, &Vec[*Gauge]{
		name: name, help: help, typ: "gauge",
		newSample: func() *Gauge { return &Gauge{} },
		series:    make(map[string]*Gauge),
	}).With("")
}

// HistogramVec registers a histogram family keyed by label. The +Inf bucket
// is implicit; bounds are sorted and a trailing +Inf is dropped.
func (c *Collector) HistogramVec(name, help, label string, bounds []float64) *Vec[*Histogram] {
	b := make([]float64, 0, len(bounds))
	for _, le := range bounds {
		if !math.IsInf(le, 1) {
			b = append(b, le)
		}
	}
	sort.Float64s(b)
	return register(c, name, &Vec[*Histogram]{
		name: name, help: help, typ: "histogram", label: label,
		newSample: func() *Histogram { return newHistogram(b) },
		series:    make(map[string]*Histogram),
	})
}

// Handler serves every registered family in the Prometheus text format.
func (c *Collector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		io.WriteString(w, "# HELP chatrelay_uptime_seconds Seconds since the gateway started.\n")
		io.WriteString(w, "# TYPE chatrelay_uptime_seconds gauge\n")
		fmt.Fprintf(w, "chatrelay_uptime_seconds %.0f\n", time.Since(c.start).Seconds())

		c.mu.Lock()
		names := make([]string, 0, len(c.families))
		for name := range c.families {
			names = append(names, name)
		}
		sort.Strings(names)
		families := make([]family, len(names))
		for i, name := range names {
			families[i] = c.families[name]
		}
		c.mu.Unlock()

		for _, f := range families {
			f.write(w)
		}
	}
}

func braced(labels string) string {
	if labels == "" {
		return ""
	}
	return "{" + labels + "}"
}

func join(labels, pair string) string {
	if labels == "" {
		return pair
	}
	return labels + "," + pair
}

func formatBound(le float64) string {
	return strconv.FormatFloat(le, 'f', -1, 64)
}

// Default is the collector served on the gateway's metrics endpoint.
var Default = NewCollector()

// Gateway metrics. Message-level families are labelled by platform.
var (
	InboundTotal      = Default.CounterVec("chatrelay_inbound_messages_total", "Inbound messages published as new_message.", PlatformLabel)
	InboundDuplicates = Default.CounterVec("chatrelay_inbound_duplicates_total", "Inbound messages dropped as replays.", PlatformLabel)
	ParseErrors       = Default.CounterVec("chatrelay_parse_errors_total", "Payloads or frames that failed to normalize.", PlatformLabel)
	OutboundTotal     = Default.CounterVec("chatrelay_outbound_messages_total", "Messages delivered to a provider.", PlatformLabel)
	SendErrors        = Default.CounterVec("chatrelay_send_errors_total", "Provider send failures.", PlatformLabel)
	RoutingErrors     = Default.CounterVec("chatrelay_routing_errors_total", "Sends to a conversation with no usable route.", PlatformLabel)
	Registrations     = Default.CounterVec("chatrelay_webhook_registrations_total", "Successful webhook registrations.", PlatformLabel)
	ProviderLatency   = Default.HistogramVec("chatrelay_provider_latency_seconds", "Provider API round-trip latency.", PlatformLabel,
		[]float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15})

	Reconnects = Default.Counter("chatrelay_transport_reconnects_total", "Backend transport redial attempts.")
	Connected  = Default.Gauge("chatrelay_transport_connected", "1 while the backend transport is open.")
	Routes     = Default.Gauge("chatrelay_routes", "Conversations with a known return route.")
)
