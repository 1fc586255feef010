package metrics

import (
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	// ErrLabelCountMismatch is returned when the number of label values doesn't match the defined labels.
	ErrLabelCountMismatch = errors.New("label count mismatch")

	// ErrNegativeCounterValue is returned when attempting to add a negative value to a counter.
	ErrNegativeCounterValue = errors.New("counter cannot be decreased")

	// ErrDuplicateMetric is returned when registering a metric with a name that is already registered.
	ErrDuplicateMetric = errors.New("duplicate metric name")
)

// atomicFloat64 stores a float64 as its bit pattern for lock-free updates.
type atomicFloat64 struct {
	bits atomic.Uint64
}

func (a *atomicFloat64) Load() float64 { return math.Float64frombits(a.bits.Load()) }

func (a *atomicFloat64) Store(v float64) { a.bits.Store(math.Float64bits(v)) }

func (a *atomicFloat64) Add(delta float64) {
	for {
		old := a.bits.Load()
		if a.bits.CompareAndSwap(old, math.Float64bits(math.Float64frombits(old)+delta)) {
			return
		}
	}
}

// MetricType represents the type of a metric.
type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
)

// Metric is the interface implemented by all metric types.
type Metric interface {
	Name() string
	Help() string
	Type() MetricType
	// Collect returns all samples for exposition.
	Collect() []Sample
}

// Sample represents a single metric sample with labels.
type Sample struct {
	Name   string
	Labels map[string]string
	Value  float64
}

// family is the label bookkeeping shared by every metric type.
type family[V any] struct {
	name       string
	help       string
	labelNames []string
	newValue   func() *V

	mu     sync.RWMutex
	values map[string]*series[V]
}

type series[V any] struct {
	labels map[string]string
	value  *V
}

func newFamily[V any](name, help string, labelNames []string, newValue func() *V) *family[V] {
	return &family[V]{
		name:       name,
		help:       help,
		labelNames: labelNames,
		newValue:   newValue,
		values:     make(map[string]*series[V]),
	}
}

func (f *family[V]) Name() string { return f.name }

func (f *family[V]) Help() string { return f.help }

// get returns the series for the label values, creating it on first use.
func (f *family[V]) get(values []string) (*V, error) {
	if len(values) != len(f.labelNames) {
		return nil, fmt.Errorf("%w: %s expected %d labels, got %d", ErrLabelCountMismatch, f.name, len(f.labelNames), len(values))
	}
	key := strings.Join(values, "\x00")

	f.mu.RLock()
	s, ok := f.values[key]
	f.mu.RUnlock()
	if ok {
		return s.value, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.values[key]; ok {
		return s.value, nil
	}
	labels := make(map[string]string, len(values))
	for i, n := range f.labelNames {
		labels[n] = values[i]
	}
	s = &series[V]{labels: labels, value: f.newValue()}
	f.values[key] = s
	return s.value, nil
}

// find returns the existing series without creating one.
func (f *family[V]) find(values []string) (*V, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.values[strings.Join(values, "\x00")]
	if !ok {
		return nil, false
	}
	return s.value, true
}

// snapshot returns the series sorted by label key for deterministic output.
func (f *family[V]) snapshot() []*series[V] {
	f.mu.RLock()
	keys := make([]string, 0, len(f.values))
	for k := range f.values {
		keys = append(keys, k)
	}
	out := make([]*series[V], 0, len(keys))
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, f.values[k])
	}
	f.mu.RUnlock()
	return out
}

// ============================================================================
// Counter
// ============================================================================

// Counter is a monotonically increasing metric.
type Counter struct {
	*family[atomicFloat64]
}

func newCounter(name, help string, labelNames []string) *Counter {
	return &Counter{newFamily(name, help, labelNames, func() *atomicFloat64 { return new(atomicFloat64) })}
}

// Type returns the metric type.
func (c *Counter) Type() MetricType { return MetricTypeCounter }

// WithLabels returns the child counter for the given label values.
func (c *Counter) WithLabels(values ...string) (*CounterVec, error) {
	v, err := c.get(values)
	if err != nil {
		return nil, err
	}
	return &CounterVec{v: v}, nil
}

// Inc increments an unlabeled counter by one.
func (c *Counter) Inc() error { return c.Add(1) }

// Add adds delta to an unlabeled counter.
func (c *Counter) Add(delta float64) error {
	vec, err := c.WithLabels()
	if err != nil {
		return err
	}
	return vec.Add(delta)
}

// Value returns the current value for the label values, or zero when the series does not exist yet.
func (c *Counter) Value(values ...string) float64 {
	v, ok := c.find(values)
	if !ok {
		return 0
	}
	return v.Load()
}

// Collect returns all samples.
func (c *Counter) Collect() []Sample {
	all := c.snapshot()
	samples := make([]Sample, 0, len(all))
	for _, s := range all {
		samples = append(samples, Sample{Name: c.name, Labels: s.labels, Value: s.value.Load()})
	}
	return samples
}

// CounterVec is a counter bound to a fixed set of label values.
type CounterVec struct {
	v *atomicFloat64
}

// Inc increments the counter by one.
func (v *CounterVec) Inc() error { return v.Add(1) }

// Add adds delta, which must not be negative.
func (v *CounterVec) Add(delta float64) error {
	if delta < 0 {
		return ErrNegativeCounterValue
	}
	v.v.Add(delta)
	return nil
}

// ============================================================================
// Gauge
// ============================================================================

// Gauge is a metric that can go up and down.
type Gauge struct {
	*family[atomicFloat64]
}

func newGauge(name, help string, labelNames []string) *Gauge {
	return &Gauge{newFamily(name, help, labelNames, func() *atomicFloat64 { return new(atomicFloat64) })}
}

// Type returns the metric type.
func (g *Gauge) Type() MetricType { return MetricTypeGauge }

// WithLabels returns the child gauge for the given label values.
func (g *Gauge) WithLabels(values ...string) (*GaugeVec, error) {
	v, err := g.get(values)
	if err != nil {
		return nil, err
	}
	return &GaugeVec{v: v}, nil
}

// Set sets an unlabeled gauge.
func (g *Gauge) Set(value float64) error {
	vec, err := g.WithLabels()
	if err != nil {
		return err
	}
	vec.Set(value)
	return nil
}

// Value returns the current value for the label values.
func (g *Gauge) Value(values ...string) float64 {
	v, ok := g.find(values)
	if !ok {
		return 0
	}
	return v.Load()
}

// Collect returns all samples.
func (g *Gauge) Collect() []Sample {
	all := g.snapshot()
	samples := make([]Sample, 0, len(all))
	for _, s := range all {
		samples = append(samples, Sample{Name: g.name, Labels: s.labels, Value: s.value.Load()})
	}
	return samples
}

// GaugeVec is a gauge bound to a fixed set of label values.
type GaugeVec struct {
	v *atomicFloat64
}

func (v *GaugeVec) Set(value float64) { v.v.Store(value) }
func (v *GaugeVec) Inc()              { v.v.Add(1) }
func (v *GaugeVec) Dec()              { v.v.Add(-1) }
func (v *GaugeVec) Add(delta float64) { v.v.Add(delta) }

// ============================================================================
// Histogram
// ============================================================================

// Histogram samples observations into cumulative buckets.
type Histogram struct {
	*family[histogramValue]
	buckets []float64
}

type histogramValue struct {
	counts []atomic.Uint64
	sum    atomicFloat64
	count  atomic.Uint64
}

func newHistogram(name, help string, buckets []float64, labelNames []string) *Histogram {
	b := slices.Clone(buckets)
	if len(b) == 0 {
		b = slices.Clone(DefaultBuckets)
	}
	slices.Sort(b)
	return &Histogram{
		family: newFamily(name, help, labelNames, func() *histogramValue {
			return &histogramValue{counts: make([]atomic.Uint64, len(b))}
		}),
		buckets: b,
	}
}

// Type returns the metric type.
func (h *Histogram) Type() MetricType { return MetricTypeHistogram }

// WithLabels returns the child histogram for the given label values.
func (h *Histogram) WithLabels(values ...string) (*HistogramVec, error) {
	v, err := h.get(values)
	if err != nil {
		return nil, err
	}
	return &HistogramVec{h: h, v: v}, nil
}

// Observe records a value on an unlabeled histogram.
func (h *Histogram) Observe(value float64) error {
	vec, err := h.WithLabels()
	if err != nil {
		return err
	}
	vec.Observe(value)
	return nil
}

// Count returns the number of observations for the label values.
func (h *Histogram) Count(values ...string) uint64 {
	v, ok := h.find(values)
	if !ok {
		return 0
	}
	return v.count.Load()
}

// Collect returns bucket, sum and count samples.
func (h *Histogram) Collect() []Sample {
	var samples []Sample
	for _, s := range h.snapshot() {
		for i, le := range h.buckets {
			labels := make(map[string]string, len(s.labels)+1)
			for k, v := range s.labels {
				labels[k] = v
			}
			labels["le"] = formatFloat(le)
			samples = append(samples, Sample{Name: h.name + "_bucket", Labels: labels, Value: float64(s.value.counts[i].Load())})
		}
		inf := make(map[string]string, len(s.labels)+1)
		for k, v := range s.labels {
			inf[k] = v
		}
		inf["le"] = "+Inf"
		count := float64(s.value.count.Load())
		samples = append(samples,
			Sample{Name: h.name + "_bucket", Labels: inf, Value: count},
			Sample{Name: h.name + "_sum", Labels: s.labels, Value: s.value.sum.Load()},
			Sample{Name: h.name + "_count", Labels: s.labels, Value: count},
		)
	}
	return samples
}

// HistogramVec is a histogram bound to a fixed set of label values.
type HistogramVec struct {
	h *Histogram
	v *histogramValue
}

// Observe records a value.
func (v *HistogramVec) Observe(value float64) {
	for i, le := range v.h.buckets {
		if value <= le {
			v.v.counts[i].Add(1)
		}
	}
	v.v.sum.Add(value)
	v.v.count.Add(1)
}

// ============================================================================
// Registry
// ============================================================================

// Registry holds all registered metrics.
type Registry struct {
	mu       sync.RWMutex
	metrics  []Metric
	names    map[string]struct{}
	onScrape []func()
}

// NewRegistry creates a new metric registry.
func NewRegistry() *Registry {
	return &Registry{names: make(map[string]struct{})}
}

// NewCounter creates and registers a new counter.
func (r *Registry) NewCounter(name, help string, labels ...string) *Counter {
	c := newCounter(name, help, labels)
	r.register(c)
	return c
}

// NewGauge creates and registers a new gauge.
func (r *Registry) NewGauge(name, help string, labels ...string) *Gauge {
	g := newGauge(name, help, labels)
	r.register(g)
	return g
}

// NewHistogram creates and registers a new histogram with the given buckets.
func (r *Registry) NewHistogram(name, help string, buckets []float64, labels ...string) *Histogram {
	h := newHistogram(name, help, buckets, labels)
	r.register(h)
	return h
}

// OnScrape registers fn to run before every exposition.
func (r *Registry) OnScrape(fn func()) {
	r.mu.Lock()
	r.onScrape = append(r.onScrape, fn)
	r.mu.Unlock()
}

// register panics on a duplicate name since the exposition would be invalid.
func (r *Registry) register(m Metric) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.names[m.Name()]; exists {
		panic(fmt.Sprintf("%s: %s", ErrDuplicateMetric, m.Name()))
	}
	r.names[m.Name()] = struct{}{}
	r.metrics = append(r.metrics, m)
}

// WriteTo writes every metric in Prometheus text format.
func (r *Registry) WriteTo(w io.Writer) (int64, error) {
	r.mu.RLock()
	hooks := slices.Clone(r.onScrape)
	metrics := slices.Clone(r.metrics)
	r.mu.RUnlock()

	for _, fn := range hooks {
		fn()
	}

	cw := &countingWriter{w: w}
	for _, m := range metrics {
		writeMetric(cw, m)
		if cw.err != nil {
			break
		}
	}
	return cw.n, cw.err
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = r.WriteTo(w)
	})
}

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.err = err
	return n, err
}

// ============================================================================
// Prometheus Text Format Writer
// ============================================================================

func writeMetric(w io.Writer, m Metric) {
	samples := m.Collect()
	if len(samples) == 0 {
		return
	}
	_, _ = fmt.Fprintf(w, "# HELP %s %s\n", m.Name(), escapeHelp(m.Help()))
	_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", m.Name(), m.Type())
	for _, s := range samples {
		if len(s.Labels) == 0 {
			_, _ = fmt.Fprintf(w, "%s %s\n", s.Name, formatFloat(s.Value))
			continue
		}
		_, _ = fmt.Fprintf(w, "%s{%s} %s\n", s.Name, formatLabels(s.Labels), formatFloat(s.Value))
	}
}

// formatLabels formats labels as key="value",key="value" in key order.
func formatLabels(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteString(`="`)
		b.WriteString(escapeLabelValue(labels[k]))
		b.WriteByte('"')
	}
	return b.String()
}

func formatFloat(v float64) string {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "+Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func escapeHelp(s string) string {
	return strings.NewReplacer(`\`, `\\`, "\n", `\n`).Replace(s)
}

func escapeLabelValue(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`).Replace(s)
}

// DefaultBuckets are the default histogram buckets, in seconds.
var DefaultBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
