// Package metrics records pipeline counters and latency histograms.
package metrics

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

const (
	RoutingLatencyMs      = "pipeline.routing_latency_ms"
	EndToEndLatencyMs     = "pipeline.e2e_latency_ms"
	RichInputTimeoutTotal = "pipeline.rich_input_timeout_total"
	RichInputFailureTotal = "pipeline.rich_input_failure_total"
	LedgerEventsTotal     = "ledger.events_total"
	IngressRequestsTotal  = "ingress.requests_total"
	ProviderCallsTotal    = "provider.calls_total"
)

// Tags are metric dimensions.
type Tags map[string]string

// Sink receives pipeline measurements.
type Sink interface {
	Count(ctx context.Context, name string, tags Tags)
	Observe(ctx context.Context, name string, value float64, tags Tags)
}

// OTel records into OpenTelemetry instruments created on first use.
type OTel struct {
	meter otelmetric.Meter
	log   *slog.Logger

	mu         sync.Mutex
	counters   map[string]otelmetric.Int64Counter
	histograms map[string]otelmetric.Float64Histogram
}

// NewOTel uses the global meter provider.
func NewOTel(log *slog.Logger) *OTel {
	if log == nil {
		log = slog.Default()
	}
	return &OTel{
		meter:      otel.Meter("chatpipe"),
		log:        log.With("component", "metrics.otel"),
		counters:   make(map[string]otelmetric.Int64Counter),
		histograms: make(map[string]otelmetric.Float64Histogram),
	}
}

func (o *OTel) Count(ctx context.Context, name string, tags Tags) {
	counter, err := o.counter(name)
	if err != nil {
		o.log.Debug("Counter unavailable", "metric", name, "error", err)
		return
	}
	counter.Add(ctx, 1, otelmetric.WithAttributes(attributes(tags)...))
}

func (o *OTel) Observe(ctx context.Context, name string, value float64, tags Tags) {
	histogram, err := o.histogram(name)
	if err != nil {
		o.log.Debug("Histogram unavailable", "metric", name, "error", err)
		return
	}
	histogram.Record(ctx, value, otelmetric.WithAttributes(attributes(tags)...))
}

func (o *OTel) counter(name string) (otelmetric.Int64Counter, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if c, ok := o.counters[name]; ok {
		return c, nil
	}
	c, err := o.meter.Int64Counter(name)
	if err != nil {
		return nil, err
	}
	o.counters[name] = c
	return c, nil
}

func (o *OTel) histogram(name string) (otelmetric.Float64Histogram, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if h, ok := o.histograms[name]; ok {
		return h, nil
	}
	h, err := o.meter.Float64Histogram(name, otelmetric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	o.histograms[name] = h
	return h, nil
}

func attributes(tags Tags) []attribute.KeyValue {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, attribute.String(k, tags[k]))
	}
	return attrs
}

// Sample is one recorded measurement.
type Sample struct {
	Name  string
	Value float64
	Tags  Tags
}

// Recorder keeps measurements in memory.
type Recorder struct {
	mu      sync.Mutex
	samples []Sample
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Count(_ context.Context, name string, tags Tags) {
	r.add(Sample{Name: name, Value: 1, Tags: copyTags(tags)})
}

func (r *Recorder) Observe(_ context.Context, name string, value float64, tags Tags) {
	r.add(Sample{Name: name, Value: value, Tags: copyTags(tags)})
}

func (r *Recorder) add(s Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, s)
}

// Samples returns every measurement named name.
func (r *Recorder) Samples(name string) []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Sample
	for _, s := range r.samples {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

// Total sums the values recorded under name whose tags include match.
func (r *Recorder) Total(name string, match Tags) float64 {
	total := 0.0
	for _, s := range r.Samples(name) {
		if tagsMatch(s.Tags, match) {
			total += s.Value
		}
	}
	return total
}

func tagsMatch(tags Tags, match Tags) bool {
	for k, v := range match {
		if tags[k] != v {
			return false
		}
	}
	return true
}

func copyTags(tags Tags) Tags {
	out := make(Tags, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}

// Discard drops all measurements.
type Discard struct{}

func (Discard) Count(context.Context, string, Tags)            {}
func (Discard) Observe(context.Context, string, float64, Tags) {}
