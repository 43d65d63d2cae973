// Package metrics is a small in-process registry for the counters and gauges
// the resume core emits. Rendering is Prometheus text exposition so the serve
// command can expose /metrics without pulling in a client library.
package metrics

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Metric names emitted by the core.
const (
	ResumeTotalAttempts  = "resume_total_attempts"
	ResumeSuccessful     = "resume_successful"
	ResumeFailed         = "resume_failed"
	ResumeLatencySeconds = "resume_latency_seconds"
	CircuitBreakerState  = "circuit_breaker_state"
	RetryAttemptsTotal   = "retry_attempts_total"
	EventQueueDepth      = "event_queue_depth"
	EventQueueRejected   = "event_queue_rejected_total"
)

// Point is one named metric value with its label set.
type Point struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

// Observation is an accumulated count+sum pair for a latency-style metric.
type Observation struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Count  int64             `json:"count"`
	Sum    float64           `json:"sum"`
}

// Snapshot is a point-in-time copy of the registry.
type Snapshot struct {
	Counters     []Point       `json:"counters"`
	Gauges       []Point       `json:"gauges"`
	Observations []Observation `json:"observations"`
}

type entry struct {
	name   string
	labels map[string]string
	value  float64
	count  int64
}

// Registry holds counters, gauges, and observations behind one mutex.
type Registry struct {
	mu       sync.Mutex
	counters map[string]*entry
	gauges   map[string]*entry
	observed map[string]*entry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]*entry),
		gauges:   make(map[string]*entry),
		observed: make(map[string]*entry),
	}
}

// Inc adds delta to a counter.
func (r *Registry) Inc(name string, labels map[string]string, delta float64) {
	if delta == 0 {
		return
	}
	key, copied := seriesKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.counters[key]
	if e == nil {
		e = &entry{name: name, labels: copied}
		r.counters[key] = e
	}
	e.value += delta
}

// Set records a gauge value.
func (r *Registry) Set(name string, labels map[string]string, value float64) {
	key, copied := seriesKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.gauges[key]
	if e == nil {
		e = &entry{name: name, labels: copied}
		r.gauges[key] = e
	}
	e.value = value
}

// Observe accumulates one observation (e.g. a latency in seconds).
func (r *Registry) Observe(name string, labels map[string]string, value float64) {
	key, copied := seriesKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.observed[key]
	if e == nil {
		e = &entry{name: name, labels: copied}
		r.observed[key] = e
	}
	e.count++
	e.value += value
}

// Snapshot returns a sorted copy of all series.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := Snapshot{
		Counters:     make([]Point, 0, len(r.counters)),
		Gauges:       make([]Point, 0, len(r.gauges)),
		Observations: make([]Observation, 0, len(r.observed)),
	}
	for _, e := range r.counters {
		out.Counters = append(out.Counters, Point{Name: e.name, Labels: cloneLabels(e.labels), Value: e.value})
	}
	for _, e := range r.gauges {
		out.Gauges = append(out.Gauges, Point{Name: e.name, Labels: cloneLabels(e.labels), Value: e.value})
	}
	for _, e := range r.observed {
		out.Observations = append(out.Observations, Observation{Name: e.name, Labels: cloneLabels(e.labels), Count: e.count, Sum: e.value})
	}
	sort.Slice(out.Counters, func(i, j int) bool { return lessPoint(out.Counters[i], out.Counters[j]) })
	sort.Slice(out.Gauges, func(i, j int) bool { return lessPoint(out.Gauges[i], out.Gauges[j]) })
	sort.Slice(out.Observations, func(i, j int) bool {
		if out.Observations[i].Name != out.Observations[j].Name {
			return out.Observations[i].Name < out.Observations[j].Name
		}
		return labelString(out.Observations[i].Labels) < labelString(out.Observations[j].Labels)
	})
	return out
}

// RenderPrometheus renders the registry in Prometheus text exposition format.
// Observations render as paired <name>_count and <name>_sum series.
func (r *Registry) RenderPrometheus() string {
	s := r.Snapshot()
	var lines []string
	for _, p := range s.Counters {
		lines = append(lines, promLine(p.Name, p.Labels, p.Value))
	}
	for _, p := range s.Gauges {
		lines = append(lines, promLine(p.Name, p.Labels, p.Value))
	}
	for _, o := range s.Observations {
		lines = append(lines, promLine(o.Name+"_count", o.Labels, float64(o.Count)))
		lines = append(lines, promLine(o.Name+"_sum", o.Labels, o.Sum))
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n") + "\n"
}

func lessPoint(a, b Point) bool {
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	return labelString(a.Labels) < labelString(b.Labels)
}

func seriesKey(name string, labels map[string]string) (string, map[string]string) {
	if len(labels) == 0 {
		return name, nil
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := []string{name}
	copied := make(map[string]string, len(labels))
	for _, k := range keys {
		copied[k] = labels[k]
		parts = append(parts, k+"="+labels[k])
	}
	return strings.Join(parts, "|"), copied
}

func cloneLabels(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func labelString(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, labels[k]))
	}
	return strings.Join(parts, ",")
}

func promLine(name string, labels map[string]string, value float64) string {
	v := strconv.FormatFloat(value, 'f', -1, 64)
	if len(labels) == 0 {
		return name + " " + v
	}
	return fmt.Sprintf("%s{%s} %s", name, labelString(labels), v)
}
