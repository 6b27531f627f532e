// Package telemetry defines the collector contract the execution plane
// emits into, plus a process-local collector for tests and an
// OpenTelemetry-backed provider for production export.
package telemetry

import (
	"sync"
	"time"
)

// EventType enumerates the event kinds recognized by the core.
type EventType string

const (
	EventStepStart      EventType = "step_start"
	EventStepEnd        EventType = "step_end"
	EventToolCall       EventType = "tool_call"
	EventCRVResult      EventType = "crv_result"
	EventPolicyCheck    EventType = "policy_check"
	EventSnapshotCommit EventType = "snapshot_commit"
	EventRollback       EventType = "rollback"
	EventCustom         EventType = "custom"
)

// Event is one telemetry record. Every stage of an invocation emits
// events sharing the same CorrelationID so a downstream viewer can
// reconstruct the interlock per call.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Event struct {
	Type          EventType      `json:"type"`
	CorrelationID string         `json:"correlation_id"`
	WorkflowID    string         `json:"workflow_id,omitempty"`
	TaskID        string         `json:"task_id,omitempty"`
	StepID        string         `json:"step_id,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Attributes    map[string]any `json:"attributes,omitempty"`
}

// Span is a completed timed operation.
type Span struct {
	Name          string         `json:"name"`
	CorrelationID string         `json:"correlation_id"`
	Start         time.Time      `json:"start"`
	End           time.Time      `json:"end"`
	Err           string         `json:"error,omitempty"`
	Attributes    map[string]any `json:"attributes,omitempty"`
}

// Collector is the sink consumed by the core. Emission is synchronous
// and must never block the caller for long; implementations may buffer.
type Collector interface {
	RecordEvent(event Event)
	RecordMetric(name string, value float64, tags map[string]string)
	RecordSpan(span Span)
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordEvent(Event)                               {}
func (Nop) RecordMetric(string, float64, map[string]string) {}
func (Nop) RecordSpan(Span)                                 {}

// Memory is an in-process collector for tests. Events are kept in
// emission order per correlation id.
type Memory struct {
	mu      sync.Mutex
	events  []Event
	metrics []Metric
	spans   []Span
}

// Metric is a recorded measurement.
type Metric struct {
	Name  string
	Value float64
	Tags  map[string]string
}

// NewMemory creates an empty in-memory collector.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) RecordEvent(event Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func (m *Memory) RecordMetric(name string, value float64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = append(m.metrics, Metric{Name: name, Value: value, Tags: tags})
}

func (m *Memory) RecordSpan(span Span) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spans = append(m.spans, span)
}

// Events returns a snapshot of recorded events.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// EventsOfType returns recorded events matching t, in emission order.
func (m *Memory) EventsOfType(t EventType) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Metrics returns a snapshot of recorded metrics.
func (m *Memory) Metrics() []Metric {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Metric, len(m.metrics))
	copy(out, m.metrics)
	return out
}

// Spans returns a snapshot of recorded spans.
func (m *Memory) Spans() []Span {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Span, len(m.spans))
	copy(out, m.spans)
	return out
}
