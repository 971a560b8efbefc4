package recorder

import "time"

// Event names emitted by the coordinator.
const (
	EventOpportunityDetected = "opportunity_detected"
	EventOpportunityQueued   = "opportunity_queued"
	EventSwitchCompleted     = "switch_completed"
	EventSwitchFailed        = "switch_failed"
	EventMemoryProtected     = "memory_protected"
	EventMemorySacrificed    = "memory_sacrificed"
)

// MetricKind tells a sink how to aggregate a metric.
type MetricKind string

const (
	Counter MetricKind = "counter"
	Gauge   MetricKind = "gauge"
	Timing  MetricKind = "timing"
)

// Fields carries event attributes. Values must be JSON-encodable.
type Fields map[string]any

// Event is one recorded event.
type Event struct {
	Name   string    `json:"name"`
	Fields Fields    `json:"fields,omitempty"`
	At     time.Time `json:"at"`
}

// Metric is one recorded sample.
type Metric struct {
	Name  string            `json:"name"`
	Value float64           `json:"value"`
	Kind  MetricKind        `json:"kind"`
	Tags  map[string]string `json:"tags,omitempty"`
	At    time.Time         `json:"at"`
}

// Recorder is the observability sink. Callers ignore its errors beyond
// logging; a missing recorder never changes behaviour.
type Recorder interface {
	RecordEvent(name string, fields Fields) error
	RecordMetric(name string, value float64, kind MetricKind, tags map[string]string) error
	Close() error
}
