package recorder

// NoopRecorder is a no-op implementation used when no sink is configured.
type NoopRecorder struct{}

func NewNoopRecorder() *NoopRecorder { return &NoopRecorder{} }

func (n *NoopRecorder) RecordEvent(string, Fields) error                                  { return nil }
func (n *NoopRecorder) RecordMetric(string, float64, MetricKind, map[string]string) error { return nil }
func (n *NoopRecorder) Close() error                                                      { return nil }
