package recorder

import "errors"

// Multi fans every call out to all sinks. Errors are joined; one failing sink
// does not stop the others.
type Multi []Recorder

// NewMulti drops nil sinks and returns the fan-out.
func NewMulti(sinks ...Recorder) Multi {
	out := make(Multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m Multi) RecordEvent(name string, fields Fields) error {
	var errs []error
	for _, r := range m {
		if err := r.RecordEvent(name, fields); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) RecordMetric(name string, value float64, kind MetricKind, tags map[string]string) error {
	var errs []error
	for _, r := range m {
		if err := r.RecordMetric(name, value, kind, tags); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, r := range m {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
