package recorder

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteRecorder_EventsAndMetrics(t *testing.T) {
	r, err := NewSQLiteRecorder(filepath.Join(t.TempDir(), "rec.db"), nil)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.RecordEvent(EventSwitchCompleted, Fields{"type": "flash-loan", "impact": 0.015}))
	require.NoError(t, r.RecordEvent(EventOpportunityQueued, Fields{"reason": "busy"}))
	require.NoError(t, r.RecordEvent(EventSwitchCompleted, nil))

	evs, err := r.Events(EventSwitchCompleted, 10)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Nil(t, evs[0].Fields, "newest first")
	assert.Equal(t, "flash-loan", evs[1].Fields["type"])
	assert.Equal(t, 0.015, evs[1].Fields["impact"])

	all, err := r.Events("", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, r.RecordMetric("switch_latency_ms", 3, Timing, map[string]string{"mode": "standard"}))
	require.NoError(t, r.RecordMetric("switch_latency_ms", 4.5, Timing, nil))
	sum, err := r.MetricSum("switch_latency_ms")
	require.NoError(t, err)
	assert.Equal(t, 7.5, sum)

	sum, err = r.MetricSum("unknown")
	require.NoError(t, err)
	assert.Zero(t, sum)
}

type memRecorder struct {
	events []string
	fail   bool
	closed bool
}

func (m *memRecorder) RecordEvent(name string, _ Fields) error {
	m.events = append(m.events, name)
	if m.fail {
		return errors.New("sink down")
	}
	return nil
}

func (m *memRecorder) RecordMetric(string, float64, MetricKind, map[string]string) error {
	if m.fail {
		return errors.New("sink down")
	}
	return nil
}

func (m *memRecorder) Close() error {
	m.closed = true
	return nil
}

func TestMulti_FansOutPastFailures(t *testing.T) {
	bad := &memRecorder{fail: true}
	good := &memRecorder{}
	m := NewMulti(bad, nil, good, NewNoopRecorder())
	assert.Len(t, m, 3)

	err := m.RecordEvent(EventSwitchFailed, Fields{"error": "x"})
	assert.Error(t, err)
	assert.Equal(t, []string{EventSwitchFailed}, good.events)
	assert.Error(t, m.RecordMetric("m", 1, Counter, nil))

	require.NoError(t, m.Close())
	assert.True(t, bad.closed)
	assert.True(t, good.closed)
}
