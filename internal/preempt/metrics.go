package preempt

import (
	"maps"
	"time"

	"OpportunitySwitch/internal/model"
)

// Metrics are monotonically increasing engine counters. They only go back to
// zero through ResetMetrics.
type Metrics struct {
	TasksAdded     int
	TasksCompleted int
	TasksFailed    int
	TasksTimedOut  int
	TasksCancelled int
	TasksStopped   int

	Preemptions         map[model.Strategy]int
	Escalations         int
	TotalSwitches       int
	SuccessfulSwitches  int
	FailedSwitches      int
	MinSwitchLatency    time.Duration
	MaxSwitchLatency    time.Duration
	AvgSwitchLatency    time.Duration
	totalSwitchLatency  time.Duration
	AvgTaskDuration     time.Duration
	totalTaskDuration   time.Duration
	completedDurationsN int
}

func newMetrics() Metrics {
	return Metrics{Preemptions: make(map[model.Strategy]int)}
}

func (m *Metrics) recordDuration(d time.Duration) {
	m.completedDurationsN++
	m.totalTaskDuration += d
	m.AvgTaskDuration = m.totalTaskDuration / time.Duration(m.completedDurationsN)
}

func (m *Metrics) recordSwitch(d time.Duration, ok bool) {
	m.TotalSwitches++
	if ok {
		m.SuccessfulSwitches++
	} else {
		m.FailedSwitches++
	}
	if m.MinSwitchLatency == 0 || d < m.MinSwitchLatency {
		m.MinSwitchLatency = d
	}
	if d > m.MaxSwitchLatency {
		m.MaxSwitchLatency = d
	}
	m.totalSwitchLatency += d
	m.AvgSwitchLatency = m.totalSwitchLatency / time.Duration(m.TotalSwitches)
}

func (m Metrics) clone() Metrics {
	m.Preemptions = maps.Clone(m.Preemptions)
	return m
}

// Metrics returns a copy of the engine counters.
func (e *Engine) Metrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metrics.clone()
}

// ResetMetrics zeroes every counter.
func (e *Engine) ResetMetrics() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics = newMetrics()
}
