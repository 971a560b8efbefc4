package coordinator

import (
	"time"

	"github.com/shopspring/decimal"

	"OpportunitySwitch/internal/model"
)

// Metrics are cumulative until ResetMetrics.
type Metrics struct {
	TotalSwitches      int64 `json:"totalSwitches"`
	SuccessfulSwitches int64 `json:"successfulSwitches"`
	FailedSwitches     int64 `json:"failedSwitches"`
	Queued             int64 `json:"queued"`
	Dropped            int64 `json:"dropped"`
	DrainPasses        int64 `json:"drainPasses"`

	MinLatency   time.Duration `json:"minLatency"`
	MaxLatency   time.Duration `json:"maxLatency"`
	AvgLatency   time.Duration `json:"avgLatency"`
	totalLatency time.Duration

	ByMode map[model.Mode]int64 `json:"byMode"`

	// Protected counts opportunities that yielded to a memory operation of a
	// tier; Sacrificed counts memory operations stopped for an opportunity.
	Protected  map[string]int64 `json:"protected"`
	Sacrificed map[string]int64 `json:"sacrificed"`

	TotalProfitUSD decimal.Decimal `json:"totalProfitUSD"`
}

func newMetrics() Metrics {
	return Metrics{
		ByMode:     make(map[model.Mode]int64),
		Protected:  make(map[string]int64),
		Sacrificed: make(map[string]int64),
	}
}

func (m *Metrics) recordSwitch(d time.Duration, mode model.Mode, ok bool) {
	m.TotalSwitches++
	if ok {
		m.SuccessfulSwitches++
	} else {
		m.FailedSwitches++
	}
	m.ByMode[mode]++

	m.totalLatency += d
	if m.MinLatency == 0 || d < m.MinLatency {
		m.MinLatency = d
	}
	if d > m.MaxLatency {
		m.MaxLatency = d
	}
	m.AvgLatency = m.totalLatency / time.Duration(m.TotalSwitches)
}

func (m Metrics) clone() Metrics {
	out := m
	out.ByMode = make(map[model.Mode]int64, len(m.ByMode))
	for k, v := range m.ByMode {
		out.ByMode[k] = v
	}
	out.Protected = make(map[string]int64, len(m.Protected))
	for k, v := range m.Protected {
		out.Protected[k] = v
	}
	out.Sacrificed = make(map[string]int64, len(m.Sacrificed))
	for k, v := range m.Sacrificed {
		out.Sacrificed[k] = v
	}
	return out
}

// Metrics returns a copy of the counters.
func (c *Coordinator) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics.clone()
}

// ResetMetrics zeroes every counter.
func (c *Coordinator) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = newMetrics()
}
