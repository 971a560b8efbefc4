package coordinator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"

	"OpportunitySwitch/internal/model"
)

var errDrainHalted = errors.New("drain halted")

// Enqueue adds an opportunity to the wait queue without processing it.
func (c *Coordinator) Enqueue(opp *model.Opportunity) error {
	c.prepare(opp)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enqueueLocked(opp)
}

func (c *Coordinator) enqueueLocked(opp *model.Opportunity) error {
	if c.isQueuedLocked(opp) {
		return nil
	}
	if len(c.queue) >= c.cfg.QueueCapacity {
		c.metrics.Dropped++
		return fmt.Errorf("%w: %d waiting", ErrQueueFull, len(c.queue))
	}
	c.queue = append(c.queue, opp)
	c.metrics.Queued++
	return nil
}

func (c *Coordinator) isQueuedLocked(opp *model.Opportunity) bool {
	return slices.Contains(c.queue, opp)
}

// QueueLength returns the number of waiting opportunities.
func (c *Coordinator) QueueLength() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Queued returns copies of the waiting opportunities in drain order.
func (c *Coordinator) Queued() []model.Opportunity {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sortQueueLocked()
	out := make([]model.Opportunity, len(c.queue))
	for i, o := range c.queue {
		out[i] = *o
	}
	return out
}

func (c *Coordinator) sortKey(opp *model.Opportunity) float64 {
	if c.cfg.DrainOrder == DrainByImpact {
		return c.classifier.Impact(opp)
	}
	return c.classifier.PriorityScore(opp)
}

func (c *Coordinator) sortQueueLocked() {
	sort.SliceStable(c.queue, func(i, j int) bool {
		return c.sortKey(c.queue[i]) > c.sortKey(c.queue[j])
	})
}

// DrainQueue runs one pass over the queue. The best-ranked opportunities are
// processed one after another, as many as there were free slots under the
// concurrency limit when the pass began. The pass stops when a memory
// operation starts or an opportunity fails; anything not processed stays
// queued. The failure is returned.
func (c *Coordinator) DrainQueue(ctx context.Context) ([]*SwitchResult, error) {
	if c.memoryBusy() {
		return nil, nil
	}

	c.mu.Lock()
	slots := c.cfg.ConcurrencyLimit - c.active
	if slots <= 0 || len(c.queue) == 0 {
		c.mu.Unlock()
		return nil, nil
	}
	c.sortQueueLocked()
	n := min(slots, len(c.queue))
	batch := slices.Clone(c.queue[:n])
	c.queue = slices.Delete(c.queue, 0, n)
	c.active += n
	c.metrics.DrainPasses++
	c.mu.Unlock()

	var (
		results []*SwitchResult
		failure error
		done    int
	)
	for _, opp := range batch {
		if c.memoryBusy() {
			break
		}
		res, err := c.process(ctx, opp)
		c.release(1)
		done++
		if res != nil {
			results = append(results, res)
		}
		if err != nil {
			failure = err
			break
		}
		if res != nil && res.Result != nil && !res.Result.Success {
			failure = fmt.Errorf("%w: %s failed: %s", errDrainHalted, opp.Label(), res.Result.Error)
			break
		}
	}

	if rest := batch[done:]; len(rest) > 0 {
		c.mu.Lock()
		c.active -= len(rest)
		c.queue = append(rest, c.queue...)
		c.mu.Unlock()
	}
	return results, failure
}
