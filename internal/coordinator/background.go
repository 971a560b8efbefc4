package coordinator

import (
	"context"
	"errors"
	"time"

	"OpportunitySwitch/internal/model"
)

// Background is a unit of long-running work the coordinator interrupts on the
// direct path, when no decision engine is attached. Nil funcs are absent.
type Background struct {
	Name string
	// Tier marks the work as a memory operation of that tier.
	Tier model.Tier

	Running func() bool
	Pause   func(ctx context.Context) error
	Resume  func(ctx context.Context) error
	Stop    func(ctx context.Context) error
	// Wait blocks until the current unit of work completes.
	Wait func(ctx context.Context) error
}

// RegisterBackground adds work to interrupt on the direct path.
func (c *Coordinator) RegisterBackground(b *Background) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.background = append(c.background, b)
}

func (c *Coordinator) runningBackground() []*Background {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Background
	for _, b := range c.background {
		if b.Running == nil || b.Running() {
			out = append(out, b)
		}
	}
	return out
}

// preemptDirect interrupts registered background work. Memory operations get
// the tier rules: wait when the opportunity may not preempt the tier, force
// otherwise, and a Critical operation is never stopped. Everything else is
// paused, or stopped when it cannot pause. The returned func resumes what was
// paused.
func (c *Coordinator) preemptDirect(ctx context.Context, opp *model.Opportunity, res *SwitchResult) func(failed bool) {
	c.decideMu.Lock()
	defer c.decideMu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, c.cfg.SwitchTimeout)
	defer cancel()

	var paused []*Background
	stopped, waited := 0, 0
	for _, b := range c.runningBackground() {
		if b.Tier != model.TierNone {
			if c.classifier.ShouldPreempt(opp, b.Tier) && b.Tier != model.TierCritical {
				if c.stopBackground(pctx, b) {
					stopped++
				}
				continue
			}
			waited++
			if err := c.waitBackground(pctx, b); err != nil {
				if b.Tier == model.TierCritical {
					c.log.Infof("critical memory work %s still running, proceeding alongside", b.Name)
					continue
				}
				if c.stopBackground(pctx, b) {
					stopped++
				}
			}
			continue
		}
		if b.Pause != nil {
			err := b.Pause(pctx)
			if err == nil {
				paused = append(paused, b)
				continue
			}
			c.log.Warnf("pause %s: %v", b.Name, err)
		}
		if c.stopBackground(pctx, b) {
			stopped++
		}
	}

	switch {
	case stopped > 0:
		res.Strategy = model.StrategyForce
	case len(paused) > 0:
		res.Strategy = model.StrategySaveState
	case waited > 0:
		res.Strategy = model.StrategyNone
	default:
		res.Strategy = c.idleMode(res).Strategy()
	}
	res.Mode = res.Strategy.Mode()

	return func(bool) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.SwitchTimeout)
		defer cancel()
		for _, b := range paused {
			if b.Resume == nil {
				continue
			}
			if err := b.Resume(rctx); err != nil {
				c.log.Warnf("resume %s: %v", b.Name, err)
			}
		}
	}
}

func (c *Coordinator) waitBackground(ctx context.Context, b *Background) error {
	if b.Wait == nil {
		return errors.New("cannot wait")
	}
	wctx, cancel := context.WithTimeout(ctx, c.cfg.ForcePreemptTimeout)
	defer cancel()
	return b.Wait(wctx)
}

func (c *Coordinator) stopBackground(ctx context.Context, b *Background) bool {
	if b.Stop == nil {
		c.log.Warnf("background %s cannot be stopped", b.Name)
		return false
	}
	start := time.Now()
	if err := b.Stop(ctx); err != nil {
		c.log.Warnf("stop %s: %v", b.Name, err)
		return false
	}
	c.log.Debugf("stopped %s in %v", b.Name, time.Since(start))
	return true
}
