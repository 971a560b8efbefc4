package preempt

import (
	"context"
	"time"

	"OpportunitySwitch/internal/model"
)

// ExecutePreemption applies strategy to a running task and reports whether the
// task is now out of the way. Fallbacks: CHECKPOINT escalates to FORCE on
// timeout, SAVE_STATE escalates to FORCE when its hook is absent or fails,
// PARTIAL falls back to SAVE_STATE. NONE never preempts.
//
// FORCE stops waiting for the task and cancels its context; it does not undo
// anything the task already did.
func (e *Engine) ExecutePreemption(ctx context.Context, id string, strategy model.Strategy, opp *model.Opportunity) bool {
	e.mu.Lock()
	t, ok := e.tasks[id]
	running := ok && t.status == model.TaskRunning
	e.mu.Unlock()
	if !running {
		return false
	}

	start := time.Now()
	var preempted bool
	switch strategy {
	case model.StrategyNone:
		return false
	case model.StrategyCheckpoint:
		preempted = e.viaCheckpoint(ctx, t)
	case model.StrategySaveState:
		preempted = e.viaSaveState(ctx, t)
	case model.StrategyPartial:
		preempted = e.viaPartial(ctx, t)
	default:
		preempted = e.viaForce(ctx, t)
	}

	e.mu.Lock()
	e.metrics.recordSwitch(time.Since(start), preempted)
	e.mu.Unlock()

	if opp != nil {
		e.log.Debugf("preempted %s (%s) with %s for %s", t.spec.Name, t.id, strategy, opp.Label())
	}
	return preempted
}

func (e *Engine) viaCheckpoint(ctx context.Context, t *task) bool {
	t.handle.drain()
	t.handle.request()

	timer := time.NewTimer(e.cfg.CheckpointTimeout)
	defer timer.Stop()
	select {
	case <-t.handle.checkpoints:
		e.callHook(t, "checkpoint", t.spec.Hooks.OnCheckpoint)
		e.callHook(t, "pause", t.spec.Hooks.OnPause)
		return e.stopAs(t, model.TaskStopped, model.StrategyCheckpoint)
	case <-t.done:
		// Finished on its own before reaching a checkpoint.
		return true
	case <-timer.C:
	case <-ctx.Done():
	}
	e.escalated()
	return e.viaForce(ctx, t)
}

func (e *Engine) viaSaveState(ctx context.Context, t *task) bool {
	if e.runSaveHook(ctx, t, "save-state", t.spec.Hooks.SaveState) {
		return e.stopAs(t, model.TaskStopped, model.StrategySaveState)
	}
	e.escalated()
	return e.viaForce(ctx, t)
}

func (e *Engine) viaPartial(ctx context.Context, t *task) bool {
	if e.runSaveHook(ctx, t, "partial-save", t.spec.Hooks.PartialSave) {
		return e.stopAs(t, model.TaskStopped, model.StrategyPartial)
	}
	e.escalated()
	return e.viaSaveState(ctx, t)
}

func (e *Engine) viaForce(_ context.Context, t *task) bool {
	e.callHook(t, "force-preempt", t.spec.Hooks.OnForcePreempt)
	return e.stopAs(t, model.TaskForceStopped, model.StrategyForce)
}

// runSaveHook runs a save hook bounded by both ctx and the hook timeout.
func (e *Engine) runSaveHook(ctx context.Context, t *task, name string, hook func(ctx context.Context) error) bool {
	if hook == nil {
		return false
	}
	hctx, cancel := context.WithTimeout(ctx, e.cfg.HookTimeout)
	defer cancel()
	if err := hook(hctx); err != nil {
		e.log.Warnf("%s hook failed: %s (%s): %v", name, t.spec.Name, t.id, err)
		return false
	}
	return true
}

func (e *Engine) escalated() {
	e.mu.Lock()
	e.metrics.Escalations++
	e.mu.Unlock()
}

// stopAs moves t to a preempted terminal state and releases the run loop.
// Bookkeeping happens once even when a fallback chain reaches here twice or the
// task finishes concurrently.
func (e *Engine) stopAs(t *task, status model.TaskStatus, strategy model.Strategy) bool {
	e.mu.Lock()
	if e.finishLocked(t, status, nil) {
		t.preemptedBy = strategy
		e.metrics.Preemptions[strategy]++
	}
	if e.current == t {
		e.current = nil
	}
	e.mu.Unlock()
	t.stopWaiting()
	return true
}

// PreemptCurrentTask applies strategy to whatever occupies the current slot and,
// if it was stopped, snapshots it for a later resume.
func (e *Engine) PreemptCurrentTask(ctx context.Context, strategy model.Strategy, opp *model.Opportunity) (*Snapshot, bool) {
	if strategy == model.StrategyNone {
		return nil, false
	}
	e.mu.Lock()
	t := e.current
	e.mu.Unlock()
	if t == nil {
		return nil, false
	}

	if !e.ExecutePreemption(ctx, t.id, strategy, opp) {
		return nil, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if t.status != model.TaskStopped && t.status != model.TaskForceStopped {
		return nil, false
	}
	snap := &Snapshot{
		TaskID:      t.id,
		Name:        t.spec.Name,
		Priority:    t.spec.Priority,
		Status:      t.status,
		Requested:   strategy,
		Strategy:    t.preemptedBy,
		PreemptedAt: t.finishedAt,
		Metadata:    t.spec.Metadata,
	}
	e.preempted[t.id] = snap
	return snap, true
}

// ResumePreemptedTask re-enqueues a preempted task as a new run at priority HIGH
// or above and hands its snapshot to the OnResume hook. It returns the new task id.
func (e *Engine) ResumePreemptedTask(ctx context.Context, taskID string) (string, error) {
	e.mu.Lock()
	snap, ok := e.preempted[taskID]
	t := e.tasks[taskID]
	if ok {
		delete(e.preempted, taskID)
	}
	e.mu.Unlock()
	if !ok || t == nil {
		return "", ErrUnknownTask
	}

	if hook := t.spec.Hooks.OnResume; hook != nil {
		hctx, cancel := context.WithTimeout(ctx, e.cfg.HookTimeout)
		if err := hook(hctx, *snap); err != nil {
			e.log.Warnf("resume hook failed: %s (%s): %v", t.spec.Name, t.id, err)
		}
		cancel()
	}

	spec := t.spec
	spec.ID = ""
	if spec.Priority < model.PriorityHigh {
		spec.Priority = model.PriorityHigh
	}
	spec.Metadata.ResumedFrom = taskID
	id, err := e.AddTask(spec)
	if err != nil {
		return "", err
	}
	e.log.Debugf("task resumed: %s (%s -> %s)", spec.Name, taskID, id)
	return id, nil
}

// PreemptedSnapshots lists tasks waiting to be resumed.
func (e *Engine) PreemptedSnapshots() []Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Snapshot, 0, len(e.preempted))
	for _, s := range e.preempted {
		out = append(out, *s)
	}
	return out
}
