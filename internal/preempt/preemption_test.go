package preempt

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpportunitySwitch/internal/model"
)

func opp(score float64) *model.Opportunity {
	return &model.Opportunity{Type: model.TypeSwap, Impact: score}
}

func TestDetermineStrategy_MemoryTiers(t *testing.T) {
	e := newTestEngine(t)
	tests := []struct {
		tier  model.Tier
		score float64
		want  model.Strategy
	}{
		{model.TierCritical, 0.03, model.StrategyPartial},
		{model.TierCritical, 0.02, model.StrategyPartial},
		{model.TierCritical, 0.018, model.StrategyNone},
		{model.TierCritical, 0.0001, model.StrategyNone},
		{model.TierImportant, 0.015, model.StrategyForce},
		{model.TierImportant, 0.006, model.StrategyPartial},
		{model.TierImportant, 0.004, model.StrategyNone},
		{model.TierCurrent, 0.005, model.StrategyForce},
		{model.TierCurrent, 0.004, model.StrategySaveState},
		{model.TierCurrent, 0.0005, model.StrategyCheckpoint},
	}
	for _, tt := range tests {
		// Task priority is irrelevant for memory operations.
		got := e.DetermineStrategy(model.PriorityCritical, opp(tt.score), true, tt.tier)
		assert.Equal(t, tt.want, got, "%s @ %v", tt.tier, tt.score)
	}
}

func TestDetermineStrategy_TightensWithPriority(t *testing.T) {
	e := newTestEngine(t)
	high := opp(0.015)
	assert.Equal(t, model.StrategyNone, e.DetermineStrategy(model.PriorityCritical, high, false, model.TierNone))
	assert.Equal(t, model.StrategySaveState, e.DetermineStrategy(model.PriorityHigh, high, false, model.TierNone))
	assert.Equal(t, model.StrategyForce, e.DetermineStrategy(model.PriorityMedium, high, false, model.TierNone))
	assert.Equal(t, model.StrategyForce, e.DetermineStrategy(model.PriorityBackground, high, false, model.TierNone))

	crit := opp(0.05)
	assert.NotEqual(t, model.StrategyNone, e.DetermineStrategy(model.PriorityCritical, crit, false, model.TierNone))

	tiny := opp(0.0001)
	assert.Equal(t, model.StrategyCheckpoint, e.DetermineStrategy(model.PriorityBackground, tiny, false, model.TierNone))
	assert.Equal(t, model.StrategyNone, e.DetermineStrategy(model.PriorityHigh, tiny, false, model.TierNone))

	// Yielding never gets easier as priority rises.
	for _, level := range []float64{0.0001, 0.004, 0.006, 0.015, 0.05} {
		prev := -1
		for p := model.PriorityBackground; p <= model.PriorityCritical; p++ {
			got := strength(e.DetermineStrategy(p, opp(level), false, model.TierNone))
			if prev >= 0 {
				assert.LessOrEqual(t, got, prev, "priority %s at %v", p, level)
			}
			prev = got
		}
	}
}

func strength(s model.Strategy) int {
	switch s {
	case model.StrategyForce:
		return 3
	case model.StrategySaveState, model.StrategyPartial:
		return 2
	case model.StrategyCheckpoint:
		return 1
	}
	return 0
}

func TestExecutePreemption_CheckpointCooperates(t *testing.T) {
	e := newTestEngine(t)
	var checkpointed atomic.Bool
	id, _ := e.AddTask(TaskSpec{Execute: cooperative, Hooks: Hooks{
		OnCheckpoint: func(context.Context) error { checkpointed.Store(true); return nil },
	}})
	waitCurrent(t, e, id)

	require.True(t, e.ExecutePreemption(context.Background(), id, model.StrategyCheckpoint, opp(0.004)))
	info, _ := e.Task(id)
	assert.Equal(t, model.TaskStopped, info.Status)
	assert.Equal(t, model.StrategyCheckpoint, info.PreemptedBy)
	assert.True(t, checkpointed.Load())
	assert.Zero(t, e.Metrics().Escalations)
}

func TestExecutePreemption_CheckpointTimeoutEscalatesToForce(t *testing.T) {
	e := newTestEngine(t)
	var forced atomic.Int32
	id, _ := e.AddTask(TaskSpec{Execute: stubborn, Hooks: Hooks{
		OnForcePreempt: func(context.Context) error { forced.Add(1); return nil },
	}})
	waitCurrent(t, e, id)

	require.True(t, e.ExecutePreemption(context.Background(), id, model.StrategyCheckpoint, opp(0.004)))
	info, _ := e.Task(id)
	assert.Equal(t, model.TaskForceStopped, info.Status)
	assert.Equal(t, model.StrategyForce, info.PreemptedBy)
	assert.EqualValues(t, 1, forced.Load())
	assert.Equal(t, 1, e.Metrics().Escalations)
}

func TestExecutePreemption_SaveStateFallbacks(t *testing.T) {
	e := newTestEngine(t)

	saved, _ := e.AddTask(TaskSpec{Execute: stubborn, Hooks: Hooks{
		SaveState: func(context.Context) error { return nil },
	}})
	waitCurrent(t, e, saved)
	require.True(t, e.ExecutePreemption(context.Background(), saved, model.StrategySaveState, nil))
	info, _ := e.Task(saved)
	assert.Equal(t, model.TaskStopped, info.Status)

	noHook, _ := e.AddTask(TaskSpec{Execute: stubborn})
	waitCurrent(t, e, noHook)
	require.True(t, e.ExecutePreemption(context.Background(), noHook, model.StrategySaveState, nil))
	info, _ = e.Task(noHook)
	assert.Equal(t, model.TaskForceStopped, info.Status)

	failing, _ := e.AddTask(TaskSpec{Execute: stubborn, Hooks: Hooks{
		SaveState: func(context.Context) error { return errors.New("disk full") },
	}})
	waitCurrent(t, e, failing)
	require.True(t, e.ExecutePreemption(context.Background(), failing, model.StrategySaveState, nil))
	info, _ = e.Task(failing)
	assert.Equal(t, model.TaskForceStopped, info.Status)
}

func TestExecutePreemption_PartialFallsBackToSaveState(t *testing.T) {
	e := newTestEngine(t)
	var saves atomic.Int32
	id, _ := e.AddTask(TaskSpec{Execute: stubborn, Hooks: Hooks{
		PartialSave: func(context.Context) error { return errors.New("no partial") },
		SaveState:   func(context.Context) error { saves.Add(1); return nil },
	}})
	waitCurrent(t, e, id)

	require.True(t, e.ExecutePreemption(context.Background(), id, model.StrategyPartial, nil))
	info, _ := e.Task(id)
	assert.Equal(t, model.TaskStopped, info.Status)
	assert.Equal(t, model.StrategySaveState, info.PreemptedBy)
	assert.EqualValues(t, 1, saves.Load())
}

func TestExecutePreemption_BookkeepingHappensOnce(t *testing.T) {
	e := newTestEngine(t)
	id, _ := e.AddTask(TaskSpec{Execute: stubborn})
	waitCurrent(t, e, id)

	// PARTIAL -> SAVE_STATE -> FORCE, with no hooks at all.
	require.True(t, e.ExecutePreemption(context.Background(), id, model.StrategyPartial, nil))
	assert.False(t, e.ExecutePreemption(context.Background(), id, model.StrategyForce, nil))

	m := e.Metrics()
	assert.Equal(t, 1, m.TasksStopped)
	assert.Equal(t, 1, m.Preemptions[model.StrategyForce])
	assert.Zero(t, m.TasksFailed)
	assert.Zero(t, m.TasksCompleted)
}

func TestExecutePreemption_NoneAndIdle(t *testing.T) {
	e := newTestEngine(t)
	assert.False(t, e.ExecutePreemption(context.Background(), "missing", model.StrategyForce, nil))

	id, _ := e.AddTask(TaskSpec{Execute: stubborn})
	waitCurrent(t, e, id)
	assert.False(t, e.ExecutePreemption(context.Background(), id, model.StrategyNone, nil))
	info, _ := e.Task(id)
	assert.Equal(t, model.TaskRunning, info.Status)
}

func TestPreemptAndResume(t *testing.T) {
	e := newTestEngine(t)
	resumed := make(chan Snapshot, 1)
	id, _ := e.AddTask(TaskSpec{
		Name:     "reindex",
		Priority: model.PriorityLow,
		Execute:  cooperative,
		Hooks: Hooks{OnResume: func(_ context.Context, s Snapshot) error {
			resumed <- s
			return nil
		}},
	})
	waitCurrent(t, e, id)

	e.HoldDispatch()
	snap, ok := e.PreemptCurrentTask(context.Background(), model.StrategyCheckpoint, opp(0.004))
	require.True(t, ok)
	assert.Equal(t, id, snap.TaskID)
	assert.Equal(t, model.TaskStopped, snap.Status)
	assert.Equal(t, model.StrategyCheckpoint, snap.Strategy)
	assert.False(t, snap.PreemptedAt.IsZero())
	_, busy := e.CurrentTask()
	assert.False(t, busy)
	assert.Len(t, e.PreemptedSnapshots(), 1)

	newID, err := e.ResumePreemptedTask(context.Background(), id)
	require.NoError(t, err)
	assert.NotEqual(t, id, newID)

	got := <-resumed
	assert.Equal(t, id, got.TaskID)

	info, _ := e.Task(newID)
	assert.Equal(t, model.PriorityHigh, info.Priority)
	assert.Equal(t, id, info.Metadata.ResumedFrom)
	assert.Equal(t, model.TaskPending, info.Status)

	e.ReleaseDispatch()
	waitCurrent(t, e, newID)

	_, err = e.ResumePreemptedTask(context.Background(), id)
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestPreemptCurrentTask_Idle(t *testing.T) {
	e := newTestEngine(t)
	snap, ok := e.PreemptCurrentTask(context.Background(), model.StrategyForce, opp(0.05))
	assert.False(t, ok)
	assert.Nil(t, snap)
}

func TestHandle_CheckpointDue(t *testing.T) {
	h := newHandle("x", 20*time.Millisecond)
	assert.False(t, h.CheckpointDue())
	time.Sleep(25 * time.Millisecond)
	assert.True(t, h.CheckpointDue())
	h.Checkpoint()
	assert.False(t, h.CheckpointDue())

	assert.False(t, newHandle("y", 0).CheckpointDue())
}
