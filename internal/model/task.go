package model

import "time"

// TaskStatus tracks a task through the decision engine.
type TaskStatus string

const (
	TaskPending      TaskStatus = "pending"
	TaskRunning      TaskStatus = "running"
	TaskCompleted    TaskStatus = "completed"
	TaskFailed       TaskStatus = "failed"
	TaskStopped      TaskStatus = "stopped"
	TaskForceStopped TaskStatus = "force_stopped"
	TaskCancelled    TaskStatus = "cancelled"
)

// IsTerminal returns true if the task has reached a final state.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskStopped, TaskForceStopped, TaskCancelled:
		return true
	}
	return false
}

// Strategy is the engine's response to an interrupting opportunity.
type Strategy string

const (
	StrategyNone       Strategy = "NONE"
	StrategyCheckpoint Strategy = "CHECKPOINT"
	StrategySaveState  Strategy = "SAVE_STATE"
	StrategyPartial    Strategy = "PARTIAL"
	StrategyForce      Strategy = "FORCE"
)

// Mode is the coordinator's vocabulary for the same decision.
type Mode string

const (
	ModeStandard       Mode = "standard"
	ModePreempt        Mode = "preempt"
	ModeForcePreempt   Mode = "force_preempt"
	ModeWaitCompletion Mode = "wait_completion"
)

// modeStrategy and strategyMode are the two directions of the mapping between
// the coordinator's modes and the engine's strategies. PARTIAL has no mode of
// its own and reports as preempt.
var (
	modeStrategy = map[Mode]Strategy{
		ModeStandard:       StrategyCheckpoint,
		ModePreempt:        StrategySaveState,
		ModeForcePreempt:   StrategyForce,
		ModeWaitCompletion: StrategyNone,
	}
	strategyMode = map[Strategy]Mode{
		StrategyNone:       ModeWaitCompletion,
		StrategyCheckpoint: ModeStandard,
		StrategySaveState:  ModePreempt,
		StrategyPartial:    ModePreempt,
		StrategyForce:      ModeForcePreempt,
	}
)

// Strategy returns the engine strategy a mode corresponds to.
func (m Mode) Strategy() Strategy {
	if s, ok := modeStrategy[m]; ok {
		return s
	}
	return StrategyCheckpoint
}

// Mode returns the coordinator mode a strategy reports as.
func (s Strategy) Mode() Mode {
	if m, ok := strategyMode[s]; ok {
		return m
	}
	return ModeStandard
}

// MemoryOperation marks a tiered-store write in flight.
type MemoryOperation struct {
	Tier       Tier
	Key        string
	StartedAt  time.Time
	InProgress bool
}
