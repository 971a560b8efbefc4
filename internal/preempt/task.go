package preempt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"OpportunitySwitch/internal/model"
)

var (
	ErrUnknownTask = errors.New("unknown task")
	ErrClosed      = errors.New("engine closed")
	ErrTaskTimeout = errors.New("task timed out")
	ErrWaitTimeout = errors.New("wait for task timed out")
)

// ValidationError rejects a task spec at creation time.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid task: %s %s", e.Field, e.Reason)
}

// ExecuteFunc is the unit of work a task runs. It should watch ctx and
// h.Preempting() and return promptly when either fires.
type ExecuteFunc func(ctx context.Context, h *Handle) error

// Hooks are the optional lifecycle callbacks of a task. A nil hook is absent;
// the engine picks its fallback chain from which hooks are set.
type Hooks struct {
	OnPause        func(ctx context.Context) error
	OnResume       func(ctx context.Context, snap Snapshot) error
	OnCancel       func(ctx context.Context) error
	OnForcePreempt func(ctx context.Context) error
	OnCheckpoint   func(ctx context.Context) error
	SaveState      func(ctx context.Context) error
	PartialSave    func(ctx context.Context) error
}

// Metadata describes a task to the coordinator.
type Metadata struct {
	// MemoryTier is set when the task is a tiered-state operation.
	MemoryTier  model.Tier
	ResumedFrom string
	Labels      map[string]string
}

// IsMemoryOperation reports whether the task carries a memory-tier tag.
func (m Metadata) IsMemoryOperation() bool {
	return m.MemoryTier != model.TierNone
}

// TaskSpec is what callers submit to AddTask.
type TaskSpec struct {
	ID       string
	Name     string
	Priority model.Priority
	Execute  ExecuteFunc
	// Timeout bounds one run; zero uses the engine default.
	Timeout  time.Duration
	Hooks    Hooks
	Metadata Metadata
}

// TaskInfo is a read-only view of a task.
type TaskInfo struct {
	ID          string
	Name        string
	Priority    model.Priority
	Status      model.TaskStatus
	Metadata    Metadata
	CreatedAt   time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
	PreemptedBy model.Strategy
	Err         error
}

// Snapshot is saved when a running task is preempted and handed back to its
// OnResume hook.
type Snapshot struct {
	TaskID      string
	Name        string
	Priority    model.Priority
	Status      model.TaskStatus
	Requested   model.Strategy
	Strategy    model.Strategy
	PreemptedAt time.Time
	Metadata    Metadata
}

// Handle is the task's side of the cooperative preemption protocol.
type Handle struct {
	taskID      string
	interval    time.Duration
	requested   chan struct{}
	requestOnce sync.Once
	checkpoints chan struct{}

	mu   sync.Mutex
	last time.Time
}

func newHandle(id string, interval time.Duration) *Handle {
	return &Handle{
		taskID:      id,
		interval:    interval,
		requested:   make(chan struct{}),
		checkpoints: make(chan struct{}, 1),
		last:        time.Now(),
	}
}

// TaskID returns the id of the task the handle belongs to.
func (h *Handle) TaskID() string { return h.taskID }

// Preempting is closed when the engine asks the task to reach a checkpoint.
func (h *Handle) Preempting() <-chan struct{} { return h.requested }

// Checkpoint signals that the task is at a safe point.
func (h *Handle) Checkpoint() {
	h.mu.Lock()
	h.last = time.Now()
	h.mu.Unlock()
	select {
	case h.checkpoints <- struct{}{}:
	default:
	}
}

// CheckpointDue reports whether the configured checkpoint interval has elapsed
// since the last checkpoint.
func (h *Handle) CheckpointDue() bool {
	if h.interval <= 0 {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return time.Since(h.last) >= h.interval
}

func (h *Handle) request() {
	h.requestOnce.Do(func() { close(h.requested) })
}

func (h *Handle) drain() {
	select {
	case <-h.checkpoints:
	default:
	}
}

type task struct {
	id     string
	spec   TaskSpec
	handle *Handle

	status      model.TaskStatus
	err         error
	preemptedBy model.Strategy
	createdAt   time.Time
	startedAt   time.Time
	finishedAt  time.Time

	cancel      context.CancelFunc
	done        chan struct{}
	release     chan struct{}
	releaseOnce sync.Once
}

func (t *task) stopWaiting() {
	t.releaseOnce.Do(func() { close(t.release) })
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *task) info() TaskInfo {
	return TaskInfo{
		ID:          t.id,
		Name:        t.spec.Name,
		Priority:    t.spec.Priority,
		Status:      t.status,
		Metadata:    t.spec.Metadata,
		CreatedAt:   t.createdAt,
		StartedAt:   t.startedAt,
		FinishedAt:  t.finishedAt,
		PreemptedBy: t.preemptedBy,
		Err:         t.err,
	}
}
