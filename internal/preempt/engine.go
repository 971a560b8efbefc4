package preempt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"OpportunitySwitch/internal/impact"
	"OpportunitySwitch/internal/model"
)

// Config bounds every wait the engine performs.
type Config struct {
	// TaskTimeout bounds a task run when the spec sets none.
	TaskTimeout time.Duration `yaml:"task_timeout"`
	// CheckpointTimeout bounds the CHECKPOINT wait before escalating to FORCE.
	CheckpointTimeout time.Duration `yaml:"checkpoint_timeout"`
	// HookTimeout bounds save-state, partial-save and cancel hooks.
	HookTimeout time.Duration `yaml:"hook_timeout"`
	// CheckpointInterval drives Handle.CheckpointDue.
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	// HistoryLimit caps how many finished tasks are kept for lookup.
	HistoryLimit int `yaml:"history_limit"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		TaskTimeout:        5 * time.Minute,
		CheckpointTimeout:  2 * time.Second,
		HookTimeout:        time.Second,
		CheckpointInterval: 5 * time.Second,
		HistoryLimit:       1024,
	}
}

// Engine holds the priority queue of background tasks and the single
// current-task slot. All state is guarded by mu; tasks run on their own
// goroutines and are only ever interrupted cooperatively.
type Engine struct {
	cfg        Config
	classifier *impact.Classifier
	log        *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	queue     []*task
	tasks     map[string]*task
	finished  []string
	current   *task
	preempted map[string]*Snapshot
	running   bool
	held      int
	closed    bool
	metrics   Metrics
}

// NewEngine creates an Engine. A nil classifier uses impact.Default.
func NewEngine(cfg Config, classifier *impact.Classifier, log *zap.SugaredLogger) *Engine {
	def := DefaultConfig()
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = def.TaskTimeout
	}
	if cfg.CheckpointTimeout <= 0 {
		cfg.CheckpointTimeout = def.CheckpointTimeout
	}
	if cfg.HookTimeout <= 0 {
		cfg.HookTimeout = def.HookTimeout
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if classifier == nil {
		classifier = impact.Default
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:        cfg,
		classifier: classifier,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
		tasks:      make(map[string]*task),
		preempted:  make(map[string]*Snapshot),
		metrics:    newMetrics(),
	}
}

// AddTask validates and enqueues a task, starting the run loop if idle.
func (e *Engine) AddTask(spec TaskSpec) (string, error) {
	if spec.Execute == nil {
		return "", &ValidationError{Field: "Execute", Reason: "is required"}
	}
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	if spec.Name == "" {
		spec.Name = spec.ID
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return "", ErrClosed
	}
	if old, ok := e.tasks[spec.ID]; ok && !old.status.IsTerminal() {
		return "", &ValidationError{Field: "ID", Reason: fmt.Sprintf("%q is already active", spec.ID)}
	}

	t := &task{
		id:        spec.ID,
		spec:      spec,
		handle:    newHandle(spec.ID, e.cfg.CheckpointInterval),
		status:    model.TaskPending,
		createdAt: time.Now(),
		done:      make(chan struct{}),
		release:   make(chan struct{}),
	}
	e.tasks[t.id] = t
	e.insertLocked(t)
	e.metrics.TasksAdded++
	e.log.Debugf("task added: %s (%s, priority %s)", t.spec.Name, t.id, t.spec.Priority)
	e.kickLocked()
	return t.id, nil
}

// insertLocked places t after every queued task of equal or higher priority,
// so equal priorities keep FIFO order.
func (e *Engine) insertLocked(t *task) {
	i := len(e.queue)
	for j, q := range e.queue {
		if q.spec.Priority < t.spec.Priority {
			i = j
			break
		}
	}
	e.queue = append(e.queue, nil)
	copy(e.queue[i+1:], e.queue[i:])
	e.queue[i] = t
}

func (e *Engine) kickLocked() {
	if e.running || e.held > 0 || e.closed || len(e.queue) == 0 {
		return
	}
	e.running = true
	e.wg.Add(1)
	go e.loop()
}

// loop runs queued tasks one at a time until the queue is empty, dispatch is
// held, or the engine closes. Iteration replaces recursion so the stack stays flat.
func (e *Engine) loop() {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		if e.closed || e.held > 0 || len(e.queue) == 0 {
			e.running = false
			e.mu.Unlock()
			return
		}
		t := e.queue[0]
		e.queue = e.queue[1:]

		timeout := t.spec.Timeout
		if timeout <= 0 {
			timeout = e.cfg.TaskTimeout
		}
		ctx, cancel := context.WithTimeout(e.ctx, timeout)
		t.cancel = cancel
		t.status = model.TaskRunning
		t.startedAt = time.Now()
		e.current = t
		e.mu.Unlock()

		e.run(ctx, t)
		cancel()

		e.mu.Lock()
		if e.current == t {
			e.current = nil
		}
		e.mu.Unlock()
	}
}

func (e *Engine) run(ctx context.Context, t *task) {
	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("task panicked: %v", r)
			}
		}()
		result <- t.spec.Execute(ctx, t.handle)
	}()

	select {
	case err := <-result:
		switch {
		case err == nil:
			e.finish(t, model.TaskCompleted, nil)
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			e.finish(t, model.TaskFailed, fmt.Errorf("%w: %v", ErrTaskTimeout, err))
		default:
			e.finish(t, model.TaskFailed, err)
		}
	case <-t.release:
		// Preempted or stopped: stop waiting for it. Its goroutine may still be
		// unwinding; whatever it already did is not rolled back.
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			e.finish(t, model.TaskFailed, ErrTaskTimeout)
		} else {
			e.finish(t, model.TaskCancelled, ctx.Err())
		}
	}
}

// finish records a terminal state once. Later calls for the same task are no-ops.
func (e *Engine) finish(t *task, status model.TaskStatus, err error) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finishLocked(t, status, err)
}

func (e *Engine) finishLocked(t *task, status model.TaskStatus, err error) bool {
	if t.status.IsTerminal() {
		return false
	}
	t.status = status
	t.err = err
	t.finishedAt = time.Now()
	close(t.done)

	switch status {
	case model.TaskCompleted:
		e.metrics.TasksCompleted++
		e.metrics.recordDuration(t.finishedAt.Sub(t.startedAt))
	case model.TaskFailed:
		e.metrics.TasksFailed++
		if errors.Is(err, ErrTaskTimeout) {
			e.metrics.TasksTimedOut++
		}
		e.log.Warnf("task failed: %s (%s): %v", t.spec.Name, t.id, err)
	case model.TaskCancelled:
		e.metrics.TasksCancelled++
	case model.TaskStopped, model.TaskForceStopped:
		e.metrics.TasksStopped++
	}

	e.finished = append(e.finished, t.id)
	for len(e.finished) > e.cfg.HistoryLimit {
		old := e.finished[0]
		e.finished = e.finished[1:]
		if _, saved := e.preempted[old]; !saved {
			delete(e.tasks, old)
		}
	}
	return true
}

func (e *Engine) removeQueuedLocked(t *task) bool {
	for i, q := range e.queue {
		if q == t {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			return true
		}
	}
	return false
}

// StopTask stops a running task or drops a pending one. Unknown or finished
// ids return false.
func (e *Engine) StopTask(id string) bool {
	return e.halt(id, model.TaskStopped)
}

// CancelTask cancels a pending task, or stops a running one and records it as
// cancelled. Unknown or finished ids return false.
func (e *Engine) CancelTask(id string) bool {
	return e.halt(id, model.TaskCancelled)
}

func (e *Engine) halt(id string, runningStatus model.TaskStatus) bool {
	e.mu.Lock()
	t, ok := e.tasks[id]
	if !ok || t.status.IsTerminal() {
		e.mu.Unlock()
		return false
	}
	if t.status == model.TaskPending {
		e.removeQueuedLocked(t)
		e.finishLocked(t, model.TaskCancelled, nil)
		e.mu.Unlock()
		return true
	}
	e.finishLocked(t, runningStatus, nil)
	if e.current == t {
		e.current = nil
	}
	e.mu.Unlock()

	t.stopWaiting()
	e.callHook(t, "cancel", t.spec.Hooks.OnCancel)
	return true
}

// callHook runs a best-effort hook under the hook timeout. Failures are logged
// and never change the task's state.
func (e *Engine) callHook(t *task, name string, hook func(ctx context.Context) error) bool {
	if hook == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.HookTimeout)
	defer cancel()
	if err := hook(ctx); err != nil {
		e.log.Warnf("%s hook failed: %s (%s): %v", name, t.spec.Name, t.id, err)
		return false
	}
	return true
}

// CurrentTask returns the task occupying the current slot.
func (e *Engine) CurrentTask() (TaskInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return TaskInfo{}, false
	}
	return e.current.info(), true
}

// Task looks up a task by id.
func (e *Engine) Task(id string) (TaskInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[id]
	if !ok {
		return TaskInfo{}, false
	}
	return t.info(), true
}

// QueueLength returns the number of pending tasks.
func (e *Engine) QueueLength() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Pending returns the queued tasks in run order.
func (e *Engine) Pending() []TaskInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]TaskInfo, len(e.queue))
	for i, t := range e.queue {
		out[i] = t.info()
	}
	return out
}

// WaitForTask blocks until the task reaches a terminal state, ctx ends, or
// timeout elapses.
func (e *Engine) WaitForTask(ctx context.Context, id string, timeout time.Duration) error {
	e.mu.Lock()
	t, ok := e.tasks[id]
	e.mu.Unlock()
	if !ok {
		return ErrUnknownTask
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.done:
		return nil
	case <-timer.C:
		return ErrWaitTimeout
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrWaitTimeout, ctx.Err())
	}
}

// HoldDispatch stops the run loop from starting new tasks until a matching
// ReleaseDispatch. The running task, if any, is unaffected.
func (e *Engine) HoldDispatch() {
	e.mu.Lock()
	e.held++
	e.mu.Unlock()
}

// ReleaseDispatch undoes one HoldDispatch and restarts the loop if work is queued.
func (e *Engine) ReleaseDispatch() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.held > 0 {
		e.held--
	}
	e.kickLocked()
}

// Close cancels every pending and running task and waits for the loop to exit.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for _, t := range e.queue {
		e.finishLocked(t, model.TaskCancelled, ErrClosed)
	}
	e.queue = nil
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
}
