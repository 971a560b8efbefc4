package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"OpportunitySwitch/internal/executor"
	"OpportunitySwitch/internal/impact"
	"OpportunitySwitch/internal/model"
	"OpportunitySwitch/internal/preempt"
	"OpportunitySwitch/internal/recorder"
)

// ErrQueueFull is returned when an opportunity has to wait but the queue is
// at capacity.
var ErrQueueFull = errors.New("opportunity queue full")

// ExecutionError wraps an executor failure with the opportunity type.
type ExecutionError struct {
	OpportunityType model.OpportunityType
	Err             error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute %s opportunity: %v", e.OpportunityType, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// DrainOrder selects how queued opportunities are ranked.
type DrainOrder string

const (
	DrainByPriorityScore DrainOrder = "priority_score"
	DrainByImpact        DrainOrder = "impact"
)

// Config bounds the coordinator.
type Config struct {
	ConcurrencyLimit int `yaml:"concurrency_limit"`
	QueueCapacity    int `yaml:"queue_capacity"`
	// SwitchTimeout caps every wait inside the preemption phase.
	SwitchTimeout time.Duration `yaml:"switch_timeout"`
	// ForcePreemptTimeout is how long a wait-for-completion lasts before the
	// wait becomes a force.
	ForcePreemptTimeout time.Duration `yaml:"force_preempt_timeout"`
	AutoResume          bool          `yaml:"auto_resume"`
	// ForceRestore resumes preempted work after a failed execution even when
	// AutoResume is off.
	ForceRestore bool       `yaml:"force_restore"`
	DrainOrder   DrainOrder `yaml:"drain_order"`
}

// DefaultConfig returns the coordinator defaults.
func DefaultConfig() Config {
	return Config{
		ConcurrencyLimit:    1,
		QueueCapacity:       100,
		SwitchTimeout:       5 * time.Second,
		ForcePreemptTimeout: time.Second,
		AutoResume:          true,
		ForceRestore:        true,
		DrainOrder:          DrainByPriorityScore,
	}
}

// MemoryGuard is the state store's view of in-flight memory operations.
type MemoryGuard interface {
	MemoryOperation() model.MemoryOperation
	PreemptMemoryOperation(ctx context.Context) bool
}

// Journal receives every processed opportunity.
type Journal interface {
	Record(opp *model.Opportunity, mode model.Mode, res *model.ExecutionResult, err error)
}

// Deps are the coordinator's collaborators. Only Registry is required.
type Deps struct {
	Classifier *impact.Classifier
	Engine     *preempt.Engine
	Store      MemoryGuard
	Registry   *executor.Registry
	Recorder   recorder.Recorder
	Journal    Journal
	Log        *zap.SugaredLogger
}

// SwitchResult describes the outcome of one switch.
type SwitchResult struct {
	OpportunityID   string                 `json:"opportunityId"`
	Queued          bool                   `json:"queued"`
	Processed       bool                   `json:"processed"`
	Strategy        model.Strategy         `json:"strategy,omitempty"`
	Mode            model.Mode             `json:"mode,omitempty"`
	ForcePreemption bool                   `json:"forcePreemption"`
	Impact          float64                `json:"impact"`
	Level           model.ImpactLevel      `json:"level"`
	PriorityScore   float64                `json:"priorityScore"`
	Result          *model.ExecutionResult `json:"result,omitempty"`
	Elapsed         time.Duration          `json:"elapsed"`
	PreemptedTaskID string                 `json:"preemptedTaskId,omitempty"`
	ResumedTaskID   string                 `json:"resumedTaskId,omitempty"`
}

// Coordinator reacts to opportunities: score, preempt background work,
// execute, resume. At most one opportunity is in the decision phase at a time.
type Coordinator struct {
	cfg        Config
	classifier *impact.Classifier
	engine     *preempt.Engine
	store      MemoryGuard
	registry   *executor.Registry
	rec        recorder.Recorder
	journal    Journal
	log        *zap.SugaredLogger

	decideMu sync.Mutex

	mu         sync.Mutex
	active     int
	queue      []*model.Opportunity
	background []*Background
	metrics    Metrics
}

// New creates a Coordinator.
func New(cfg Config, deps Deps) *Coordinator {
	def := DefaultConfig()
	if cfg.ConcurrencyLimit <= 0 {
		cfg.ConcurrencyLimit = def.ConcurrencyLimit
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = def.QueueCapacity
	}
	if cfg.SwitchTimeout <= 0 {
		cfg.SwitchTimeout = def.SwitchTimeout
	}
	if cfg.ForcePreemptTimeout <= 0 || cfg.ForcePreemptTimeout > cfg.SwitchTimeout {
		cfg.ForcePreemptTimeout = min(def.ForcePreemptTimeout, cfg.SwitchTimeout)
	}
	if cfg.DrainOrder == "" {
		cfg.DrainOrder = def.DrainOrder
	}
	if deps.Classifier == nil {
		deps.Classifier = impact.Default
	}
	if deps.Registry == nil {
		deps.Registry = executor.NewRegistry()
	}
	if deps.Recorder == nil {
		deps.Recorder = recorder.NewNoopRecorder()
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop().Sugar()
	}
	return &Coordinator{
		cfg:        cfg,
		classifier: deps.Classifier,
		engine:     deps.Engine,
		store:      deps.Store,
		registry:   deps.Registry,
		rec:        deps.Recorder,
		journal:    deps.Journal,
		log:        deps.Log,
		metrics:    newMetrics(),
	}
}

// SwitchToOpportunityMode is the entry point for a new opportunity. When the
// concurrency limit is reached the opportunity is queued and the call returns
// at once. Otherwise it is scored, background work is preempted, the
// opportunity is executed and the preempted work resumed. The queue is drained
// before returning. Executor failures come back as *ExecutionError.
func (c *Coordinator) SwitchToOpportunityMode(ctx context.Context, opp *model.Opportunity) (*SwitchResult, error) {
	c.prepare(opp)

	c.mu.Lock()
	if c.active >= c.cfg.ConcurrencyLimit {
		err := c.enqueueLocked(opp)
		c.mu.Unlock()
		if err != nil {
			return nil, err
		}
		c.emit(recorder.EventOpportunityQueued, recorder.Fields{
			"id": opp.ID, "type": string(opp.Type), "impact": opp.PriceImpact, "reason": "busy",
		})
		return c.queuedResult(opp), nil
	}
	c.active++
	c.mu.Unlock()

	defer func() {
		c.release(1)
		if _, err := c.DrainQueue(context.WithoutCancel(ctx)); err != nil {
			c.log.Warnf("drain after switch: %v", err)
		}
	}()
	return c.process(ctx, opp)
}

func (c *Coordinator) prepare(opp *model.Opportunity) {
	if opp.ID == "" {
		opp.ID = uuid.NewString()
	}
	if opp.ReceivedAt.IsZero() {
		opp.ReceivedAt = time.Now()
	}
	c.classifier.Annotate(opp)
}

func (c *Coordinator) queuedResult(opp *model.Opportunity) *SwitchResult {
	return &SwitchResult{
		OpportunityID:   opp.ID,
		Queued:          true,
		Impact:          opp.PriceImpact,
		Level:           opp.ImpactLevel,
		PriorityScore:   c.classifier.PriorityScore(opp),
		ForcePreemption: c.classifier.IsForced(opp.PriceImpact),
	}
}

func (c *Coordinator) release(n int) {
	c.mu.Lock()
	c.active -= n
	c.mu.Unlock()
}

// process runs one admitted opportunity through decide, preempt, execute and
// resume. It never drains the queue.
func (c *Coordinator) process(ctx context.Context, opp *model.Opportunity) (*SwitchResult, error) {
	start := time.Now()
	res := c.queuedResult(opp)
	res.Queued = false

	proceed, err := c.admitPastMemory(ctx, opp)
	if err != nil {
		return res, err
	}
	if !proceed {
		c.mu.Lock()
		res.Queued = c.isQueuedLocked(opp)
		c.mu.Unlock()
		return res, nil
	}

	var restore func(failed bool)
	if c.engine != nil {
		restore = c.preemptEngine(ctx, opp, res)
	} else {
		restore = c.preemptDirect(ctx, opp, res)
	}

	result, err := c.executeWithCleanup(ctx, opp, restore)
	res.Processed = true
	res.Result = result
	res.Elapsed = time.Since(start)
	c.recordSwitch(opp, res, err)

	if err != nil {
		return res, &ExecutionError{OpportunityType: opp.Type, Err: err}
	}
	return res, nil
}

func (c *Coordinator) executeWithCleanup(ctx context.Context, opp *model.Opportunity, restore func(failed bool)) (result *model.ExecutionResult, err error) {
	defer func() { restore(err != nil) }()
	return c.execute(ctx, opp)
}

// idleMode is the mode reported when nothing had to be interrupted.
func (c *Coordinator) idleMode(res *SwitchResult) model.Mode {
	if res.ForcePreemption {
		return model.ModeForcePreempt
	}
	return model.ModeStandard
}

// preemptEngine moves the engine's current task out of the way. Dispatch of
// new background tasks is held until the returned func runs.
func (c *Coordinator) preemptEngine(ctx context.Context, opp *model.Opportunity, res *SwitchResult) func(failed bool) {
	c.decideMu.Lock()
	defer c.decideMu.Unlock()

	c.engine.HoldDispatch()
	pctx, cancel := context.WithTimeout(ctx, c.cfg.SwitchTimeout)
	defer cancel()

	var snap *preempt.Snapshot
	cur, ok := c.engine.CurrentTask()
	if !ok {
		res.Mode = c.idleMode(res)
		res.Strategy = res.Mode.Strategy()
	} else {
		strategy := c.engine.DetermineStrategy(cur.Priority, opp, cur.Metadata.IsMemoryOperation(), cur.Metadata.MemoryTier)
		res.Strategy = strategy
		res.Mode = strategy.Mode()
		if strategy == model.StrategyNone {
			snap = c.waitOrForce(pctx, cur, opp, res)
		} else {
			snap, _ = c.engine.PreemptCurrentTask(pctx, strategy, opp)
		}
	}
	if snap != nil {
		res.PreemptedTaskID = snap.TaskID
	}

	return func(failed bool) {
		defer c.engine.ReleaseDispatch()
		if snap == nil || !(c.cfg.AutoResume || (failed && c.cfg.ForceRestore)) {
			return
		}
		id, err := c.engine.ResumePreemptedTask(context.WithoutCancel(ctx), snap.TaskID)
		if err != nil {
			c.log.Warnf("resume %s: %v", snap.Name, err)
			return
		}
		res.ResumedTaskID = id
	}
}

// waitOrForce waits a bounded time for the current task to finish. When the
// wait expires the task is forced, unless it is a Critical memory operation,
// which is left running.
func (c *Coordinator) waitOrForce(ctx context.Context, cur preempt.TaskInfo, opp *model.Opportunity, res *SwitchResult) *preempt.Snapshot {
	err := c.engine.WaitForTask(ctx, cur.ID, c.cfg.ForcePreemptTimeout)
	if err == nil {
		return nil
	}
	if cur.Metadata.MemoryTier == model.TierCritical {
		c.log.Infof("critical memory task %s still running, proceeding alongside", cur.Name)
		return nil
	}
	c.log.Debugf("wait for %s expired, forcing", cur.Name)
	res.Strategy = model.StrategyForce
	res.Mode = model.ModeForcePreempt
	snap, _ := c.engine.PreemptCurrentTask(ctx, model.StrategyForce, opp)
	return snap
}

// HandleMemoryOperationEdgeCase decides whether opp may interrupt a memory
// operation in flight. It reports true when execution can go ahead. When it
// cannot, the opportunity is queued and the tier's protected counter grows.
func (c *Coordinator) HandleMemoryOperationEdgeCase(ctx context.Context, opp *model.Opportunity) bool {
	proceed, err := c.admitPastMemory(ctx, opp)
	if err != nil {
		c.log.Warnf("drop %s: %v", opp.Label(), err)
	}
	return proceed
}

// admitPastMemory is HandleMemoryOperationEdgeCase that also reports a
// protected opportunity the full queue could not take.
func (c *Coordinator) admitPastMemory(ctx context.Context, opp *model.Opportunity) (bool, error) {
	if c.store == nil {
		return true, nil
	}
	op := c.store.MemoryOperation()
	if !op.InProgress {
		return true, nil
	}
	tier := op.Tier.String()

	if c.classifier.ShouldPreempt(opp, op.Tier) && c.store.PreemptMemoryOperation(ctx) {
		c.mu.Lock()
		c.metrics.Sacrificed[tier]++
		c.mu.Unlock()
		c.emit(recorder.EventMemorySacrificed, recorder.Fields{
			"id": opp.ID, "tier": tier, "key": op.Key, "impact": opp.PriceImpact,
		})
		return true, nil
	}

	c.mu.Lock()
	c.metrics.Protected[tier]++
	err := c.enqueueLocked(opp)
	c.mu.Unlock()
	c.emit(recorder.EventMemoryProtected, recorder.Fields{
		"id": opp.ID, "tier": tier, "key": op.Key, "impact": opp.PriceImpact,
	})
	return false, err
}

func (c *Coordinator) memoryBusy() bool {
	return c.store != nil && c.store.MemoryOperation().InProgress
}

func (c *Coordinator) recordSwitch(opp *model.Opportunity, res *SwitchResult, err error) {
	ok := err == nil && (res.Result == nil || res.Result.Success)

	c.mu.Lock()
	c.metrics.recordSwitch(res.Elapsed, res.Mode, ok)
	if res.Result != nil && res.Result.Success {
		c.metrics.TotalProfitUSD = c.metrics.TotalProfitUSD.Add(res.Result.ProfitUSD)
	}
	c.mu.Unlock()

	if c.journal != nil {
		c.journal.Record(opp, res.Mode, res.Result, err)
	}

	tags := map[string]string{"mode": string(res.Mode), "type": string(opp.Type)}
	if rerr := c.rec.RecordMetric("switch_latency_ms", float64(res.Elapsed.Microseconds())/1000, recorder.Timing, tags); rerr != nil {
		c.log.Debugf("record metric: %v", rerr)
	}

	fields := recorder.Fields{
		"id":         opp.ID,
		"type":       string(opp.Type),
		"chain":      opp.Chain,
		"impact":     opp.PriceImpact,
		"level":      string(opp.ImpactLevel),
		"mode":       string(res.Mode),
		"strategy":   string(res.Strategy),
		"forced":     res.ForcePreemption,
		"elapsed_ms": res.Elapsed.Milliseconds(),
	}
	if res.PreemptedTaskID != "" {
		fields["preempted"] = res.PreemptedTaskID
	}
	if res.Result != nil {
		fields["success"] = res.Result.Success
		fields["profit_usd"] = res.Result.ProfitUSD.String()
	}
	if err != nil {
		fields["error"] = err.Error()
		c.emit(recorder.EventSwitchFailed, fields)
		c.log.Errorf("switch %s failed: %v", opp.Label(), err)
		return
	}
	c.emit(recorder.EventSwitchCompleted, fields)
	c.log.Infof("switch %s: %s in %v", opp.Label(), res.Mode, res.Elapsed)
}

func (c *Coordinator) emit(name string, fields recorder.Fields) {
	if err := c.rec.RecordEvent(name, fields); err != nil {
		c.log.Debugf("record event %s: %v", name, err)
	}
}

// Status is a point-in-time view for operators.
type Status struct {
	Active  int     `json:"active"`
	Queued  int     `json:"queued"`
	Limit   int     `json:"limit"`
	Metrics Metrics `json:"metrics"`
}

// Status reports the coordinator's load and counters.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Active:  c.active,
		Queued:  len(c.queue),
		Limit:   c.cfg.ConcurrencyLimit,
		Metrics: c.metrics.clone(),
	}
}
