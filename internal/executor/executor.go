package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"OpportunitySwitch/internal/model"
)

// ErrNotImplemented is returned for opportunity types that are recognised
// but have no execution path yet.
var ErrNotImplemented = errors.New("execution not implemented")

// Executor carries out a trade. The caller reads only Success and ProfitUSD.
type Executor interface {
	ExecuteArbitrage(ctx context.Context, opp *model.Opportunity) (*model.ExecutionResult, error)
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, opp *model.Opportunity) (*model.ExecutionResult, error)

func (f Func) ExecuteArbitrage(ctx context.Context, opp *model.Opportunity) (*model.ExecutionResult, error) {
	return f(ctx, opp)
}

// Agent handles opportunity types without a dedicated executor.
type Agent interface {
	HandleOpportunity(ctx context.Context, opp *model.Opportunity) (*model.ExecutionResult, error)
}

// unsupported lists types that must never fall through to the agent.
var unsupported = map[model.OpportunityType]bool{
	model.TypeTriangular: true,
	model.TypeMultiHop:   true,
}

// Registry maps opportunity types to executors. It is filled at startup.
type Registry struct {
	mu        sync.RWMutex
	executors map[model.OpportunityType]Executor
	agent     Agent
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[model.OpportunityType]Executor)}
}

// Register binds e to t, replacing any earlier binding.
func (r *Registry) Register(t model.OpportunityType, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[t] = e
}

// SetAgent installs the fallback handler.
func (r *Registry) SetAgent(a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agent = a
}

// Types returns the registered types.
func (r *Registry) Types() []model.OpportunityType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.OpportunityType, 0, len(r.executors))
	for t := range r.executors {
		out = append(out, t)
	}
	return out
}

// Resolve picks the handler for t. Registered executors win; triangular and
// multi-hop otherwise fail with ErrNotImplemented; everything else goes to the
// agent. A nil Executor with a nil error means no handler exists and the
// opportunity should only be announced.
func (r *Registry) Resolve(t model.OpportunityType) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.executors[t]; ok {
		return e, nil
	}
	if unsupported[t] {
		return nil, fmt.Errorf("%s: %w", t, ErrNotImplemented)
	}
	if r.agent != nil {
		agent := r.agent
		return Func(agent.HandleOpportunity), nil
	}
	return nil, nil
}
