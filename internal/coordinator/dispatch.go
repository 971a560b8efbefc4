package coordinator

import (
	"context"
	"fmt"

	"OpportunitySwitch/internal/model"
	"OpportunitySwitch/internal/recorder"
)

// execute hands opp to its executor. Types with no handler are announced as
// detection events and return a nil result.
func (c *Coordinator) execute(ctx context.Context, opp *model.Opportunity) (res *model.ExecutionResult, err error) {
	e, err := c.registry.Resolve(opp.Type)
	if err != nil {
		return nil, err
	}
	if e == nil {
		c.emit(recorder.EventOpportunityDetected, recorder.Fields{
			"id":     opp.ID,
			"type":   string(opp.Type),
			"chain":  opp.Chain,
			"impact": opp.PriceImpact,
			"level":  string(opp.ImpactLevel),
		})
		return nil, nil
	}

	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("executor panicked: %v", r)
		}
	}()
	res, err = e.ExecuteArbitrage(ctx, opp)
	if err == nil && res == nil {
		err = fmt.Errorf("executor returned no result")
	}
	return res, err
}
