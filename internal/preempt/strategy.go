package preempt

import "OpportunitySwitch/internal/model"

// memoryRule picks a strategy for a memory operation of one tier. Rules are
// checked in order; the first whose level the opportunity meets wins.
type memoryRule struct {
	min      model.ImpactLevel
	strategy model.Strategy
}

var memoryRules = map[model.Tier]struct {
	rules    []memoryRule
	fallback model.Strategy
}{
	// Historical knowledge: only a CRITICAL opportunity may even ask for a partial save.
	model.TierCritical: {
		rules:    []memoryRule{{model.LevelCritical, model.StrategyPartial}},
		fallback: model.StrategyNone,
	},
	model.TierImportant: {
		rules: []memoryRule{
			{model.LevelHigh, model.StrategyForce},
			{model.LevelMedium, model.StrategyPartial},
		},
		fallback: model.StrategyNone,
	},
	model.TierCurrent: {
		rules: []memoryRule{
			{model.LevelMedium, model.StrategyForce},
			{model.LevelLow, model.StrategySaveState},
		},
		fallback: model.StrategyCheckpoint,
	},
}

// taskRules maps task priority × opportunity level to a strategy. The higher
// the task priority, the more impact it takes to make it yield.
var taskRules = map[model.Priority]map[model.ImpactLevel]model.Strategy{
	model.PriorityCritical: {
		model.LevelCritical:   model.StrategySaveState,
		model.LevelHigh:       model.StrategyNone,
		model.LevelMedium:     model.StrategyNone,
		model.LevelLow:        model.StrategyNone,
		model.LevelNegligible: model.StrategyNone,
	},
	model.PriorityHigh: {
		model.LevelCritical:   model.StrategyForce,
		model.LevelHigh:       model.StrategySaveState,
		model.LevelMedium:     model.StrategyCheckpoint,
		model.LevelLow:        model.StrategyNone,
		model.LevelNegligible: model.StrategyNone,
	},
	model.PriorityMedium: {
		model.LevelCritical:   model.StrategyForce,
		model.LevelHigh:       model.StrategyForce,
		model.LevelMedium:     model.StrategySaveState,
		model.LevelLow:        model.StrategyCheckpoint,
		model.LevelNegligible: model.StrategyNone,
	},
	model.PriorityLow: {
		model.LevelCritical:   model.StrategyForce,
		model.LevelHigh:       model.StrategyForce,
		model.LevelMedium:     model.StrategyForce,
		model.LevelLow:        model.StrategySaveState,
		model.LevelNegligible: model.StrategyCheckpoint,
	},
	model.PriorityBackground: {
		model.LevelCritical:   model.StrategyForce,
		model.LevelHigh:       model.StrategyForce,
		model.LevelMedium:     model.StrategyForce,
		model.LevelLow:        model.StrategyForce,
		model.LevelNegligible: model.StrategyCheckpoint,
	},
}

// DetermineStrategy chooses how a task of the given priority should yield to opp.
// Memory operations use the tier table and ignore priority.
func (e *Engine) DetermineStrategy(priority model.Priority, opp *model.Opportunity, isMemoryOp bool, tier model.Tier) model.Strategy {
	level := e.classifier.Level(opp)

	if isMemoryOp {
		if table, ok := memoryRules[tier]; ok {
			for _, r := range table.rules {
				if level.AtLeast(r.min) {
					return r.strategy
				}
			}
			return table.fallback
		}
	}

	row, ok := taskRules[priority]
	if !ok {
		row = taskRules[model.PriorityBackground]
	}
	if s, ok := row[level]; ok {
		return s
	}
	return model.StrategyNone
}
