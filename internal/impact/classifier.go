package impact

import (
	"math"

	"OpportunitySwitch/internal/model"
)

// Thresholds holds the minimum impact score for each level.
type Thresholds struct {
	Negligible float64 `yaml:"negligible"`
	Low        float64 `yaml:"low"`
	Medium     float64 `yaml:"medium"`
	High       float64 `yaml:"high"`
	Critical   float64 `yaml:"critical"`
}

// DefaultThresholds is the fixed increasing ladder used unless configured otherwise.
var DefaultThresholds = Thresholds{
	Negligible: 0.001,
	Low:        0.003,
	Medium:     0.005,
	High:       0.01,
	Critical:   0.02,
}

// Of returns the threshold value for a level.
func (t Thresholds) Of(level model.ImpactLevel) float64 {
	switch level {
	case model.LevelCritical:
		return t.Critical
	case model.LevelHigh:
		return t.High
	case model.LevelMedium:
		return t.Medium
	case model.LevelLow:
		return t.Low
	default:
		return t.Negligible
	}
}

// Valid reports whether the ladder is positive and strictly increasing.
func (t Thresholds) Valid() bool {
	return t.Negligible > 0 &&
		t.Negligible < t.Low &&
		t.Low < t.Medium &&
		t.Medium < t.High &&
		t.High < t.Critical
}

// tierLevel is the minimum impact level that may interrupt a memory operation of a tier.
var tierLevel = map[model.Tier]model.ImpactLevel{
	model.TierCritical:  model.LevelCritical,
	model.TierImportant: model.LevelMedium,
	model.TierCurrent:   model.LevelNegligible,
}

// Type and chain multipliers applied by PriorityScore.
var (
	typeBonus = map[model.OpportunityType]float64{
		model.TypeFlashLoan:     1.2,
		model.TypeCrossExchange: 1.1,
	}
	chainBonus = map[string]float64{
		"ethereum": 1.05,
		"arbitrum": 1.1,
	}
)

// Classifier scores opportunities. It holds no state beyond its thresholds.
type Classifier struct {
	Thresholds Thresholds
}

// NewClassifier returns a classifier, falling back to the default ladder when t is not valid.
func NewClassifier(t Thresholds) *Classifier {
	if !t.Valid() {
		t = DefaultThresholds
	}
	return &Classifier{Thresholds: t}
}

// Default is the classifier over DefaultThresholds.
var Default = &Classifier{Thresholds: DefaultThresholds}

// Impact turns whichever profit/price fields the opportunity carries into a
// comparable ratio. Sources are tried in a fixed order; if none apply, or the
// arithmetic is not finite, the NEGLIGIBLE threshold is returned.
func (c *Classifier) Impact(opp *model.Opportunity) float64 {
	fallback := c.Thresholds.Negligible
	if opp == nil {
		return fallback
	}
	v, ok := rawImpact(opp)
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return fallback
	}
	return v
}

func rawImpact(o *model.Opportunity) (float64, bool) {
	switch {
	case o.PriceImpact != 0:
		return o.PriceImpact, true
	case o.ExpectedProfit != 0 && o.InvestmentAmount != 0:
		return o.ExpectedProfit / o.InvestmentAmount, true
	case o.BuyPrice != 0 && o.SellPrice != 0:
		return math.Abs(o.SellPrice-o.BuyPrice) / o.BuyPrice, true
	case o.InputAmount != 0 && o.InputPrice != 0 && o.OutputAmount != 0 && o.OutputPrice != 0:
		in := o.InputAmount * o.InputPrice
		out := o.OutputAmount * o.OutputPrice
		return (out - in) / in, true
	case o.Profit != 0 && o.GasCost != 0:
		return (o.Profit - o.GasCost) / o.GasCost, true
	case o.Profit != 0 && o.HistoricalAverageProfit != 0:
		return o.Profit / o.HistoricalAverageProfit, true
	case o.Impact != 0:
		return o.Impact, true
	case o.PercentageImpact != 0:
		return o.PercentageImpact / 100, true
	case o.ProfitPercentage != 0:
		return o.ProfitPercentage / 100, true
	}
	return 0, false
}

// levelFor maps a score to the highest level whose threshold it meets.
func (c *Classifier) levelFor(score float64) model.ImpactLevel {
	ladder := []struct {
		min   float64
		level model.ImpactLevel
	}{
		{c.Thresholds.Critical, model.LevelCritical},
		{c.Thresholds.High, model.LevelHigh},
		{c.Thresholds.Medium, model.LevelMedium},
		{c.Thresholds.Low, model.LevelLow},
	}
	for _, step := range ladder {
		if score >= step.min {
			return step.level
		}
	}
	return model.LevelNegligible
}

// Level returns the impact level of an opportunity.
func (c *Classifier) Level(opp *model.Opportunity) model.ImpactLevel {
	return c.levelFor(c.Impact(opp))
}

// PriorityScore orders queued opportunities. It is deterministic and side-effect free.
func (c *Classifier) PriorityScore(opp *model.Opportunity) float64 {
	score := c.Impact(opp) * 100
	if opp == nil {
		return score
	}
	if b, ok := typeBonus[opp.Type]; ok {
		score *= b
	}
	if b, ok := chainBonus[opp.Chain]; ok {
		score *= b
	}
	if opp.GasCost > 0 {
		score /= 1 + opp.GasCost/10
	}
	if opp.TimeSensitivity > 0 {
		score *= 1 + opp.TimeSensitivity/10
	}
	return score
}

// ShouldPreempt reports whether the opportunity may interrupt a memory
// operation of the given tier.
func (c *Classifier) ShouldPreempt(opp *model.Opportunity, tier model.Tier) bool {
	level, ok := tierLevel[tier]
	if !ok {
		return true
	}
	return c.Impact(opp) >= c.Thresholds.Of(level)
}

// Annotate attaches the impact score and level to the opportunity in place.
func (c *Classifier) Annotate(opp *model.Opportunity) (float64, model.ImpactLevel) {
	score := c.Impact(opp)
	level := c.levelFor(score)
	opp.PriceImpact = score
	opp.ImpactLevel = level
	return score, level
}

// IsForced reports whether an impact score is high enough to force preemption
// of ordinary background work.
func (c *Classifier) IsForced(score float64) bool {
	return score >= c.Thresholds.High
}
