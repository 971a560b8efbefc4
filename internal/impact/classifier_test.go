package impact

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpportunitySwitch/internal/model"
)

func TestImpact_SourcePrecedence(t *testing.T) {
	tests := []struct {
		name string
		opp  model.Opportunity
		want float64
	}{
		{"explicit price impact wins", model.Opportunity{PriceImpact: 0.04, ExpectedProfit: 1, InvestmentAmount: 100}, 0.04},
		{"profit over investment", model.Opportunity{ExpectedProfit: 150, InvestmentAmount: 10000, BuyPrice: 1, SellPrice: 2}, 0.015},
		{"price spread", model.Opportunity{BuyPrice: 200, SellPrice: 198}, 0.01},
		{"token values", model.Opportunity{InputAmount: 10, InputPrice: 100, OutputAmount: 10.1, OutputPrice: 100}, 0.01},
		{"profit net of gas", model.Opportunity{Profit: 30, GasCost: 20}, 0.5},
		{"profit over historical average", model.Opportunity{Profit: 5, HistoricalAverageProfit: 1000}, 0.005},
		{"raw impact", model.Opportunity{Impact: 0.007}, 0.007},
		{"percentage impact", model.Opportunity{PercentageImpact: 1.5}, 0.015},
		{"profit percentage", model.Opportunity{ProfitPercentage: 0.4}, 0.004},
		{"nothing recognised", model.Opportunity{Type: model.TypeSwap, Chain: "ethereum"}, DefaultThresholds.Negligible},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Default.Impact(&tt.opp), 1e-12)
		})
	}
}

func TestImpact_DegradesInsteadOfFailing(t *testing.T) {
	assert.Equal(t, DefaultThresholds.Negligible, Default.Impact(nil))

	inf := &model.Opportunity{Impact: math.Inf(1)}
	assert.Equal(t, DefaultThresholds.Negligible, Default.Impact(inf))

	nan := &model.Opportunity{Impact: math.NaN()}
	assert.Equal(t, DefaultThresholds.Negligible, Default.Impact(nan))
}

func TestLevel_Boundaries(t *testing.T) {
	tests := []struct {
		score float64
		want  model.ImpactLevel
	}{
		{0.0001, model.LevelNegligible},
		{0.0029999, model.LevelNegligible},
		{0.003, model.LevelLow},
		{0.0049999, model.LevelLow},
		{0.005, model.LevelMedium},
		{0.0099, model.LevelMedium},
		{0.01, model.LevelHigh},
		{0.0199, model.LevelHigh},
		{0.02, model.LevelCritical},
		{3.5, model.LevelCritical},
	}
	for _, tt := range tests {
		got := Default.Level(&model.Opportunity{Impact: tt.score})
		assert.Equal(t, tt.want, got, "score %v", tt.score)
	}
}

func TestLevel_IsPure(t *testing.T) {
	opp := &model.Opportunity{BuyPrice: 100, SellPrice: 101}
	first := Default.Level(opp)
	for i := 0; i < 10; i++ {
		require.Equal(t, first, Default.Level(opp))
	}
	assert.Zero(t, opp.PriceImpact, "Level must not annotate")
}

func TestPriorityScore_Multipliers(t *testing.T) {
	base := &model.Opportunity{Impact: 0.01}
	assert.InDelta(t, 1.0, Default.PriorityScore(base), 1e-9)

	flash := &model.Opportunity{Type: model.TypeFlashLoan, Chain: "arbitrum", Impact: 0.01}
	assert.InDelta(t, 1.0*1.2*1.1, Default.PriorityScore(flash), 1e-9)

	gas := &model.Opportunity{Type: model.TypeCrossExchange, Chain: "ethereum", Impact: 0.01, TimeSensitivity: 5}
	assert.InDelta(t, 1.0*1.1*1.05*1.5, Default.PriorityScore(gas), 1e-9)

	withGas := &model.Opportunity{PriceImpact: 0.01, GasCost: 10}
	assert.InDelta(t, 0.5, Default.PriorityScore(withGas), 1e-9)
}

func TestPriorityScore_Monotonic(t *testing.T) {
	for _, typ := range []model.OpportunityType{model.TypeFlashLoan, model.TypeSwap, model.TypeCrossExchange} {
		a := &model.Opportunity{Type: typ, Chain: "arbitrum", Impact: 0.004, TimeSensitivity: 2}
		b := &model.Opportunity{Type: typ, Chain: "arbitrum", Impact: 0.0041, TimeSensitivity: 2}
		assert.Less(t, Default.PriorityScore(a), Default.PriorityScore(b), string(typ))
	}
}

func TestShouldPreempt_TierVeto(t *testing.T) {
	below := &model.Opportunity{Impact: 0.0199999}
	at := &model.Opportunity{Impact: 0.02}
	assert.False(t, Default.ShouldPreempt(below, model.TierCritical))
	assert.True(t, Default.ShouldPreempt(at, model.TierCritical))

	assert.False(t, Default.ShouldPreempt(&model.Opportunity{Impact: 0.004}, model.TierImportant))
	assert.True(t, Default.ShouldPreempt(&model.Opportunity{Impact: 0.005}, model.TierImportant))

	assert.False(t, Default.ShouldPreempt(&model.Opportunity{Impact: 0.0005}, model.TierCurrent))
	assert.True(t, Default.ShouldPreempt(&model.Opportunity{Impact: 0.001}, model.TierCurrent))
}

func TestScenarioA_FlashLoan(t *testing.T) {
	opp := &model.Opportunity{Type: model.TypeFlashLoan, ExpectedProfit: 150, InvestmentAmount: 10000}
	score, level := Default.Annotate(opp)
	assert.InDelta(t, 0.015, score, 1e-12)
	assert.Equal(t, model.LevelHigh, level)
	assert.True(t, Default.IsForced(score))
	assert.Equal(t, model.LevelHigh, opp.ImpactLevel)
}

func TestScenarioB_SmallSpread(t *testing.T) {
	opp := &model.Opportunity{BuyPrice: 100, SellPrice: 100.2}
	score, level := Default.Annotate(opp)
	assert.InDelta(t, 0.002, score, 1e-9)
	// 0.002 sits between the NEGLIGIBLE and LOW rungs of the ladder.
	assert.Equal(t, model.LevelNegligible, level)
	assert.False(t, Default.IsForced(score))
}

func TestNewClassifier_RejectsBadLadder(t *testing.T) {
	c := NewClassifier(Thresholds{Negligible: 0.01, Low: 0.005})
	assert.Equal(t, DefaultThresholds, c.Thresholds)

	custom := Thresholds{Negligible: 0.002, Low: 0.004, Medium: 0.006, High: 0.02, Critical: 0.05}
	assert.Equal(t, custom, NewClassifier(custom).Thresholds)
}
