package executor

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpportunitySwitch/internal/model"
)

type agentFunc func(ctx context.Context, opp *model.Opportunity) (*model.ExecutionResult, error)

func (f agentFunc) HandleOpportunity(ctx context.Context, opp *model.Opportunity) (*model.ExecutionResult, error) {
	return f(ctx, opp)
}

func TestRegistry_Resolve(t *testing.T) {
	r := NewRegistry()
	paper := NewPaper(0)
	r.Register(model.TypeFlashLoan, paper)

	e, err := r.Resolve(model.TypeFlashLoan)
	require.NoError(t, err)
	assert.Same(t, paper, e)

	_, err = r.Resolve(model.TypeTriangular)
	assert.ErrorIs(t, err, ErrNotImplemented)
	_, err = r.Resolve(model.TypeMultiHop)
	assert.ErrorIs(t, err, ErrNotImplemented)

	e, err = r.Resolve(model.TypeSwap)
	require.NoError(t, err)
	assert.Nil(t, e, "no agent installed")

	r.SetAgent(agentFunc(func(context.Context, *model.Opportunity) (*model.ExecutionResult, error) {
		return &model.ExecutionResult{Success: true}, nil
	}))
	e, err = r.Resolve(model.TypeSwap)
	require.NoError(t, err)
	require.NotNil(t, e)
	res, err := e.ExecuteArbitrage(context.Background(), &model.Opportunity{Type: model.TypeSwap})
	require.NoError(t, err)
	assert.True(t, res.Success)

	_, err = r.Resolve(model.TypeTriangular)
	assert.ErrorIs(t, err, ErrNotImplemented, "the agent never takes triangular")
}

func TestPaper_Profit(t *testing.T) {
	p := NewPaper(0)
	tests := []struct {
		name    string
		opp     model.Opportunity
		want    string
		success bool
	}{
		{"expected profit", model.Opportunity{ExpectedProfit: 150, GasCost: 20}, "130", true},
		{"profit field", model.Opportunity{Profit: 10}, "10", true},
		{"from prices", model.Opportunity{BuyPrice: 100, SellPrice: 101, InvestmentAmount: 1000}, "10", true},
		{"gas eats it", model.Opportunity{ExpectedProfit: 5, GasCost: 7}, "-2", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := p.ExecuteArbitrage(context.Background(), &tt.opp)
			require.NoError(t, err)
			assert.True(t, decimal.RequireFromString(tt.want).Equal(res.ProfitUSD), "got %s", res.ProfitUSD)
			assert.Equal(t, tt.success, res.Success)
			assert.NotEmpty(t, res.TxHash)
		})
	}
	assert.Equal(t, int64(len(tests)), p.Executed())
}

func TestPaper_RespectsContext(t *testing.T) {
	p := NewPaper(time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.ExecuteArbitrage(ctx, &model.Opportunity{ExpectedProfit: 1})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, p.Executed())
}
