package executor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"OpportunitySwitch/internal/model"
)

// Paper simulates fills without touching a chain. Profit is the expected
// profit net of gas; a non-positive result is reported as a failed trade.
type Paper struct {
	Latency time.Duration

	executed atomic.Int64
}

// NewPaper returns a paper executor that takes latency per trade.
func NewPaper(latency time.Duration) *Paper {
	return &Paper{Latency: latency}
}

var _ Executor = (*Paper)(nil)

func (p *Paper) ExecuteArbitrage(ctx context.Context, opp *model.Opportunity) (*model.ExecutionResult, error) {
	start := time.Now()
	if p.Latency > 0 {
		t := time.NewTimer(p.Latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	p.executed.Add(1)

	gross := opp.ExpectedProfit
	if gross == 0 {
		gross = opp.Profit
	}
	if gross == 0 && opp.BuyPrice > 0 && opp.SellPrice > 0 && opp.InvestmentAmount > 0 {
		gross = (opp.SellPrice - opp.BuyPrice) / opp.BuyPrice * opp.InvestmentAmount
	}
	net := decimal.NewFromFloat(gross).Sub(decimal.NewFromFloat(opp.GasCost)).Round(6)

	res := &model.ExecutionResult{
		Success:       net.IsPositive(),
		ProfitUSD:     net,
		TxHash:        "paper-" + uuid.NewString(),
		ExecutionTime: time.Since(start),
	}
	if !res.Success {
		res.Error = "unprofitable after gas"
	}
	return res, nil
}

// Executed returns how many trades were simulated.
func (p *Paper) Executed() int64 {
	return p.executed.Load()
}
