package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpportunitySwitch/internal/model"
	"OpportunitySwitch/internal/tiered"
)

func opp(id string, t model.OpportunityType) *model.Opportunity {
	return &model.Opportunity{ID: id, Type: t, PriceImpact: 0.01, ImpactLevel: model.LevelHigh}
}

func TestRecord_Totals(t *testing.T) {
	l := New(2, nil)
	l.Record(opp("a", model.TypeFlashLoan), model.ModeForcePreempt,
		&model.ExecutionResult{Success: true, ProfitUSD: decimal.RequireFromString("12.50")}, nil)
	l.Record(opp("b", model.TypeFlashLoan), model.ModeStandard,
		&model.ExecutionResult{Success: false, Error: "reverted"}, nil)
	l.Record(opp("c", model.TypeCrossExchange), model.ModeStandard, nil, errors.New("rpc down"))
	l.Record(opp("d", model.TypeSwap), model.ModeStandard, nil, nil)

	w := l.Working()
	assert.Equal(t, int64(3), w.Executions)
	assert.Equal(t, int64(1), w.Succeeded)
	assert.Equal(t, int64(2), w.Failed)
	assert.Equal(t, int64(1), w.Announced)
	assert.True(t, decimal.RequireFromString("12.5").Equal(w.ProfitUSD))
	require.Len(t, w.Recent, 2, "recent is capped")
	assert.Equal(t, "c", w.Recent[0].OpportunityID)
	assert.Equal(t, "rpc down", w.Recent[0].Error)

	h := l.History()
	assert.Equal(t, int64(2), h.ByType["flash-loan"])
	today := h.Days[time.Now().UTC().Format(time.DateOnly)]
	assert.Equal(t, int64(3), today.Executions)
	assert.True(t, decimal.RequireFromString("12.5").Equal(h.ProfitUSD))
}

func TestSaveRestore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	mem := tiered.NewMemoryBackend()
	store := tiered.New(tiered.DefaultConfig(), tiered.MemoryOpener(mem), nil)
	require.NoError(t, store.Connect(ctx))
	defer store.Disconnect()

	l := New(10, nil)
	require.NoError(t, l.Track(store))
	l.Record(opp("a", model.TypeFlashLoan), model.ModeForcePreempt,
		&model.ExecutionResult{Success: true, ProfitUSD: decimal.RequireFromString("3.25")}, nil)
	assert.Equal(t, 1, store.Autosave(ctx, model.TierCurrent))
	assert.Equal(t, 1, store.Autosave(ctx, model.TierCritical))

	restored := New(10, nil)
	require.NoError(t, restored.Restore(ctx, store))
	assert.Equal(t, l.Working().Executions, restored.Working().Executions)
	assert.True(t, decimal.RequireFromString("3.25").Equal(restored.History().ProfitUSD))
	require.Len(t, restored.Working().Recent, 1)
	assert.Equal(t, "a", restored.Working().Recent[0].OpportunityID)
}

func TestRestore_NewestCopyWins(t *testing.T) {
	ctx := context.Background()
	store := tiered.New(tiered.DefaultConfig(), tiered.MemoryOpener(tiered.NewMemoryBackend()), nil)
	require.NoError(t, store.Connect(ctx))
	defer store.Disconnect()

	old := Working{Executions: 1, UpdatedAt: time.Now().Add(-time.Hour)}
	fresh := Working{Executions: 5, UpdatedAt: time.Now()}
	require.NoError(t, store.SaveState(ctx, WorkingKey, old, tiered.SaveOptions{Tier: model.TierImportant}))
	require.NoError(t, store.SaveState(ctx, WorkingKey, fresh, tiered.SaveOptions{Tier: model.TierCurrent}))

	l := New(10, nil)
	require.NoError(t, l.Restore(ctx, store))
	assert.Equal(t, int64(5), l.Working().Executions)
	assert.NotNil(t, l.History().Days)
}
