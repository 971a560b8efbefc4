package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"OpportunitySwitch/internal/model"
	"OpportunitySwitch/internal/tiered"
)

// State keys. Working state autosaves to the Current tier, history to Critical.
const (
	WorkingKey = "ledger:working"
	HistoryKey = "ledger:history"
)

// Entry is one processed opportunity.
type Entry struct {
	OpportunityID string            `json:"opportunityId"`
	Type          string            `json:"type"`
	Chain         string            `json:"chain,omitempty"`
	Mode          model.Mode        `json:"mode"`
	Impact        float64           `json:"impact"`
	Level         model.ImpactLevel `json:"level"`
	Executed      bool              `json:"executed"`
	Success       bool              `json:"success"`
	ProfitUSD     decimal.Decimal   `json:"profitUSD"`
	TxHash        string            `json:"txHash,omitempty"`
	Error         string            `json:"error,omitempty"`
	At            time.Time         `json:"at"`
}

// Working is the bot's current session: counters and the latest entries.
type Working struct {
	Executions int64           `json:"executions"`
	Succeeded  int64           `json:"succeeded"`
	Failed     int64           `json:"failed"`
	Announced  int64           `json:"announced"`
	ProfitUSD  decimal.Decimal `json:"profitUSD"`
	Recent     []Entry         `json:"recent"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Day aggregates one UTC day.
type Day struct {
	Executions int64           `json:"executions"`
	Succeeded  int64           `json:"succeeded"`
	ProfitUSD  decimal.Decimal `json:"profitUSD"`
}

// History is the long-lived record: per-day totals and per-type counts.
type History struct {
	Days      map[string]Day   `json:"days"`
	ByType    map[string]int64 `json:"byType"`
	ProfitUSD decimal.Decimal  `json:"profitUSD"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// Ledger records executions with concurrency safety.
type Ledger struct {
	mu          sync.Mutex
	working     Working
	history     History
	recentLimit int
	log         *zap.SugaredLogger
}

// New creates an empty ledger keeping up to recentLimit entries in the
// working state.
func New(recentLimit int, log *zap.SugaredLogger) *Ledger {
	if recentLimit <= 0 {
		recentLimit = 50
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Ledger{
		recentLimit: recentLimit,
		log:         log,
		history:     History{Days: make(map[string]Day), ByType: make(map[string]int64)},
	}
}

// Record adds one processed opportunity. A nil result with a nil error means
// the opportunity was only announced.
func (l *Ledger) Record(opp *model.Opportunity, mode model.Mode, res *model.ExecutionResult, err error) {
	now := time.Now().UTC()
	e := Entry{
		OpportunityID: opp.ID,
		Type:          string(opp.Type),
		Chain:         opp.Chain,
		Mode:          mode,
		Impact:        opp.PriceImpact,
		Level:         opp.ImpactLevel,
		At:            now,
	}
	if res != nil {
		e.Executed = true
		e.Success = res.Success
		e.ProfitUSD = res.ProfitUSD
		e.TxHash = res.TxHash
		e.Error = res.Error
	}
	if err != nil {
		e.Executed = true
		e.Success = false
		e.Error = err.Error()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	w := &l.working
	switch {
	case !e.Executed:
		w.Announced++
	case e.Success:
		w.Executions++
		w.Succeeded++
		w.ProfitUSD = w.ProfitUSD.Add(e.ProfitUSD)
	default:
		w.Executions++
		w.Failed++
	}
	w.Recent = append(w.Recent, e)
	if len(w.Recent) > l.recentLimit {
		w.Recent = w.Recent[len(w.Recent)-l.recentLimit:]
	}
	w.UpdatedAt = now

	h := &l.history
	h.ByType[e.Type]++
	if e.Executed {
		key := now.Format(time.DateOnly)
		d := h.Days[key]
		d.Executions++
		if e.Success {
			d.Succeeded++
			d.ProfitUSD = d.ProfitUSD.Add(e.ProfitUSD)
			h.ProfitUSD = h.ProfitUSD.Add(e.ProfitUSD)
		}
		h.Days[key] = d
	}
	h.UpdatedAt = now
}

// Working returns a copy of the working state.
func (l *Ledger) Working() Working {
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.working
	w.Recent = append([]Entry(nil), l.working.Recent...)
	return w
}

// History returns a copy of the history.
func (l *Ledger) History() History {
	l.mu.Lock()
	defer l.mu.Unlock()
	h := l.history
	h.Days = make(map[string]Day, len(l.history.Days))
	for k, v := range l.history.Days {
		h.Days[k] = v
	}
	h.ByType = make(map[string]int64, len(l.history.ByType))
	for k, v := range l.history.ByType {
		h.ByType[k] = v
	}
	return h
}

// Track registers the ledger with the store's autosave jobs.
func (l *Ledger) Track(store *tiered.Store) error {
	if err := store.Track(WorkingKey, model.TierCurrent, func() (any, error) {
		return l.Working(), nil
	}); err != nil {
		return fmt.Errorf("track working state: %w", err)
	}
	if err := store.Track(HistoryKey, model.TierCritical, func() (any, error) {
		return l.History(), nil
	}); err != nil {
		return fmt.Errorf("track history: %w", err)
	}
	return nil
}

// Save writes both states now, outside the autosave cadence.
func (l *Ledger) Save(ctx context.Context, store *tiered.Store) error {
	if err := store.SaveState(ctx, WorkingKey, l.Working(), tiered.SaveOptions{Tier: model.TierCurrent}); err != nil {
		return err
	}
	return store.SaveState(ctx, HistoryKey, l.History(), tiered.SaveOptions{Tier: model.TierCritical})
}

// Restore loads the newest saved copy of each state. Promotion can leave
// older copies in more protected tiers, so every tier is read and the latest
// UpdatedAt wins.
func (l *Ledger) Restore(ctx context.Context, store *tiered.Store) error {
	var (
		working Working
		history History
		foundW  bool
		foundH  bool
	)
	for _, tier := range model.Tiers {
		var w Working
		ok, err := store.LoadStateInto(ctx, WorkingKey, tiered.LoadOptions{Tier: tier}, &w)
		if err != nil {
			return fmt.Errorf("restore working state: %w", err)
		}
		if ok && (!foundW || w.UpdatedAt.After(working.UpdatedAt)) {
			working, foundW = w, true
		}

		var h History
		ok, err = store.LoadStateInto(ctx, HistoryKey, tiered.LoadOptions{Tier: tier}, &h)
		if err != nil {
			return fmt.Errorf("restore history: %w", err)
		}
		if ok && (!foundH || h.UpdatedAt.After(history.UpdatedAt)) {
			history, foundH = h, true
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if foundW {
		l.working = working
	}
	if foundH {
		if history.Days == nil {
			history.Days = make(map[string]Day)
		}
		if history.ByType == nil {
			history.ByType = make(map[string]int64)
		}
		l.history = history
	}
	l.log.Infof("ledger restored: %d executions, profit %s", l.working.Executions, l.history.ProfitUSD.StringFixed(2))
	return nil
}
