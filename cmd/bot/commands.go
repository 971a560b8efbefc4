package main

import (
	"context"
	"time"

	"OpportunitySwitch/internal/coordinator"
	"OpportunitySwitch/internal/ledger"
	"OpportunitySwitch/internal/notifier"
	"OpportunitySwitch/internal/tiered"
)

// commands answers Telegram commands and the HTTP /status endpoint.
type commands struct {
	coord  *coordinator.Coordinator
	store  *tiered.Store
	ledger *ledger.Ledger
}

// handle processes a user command and returns a reply.
func (c *commands) handle(command string) string {
	switch command {
	case "/status":
		return notifier.FormatStatus(c.coord.Status(), c.ledger.Working())
	case "/queue":
		return notifier.FormatQueue(c.coord.Queued())
	case "/tiers":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stats, err := c.store.MemoryStats(ctx)
		if err != nil {
			return "state store unavailable: " + err.Error()
		}
		return notifier.FormatTiers(stats)
	default:
		return notifier.FormatHelp()
	}
}

type statusReport struct {
	Coordinator coordinator.Status `json:"coordinator"`
	Ledger      ledger.Working     `json:"ledger"`
	Store       *tiered.Stats      `json:"store,omitempty"`
}

func (c *commands) status() any {
	r := statusReport{Coordinator: c.coord.Status(), Ledger: c.ledger.Working()}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if stats, err := c.store.MemoryStats(ctx); err == nil {
		r.Store = &stats
	}
	return r
}
