// Package ingest feeds opportunities from external producers into the
// switch coordinator.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/sugawarayuuta/sonnet"

	"OpportunitySwitch/internal/coordinator"
	"OpportunitySwitch/internal/model"
)

// Switcher is the part of the coordinator an ingestion feed needs.
type Switcher interface {
	SwitchToOpportunityMode(ctx context.Context, opp *model.Opportunity) (*coordinator.SwitchResult, error)
}

var errMissingType = errors.New("opportunity type is required")

func decodeOpportunity(data []byte) (*model.Opportunity, error) {
	var opp model.Opportunity
	if err := sonnet.Unmarshal(data, &opp); err != nil {
		return nil, fmt.Errorf("decode opportunity: %w", err)
	}
	if opp.Type == "" {
		return nil, errMissingType
	}
	return &opp, nil
}
