package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/sugawarayuuta/sonnet"

	"OpportunitySwitch/internal/impact"
	"OpportunitySwitch/internal/model"
)

func scoreOpportunity(cmd *cobra.Command, args []string) error {
	raw := []byte(args[0])
	if args[0] == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		raw = data
	}
	var opp model.Opportunity
	if err := sonnet.Unmarshal(raw, &opp); err != nil {
		return fmt.Errorf("decode opportunity: %w", err)
	}

	thresholds := impact.DefaultThresholds
	if cfg, err := loadConfig(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v; scoring with the default thresholds\n", err)
	} else {
		thresholds = cfg.Thresholds
	}
	printScore(cmd.OutOrStdout(), impact.NewClassifier(thresholds), &opp)
	return nil
}

func printScore(w io.Writer, c *impact.Classifier, opp *model.Opportunity) {
	score, level := c.Annotate(opp)
	fmt.Fprintf(w, "impact:          %.6f\n", score)
	fmt.Fprintf(w, "level:           %s\n", level)
	fmt.Fprintf(w, "priority score:  %.6f\n", c.PriorityScore(opp))
	fmt.Fprintf(w, "force preempt:   %v\n", c.IsForced(score))
	for _, tier := range model.Tiers {
		fmt.Fprintf(w, "preempts %-10s %v\n", tier.String()+":", c.ShouldPreempt(opp, tier))
	}
}
