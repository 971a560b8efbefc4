package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgPath string
	envPath string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "bot",
	Short: "OpportunitySwitch - reactive opportunity switching bot",
	Long: `OpportunitySwitch scores incoming trade opportunities, preempts background
work according to their impact, executes them and resumes what was preempted.

Run without a subcommand to start the bot.`,
	SilenceUsage: true,
	RunE:         runBot,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the bot",
	Args:  cobra.NoArgs,
	RunE:  runBot,
}

var scoreCmd = &cobra.Command{
	Use:   "score [opportunity-json|-]",
	Short: "Score an opportunity without executing it",
	Long: `Prints the impact score, level, priority score and per-tier preemption
decision for one opportunity. Pass "-" to read the JSON from stdin.

Example:
  bot score '{"type":"flash-loan","expectedProfit":250,"investmentAmount":10000}'`,
	Args: cobra.ExactArgs(1),
	RunE: scoreOpportunity,
}

func init() {
	cfgPath = "configs/config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		cfgPath = v
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", cfgPath, "path to the YAML config")
	rootCmd.PersistentFlags().StringVar(&envPath, "env", ".env", "optional .env file")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	rootCmd.AddCommand(runCmd, scoreCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
