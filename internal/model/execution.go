package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionResult is what an executor reports back. The core reads only
// Success and ProfitUSD.
type ExecutionResult struct {
	Success       bool            `json:"success"`
	ProfitUSD     decimal.Decimal `json:"profitUSD"`
	GasUsed       uint64          `json:"gasUsed,omitempty"`
	TxHash        string          `json:"txHash,omitempty"`
	ExecutionTime time.Duration   `json:"executionTime,omitempty"`
	Error         string          `json:"error,omitempty"`
}
