package model

import "time"

// OpportunityType names the kind of trade an opportunity describes.
type OpportunityType string

const (
	TypeFlashLoan     OpportunityType = "flash-loan"
	TypeCrossExchange OpportunityType = "cross-exchange"
	TypeTriangular    OpportunityType = "triangular"
	TypeMultiHop      OpportunityType = "multi-hop"
	TypeSwap          OpportunityType = "swap"
	TypePriceUpdate   OpportunityType = "price_update"
)

// Opportunity is a time-sensitive trade signal delivered by an ingestion feed.
// Profit and price fields are optional; a zero value means the feed did not send it.
type Opportunity struct {
	ID    string          `json:"id,omitempty"`
	Type  OpportunityType `json:"type"`
	Chain string          `json:"chain,omitempty"`

	ExpectedProfit   float64 `json:"expectedProfit,omitempty"`
	InvestmentAmount float64 `json:"investmentAmount,omitempty"`

	BuyPrice  float64 `json:"buyPrice,omitempty"`
	SellPrice float64 `json:"sellPrice,omitempty"`

	InputAmount  float64 `json:"inputAmount,omitempty"`
	InputPrice   float64 `json:"inputPrice,omitempty"`
	OutputAmount float64 `json:"outputAmount,omitempty"`
	OutputPrice  float64 `json:"outputPrice,omitempty"`

	Profit                  float64 `json:"profit,omitempty"`
	GasCost                 float64 `json:"gasCost,omitempty"`
	HistoricalAverageProfit float64 `json:"historicalAverageProfit,omitempty"`

	Impact           float64 `json:"impact,omitempty"`
	PercentageImpact float64 `json:"percentageImpact,omitempty"`
	ProfitPercentage float64 `json:"profitPercentage,omitempty"`
	TimeSensitivity  float64 `json:"timeSensitivity,omitempty"`

	// Derived, attached in place by the classifier.
	PriceImpact float64     `json:"priceImpact,omitempty"`
	ImpactLevel ImpactLevel `json:"impactLevel,omitempty"`

	ReceivedAt time.Time `json:"receivedAt,omitempty"`
}

// Label returns a short human-readable identifier for logs.
func (o *Opportunity) Label() string {
	if o.Chain == "" {
		return string(o.Type) + "/" + o.ID
	}
	return string(o.Type) + "@" + o.Chain + "/" + o.ID
}
