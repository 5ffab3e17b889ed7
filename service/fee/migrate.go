package fee

import "github.com/shopspring/decimal"

// RatesV0 is the first fee configuration: one total transaction rate split
// evenly between agent and treasury, and no transfer fee.
type RatesV0 struct {
	TransactionRate decimal.Decimal `json:"transaction_rate"`
}

// Migrate converts a v0 configuration to Rates. When the total does not
// split evenly at Precision digits the extra unit goes to the treasury.
func Migrate(v0 RatesV0) Rates {
	half := v0.TransactionRate.Div(decimal.NewFromInt(2)).Truncate(Precision)
	return Rates{
		AgentRate:    half,
		TreasuryRate: v0.TransactionRate.Sub(half),
		TransferRate: decimal.Zero,
	}
}
