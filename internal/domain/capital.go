package domain

import "github.com/shopspring/decimal"

// CapitalSnapshot is a point-in-time copy of the compounding state.
//
// Write ownership is split by field: Capital and CostBasis are written only
// by the compounding engine after a fill (and once at startup recovery);
// ReinvestPercent and PreferredOrderType are written only by the background
// refresher. The settings store remains the durable source of truth across
// restarts.
type CapitalSnapshot struct {
	Capital            decimal.Decimal `json:"capital"`
	CostBasis          decimal.Decimal `json:"cost_basis"`
	ReinvestPercent    decimal.Decimal `json:"reinvest_percent"`
	PreferredOrderType string          `json:"preferred_order_type"`
}

// Settings store cell keys. The original control panel kept these in fixed
// spreadsheet cells (dedicated cap in D2, reinvest percent in E2); here they
// are addressed by name.
const (
	CellDedicatedCapital = "dedicated_capital"
	CellReinvestPercent  = "reinvest_percent"
	CellOrderType        = "preferred_order_type"
	CellCostBasis        = "cost_basis"

	// Dashboard telemetry cells, republished by the refresher.
	CellWalletBalance = "wallet_balance"
	CellLastPrice     = "last_price"
	CellBaseBalance   = "base_balance"
)
