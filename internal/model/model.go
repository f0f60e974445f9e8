// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction describes how a property's share price moved on its last update.
type Direction string

const (
	DirectionUp     Direction = "up"
	DirectionDown   Direction = "down"
	DirectionStable Direction = "stable"
)

// DirectionOf compares a prior price to a new price. Ties produce stable.
func DirectionOf(prev, next decimal.Decimal) Direction {
	switch next.Cmp(prev) {
	case 1:
		return DirectionUp
	case -1:
		return DirectionDown
	default:
		return DirectionStable
	}
}

// PricePoint is one observation in a property's bounded price history.
type PricePoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
}

// RentMonth is one month of the catalog's rent-potential series.
type RentMonth struct {
	Month string          `json:"month"`
	Rent  decimal.Decimal `json:"rent"`
}

// Property is one market instrument: a fractionalized real-estate asset.
// Descriptive fields are immutable after catalog load; CurrentSharePrice,
// Direction, and PriceHistory are owned by the market simulator.
type Property struct {
	ID                int             `json:"id" db:"id"`
	Name              string          `json:"name" db:"name"`
	Location          string          `json:"location" db:"location"`
	Neighborhood      string          `json:"neighborhood,omitempty" db:"neighborhood"`
	Description       string          `json:"description,omitempty" db:"description"`
	ImageURL          string          `json:"image_url,omitempty" db:"image_url"`
	SquareFeet        int64           `json:"square_feet,omitempty" db:"square_feet"`
	PotentialROI      string          `json:"potential_roi,omitempty" db:"potential_roi"`
	TotalValue        decimal.Decimal `json:"total_value" db:"total_value"`
	AnnualExpenses    decimal.Decimal `json:"annual_expenses" db:"annual_expenses"`
	SharesOutstanding int64           `json:"shares_outstanding" db:"shares_outstanding"`
	RentPotential     []RentMonth     `json:"rent_potential,omitempty"`

	InitialSharePrice decimal.Decimal `json:"initial_share_price" db:"initial_share_price"`
	CurrentSharePrice decimal.Decimal `json:"current_share_price" db:"current_share_price"`
	Direction         Direction       `json:"direction" db:"direction"`
	PriceHistory      []PricePoint    `json:"price_history"`
}

// Holding is one user's stake in one property. SharesOwned stays positive
// while the holding exists; a disposal that empties it removes the entry.
type Holding struct {
	PropertyID            int             `json:"property_id"`
	SharesOwned           int64           `json:"shares_owned"`
	PurchasePricePerShare decimal.Decimal `json:"purchase_price_per_share"` // weighted-average cost basis
}

// PortfolioRecord is the per-user state persisted in the keyed store:
// holdings plus the running realized profit/loss total.
type PortfolioRecord struct {
	UserID             string          `json:"user_id"`
	Holdings           []Holding       `json:"holdings"`
	RealizedProfitLoss decimal.Decimal `json:"realized_profit_loss"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Holding returns the holding for a property id, if present.
func (r *PortfolioRecord) Holding(propertyID int) (Holding, bool) {
	for _, h := range r.Holdings {
		if h.PropertyID == propertyID {
			return h, true
		}
	}
	return Holding{}, false
}

// HoldingView is one holding valued against the live market price.
type HoldingView struct {
	PropertyID    int             `json:"property_id"`
	Name          string          `json:"name"`
	SharesOwned   int64           `json:"shares_owned"`
	CostBasis     decimal.Decimal `json:"cost_basis"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	CurrentValue  decimal.Decimal `json:"current_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Direction     Direction       `json:"direction"`
}

// ValuePoint is one point of the aggregate portfolio-value time series.
type ValuePoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Value     decimal.Decimal `json:"value"`
}

// Snapshot is a derived, store-free view of a user's portfolio valued at
// live prices. Unrealized P&L is always recomputed, never stored; realized
// P&L comes from the ledger scalar. Grand total is their sum.
type Snapshot struct {
	UserID        string          `json:"user_id"`
	TotalShares   int64           `json:"total_shares"`
	CurrentValue  decimal.Decimal `json:"current_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	GrandTotalPnL decimal.Decimal `json:"grand_total_pnl"`
	Holdings      []HoldingView   `json:"holdings"`
	ValueHistory  []ValuePoint    `json:"value_history"`
}

// User is an account in the identity store.
type User struct {
	ID           string    `json:"id" db:"id"`
	Email        string    `json:"email" db:"email"`
	PasswordHash string    `json:"-" db:"password_hash"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}
