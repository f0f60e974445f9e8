// Package pricing implements the share-price model for the market engine:
// a linear price impact for trades and a uniform multiplicative random walk
// for the periodic tick.
//
// A trade of n shares moves the price by n × impactFactor of itself
// (buys up, sells down). The tick multiplies the current price by
// 1 + U(-range, +range), compounding on the live price rather than
// rebasing to the catalog price.
//
// All monetary values use shopspring/decimal — never float64 for money.
// The uniform draw is taken in float64 and immediately converted to decimal.
package pricing

import (
	"errors"
	"math/rand"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidQuantity is returned when a trade quantity is not a
	// positive integer number of shares.
	ErrInvalidQuantity = errors.New("pricing: share quantity must be positive")

	// ErrInvalidFactor is returned when an engine is constructed with a
	// non-positive impact factor or fluctuation range.
	ErrInvalidFactor = errors.New("pricing: impact factor and fluctuation range must be positive")

	// ErrPriceFloorBreached is returned when a sell's impact would push
	// the price to or below the floor. The trade must not execute.
	ErrPriceFloorBreached = errors.New("pricing: trade would push price below the floor")

	// MinPrice is the lowest allowed share price. Prices clamp here under
	// tick drift and trades that would breach it are rejected, so the
	// price can never reach zero or go negative.
	MinPrice = decimal.NewFromFloat(0.01)

	// PriceScale is the number of decimal places for price rounding.
	PriceScale int32 = 4
)

// DefaultImpactFactor is the per-share price shift: 0.05% per share traded.
var DefaultImpactFactor = decimal.NewFromFloat(0.0005)

// DefaultFluctuationRange is the symmetric tick range: ±2%.
const DefaultFluctuationRange = 0.02

var one = decimal.NewFromInt(1)

// Engine computes price movements. It is stateless — current prices are
// passed as arguments, not stored.
type Engine struct {
	impactFactor     decimal.Decimal
	fluctuationRange float64
}

// NewEngine creates a pricing engine with the given per-share impact factor
// and symmetric tick fluctuation range (e.g. 0.02 for ±2%).
func NewEngine(impactFactor decimal.Decimal, fluctuationRange float64) (*Engine, error) {
	if impactFactor.LessThanOrEqual(decimal.Zero) || fluctuationRange <= 0 {
		return nil, ErrInvalidFactor
	}
	return &Engine{impactFactor: impactFactor, fluctuationRange: fluctuationRange}, nil
}

// NewDefaultEngine creates an engine with the default factor and range.
func NewDefaultEngine() *Engine {
	e, _ := NewEngine(DefaultImpactFactor, DefaultFluctuationRange)
	return e
}

// ImpactFactor returns the per-share impact factor.
func (e *Engine) ImpactFactor() decimal.Decimal {
	return e.impactFactor
}

// BuyImpact returns the price after buying shares at the current price:
//
//	new = current × (1 + shares × impactFactor)
//
// There is no upper bound; repeated large buys compound.
func (e *Engine) BuyImpact(current decimal.Decimal, shares int64) (decimal.Decimal, error) {
	if shares <= 0 {
		return decimal.Zero, ErrInvalidQuantity
	}
	mult := one.Add(decimal.NewFromInt(shares).Mul(e.impactFactor))
	return current.Mul(mult).Round(PriceScale), nil
}

// SellImpact returns the price after selling shares at the current price:
//
//	new = current × (1 − shares × impactFactor)
//
// An exact (pre-rounding) result at or below MinPrice fails with
// ErrPriceFloorBreached, covering both the asymptotic approach to zero and
// the degenerate case where shares × impactFactor ≥ 1 would make the
// multiplier non-positive.
func (e *Engine) SellImpact(current decimal.Decimal, shares int64) (decimal.Decimal, error) {
	if shares <= 0 {
		return decimal.Zero, ErrInvalidQuantity
	}
	mult := one.Sub(decimal.NewFromInt(shares).Mul(e.impactFactor))
	if mult.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrPriceFloorBreached
	}
	// Check the exact product: rounding can lift a breaching result back
	// to the floor and mask it.
	if current.Mul(mult).LessThanOrEqual(MinPrice) {
		return decimal.Zero, ErrPriceFloorBreached
	}
	return current.Mul(mult).Round(PriceScale), nil
}

// Fluctuate returns the price after one tick of random drift:
//
//	new = current × (1 + f),  f ~ U(-range, +range)
//
// The result clamps at MinPrice rather than failing — the timer must keep
// running even for a property pinned at the floor.
func (e *Engine) Fluctuate(current decimal.Decimal, rng *rand.Rand) decimal.Decimal {
	f := (rng.Float64()*2 - 1) * e.fluctuationRange
	next := current.Mul(decimal.NewFromFloat(1 + f)).Round(PriceScale)
	if next.LessThan(MinPrice) {
		return MinPrice
	}
	return next
}

// InitialSharePrice derives the catalog share price: total estimated value
// divided by shares outstanding.
func InitialSharePrice(totalValue decimal.Decimal, sharesOutstanding int64) (decimal.Decimal, error) {
	if sharesOutstanding <= 0 {
		return decimal.Zero, ErrInvalidQuantity
	}
	return totalValue.Div(decimal.NewFromInt(sharesOutstanding)).Round(PriceScale), nil
}
