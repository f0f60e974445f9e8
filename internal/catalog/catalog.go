// Package catalog loads and validates the property seed data. Catalog
// amounts are comma-grouped strings ("750,000") as published by the
// listings team; parsing normalizes them to decimals and derives the
// initial share price (total value ÷ shares outstanding).
package catalog

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/brickshare/market-engine/internal/model"
	"github.com/brickshare/market-engine/internal/pricing"
)

//go:embed seed.json
var seedData []byte

var (
	ErrInvalidAmount  = errors.New("catalog: invalid amount")
	ErrInvalidSeed    = errors.New("catalog: invalid seed data")
	ErrDuplicateID    = errors.New("catalog: duplicate property id")
)

// seedProperty mirrors the raw seed file: amounts are strings with
// thousands separators.
type seedProperty struct {
	ID                int               `json:"id"`
	Name              string            `json:"name"`
	Location          string            `json:"location"`
	Price             string            `json:"price"`
	SharesOutstanding string            `json:"shares_outstanding"`
	Image             string            `json:"image"`
	SquareFeet        string            `json:"square_feet"`
	Neighborhood      string            `json:"neighborhood"`
	Description       string            `json:"description"`
	PotentialROI      string            `json:"potential_roi"`
	AnnualExpenses    string            `json:"annual_expenses"`
	RentPotential     []model.RentMonth `json:"rent_potential"`
}

// ParseAmount parses a comma-grouped amount string into a decimal.
func ParseAmount(s string) (decimal.Decimal, error) {
	cleaned := strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if cleaned == "" {
		return decimal.Zero, fmt.Errorf("%w: empty string", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return d, nil
}

// Load parses the embedded seed file into market-ready properties. Each
// property starts at its initial share price with a stable direction and
// a single history point, matching a freshly opened market.
func Load(now time.Time) ([]model.Property, error) {
	return parse(seedData, now)
}

func parse(data []byte, now time.Time) ([]model.Property, error) {
	var seeds []seedProperty
	if err := json.Unmarshal(data, &seeds); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}

	seen := make(map[int]bool, len(seeds))
	properties := make([]model.Property, 0, len(seeds))

	for _, s := range seeds {
		if s.ID <= 0 {
			return nil, fmt.Errorf("%w: property %q has non-positive id %d", ErrInvalidSeed, s.Name, s.ID)
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateID, s.ID)
		}
		seen[s.ID] = true

		if s.Name == "" || s.Location == "" {
			return nil, fmt.Errorf("%w: property %d missing name or location", ErrInvalidSeed, s.ID)
		}

		totalValue, err := ParseAmount(s.Price)
		if err != nil {
			return nil, fmt.Errorf("property %d price: %w", s.ID, err)
		}
		if !totalValue.IsPositive() {
			return nil, fmt.Errorf("%w: property %d has non-positive value", ErrInvalidSeed, s.ID)
		}

		sharesDec, err := ParseAmount(s.SharesOutstanding)
		if err != nil {
			return nil, fmt.Errorf("property %d shares outstanding: %w", s.ID, err)
		}
		shares := sharesDec.IntPart()
		if shares <= 0 || !sharesDec.Equal(decimal.NewFromInt(shares)) {
			return nil, fmt.Errorf("%w: property %d shares outstanding must be a positive integer", ErrInvalidSeed, s.ID)
		}

		expenses := decimal.Zero
		if s.AnnualExpenses != "" {
			if expenses, err = ParseAmount(s.AnnualExpenses); err != nil {
				return nil, fmt.Errorf("property %d annual expenses: %w", s.ID, err)
			}
		}

		var sqft int64
		if s.SquareFeet != "" {
			sq, err := ParseAmount(s.SquareFeet)
			if err != nil {
				return nil, fmt.Errorf("property %d square feet: %w", s.ID, err)
			}
			sqft = sq.IntPart()
		}

		initial, err := pricing.InitialSharePrice(totalValue, shares)
		if err != nil {
			return nil, fmt.Errorf("property %d: %w", s.ID, err)
		}

		properties = append(properties, model.Property{
			ID:                s.ID,
			Name:              s.Name,
			Location:          s.Location,
			Neighborhood:      s.Neighborhood,
			Description:       s.Description,
			ImageURL:          s.Image,
			SquareFeet:        sqft,
			PotentialROI:      s.PotentialROI,
			TotalValue:        totalValue,
			AnnualExpenses:    expenses,
			SharesOutstanding: shares,
			RentPotential:     s.RentPotential,
			InitialSharePrice: initial,
			CurrentSharePrice: initial,
			Direction:         model.DirectionStable,
			PriceHistory: []model.PricePoint{
				{Timestamp: now, Price: initial},
			},
		})
	}

	if len(properties) == 0 {
		return nil, fmt.Errorf("%w: no properties", ErrInvalidSeed)
	}
	return properties, nil
}
