// Package ledger owns per-user holdings and realized profit/loss. It is
// the only writer of portfolio state; the market simulator is read for
// valuation but never mutated from here.
//
// Every mutation is persisted to the keyed store before the in-memory
// state is replaced, so a failed persist leaves memory and the store in
// agreement at the pre-trade state.
//
// All monetary values use shopspring/decimal — never float64 for money.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/brickshare/market-engine/internal/model"
	"github.com/brickshare/market-engine/internal/store"
)

var (
	// ErrInvalidQuantity is returned for a zero shares delta.
	ErrInvalidQuantity = errors.New("ledger: shares delta must be non-zero")

	// ErrInsufficientShares is returned when a disposal exceeds the
	// shares owned, including selling a property that is not held at all.
	ErrInsufficientShares = errors.New("ledger: insufficient shares")

	// ErrPersistFailed wraps a store error on the flush that follows a
	// mutation. The mutation is not committed when this is returned.
	ErrPersistFailed = errors.New("ledger: persist failed")
)

// MarketView is the read-only slice of the market simulator the ledger
// needs for valuation.
type MarketView interface {
	Get(propertyID int) (model.Property, error)
}

// Service manages portfolio records for signed-in users. Records load on
// sign-in, flush to the store on every mutation, and clear from memory on
// sign-out; the store retains them across sessions.
type Service struct {
	st     store.Store
	market MarketView

	mu      sync.Mutex
	records map[string]*model.PortfolioRecord
}

// NewService creates a ledger backed by the given store and market view.
func NewService(st store.Store, market MarketView) *Service {
	return &Service{
		st:      st,
		market:  market,
		records: make(map[string]*model.PortfolioRecord),
	}
}

// Load fetches a user's record into memory. A user with no prior record
// gets a fresh empty one, which is written back immediately so the store
// always has an entry for every user that has signed in.
func (s *Service) Load(ctx context.Context, userID string) (*model.PortfolioRecord, error) {
	record, err := s.st.GetPortfolio(ctx, userID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("load portfolio %s: %w", userID, err)
		}
		record = &model.PortfolioRecord{
			UserID:             userID,
			RealizedProfitLoss: decimal.Zero,
			UpdatedAt:          time.Now().UTC(),
		}
		if err := s.st.UpsertPortfolio(ctx, record); err != nil {
			return nil, fmt.Errorf("initialize portfolio %s: %w", userID, err)
		}
	}

	s.mu.Lock()
	s.records[userID] = record
	s.mu.Unlock()
	return copyRecord(record), nil
}

// Release clears a user's record from memory. The store keeps it.
func (s *Service) Release(userID string) {
	s.mu.Lock()
	delete(s.records, userID)
	s.mu.Unlock()
}

// Record returns the in-memory record for a user, loading it on demand.
func (s *Service) Record(ctx context.Context, userID string) (*model.PortfolioRecord, error) {
	s.mu.Lock()
	record, ok := s.records[userID]
	s.mu.Unlock()
	if ok {
		return copyRecord(record), nil
	}
	return s.Load(ctx, userID)
}

// UpdateHolding is the single mutating primitive: buys pass a positive
// sharesDelta, sells a negative one, valued at tradePrice.
//
// Disposals add (tradePrice − costBasis) × sharesSold to realized P&L and
// never change the cost basis; a disposal that empties the holding removes
// it entirely. Purchases recompute the weighted-average cost basis. A
// disposal exceeding the shares owned fails with ErrInsufficientShares.
func (s *Service) UpdateHolding(ctx context.Context, userID string, propertyID int, sharesDelta int64, tradePrice decimal.Decimal) (*model.PortfolioRecord, error) {
	if sharesDelta == 0 {
		return nil, ErrInvalidQuantity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[userID]
	if !ok {
		loaded, err := s.loadLocked(ctx, userID)
		if err != nil {
			return nil, err
		}
		current = loaded
	}

	next, err := applyDelta(current, propertyID, sharesDelta, tradePrice)
	if err != nil {
		return nil, err
	}

	// Persist first, commit to memory only on success.
	if err := s.st.UpsertPortfolio(ctx, next); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}
	s.records[userID] = next
	return copyRecord(next), nil
}

// loadLocked fetches or initializes a record while s.mu is held.
func (s *Service) loadLocked(ctx context.Context, userID string) (*model.PortfolioRecord, error) {
	record, err := s.st.GetPortfolio(ctx, userID)
	if err == nil {
		s.records[userID] = record
		return record, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load portfolio %s: %w", userID, err)
	}
	record = &model.PortfolioRecord{
		UserID:             userID,
		RealizedProfitLoss: decimal.Zero,
		UpdatedAt:          time.Now().UTC(),
	}
	if err := s.st.UpsertPortfolio(ctx, record); err != nil {
		return nil, fmt.Errorf("initialize portfolio %s: %w", userID, err)
	}
	s.records[userID] = record
	return record, nil
}

// applyDelta computes the next record without mutating the current one.
func applyDelta(current *model.PortfolioRecord, propertyID int, sharesDelta int64, tradePrice decimal.Decimal) (*model.PortfolioRecord, error) {
	next := copyRecord(current)
	next.UpdatedAt = time.Now().UTC()

	idx := -1
	for i, h := range next.Holdings {
		if h.PropertyID == propertyID {
			idx = i
			break
		}
	}

	if idx < 0 {
		if sharesDelta < 0 {
			return nil, fmt.Errorf("%w: property %d not held", ErrInsufficientShares, propertyID)
		}
		next.Holdings = append(next.Holdings, model.Holding{
			PropertyID:            propertyID,
			SharesOwned:           sharesDelta,
			PurchasePricePerShare: tradePrice,
		})
		return next, nil
	}

	h := next.Holdings[idx]
	newTotal := h.SharesOwned + sharesDelta

	if sharesDelta < 0 {
		sharesSold := -sharesDelta
		if sharesSold > h.SharesOwned {
			return nil, fmt.Errorf("%w: selling %d of %d owned in property %d",
				ErrInsufficientShares, sharesSold, h.SharesOwned, propertyID)
		}

		profit := tradePrice.Sub(h.PurchasePricePerShare).Mul(decimal.NewFromInt(sharesSold))
		next.RealizedProfitLoss = next.RealizedProfitLoss.Add(profit)

		if newTotal == 0 {
			// Holding fully closed: the entry goes away, basis discarded.
			next.Holdings = append(next.Holdings[:idx], next.Holdings[idx+1:]...)
			return next, nil
		}
		// Cost basis does not change on disposals.
		h.SharesOwned = newTotal
		next.Holdings[idx] = h
		return next, nil
	}

	// Purchase: weighted-average cost basis over old and new shares.
	oldCost := h.PurchasePricePerShare.Mul(decimal.NewFromInt(h.SharesOwned))
	addCost := tradePrice.Mul(decimal.NewFromInt(sharesDelta))
	h.PurchasePricePerShare = oldCost.Add(addCost).Div(decimal.NewFromInt(newTotal))
	h.SharesOwned = newTotal
	next.Holdings[idx] = h
	return next, nil
}

// Snapshot derives the user's live portfolio view: per-holding valuation,
// totals, grand-total P&L, and the merged portfolio-value time series. It
// is a pure function of the ledger record and the simulator's current
// state — nothing here is stored.
func (s *Service) Snapshot(ctx context.Context, userID string) (*model.Snapshot, error) {
	record, err := s.Record(ctx, userID)
	if err != nil {
		return nil, err
	}

	snap := &model.Snapshot{
		UserID:        userID,
		CurrentValue:  decimal.Zero,
		UnrealizedPnL: decimal.Zero,
		RealizedPnL:   record.RealizedProfitLoss,
		Holdings:      []model.HoldingView{},
		ValueHistory:  []model.ValuePoint{},
	}

	// Merge held properties' histories: union of timestamps, valued as
	// Σ price × shares over the holdings observed at each timestamp.
	merged := make(map[int64]decimal.Decimal)

	for _, h := range record.Holdings {
		p, err := s.market.Get(h.PropertyID)
		if err != nil {
			return nil, fmt.Errorf("value holding %d: %w", h.PropertyID, err)
		}

		shares := decimal.NewFromInt(h.SharesOwned)
		value := p.CurrentSharePrice.Mul(shares)
		unrealized := p.CurrentSharePrice.Sub(h.PurchasePricePerShare).Mul(shares)

		snap.TotalShares += h.SharesOwned
		snap.CurrentValue = snap.CurrentValue.Add(value)
		snap.UnrealizedPnL = snap.UnrealizedPnL.Add(unrealized)

		snap.Holdings = append(snap.Holdings, model.HoldingView{
			PropertyID:    h.PropertyID,
			Name:          p.Name,
			SharesOwned:   h.SharesOwned,
			CostBasis:     h.PurchasePricePerShare,
			CurrentPrice:  p.CurrentSharePrice,
			CurrentValue:  value,
			UnrealizedPnL: unrealized,
			Direction:     p.Direction,
		})

		// Dedupe this property's points per timestamp key first — the
		// history is chronological, so the latest observation wins —
		// then sum across properties. Adding raw points would count a
		// property twice wherever two observations share a millisecond.
		latest := make(map[int64]decimal.Decimal, len(p.PriceHistory))
		for _, point := range p.PriceHistory {
			latest[point.Timestamp.UnixMilli()] = point.Price
		}
		for key, price := range latest {
			merged[key] = merged[key].Add(price.Mul(shares))
		}
	}

	keys := make([]int64, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		snap.ValueHistory = append(snap.ValueHistory, model.ValuePoint{
			Timestamp: time.UnixMilli(k).UTC(),
			Value:     merged[k],
		})
	}

	snap.GrandTotalPnL = snap.UnrealizedPnL.Add(snap.RealizedPnL)
	return snap, nil
}

func copyRecord(r *model.PortfolioRecord) *model.PortfolioRecord {
	cp := *r
	cp.Holdings = make([]model.Holding, len(r.Holdings))
	copy(cp.Holdings, r.Holdings)
	return &cp
}
