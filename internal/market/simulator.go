// Package market owns live share-price state for every property: the
// periodic random-walk tick, trade price impact, bounded price history,
// and change notification for downstream consumers.
//
// The simulator is the single writer of price state. Consumers never share
// its internals — they pull copies via Get/List or subscribe for updates.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/brickshare/market-engine/internal/model"
	"github.com/brickshare/market-engine/internal/pricing"
	"github.com/brickshare/market-engine/internal/store"
)

// ErrPropertyNotFound is returned when an operation names an unknown
// property id. Unknown ids are rejected, never silently ignored.
var ErrPropertyNotFound = errors.New("market: property not found")

// DefaultTickInterval matches the product's ten-second price refresh.
const DefaultTickInterval = 10 * time.Second

// DefaultHistoryLimit bounds each property's in-memory price history.
const DefaultHistoryLimit = 100

// UpdateCause says what moved a price.
type UpdateCause string

const (
	CauseTick UpdateCause = "tick"
	CauseBuy  UpdateCause = "buy"
	CauseSell UpdateCause = "sell"
)

// PriceUpdate is delivered to subscribers after every price mutation.
type PriceUpdate struct {
	PropertyID int             `json:"property_id"`
	Name       string          `json:"name"`
	Price      decimal.Decimal `json:"price"`
	Direction  model.Direction `json:"direction"`
	Cause      UpdateCause     `json:"cause"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Simulator owns the property map and perturbs prices on a fixed interval
// and in response to trades. All mutation is serialized behind one mutex;
// each mutation replaces the property's price state in a single step.
type Simulator struct {
	engine       *pricing.Engine
	st           store.Store
	historyLimit int

	mu        sync.RWMutex
	props     map[int]*model.Property
	rng       *rand.Rand // guarded by mu
	listeners []func(PriceUpdate)

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
}

// New creates a simulator seeded with the given properties. The rng is
// owned by the simulator afterwards; pass a fixed-seed source in tests.
func New(engine *pricing.Engine, st store.Store, seed []model.Property, historyLimit int, rng *rand.Rand) *Simulator {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	props := make(map[int]*model.Property, len(seed))
	for i := range seed {
		cp := seed[i]
		cp.PriceHistory = append([]model.PricePoint(nil), seed[i].PriceHistory...)
		props[cp.ID] = &cp
	}

	return &Simulator{
		engine:       engine,
		st:           st,
		historyLimit: historyLimit,
		props:        props,
		rng:          rng,
	}
}

// Start launches the periodic tick. It performs one immediate tick (the
// catalog prices move as soon as the market opens) and then fires every
// interval until Stop is called. Starting twice is a no-op.
func (s *Simulator) Start(interval time.Duration) {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.cancel != nil {
		return
	}
	if interval <= 0 {
		interval = DefaultTickInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		s.Tick()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick()
			}
		}
	}()

	slog.Info("market simulator started", "interval", interval.String(), "properties", len(s.props))
}

// Stop halts the periodic tick and waits for the tick goroutine to exit.
// Safe to call multiple times.
func (s *Simulator) Stop() {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	slog.Info("market simulator stopped")
}

// Tick applies one round of random drift to every property independently.
func (s *Simulator) Tick() {
	now := time.Now().UTC()
	var updates []PriceUpdate

	s.mu.Lock()
	for _, p := range s.props {
		prev := p.CurrentSharePrice
		next := s.engine.Fluctuate(prev, s.rng)
		updates = append(updates, s.applyPriceLocked(p, next, model.DirectionOf(prev, next), CauseTick, now))
	}
	s.mu.Unlock()

	for _, u := range updates {
		s.notify(u)
		s.persist(u)
	}
}

// Buy applies the positive linear price impact of a share purchase and
// returns the updated property. Direction is forced up.
func (s *Simulator) Buy(ctx context.Context, propertyID int, shares int64) (model.Property, error) {
	return s.trade(ctx, propertyID, shares, CauseBuy)
}

// Sell mirrors Buy with a negative impact. Direction is forced down. A
// sell that would push the price to the floor fails without mutating.
func (s *Simulator) Sell(ctx context.Context, propertyID int, shares int64) (model.Property, error) {
	return s.trade(ctx, propertyID, shares, CauseSell)
}

// PreviewSell reports whether selling shares is feasible at the current
// price, without mutating anything.
func (s *Simulator) PreviewSell(propertyID int, shares int64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.props[propertyID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrPropertyNotFound, propertyID)
	}
	_, err := s.engine.SellImpact(p.CurrentSharePrice, shares)
	return err
}

func (s *Simulator) trade(ctx context.Context, propertyID int, shares int64, cause UpdateCause) (model.Property, error) {
	now := time.Now().UTC()

	s.mu.Lock()
	p, ok := s.props[propertyID]
	if !ok {
		s.mu.Unlock()
		return model.Property{}, fmt.Errorf("%w: %d", ErrPropertyNotFound, propertyID)
	}

	var next decimal.Decimal
	var err error
	direction := model.DirectionUp
	if cause == CauseBuy {
		next, err = s.engine.BuyImpact(p.CurrentSharePrice, shares)
	} else {
		next, err = s.engine.SellImpact(p.CurrentSharePrice, shares)
		direction = model.DirectionDown
	}
	if err != nil {
		s.mu.Unlock()
		return model.Property{}, err
	}

	update := s.applyPriceLocked(p, next, direction, cause, now)
	updated := copyProperty(p)
	s.mu.Unlock()

	s.notify(update)
	s.persistCtx(ctx, update)
	return updated, nil
}

// applyPriceLocked replaces a property's price state: current price,
// direction, and bounded FIFO history. Caller holds s.mu.
func (s *Simulator) applyPriceLocked(p *model.Property, price decimal.Decimal, direction model.Direction, cause UpdateCause, at time.Time) PriceUpdate {
	p.CurrentSharePrice = price
	p.Direction = direction
	p.PriceHistory = append(p.PriceHistory, model.PricePoint{Timestamp: at, Price: price})
	if len(p.PriceHistory) > s.historyLimit {
		p.PriceHistory = p.PriceHistory[len(p.PriceHistory)-s.historyLimit:]
	}

	return PriceUpdate{
		PropertyID: p.ID,
		Name:       p.Name,
		Price:      price,
		Direction:  direction,
		Cause:      cause,
		Timestamp:  at,
	}
}

// Get returns a copy of one property, including its price history.
func (s *Simulator) Get(propertyID int) (model.Property, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.props[propertyID]
	if !ok {
		return model.Property{}, fmt.Errorf("%w: %d", ErrPropertyNotFound, propertyID)
	}
	return copyProperty(p), nil
}

// List returns copies of all properties ordered by id.
func (s *Simulator) List() []model.Property {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Property, 0, len(s.props))
	for _, p := range s.props {
		out = append(out, copyProperty(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Subscribe registers a listener invoked after every price mutation.
// Listeners must not call back into the simulator's mutating methods.
func (s *Simulator) Subscribe(fn func(PriceUpdate)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Simulator) notify(u PriceUpdate) {
	s.mu.RLock()
	listeners := make([]func(PriceUpdate), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.RUnlock()

	for _, fn := range listeners {
		fn(u)
	}
}

// persist writes the new price state through to the store. The simulator's
// memory stays authoritative for the running process, so persistence
// failures are logged and tolerated.
func (s *Simulator) persist(u PriceUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.persistCtx(ctx, u)
}

func (s *Simulator) persistCtx(ctx context.Context, u PriceUpdate) {
	if s.st == nil {
		return
	}
	if err := s.st.UpdatePriceState(ctx, u.PropertyID, u.Price, u.Direction, u.Timestamp); err != nil {
		slog.Warn("price state persist failed", "property", u.PropertyID, "err", err)
		return
	}
	if err := s.st.InsertPricePoint(ctx, u.PropertyID, model.PricePoint{Timestamp: u.Timestamp, Price: u.Price}); err != nil {
		slog.Warn("price point persist failed", "property", u.PropertyID, "err", err)
	}
}

func copyProperty(p *model.Property) model.Property {
	cp := *p
	cp.PriceHistory = make([]model.PricePoint, len(p.PriceHistory))
	copy(cp.PriceHistory, p.PriceHistory)
	cp.RentPotential = append([]model.RentMonth(nil), p.RentPotential...)
	return cp
}

