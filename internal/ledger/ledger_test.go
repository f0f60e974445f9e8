package ledger_test

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/brickshare/market-engine/internal/ledger"
	"github.com/brickshare/market-engine/internal/market"
	"github.com/brickshare/market-engine/internal/model"
	"github.com/brickshare/market-engine/internal/pricing"
	"github.com/brickshare/market-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seedProperty(id int, name string, price float64) model.Property {
	return model.Property{
		ID:                id,
		Name:              name,
		Location:          "Testville",
		TotalValue:        d(price * 10000),
		SharesOutstanding: 10000,
		InitialSharePrice: d(price),
		CurrentSharePrice: d(price),
		Direction:         model.DirectionStable,
		PriceHistory: []model.PricePoint{
			{Timestamp: time.Now().UTC(), Price: d(price)},
		},
	}
}

// newTestLedger composes a ledger with an in-memory store and a real
// simulator seeded with one $75.00 property.
func newTestLedger(t *testing.T) (*ledger.Service, *market.Simulator, *store.MemoryStore) {
	t.Helper()

	ms := store.NewMemoryStore()
	seeds := []model.Property{
		seedProperty(1, "Modern City Loft", 75),
		seedProperty(2, "Cozy Lakeside Cabin", 56),
	}
	for i := range seeds {
		if err := ms.UpsertProperty(context.Background(), &seeds[i]); err != nil {
			t.Fatalf("seed store: %v", err)
		}
	}
	sim := market.New(pricing.NewDefaultEngine(), ms, seeds, 100, rand.New(rand.NewSource(1)))
	return ledger.NewService(ms, sim), sim, ms
}

func TestUpdateHolding_CreateOnFirstBuy(t *testing.T) {
	svc, _, _ := newTestLedger(t)
	ctx := context.Background()

	record, err := svc.UpdateHolding(ctx, "user1", 1, 10, d(75))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}

	h, ok := record.Holding(1)
	if !ok {
		t.Fatal("expected a holding for property 1")
	}
	if h.SharesOwned != 10 {
		t.Errorf("shares = %d, want 10", h.SharesOwned)
	}
	if !h.PurchasePricePerShare.Equal(d(75)) {
		t.Errorf("basis = %s, want 75", h.PurchasePricePerShare)
	}
	if !record.RealizedProfitLoss.IsZero() {
		t.Errorf("realized P&L should be zero after a buy, got %s", record.RealizedProfitLoss)
	}
}

func TestUpdateHolding_WeightedAverageBasis(t *testing.T) {
	svc, _, _ := newTestLedger(t)
	ctx := context.Background()

	// (10×75 + 10×80) / 20 = 77.50
	if _, err := svc.UpdateHolding(ctx, "user1", 1, 10, d(75)); err != nil {
		t.Fatalf("first buy: %v", err)
	}
	record, err := svc.UpdateHolding(ctx, "user1", 1, 10, d(80))
	if err != nil {
		t.Fatalf("second buy: %v", err)
	}

	h, _ := record.Holding(1)
	if h.SharesOwned != 20 {
		t.Errorf("shares = %d, want 20", h.SharesOwned)
	}
	if !h.PurchasePricePerShare.Equal(d(77.5)) {
		t.Errorf("basis = %s, want 77.5", h.PurchasePricePerShare)
	}
}

func TestUpdateHolding_BasisOrderIndependent(t *testing.T) {
	ctx := context.Background()

	run := func(t *testing.T, firstShares int64, firstPrice float64, secondShares int64, secondPrice float64) decimal.Decimal {
		svc, _, _ := newTestLedger(t)
		if _, err := svc.UpdateHolding(ctx, "u", 1, firstShares, d(firstPrice)); err != nil {
			t.Fatalf("buy: %v", err)
		}
		record, err := svc.UpdateHolding(ctx, "u", 1, secondShares, d(secondPrice))
		if err != nil {
			t.Fatalf("buy: %v", err)
		}
		h, _ := record.Holding(1)
		return h.PurchasePricePerShare
	}

	a := run(t, 7, 75, 13, 82)
	b := run(t, 13, 82, 7, 75)
	if !a.Equal(b) {
		t.Errorf("basis depends on buy order: %s vs %s", a, b)
	}
}

func TestUpdateHolding_DisposalRealizesProfitAndKeepsBasis(t *testing.T) {
	svc, _, _ := newTestLedger(t)
	ctx := context.Background()

	// Buy 10 @75, buy 10 @80 → 20 @77.50;
	// sell 15 @90 → realized += (90−77.5)×15 = 187.50, holding 5 @77.50.
	if _, err := svc.UpdateHolding(ctx, "user1", 1, 10, d(75)); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if _, err := svc.UpdateHolding(ctx, "user1", 1, 10, d(80)); err != nil {
		t.Fatalf("buy: %v", err)
	}
	record, err := svc.UpdateHolding(ctx, "user1", 1, -15, d(90))
	if err != nil {
		t.Fatalf("sell: %v", err)
	}

	if !record.RealizedProfitLoss.Equal(d(187.5)) {
		t.Errorf("realized P&L = %s, want 187.5", record.RealizedProfitLoss)
	}
	h, ok := record.Holding(1)
	if !ok {
		t.Fatal("holding should survive a partial disposal")
	}
	if h.SharesOwned != 5 {
		t.Errorf("shares = %d, want 5", h.SharesOwned)
	}
	if !h.PurchasePricePerShare.Equal(d(77.5)) {
		t.Errorf("basis changed on disposal: %s, want 77.5", h.PurchasePricePerShare)
	}
}

func TestUpdateHolding_SellAllRemovesHolding(t *testing.T) {
	svc, _, _ := newTestLedger(t)
	ctx := context.Background()

	if _, err := svc.UpdateHolding(ctx, "user1", 1, 10, d(75)); err != nil {
		t.Fatalf("buy: %v", err)
	}
	record, err := svc.UpdateHolding(ctx, "user1", 1, -10, d(80))
	if err != nil {
		t.Fatalf("sell: %v", err)
	}

	if _, ok := record.Holding(1); ok {
		t.Error("fully-closed holding must be removed, not zeroed")
	}
	// (80 − 75) × 10 = 50
	if !record.RealizedProfitLoss.Equal(d(50)) {
		t.Errorf("realized P&L = %s, want 50", record.RealizedProfitLoss)
	}
}

func TestUpdateHolding_RealizedLossAccumulates(t *testing.T) {
	svc, _, _ := newTestLedger(t)
	ctx := context.Background()

	if _, err := svc.UpdateHolding(ctx, "user1", 1, 10, d(75)); err != nil {
		t.Fatalf("buy: %v", err)
	}
	record, err := svc.UpdateHolding(ctx, "user1", 1, -4, d(70))
	if err != nil {
		t.Fatalf("sell: %v", err)
	}

	// (70 − 75) × 4 = −20
	if !record.RealizedProfitLoss.Equal(d(-20)) {
		t.Errorf("realized P&L = %s, want -20", record.RealizedProfitLoss)
	}
}

func TestUpdateHolding_OversellRejected(t *testing.T) {
	svc, _, _ := newTestLedger(t)
	ctx := context.Background()

	if _, err := svc.UpdateHolding(ctx, "user1", 1, 10, d(75)); err != nil {
		t.Fatalf("buy: %v", err)
	}

	if _, err := svc.UpdateHolding(ctx, "user1", 1, -11, d(80)); !errors.Is(err, ledger.ErrInsufficientShares) {
		t.Fatalf("expected ErrInsufficientShares, got %v", err)
	}

	// State untouched by the rejected disposal.
	record, err := svc.Record(ctx, "user1")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	h, _ := record.Holding(1)
	if h.SharesOwned != 10 {
		t.Errorf("shares = %d after rejected oversell, want 10", h.SharesOwned)
	}
	if !record.RealizedProfitLoss.IsZero() {
		t.Errorf("realized P&L mutated by rejected oversell: %s", record.RealizedProfitLoss)
	}
}

func TestUpdateHolding_SellUnownedRejected(t *testing.T) {
	svc, _, _ := newTestLedger(t)

	if _, err := svc.UpdateHolding(context.Background(), "user1", 1, -5, d(75)); !errors.Is(err, ledger.ErrInsufficientShares) {
		t.Errorf("expected ErrInsufficientShares for unowned property, got %v", err)
	}
}

func TestUpdateHolding_ZeroDeltaRejected(t *testing.T) {
	svc, _, _ := newTestLedger(t)

	if _, err := svc.UpdateHolding(context.Background(), "user1", 1, 0, d(75)); !errors.Is(err, ledger.ErrInvalidQuantity) {
		t.Errorf("expected ErrInvalidQuantity, got %v", err)
	}
}

func TestUpdateHolding_PersistsToStore(t *testing.T) {
	svc, _, ms := newTestLedger(t)
	ctx := context.Background()

	if _, err := svc.UpdateHolding(ctx, "user1", 1, 10, d(75)); err != nil {
		t.Fatalf("buy: %v", err)
	}

	stored, err := ms.GetPortfolio(ctx, "user1")
	if err != nil {
		t.Fatalf("stored portfolio: %v", err)
	}
	h, ok := stored.Holding(1)
	if !ok || h.SharesOwned != 10 {
		t.Errorf("store should hold the flushed record, got %+v", stored.Holdings)
	}
}

// failingStore delegates to a MemoryStore but fails portfolio writes on
// demand, to exercise the persist-then-commit ordering.
type failingStore struct {
	*store.MemoryStore
	failUpserts bool
}

func (f *failingStore) UpsertPortfolio(ctx context.Context, record *model.PortfolioRecord) error {
	if f.failUpserts {
		return errors.New("store unavailable")
	}
	return f.MemoryStore.UpsertPortfolio(ctx, record)
}

func TestUpdateHolding_FailedPersistNotCommitted(t *testing.T) {
	ctx := context.Background()
	fs := &failingStore{MemoryStore: store.NewMemoryStore()}
	seed := seedProperty(1, "Modern City Loft", 75)
	if err := fs.UpsertProperty(ctx, &seed); err != nil {
		t.Fatalf("seed: %v", err)
	}
	sim := market.New(pricing.NewDefaultEngine(), fs, []model.Property{seed}, 100, rand.New(rand.NewSource(1)))
	svc := ledger.NewService(fs, sim)

	if _, err := svc.UpdateHolding(ctx, "user1", 1, 10, d(75)); err != nil {
		t.Fatalf("initial buy: %v", err)
	}

	fs.failUpserts = true
	if _, err := svc.UpdateHolding(ctx, "user1", 1, 10, d(80)); !errors.Is(err, ledger.ErrPersistFailed) {
		t.Fatalf("expected ErrPersistFailed, got %v", err)
	}
	fs.failUpserts = false

	// Memory rolled with the store: still the first buy only.
	record, err := svc.Record(ctx, "user1")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	h, _ := record.Holding(1)
	if h.SharesOwned != 10 {
		t.Errorf("shares = %d after failed persist, want 10", h.SharesOwned)
	}
	if !h.PurchasePricePerShare.Equal(d(75)) {
		t.Errorf("basis = %s after failed persist, want 75", h.PurchasePricePerShare)
	}
}

func TestLoad_InitializesMissingRecord(t *testing.T) {
	svc, _, ms := newTestLedger(t)
	ctx := context.Background()

	record, err := svc.Load(ctx, "fresh-user")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(record.Holdings) != 0 || !record.RealizedProfitLoss.IsZero() {
		t.Errorf("fresh record should be empty, got %+v", record)
	}

	// "Not found" was converted into a stored empty record.
	if _, err := ms.GetPortfolio(ctx, "fresh-user"); err != nil {
		t.Errorf("empty record should have been written through: %v", err)
	}
}

func TestRelease_ClearsMemoryNotStore(t *testing.T) {
	svc, _, ms := newTestLedger(t)
	ctx := context.Background()

	if _, err := svc.UpdateHolding(ctx, "user1", 1, 10, d(75)); err != nil {
		t.Fatalf("buy: %v", err)
	}
	svc.Release("user1")

	// The store still has the record, and Record reloads it from there.
	if _, err := ms.GetPortfolio(ctx, "user1"); err != nil {
		t.Fatalf("store lost the record on release: %v", err)
	}
	record, err := svc.Record(ctx, "user1")
	if err != nil {
		t.Fatalf("record after release: %v", err)
	}
	if h, ok := record.Holding(1); !ok || h.SharesOwned != 10 {
		t.Errorf("reloaded record lost the holding: %+v", record.Holdings)
	}
}

func TestSnapshot_TotalsAndGrandTotal(t *testing.T) {
	svc, sim, _ := newTestLedger(t)
	ctx := context.Background()

	// Hold 10 of property 1 @75 and 5 of property 2 @56, then realize a
	// gain on a third position's worth of activity in property 1.
	if _, err := svc.UpdateHolding(ctx, "user1", 1, 15, d(75)); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if _, err := svc.UpdateHolding(ctx, "user1", 2, 5, d(56)); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if _, err := svc.UpdateHolding(ctx, "user1", 1, -5, d(90)); err != nil {
		t.Fatalf("sell: %v", err)
	}

	snap, err := svc.Snapshot(ctx, "user1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	if snap.TotalShares != 15 {
		t.Errorf("total shares = %d, want 15", snap.TotalShares)
	}

	p1, _ := sim.Get(1)
	p2, _ := sim.Get(2)
	wantValue := p1.CurrentSharePrice.Mul(d(10)).Add(p2.CurrentSharePrice.Mul(d(5)))
	if !snap.CurrentValue.Equal(wantValue) {
		t.Errorf("current value = %s, want %s", snap.CurrentValue, wantValue)
	}

	wantUnrealized := p1.CurrentSharePrice.Sub(d(75)).Mul(d(10)).
		Add(p2.CurrentSharePrice.Sub(d(56)).Mul(d(5)))
	if !snap.UnrealizedPnL.Equal(wantUnrealized) {
		t.Errorf("unrealized = %s, want %s", snap.UnrealizedPnL, wantUnrealized)
	}

	// Grand total is always unrealized + realized, for every snapshot.
	if !snap.GrandTotalPnL.Equal(snap.UnrealizedPnL.Add(snap.RealizedPnL)) {
		t.Errorf("grand total %s != unrealized %s + realized %s",
			snap.GrandTotalPnL, snap.UnrealizedPnL, snap.RealizedPnL)
	}
	// (90 − 75) × 5 = 75 realized.
	if !snap.RealizedPnL.Equal(d(75)) {
		t.Errorf("realized = %s, want 75", snap.RealizedPnL)
	}
}

func TestSnapshot_GrandTotalHoldsAfterTicks(t *testing.T) {
	svc, sim, _ := newTestLedger(t)
	ctx := context.Background()

	if _, err := svc.UpdateHolding(ctx, "user1", 1, 10, d(75)); err != nil {
		t.Fatalf("buy: %v", err)
	}

	for i := 0; i < 5; i++ {
		sim.Tick()
		snap, err := svc.Snapshot(ctx, "user1")
		if err != nil {
			t.Fatalf("snapshot: %v", err)
		}
		if !snap.GrandTotalPnL.Equal(snap.UnrealizedPnL.Add(snap.RealizedPnL)) {
			t.Fatalf("tick %d: grand total invariant broken", i)
		}
	}
}

func TestSnapshot_ValueHistoryMergesTimestamps(t *testing.T) {
	svc, sim, _ := newTestLedger(t)
	ctx := context.Background()

	if _, err := svc.UpdateHolding(ctx, "user1", 1, 10, d(75)); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if _, err := svc.UpdateHolding(ctx, "user1", 2, 4, d(56)); err != nil {
		t.Fatalf("buy: %v", err)
	}

	sim.Tick()
	sim.Tick()

	snap, err := svc.Snapshot(ctx, "user1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.ValueHistory) == 0 {
		t.Fatal("expected a merged value history")
	}

	for i := 1; i < len(snap.ValueHistory); i++ {
		if snap.ValueHistory[i].Timestamp.Before(snap.ValueHistory[i-1].Timestamp) {
			t.Fatalf("value history out of order at %d", i)
		}
	}

	// Each tick stamps both properties at the same instant, so the last
	// merged point equals the current total value.
	last := snap.ValueHistory[len(snap.ValueHistory)-1]
	p1, _ := sim.Get(1)
	p2, _ := sim.Get(2)
	want := p1.CurrentSharePrice.Mul(d(10)).Add(p2.CurrentSharePrice.Mul(d(4)))
	if !last.Value.Equal(want) {
		t.Errorf("last merged value = %s, want %s", last.Value, want)
	}
}

// staticMarket serves fixed property state, letting tests shape price
// histories directly.
type staticMarket struct {
	props map[int]model.Property
}

func (m staticMarket) Get(propertyID int) (model.Property, error) {
	p, ok := m.props[propertyID]
	if !ok {
		return model.Property{}, market.ErrPropertyNotFound
	}
	return p, nil
}

func TestSnapshot_SameMillisecondPointsCountOnce(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()

	// Two observations in the same millisecond: only the latest one may
	// contribute, or the point's value is inflated by the stale price.
	at := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	prop := seedProperty(1, "Modern City Loft", 75)
	prop.CurrentSharePrice = d(76)
	prop.PriceHistory = []model.PricePoint{
		{Timestamp: at, Price: d(75)},
		{Timestamp: at, Price: d(76)},
	}

	svc := ledger.NewService(ms, staticMarket{props: map[int]model.Property{1: prop}})
	if _, err := svc.UpdateHolding(ctx, "user1", 1, 10, d(75)); err != nil {
		t.Fatalf("buy: %v", err)
	}

	snap, err := svc.Snapshot(ctx, "user1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	if len(snap.ValueHistory) != 1 {
		t.Fatalf("got %d merged points, want 1", len(snap.ValueHistory))
	}
	// 76 × 10 shares, not (75 + 76) × 10.
	if !snap.ValueHistory[0].Value.Equal(d(760)) {
		t.Errorf("merged value = %s, want 760", snap.ValueHistory[0].Value)
	}
}

func TestSnapshot_EmptyPortfolio(t *testing.T) {
	svc, _, _ := newTestLedger(t)

	snap, err := svc.Snapshot(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.TotalShares != 0 || !snap.CurrentValue.IsZero() || !snap.GrandTotalPnL.IsZero() {
		t.Errorf("empty portfolio should be all zeros, got %+v", snap)
	}
	if len(snap.ValueHistory) != 0 {
		t.Errorf("empty portfolio should have no value history")
	}
}
