package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/brickshare/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	properties map[int]*model.Property
	history    map[int][]model.PricePoint
	portfolios map[string]*model.PortfolioRecord
	users      map[string]*model.User // keyed by lowercased email
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		properties: make(map[int]*model.Property),
		history:    make(map[int][]model.PricePoint),
		portfolios: make(map[string]*model.PortfolioRecord),
		users:      make(map[string]*model.User),
	}
}

func (s *MemoryStore) UpsertProperty(_ context.Context, p *model.Property) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	cp := *p
	cp.PriceHistory = nil
	s.properties[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetProperty(_ context.Context, id int) (*model.Property, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.properties[id]
	if !ok {
		return nil, fmt.Errorf("property %d: %w", id, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListProperties(_ context.Context) ([]model.Property, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	properties := make([]model.Property, 0, len(s.properties))
	for _, p := range s.properties {
		properties = append(properties, *p)
	}
	sort.Slice(properties, func(i, j int) bool { return properties[i].ID < properties[j].ID })
	return properties, nil
}

func (s *MemoryStore) UpdatePriceState(_ context.Context, id int, price decimal.Decimal, direction model.Direction, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.properties[id]
	if !ok {
		return fmt.Errorf("property %d: %w", id, ErrNotFound)
	}
	p.CurrentSharePrice = price
	p.Direction = direction
	return nil
}

func (s *MemoryStore) InsertPricePoint(_ context.Context, propertyID int, point model.PricePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.properties[propertyID]; !ok {
		return fmt.Errorf("property %d: %w", propertyID, ErrNotFound)
	}
	s.history[propertyID] = append(s.history[propertyID], point)
	return nil
}

func (s *MemoryStore) GetPriceHistory(_ context.Context, propertyID int, limit int) ([]model.PricePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	points := s.history[propertyID]
	if limit > 0 && len(points) > limit {
		points = points[len(points)-limit:]
	}
	out := make([]model.PricePoint, len(points))
	copy(out, points)
	return out, nil
}

func (s *MemoryStore) GetPortfolio(_ context.Context, userID string) (*model.PortfolioRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.portfolios[userID]
	if !ok {
		return nil, fmt.Errorf("portfolio %s: %w", userID, ErrNotFound)
	}
	return copyRecord(r), nil
}

func (s *MemoryStore) UpsertPortfolio(_ context.Context, record *model.PortfolioRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.portfolios[record.UserID] = copyRecord(record)
	return nil
}

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(u.Email)
	if _, ok := s.users[key]; ok {
		return fmt.Errorf("user %s: %w", u.Email, ErrConflict)
	}
	cp := *u
	s.users[key] = &cp
	return nil
}

func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[strings.ToLower(email)]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", email, ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func copyRecord(r *model.PortfolioRecord) *model.PortfolioRecord {
	cp := *r
	cp.Holdings = make([]model.Holding, len(r.Holdings))
	copy(cp.Holdings, r.Holdings)
	return &cp
}
