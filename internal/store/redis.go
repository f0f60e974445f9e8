package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/brickshare/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) UpsertProperty(ctx context.Context, p *model.Property) error {
	if err := s.primary.UpsertProperty(ctx, p); err != nil {
		return err
	}
	s.cacheProperty(ctx, p)
	return nil
}

func (s *CachedStore) UpdatePriceState(ctx context.Context, id int, price decimal.Decimal, direction model.Direction, at time.Time) error {
	if err := s.primary.UpdatePriceState(ctx, id, price, direction, at); err != nil {
		return err
	}
	// Invalidate cache; next read will re-populate.
	s.rdb.Del(ctx, propertyKey(id))
	return nil
}

func (s *CachedStore) UpsertPortfolio(ctx context.Context, record *model.PortfolioRecord) error {
	if err := s.primary.UpsertPortfolio(ctx, record); err != nil {
		return err
	}
	s.rdb.Del(ctx, portfolioKey(record.UserID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetProperty(ctx context.Context, id int) (*model.Property, error) {
	data, err := s.rdb.Get(ctx, propertyKey(id)).Bytes()
	if err == nil {
		var p model.Property
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	// Cache miss: read from primary.
	p, err := s.primary.GetProperty(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheProperty(ctx, p)
	return p, nil
}

func (s *CachedStore) GetPortfolio(ctx context.Context, userID string) (*model.PortfolioRecord, error) {
	data, err := s.rdb.Get(ctx, portfolioKey(userID)).Bytes()
	if err == nil {
		var r model.PortfolioRecord
		if json.Unmarshal(data, &r) == nil {
			return &r, nil
		}
	}

	r, err := s.primary.GetPortfolio(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(r); err == nil {
		s.rdb.Set(ctx, portfolioKey(userID), data, s.ttl)
	}
	return r, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListProperties(ctx context.Context) ([]model.Property, error) {
	return s.primary.ListProperties(ctx)
}

func (s *CachedStore) InsertPricePoint(ctx context.Context, propertyID int, point model.PricePoint) error {
	return s.primary.InsertPricePoint(ctx, propertyID, point)
}

func (s *CachedStore) GetPriceHistory(ctx context.Context, propertyID int, limit int) ([]model.PricePoint, error) {
	return s.primary.GetPriceHistory(ctx, propertyID, limit)
}

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	return s.primary.CreateUser(ctx, u)
}

func (s *CachedStore) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return s.primary.GetUserByEmail(ctx, email)
}

// --- Cache helpers ---

func (s *CachedStore) cacheProperty(ctx context.Context, p *model.Property) {
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, propertyKey(p.ID), data, s.ttl)
	}
}

func propertyKey(id int) string        { return fmt.Sprintf("property:%d", id) }
func portfolioKey(userID string) string { return fmt.Sprintf("portfolio:%s", userID) }
