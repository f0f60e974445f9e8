// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/brickshare/market-engine/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
// Callers distinguish it from transport failures with errors.Is.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a unique constraint would be violated,
// e.g. registering an email that already has an account.
var ErrConflict = errors.New("store: already exists")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Property catalog and price state ---

	// UpsertProperty persists a property, inserting or replacing by id.
	UpsertProperty(ctx context.Context, p *model.Property) error

	// GetProperty retrieves a property by id (without price history).
	GetProperty(ctx context.Context, id int) (*model.Property, error)

	// ListProperties returns all properties ordered by id.
	ListProperties(ctx context.Context) ([]model.Property, error)

	// UpdatePriceState records a new current price and direction.
	UpdatePriceState(ctx context.Context, id int, price decimal.Decimal, direction model.Direction, at time.Time) error

	// --- Price history ---

	// InsertPricePoint appends one observation to a property's history.
	InsertPricePoint(ctx context.Context, propertyID int, point model.PricePoint) error

	// GetPriceHistory returns the most recent limit observations in
	// ascending timestamp order.
	GetPriceHistory(ctx context.Context, propertyID int, limit int) ([]model.PricePoint, error)

	// --- Portfolio records (keyed by user id) ---

	// GetPortfolio retrieves a user's portfolio record, or ErrNotFound.
	GetPortfolio(ctx context.Context, userID string) (*model.PortfolioRecord, error)

	// UpsertPortfolio replaces a user's portfolio record.
	UpsertPortfolio(ctx context.Context, record *model.PortfolioRecord) error

	// --- User accounts ---

	// CreateUser persists a new account. ErrConflict if the email is taken.
	CreateUser(ctx context.Context, u *model.User) error

	// GetUserByEmail retrieves an account by email, or ErrNotFound.
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
}
