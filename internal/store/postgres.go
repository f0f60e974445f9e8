package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/brickshare/market-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision;
// catalog extras (rent potential) and holdings are JSONB.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const propertyColumns = `id, name, location, neighborhood, description, image_url,
        square_feet, potential_roi,
        total_value::TEXT, annual_expenses::TEXT, shares_outstanding,
        initial_share_price::TEXT, current_share_price::TEXT,
        direction, rent_potential`

func (s *PostgresStore) UpsertProperty(ctx context.Context, p *model.Property) error {
	rent, err := json.Marshal(p.RentPotential)
	if err != nil {
		return fmt.Errorf("marshal rent potential: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO properties (id, name, location, neighborhood, description, image_url,
		                         square_feet, potential_roi, total_value, annual_expenses,
		                         shares_outstanding, initial_share_price, current_share_price,
		                         direction, rent_potential)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8,
		         $9::NUMERIC, $10::NUMERIC, $11, $12::NUMERIC, $13::NUMERIC, $14, $15::JSONB)
		 ON CONFLICT (id) DO UPDATE SET
		         name = EXCLUDED.name, location = EXCLUDED.location,
		         neighborhood = EXCLUDED.neighborhood, description = EXCLUDED.description,
		         image_url = EXCLUDED.image_url, square_feet = EXCLUDED.square_feet,
		         potential_roi = EXCLUDED.potential_roi, total_value = EXCLUDED.total_value,
		         annual_expenses = EXCLUDED.annual_expenses,
		         shares_outstanding = EXCLUDED.shares_outstanding,
		         initial_share_price = EXCLUDED.initial_share_price,
		         rent_potential = EXCLUDED.rent_potential`,
		p.ID, p.Name, p.Location, p.Neighborhood, p.Description, p.ImageURL,
		p.SquareFeet, p.PotentialROI,
		p.TotalValue.String(), p.AnnualExpenses.String(), p.SharesOutstanding,
		p.InitialSharePrice.String(), p.CurrentSharePrice.String(),
		string(p.Direction), rent,
	)
	return err
}

func (s *PostgresStore) GetProperty(ctx context.Context, id int) (*model.Property, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+propertyColumns+` FROM properties WHERE id = $1`, id)
	p, err := scanProperty(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("property %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get property %d: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) ListProperties(ctx context.Context) ([]model.Property, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+propertyColumns+` FROM properties ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var properties []model.Property
	for rows.Next() {
		p, err := scanProperty(rows)
		if err != nil {
			return nil, err
		}
		properties = append(properties, *p)
	}
	return properties, rows.Err()
}

func (s *PostgresStore) UpdatePriceState(ctx context.Context, id int, price decimal.Decimal, direction model.Direction, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE properties
		 SET current_share_price = $2::NUMERIC, direction = $3, price_updated_at = $4
		 WHERE id = $1`,
		id, price.String(), string(direction), at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("property %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) InsertPricePoint(ctx context.Context, propertyID int, point model.PricePoint) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO price_points (property_id, price, observed_at)
		 VALUES ($1, $2::NUMERIC, $3)`,
		propertyID, point.Price.String(), point.Timestamp,
	)
	return err
}

func (s *PostgresStore) GetPriceHistory(ctx context.Context, propertyID int, limit int) ([]model.PricePoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT price::TEXT, observed_at FROM (
		     SELECT price, observed_at FROM price_points
		     WHERE property_id = $1 ORDER BY observed_at DESC LIMIT $2
		 ) recent ORDER BY observed_at`,
		propertyID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []model.PricePoint
	for rows.Next() {
		var priceS string
		var p model.PricePoint
		if err := rows.Scan(&priceS, &p.Timestamp); err != nil {
			return nil, err
		}
		p.Price, _ = decimal.NewFromString(priceS)
		points = append(points, p)
	}
	return points, rows.Err()
}

func (s *PostgresStore) GetPortfolio(ctx context.Context, userID string) (*model.PortfolioRecord, error) {
	var holdingsJSON []byte
	var realizedS string
	r := model.PortfolioRecord{UserID: userID}

	err := s.pool.QueryRow(ctx,
		`SELECT holdings, realized_pnl::TEXT, updated_at
		 FROM portfolios WHERE user_id = $1`, userID).
		Scan(&holdingsJSON, &realizedS, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("portfolio %s: %w", userID, ErrNotFound)
		}
		return nil, fmt.Errorf("get portfolio %s: %w", userID, err)
	}

	if err := json.Unmarshal(holdingsJSON, &r.Holdings); err != nil {
		return nil, fmt.Errorf("decode holdings for %s: %w", userID, err)
	}
	r.RealizedProfitLoss, _ = decimal.NewFromString(realizedS)
	return &r, nil
}

func (s *PostgresStore) UpsertPortfolio(ctx context.Context, record *model.PortfolioRecord) error {
	holdings, err := json.Marshal(record.Holdings)
	if err != nil {
		return fmt.Errorf("marshal holdings: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO portfolios (user_id, holdings, realized_pnl, updated_at)
		 VALUES ($1, $2::JSONB, $3::NUMERIC, $4)
		 ON CONFLICT (user_id) DO UPDATE SET
		         holdings = EXCLUDED.holdings,
		         realized_pnl = EXCLUDED.realized_pnl,
		         updated_at = EXCLUDED.updated_at`,
		record.UserID, holdings, record.RealizedProfitLoss.String(), record.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email, password_hash, created_at)
		 VALUES ($1, LOWER($2), $3, $4)`,
		u.ID, u.Email, u.PasswordHash, u.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
		return fmt.Errorf("user %s: %w", u.Email, ErrConflict)
	}
	return err
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	var u model.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, password_hash, created_at
		 FROM users WHERE email = LOWER($1)`, email).
		Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", email, ErrNotFound)
		}
		return nil, fmt.Errorf("get user %s: %w", email, err)
	}
	return &u, nil
}

// pgxRow is satisfied by both pgx.Row and pgx.Rows.
type pgxRow interface {
	Scan(dest ...interface{}) error
}

func scanProperty(row pgxRow) (*model.Property, error) {
	var p model.Property
	var totalValue, expenses, initial, current, direction string
	var rentJSON []byte

	if err := row.Scan(&p.ID, &p.Name, &p.Location, &p.Neighborhood, &p.Description,
		&p.ImageURL, &p.SquareFeet, &p.PotentialROI,
		&totalValue, &expenses, &p.SharesOutstanding,
		&initial, &current, &direction, &rentJSON); err != nil {
		return nil, err
	}

	p.TotalValue, _ = decimal.NewFromString(totalValue)
	p.AnnualExpenses, _ = decimal.NewFromString(expenses)
	p.InitialSharePrice, _ = decimal.NewFromString(initial)
	p.CurrentSharePrice, _ = decimal.NewFromString(current)
	p.Direction = model.Direction(direction)
	if len(rentJSON) > 0 {
		if err := json.Unmarshal(rentJSON, &p.RentPotential); err != nil {
			return nil, fmt.Errorf("decode rent potential: %w", err)
		}
	}
	return &p, nil
}
