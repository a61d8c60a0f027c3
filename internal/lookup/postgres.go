package lookup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Postgres implements every lookup against the tables created by the
// migrations in migrations/.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a PostgreSQL-backed lookup set.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Profile(ctx context.Context, userID string) (*Profile, error) {
	var (
		prof    Profile
		age     sql.NullInt64
		country sql.NullString
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT user_id, age, account_created_at, home_country
		FROM user_profiles WHERE user_id = $1
	`, userID).Scan(&prof.UserID, &age, &prof.AccountCreatedAt, &country)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup profile %s: %w", userID, err)
	}
	prof.Age = int(age.Int64)
	prof.HomeCountry = country.String
	return &prof, nil
}

func (p *Postgres) Merchant(ctx context.Context, merchantID string) (*Merchant, error) {
	var m Merchant
	err := p.db.QueryRowContext(ctx, `
		SELECT merchant_id, category_code FROM merchants WHERE merchant_id = $1
	`, merchantID).Scan(&m.ID, &m.CategoryCode)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup merchant %s: %w", merchantID, err)
	}
	return &m, nil
}

// PriorFraudScore is the share of the user's historical transactions that
// were confirmed fraudulent.
func (p *Postgres) PriorFraudScore(ctx context.Context, userID string) (float64, error) {
	var total, confirmed int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE confirmed_fraud)
		FROM fraud_history WHERE user_id = $1
	`, userID).Scan(&total, &confirmed)
	if err != nil {
		return 0, fmt.Errorf("lookup fraud history %s: %w", userID, err)
	}
	if total == 0 {
		return 0, ErrNotFound
	}
	return float64(confirmed) / float64(total), nil
}

func (p *Postgres) KnownDevice(ctx context.Context, userID, fingerprint string) (bool, error) {
	var known bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM user_devices WHERE user_id = $1 AND fingerprint = $2
		)
	`, userID, fingerprint).Scan(&known)
	if err != nil {
		return false, fmt.Errorf("lookup device for %s: %w", userID, err)
	}
	return known, nil
}

// Ping checks connectivity for health reporting.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}
