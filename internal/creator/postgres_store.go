package creator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore keeps profiles in the creator_profiles table.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed profile store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, creatorID string) (*Profile, error) {
	prof := &Profile{}
	err := p.db.QueryRowContext(ctx, `
		SELECT creator_id, wallet, account_id, updated_at
		FROM creator_profiles WHERE creator_id = $1`, creatorID,
	).Scan(&prof.CreatorID, &prof.Wallet, &prof.AccountID, &prof.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get creator profile %s: %w", creatorID, err)
	}
	return prof, nil
}

func (p *PostgresStore) Put(ctx context.Context, prof *Profile) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO creator_profiles (creator_id, wallet, account_id, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (creator_id) DO UPDATE SET
			wallet = EXCLUDED.wallet,
			account_id = EXCLUDED.account_id,
			updated_at = EXCLUDED.updated_at`,
		prof.CreatorID, prof.Wallet, prof.AccountID, prof.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrWalletTaken
	}
	if err != nil {
		return fmt.Errorf("put creator profile %s: %w", prof.CreatorID, err)
	}
	return nil
}
