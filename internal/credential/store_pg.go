package credential

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openhealth/exchange/internal/registry"
)

type pgStore struct{ pool *pgxpool.Pool }

// NewPGStore returns a Store backed by Postgres. Expects the
// provider_credential table:
//
//	CREATE TABLE provider_credential (
//	    user_id          text NOT NULL,
//	    provider         text NOT NULL,
//	    provider_user_id text NOT NULL DEFAULT '',
//	    access_token     text NOT NULL,
//	    refresh_token    text NOT NULL,
//	    expires_at       timestamptz,
//	    updated_at       timestamptz NOT NULL DEFAULT now(),
//	    PRIMARY KEY (user_id, provider)
//	);
func NewPGStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

const credCols = `user_id, provider, provider_user_id, access_token, refresh_token, expires_at, updated_at`

func (s *pgStore) Get(ctx context.Context, userID string, provider registry.Provider) (*Token, error) {
	var t Token
	err := s.pool.QueryRow(ctx,
		`SELECT `+credCols+` FROM provider_credential WHERE user_id = $1 AND provider = $2`,
		userID, string(provider),
	).Scan(&t.UserID, &t.Provider, &t.ProviderUserID, &t.AccessToken,
		&t.RefreshToken, &t.ExpiresAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *pgStore) Save(ctx context.Context, t *Token) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO provider_credential (user_id, provider, provider_user_id, access_token, refresh_token, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (user_id, provider) DO UPDATE SET
			provider_user_id = EXCLUDED.provider_user_id,
			access_token     = EXCLUDED.access_token,
			refresh_token    = EXCLUDED.refresh_token,
			expires_at       = EXCLUDED.expires_at,
			updated_at       = now()`,
		t.UserID, string(t.Provider), t.ProviderUserID, t.AccessToken, t.RefreshToken, t.ExpiresAt)
	return err
}

func (s *pgStore) Delete(ctx context.Context, userID string, provider registry.Provider) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM provider_credential WHERE user_id = $1 AND provider = $2`,
		userID, string(provider))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
