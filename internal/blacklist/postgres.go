package blacklist

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore filters expired rows on read; DeleteExpired reclaims them.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *PostgresStore) Add(ctx context.Context, digest string, expiresAt time.Time) error {
	if !expiresAt.After(s.now()) {
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blacklisted_tokens (digest, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (digest) DO NOTHING
	`, digest, expiresAt.UTC())
	if err != nil {
		return unavailable("blacklist access token", err)
	}

	return nil
}

func (s *PostgresStore) Contains(ctx context.Context, digest string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM blacklisted_tokens WHERE digest = $1 AND expires_at > $2)
	`, digest, s.now()).Scan(&exists)
	if err != nil {
		return false, unavailable("check blacklist", err)
	}

	return exists, nil
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	res, err := s.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT digest
			FROM blacklisted_tokens
			WHERE expires_at <= $1
			ORDER BY expires_at ASC
			LIMIT $2
		)
		DELETE FROM blacklisted_tokens b
		USING stale
		WHERE b.digest = stale.digest
	`, s.now(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete expired blacklist entries: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expired blacklist rows affected: %w", err)
	}

	return affected, nil
}
