package refresh

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

const recordColumns = `id, subject_id, rotation_id, credential_digest, created_at, expires_at,
		revoked_at, replaced_by_digest, origin_ip, origin_agent`

type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *PostgresStore) Insert(ctx context.Context, record Record) (Record, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Record{}, fmt.Errorf("generate refresh record id: %w", err)
	}

	record.ID = id.String()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO refresh_records (id, subject_id, rotation_id, credential_digest, created_at, expires_at, origin_ip, origin_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, record.ID, record.SubjectID, record.RotationID, record.CredentialDigest,
		record.CreatedAt.UTC(), record.ExpiresAt.UTC(), record.OriginIP, record.OriginAgent)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return Record{}, ErrDuplicateDigest
		}
		return Record{}, unavailable("insert refresh record", err)
	}

	return record, nil
}

func (s *PostgresStore) FindActiveByRotationID(ctx context.Context, rotationID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM refresh_records
		WHERE rotation_id = $1 AND revoked_at IS NULL AND expires_at > $2
	`, rotationID, s.now())

	return scanOptional(row, "find active refresh record")
}

func (s *PostgresStore) FindAnyByRotationID(ctx context.Context, rotationID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM refresh_records
		WHERE rotation_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, rotationID)

	return scanOptional(row, "find refresh record")
}

// RevokeIfActive is a single conditional UPDATE; concurrent callers serialize
// on the row lock and all but one see zero affected rows.
func (s *PostgresStore) RevokeIfActive(ctx context.Context, rotationID, expectedDigest, replacedByDigest string) (RevokeOutcome, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		UPDATE refresh_records
		SET revoked_at = $4, replaced_by_digest = NULLIF($3, '')
		WHERE rotation_id = $1
		  AND credential_digest = $2
		  AND revoked_at IS NULL
		  AND expires_at > $4
		RETURNING id
	`, rotationID, expectedDigest, replacedByDigest, s.now()).Scan(&id)
	if err == nil {
		return RevokedNow, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return NotFound, unavailable("revoke refresh record", err)
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM refresh_records WHERE rotation_id = $1)
	`, rotationID).Scan(&exists); err != nil {
		return NotFound, unavailable("probe refresh record", err)
	}
	if exists {
		return AlreadyRevoked, nil
	}

	return NotFound, nil
}

func (s *PostgresStore) RevokeAllActiveForSubject(ctx context.Context, subjectID string) (int64, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE refresh_records
		SET revoked_at = $2
		WHERE subject_id = $1 AND revoked_at IS NULL AND expires_at > $2
	`, subjectID, now)
	if err != nil {
		return 0, unavailable("revoke subject refresh records", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("revoke subject rows affected", err)
	}

	return affected, nil
}

func (s *PostgresStore) RevokeActiveByDigest(ctx context.Context, digest string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE refresh_records
		SET revoked_at = $2
		WHERE credential_digest = $1 AND revoked_at IS NULL
	`, digest, s.now())
	if err != nil {
		return false, unavailable("revoke refresh record by digest", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("revoke by digest rows affected", err)
	}

	return affected > 0, nil
}

func (s *PostgresStore) ListActiveForSubject(ctx context.Context, subjectID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM refresh_records
		WHERE subject_id = $1 AND revoked_at IS NULL AND expires_at > $2
		ORDER BY created_at DESC
	`, subjectID, s.now())
	if err != nil {
		return nil, unavailable("list refresh records", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, unavailable("scan refresh record", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate refresh records", err)
	}

	return records, nil
}

// DeleteExpired removes up to batchSize records that expired more than
// retention ago. Revoked records survive until then.
func (s *PostgresStore) DeleteExpired(ctx context.Context, retention time.Duration, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	if retention < 0 {
		retention = 0
	}

	res, err := s.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM refresh_records
			WHERE expires_at < $1
			ORDER BY expires_at ASC
			LIMIT $2
		)
		DELETE FROM refresh_records r
		USING stale
		WHERE r.id = stale.id
	`, s.now().Add(-retention), batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete expired refresh records: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expired refresh records rows affected: %w", err)
	}

	return affected, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOptional(row rowScanner, op string) (*Record, error) {
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, unavailable(op, err)
	}

	return &record, nil
}

func scanRecord(row rowScanner) (Record, error) {
	var record Record
	var revokedAt sql.NullTime
	var replacedBy, originIP, originAgent sql.NullString

	if err := row.Scan(
		&record.ID,
		&record.SubjectID,
		&record.RotationID,
		&record.CredentialDigest,
		&record.CreatedAt,
		&record.ExpiresAt,
		&revokedAt,
		&replacedBy,
		&originIP,
		&originAgent,
	); err != nil {
		return Record{}, err
	}

	record.CreatedAt = record.CreatedAt.UTC()
	record.ExpiresAt = record.ExpiresAt.UTC()
	if revokedAt.Valid {
		value := revokedAt.Time.UTC()
		record.RevokedAt = &value
	}
	if replacedBy.Valid {
		value := replacedBy.String
		record.ReplacedByDigest = &value
	}
	record.OriginIP = originIP.String
	record.OriginAgent = originAgent.String

	return record, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
