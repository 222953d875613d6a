// Package identity owns the users table: registration, password checks and
// the per-user token epoch used for mass invalidation.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"

	"token-rotation/internal/token"
)

var (
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidInput       = errors.New("invalid registration input")
	ErrNotFound           = errors.New("user not found")
)

const minPasswordLength = 8

// dummyHash keeps the cost of a login for an unknown email equal to that of a
// wrong password.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("not-a-real-password"), bcrypt.DefaultCost)

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	TokenVersion int64     `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (u User) Subject() token.Subject {
	return token.Subject{ID: u.ID, Fingerprint: u.Email, TokenEpoch: u.TokenVersion}
}

type Repository struct {
	db   *sql.DB
	cost int
	now  func() time.Time
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, cost: bcrypt.DefaultCost, now: time.Now}
}

// WithHashCost lowers the bcrypt cost; tests use bcrypt.MinCost.
func (r *Repository) WithHashCost(cost int) *Repository {
	r.cost = cost
	return r
}

func (r *Repository) Register(ctx context.Context, email, username, password string) (User, error) {
	email = normalizeEmail(email)
	username = strings.TrimSpace(username)
	if !strings.Contains(email, "@") || username == "" || len(password) < minPasswordLength {
		return User{}, ErrInvalidInput
	}

	id, err := uuid.NewV7()
	if err != nil {
		return User{}, fmt.Errorf("generate uuid v7: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), r.cost)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}

	now := r.now().UTC()
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO users (id, email, username, password_hash, token_version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $5)
	`, id.String(), email, username, string(hash), now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return User{}, ErrEmailTaken
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}

	return User{
		ID:           id.String(),
		Email:        email,
		Username:     username,
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// Authenticate returns the subject for a correct email and password. Unknown
// emails and wrong passwords are indistinguishable to the caller.
func (r *Repository) Authenticate(ctx context.Context, email, password string) (token.Subject, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return token.Subject{}, ErrInvalidCredentials
	}

	user, err := r.getBy(ctx, "email", email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
			return token.Subject{}, ErrInvalidCredentials
		}
		return token.Subject{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return token.Subject{}, ErrInvalidCredentials
	}

	return user.Subject(), nil
}

// Lookup returns nil without error when the subject does not exist.
func (r *Repository) Lookup(ctx context.Context, subjectID string) (*token.Subject, error) {
	user, err := r.getBy(ctx, "id", subjectID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	subject := user.Subject()
	return &subject, nil
}

func (r *Repository) Profile(ctx context.Context, subjectID string) (User, error) {
	return r.getBy(ctx, "id", subjectID)
}

func (r *Repository) TokenEpoch(ctx context.Context, subjectID string) (int64, error) {
	var version int64
	err := r.db.QueryRowContext(ctx, `SELECT token_version FROM users WHERE id = $1`, subjectID).Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("query token version: %w", err)
	}

	return version, nil
}

func (r *Repository) BumpTokenEpoch(ctx context.Context, subjectID string) (int64, error) {
	var version int64
	err := r.db.QueryRowContext(ctx, `
		UPDATE users
		SET token_version = token_version + 1, updated_at = $2
		WHERE id = $1
		RETURNING token_version
	`, subjectID, r.now().UTC()).Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("bump token version: %w", err)
	}

	return version, nil
}

// column is one of a fixed set of identifiers, never user input.
func (r *Repository) getBy(ctx context.Context, column, value string) (User, error) {
	var user User
	err := r.db.QueryRowContext(ctx, `
		SELECT id, email, username, password_hash, token_version, created_at, updated_at
		FROM users
		WHERE `+column+` = $1
	`, value).Scan(&user.ID, &user.Email, &user.Username, &user.PasswordHash, &user.TokenVersion, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("query user by %s: %w", column, err)
	}

	return user, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
