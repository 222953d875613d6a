// Package session is the narrow surface the transport talks to: issue,
// refresh, revoke and introspect.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"token-rotation/internal/blacklist"
	"token-rotation/internal/refresh"
	"token-rotation/internal/rotation"
	"token-rotation/internal/token"
)

var (
	ErrInvalidAccessCredential = errors.New("invalid access credential")
	ErrBlacklisted             = errors.New("access credential revoked")
	ErrEpochMismatch           = errors.New("access credential predates token epoch")
	ErrStoreUnavailable        = errors.New("session store unavailable")
)

// EpochSource reports the current token epoch of a subject. A missing
// subject yields an error.
type EpochSource interface {
	TokenEpoch(ctx context.Context, subjectID string) (int64, error)
}

// Pair is a login or rotation result shaped for the transport.
type Pair struct {
	SubjectID        string
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

func (p Pair) ExpiresIn(now time.Time) int64 {
	remaining := p.AccessExpiresAt.Sub(now)
	if remaining < 0 {
		return 0
	}
	return int64(remaining.Seconds())
}

type Facade struct {
	coordinator *rotation.Coordinator
	signer      *token.Signer
	blacklist   blacklist.Store
	epochs      EpochSource
}

// NewFacade wires the facade. epochs may be nil, in which case the epoch
// check is skipped.
func NewFacade(coordinator *rotation.Coordinator, signer *token.Signer, denylist blacklist.Store, epochs EpochSource) *Facade {
	return &Facade{
		coordinator: coordinator,
		signer:      signer,
		blacklist:   denylist,
		epochs:      epochs,
	}
}

func (f *Facade) Issue(ctx context.Context, subject token.Subject, origin rotation.Origin) (Pair, error) {
	pair, err := f.coordinator.Login(ctx, subject, origin)
	if err != nil {
		return Pair{}, err
	}
	return toPair(pair), nil
}

func (f *Facade) Refresh(ctx context.Context, rawRefresh string, origin rotation.Origin) (Pair, error) {
	pair, err := f.coordinator.Refresh(ctx, rawRefresh, origin)
	if err != nil {
		return Pair{}, err
	}
	return toPair(pair), nil
}

// Revoke is best effort and never fails.
func (f *Facade) Revoke(ctx context.Context, rawRefresh, rawAccess string) rotation.LogoutResult {
	return f.coordinator.Logout(ctx, rawRefresh, rawAccess)
}

func (f *Facade) RevokeAll(ctx context.Context, subjectID string) error {
	_, err := f.coordinator.LogoutAll(ctx, subjectID)
	if forgetter, ok := f.epochs.(interface{ Forget(subjectID string) }); ok {
		forgetter.Forget(subjectID)
	}
	return err
}

func (f *Facade) Sessions(ctx context.Context, subjectID string) ([]refresh.Record, error) {
	return f.coordinator.Sessions(ctx, subjectID)
}

// IntrospectAccess validates an access credential: signature and expiry,
// then the blacklist, then the subject's token epoch.
func (f *Facade) IntrospectAccess(ctx context.Context, rawAccess string) (*token.AccessClaims, error) {
	claims, err := f.signer.VerifyAccess(rawAccess)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAccessCredential, err)
	}

	listed, err := f.blacklist.Contains(ctx, token.Digest(rawAccess))
	if err != nil {
		return nil, fmt.Errorf("check blacklist: %w: %w", ErrStoreUnavailable, err)
	}
	if listed {
		return nil, ErrBlacklisted
	}

	if f.epochs != nil {
		current, err := f.epochs.TokenEpoch(ctx, claims.Subject)
		if err != nil {
			return nil, fmt.Errorf("load token epoch: %w: %w", ErrStoreUnavailable, err)
		}
		if current != claims.TokenEpoch {
			return nil, ErrEpochMismatch
		}
	}

	return claims, nil
}

// IsUnauthorized reports whether err should surface as a plain 401. Store
// failures are not authorization failures.
func IsUnauthorized(err error) bool {
	if err == nil || IsUnavailable(err) {
		return false
	}

	return errors.Is(err, ErrInvalidAccessCredential) ||
		errors.Is(err, ErrBlacklisted) ||
		errors.Is(err, ErrEpochMismatch) ||
		errors.Is(err, rotation.ErrInvalidRefreshCredential) ||
		errors.Is(err, rotation.ErrUnknownRefreshCredential) ||
		errors.Is(err, rotation.ErrReuseDetected) ||
		errors.Is(err, rotation.ErrRetryOfRotatedCredential)
}

// IsUnavailable reports a backing store failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, rotation.ErrStoreUnavailable)
}

func toPair(p rotation.Pair) Pair {
	return Pair{
		SubjectID:        p.SubjectID,
		AccessToken:      p.Access.Raw,
		RefreshToken:     p.Refresh.Raw,
		AccessExpiresAt:  p.Access.ExpiresAt,
		RefreshExpiresAt: p.Refresh.ExpiresAt,
	}
}
