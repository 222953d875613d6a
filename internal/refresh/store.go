// Package refresh persists refresh-credential records. Records are keyed by
// rotation id, hold only credential digests, and are revoked exactly once.
package refresh

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDuplicateDigest  = errors.New("refresh record digest already exists")
	ErrStoreUnavailable = errors.New("refresh store unavailable")
)

// Record is one issued refresh credential.
type Record struct {
	ID               string
	SubjectID        string
	RotationID       string
	CredentialDigest string
	CreatedAt        time.Time
	ExpiresAt        time.Time
	RevokedAt        *time.Time
	ReplacedByDigest *string
	OriginIP         string
	OriginAgent      string
}

// Active reports whether the record can still be rotated at now.
func (r Record) Active(now time.Time) bool {
	return r.RevokedAt == nil && r.ExpiresAt.After(now)
}

// RevokeOutcome is the result of the conditional revoke.
type RevokeOutcome int

const (
	NotFound RevokeOutcome = iota
	AlreadyRevoked
	RevokedNow
)

func (o RevokeOutcome) String() string {
	switch o {
	case RevokedNow:
		return "revoked_now"
	case AlreadyRevoked:
		return "already_revoked"
	default:
		return "not_found"
	}
}

// Store is the persistence contract used by the rotation coordinator.
//
// RevokeIfActive must be one indivisible conditional write: revoke the record
// for rotationID only if it is active and its digest equals expectedDigest.
// Of any number of concurrent callers with the same arguments exactly one
// observes RevokedNow. replacedByDigest, when non-empty, is recorded in the
// same write so the chain link cannot be lost.
type Store interface {
	Insert(ctx context.Context, record Record) (Record, error)
	FindActiveByRotationID(ctx context.Context, rotationID string) (*Record, error)
	FindAnyByRotationID(ctx context.Context, rotationID string) (*Record, error)
	RevokeIfActive(ctx context.Context, rotationID, expectedDigest, replacedByDigest string) (RevokeOutcome, error)
	RevokeAllActiveForSubject(ctx context.Context, subjectID string) (int64, error)
	RevokeActiveByDigest(ctx context.Context, digest string) (bool, error)
	ListActiveForSubject(ctx context.Context, subjectID string) ([]Record, error)
}
