// Package blacklist holds access credentials revoked before their natural
// expiry. Entries live exactly as long as the credential they cover.
package blacklist

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrStoreUnavailable = errors.New("blacklist store unavailable")

type Store interface {
	// Add records digest until expiresAt. Adding an existing digest or an
	// already expired entry is a no-op.
	Add(ctx context.Context, digest string, expiresAt time.Time) error
	// Contains reports whether an unexpired entry exists for digest.
	Contains(ctx context.Context, digest string) (bool, error)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
