package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Kind tells access and refresh credentials apart inside the signed payload.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

// Subject is the identity data embedded in an access credential.
type Subject struct {
	ID          string
	Fingerprint string
	TokenEpoch  int64
}

// AccessClaims is the payload of an access credential. Subject carries the
// identity id and ID a per-credential random nonce.
type AccessClaims struct {
	Email      string `json:"email,omitempty"`
	TokenEpoch int64  `json:"token_version"`
	Type       Kind   `json:"typ"`
	jwt.RegisteredClaims
}

// RefreshClaims is the payload of a refresh credential. ID holds the
// rotation id used as the store lookup key.
type RefreshClaims struct {
	Type Kind `json:"typ"`
	jwt.RegisteredClaims
}

func (c RefreshClaims) RotationID() string {
	return c.ID
}

// Credential is a freshly signed token together with its validity window.
type Credential struct {
	Raw       string
	IssuedAt  time.Time
	ExpiresAt time.Time
}
