package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const rotationIDBytes = 16

// Config holds the signing material and lifetimes. Secrets for the two kinds
// may be identical; the typ claim still keeps them apart.
type Config struct {
	AccessSecret  []byte
	RefreshSecret []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
	Leeway        time.Duration
}

// Signer mints and verifies credentials. It never touches a store.
type Signer struct {
	config Config
	now    func() time.Time
}

func NewSigner(cfg Config) (*Signer, error) {
	if len(cfg.AccessSecret) == 0 {
		return nil, errors.New("access secret is required")
	}
	if len(cfg.RefreshSecret) == 0 {
		cfg.RefreshSecret = cfg.AccessSecret
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}

	return &Signer{config: cfg, now: time.Now}, nil
}

// WithClock replaces the time source; used by tests.
func (s *Signer) WithClock(now func() time.Time) *Signer {
	s.now = now
	return s
}

func (s *Signer) AccessTTL() time.Duration {
	return s.config.AccessTTL
}

func (s *Signer) RefreshTTL() time.Duration {
	return s.config.RefreshTTL
}

func (s *Signer) IssueAccess(subject Subject) (Credential, error) {
	if strings.TrimSpace(subject.ID) == "" {
		return Credential{}, errors.New("subject id is required")
	}

	nonce, err := NewRotationID()
	if err != nil {
		return Credential{}, fmt.Errorf("generate access nonce: %w", err)
	}

	now := s.now().UTC()
	expiresAt := now.Add(s.config.AccessTTL)
	claims := AccessClaims{
		Email:      subject.Fingerprint,
		TokenEpoch: subject.TokenEpoch,
		Type:       KindAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject.ID,
			ID:        nonce,
			Issuer:    s.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	return s.sign(claims, s.config.AccessSecret, now, expiresAt)
}

func (s *Signer) IssueRefresh(subjectID, rotationID string) (Credential, error) {
	if strings.TrimSpace(subjectID) == "" || strings.TrimSpace(rotationID) == "" {
		return Credential{}, errors.New("subject id and rotation id are required")
	}

	now := s.now().UTC()
	expiresAt := now.Add(s.config.RefreshTTL)
	claims := RefreshClaims{
		Type: KindRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectID,
			ID:        rotationID,
			Issuer:    s.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	return s.sign(claims, s.config.RefreshSecret, now, expiresAt)
}

func (s *Signer) sign(claims jwt.Claims, secret []byte, issuedAt, expiresAt time.Time) (Credential, error) {
	encoded, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return Credential{}, fmt.Errorf("sign jwt: %w", err)
	}

	return Credential{
		Raw:       encoded,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt.Truncate(time.Second),
	}, nil
}

// VerifyAccess checks signature, expiry and kind of an access credential.
func (s *Signer) VerifyAccess(raw string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := s.verify(raw, s.config.AccessSecret, claims); err != nil {
		return nil, err
	}
	if claims.Type != KindAccess {
		return nil, ErrWrongKind
	}
	if claims.Subject == "" {
		return nil, ErrMalformed
	}

	return claims, nil
}

// VerifyRefresh checks signature, expiry and kind of a refresh credential.
func (s *Signer) VerifyRefresh(raw string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := s.verify(raw, s.config.RefreshSecret, claims); err != nil {
		return nil, err
	}
	if claims.Type != KindRefresh {
		return nil, ErrWrongKind
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, ErrMalformed
	}

	return claims, nil
}

// verify accepts only the exact issued string; stores key on its digest.
func (s *Signer) verify(raw string, secret []byte, claims jwt.Claims) error {
	if raw == "" || strings.ContainsAny(raw, " \t\r\n") {
		return ErrMalformed
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if s.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(s.config.Leeway))
	}
	if s.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(s.config.Issuer))
	}

	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, options...)

	return classify(err)
}

func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformed
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	default:
		return ErrInvalidSignature
	}
}

// Digest is the hex sha256 of a raw credential. Stores key on it so that a
// database dump never yields a usable token.
func Digest(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func NewRotationID() (string, error) {
	b := make([]byte, rotationIDBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
