package token

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	signer, err := NewSigner(Config{
		AccessSecret:  []byte("access-secret"),
		RefreshSecret: []byte("refresh-secret"),
		AccessTTL:     3 * time.Minute,
		RefreshTTL:    7 * 24 * time.Hour,
		Issuer:        "test",
	})
	require.NoError(t, err)
	return signer
}

func TestNewSigner_Validation(t *testing.T) {
	_, err := NewSigner(Config{AccessTTL: time.Minute, RefreshTTL: time.Hour})
	assert.Error(t, err, "missing secret")

	_, err = NewSigner(Config{AccessSecret: []byte("k"), RefreshTTL: time.Hour})
	assert.Error(t, err, "missing access ttl")

	signer, err := NewSigner(Config{AccessSecret: []byte("k"), AccessTTL: time.Minute, RefreshTTL: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, []byte("k"), signer.config.RefreshSecret)
}

func TestIssueAndVerifyAccess(t *testing.T) {
	signer := newTestSigner(t)

	cred, err := signer.IssueAccess(Subject{ID: "u1", Fingerprint: "a@example.com", TokenEpoch: 4})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(3*time.Minute), cred.ExpiresAt, 2*time.Second)

	claims, err := signer.VerifyAccess(cred.Raw)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)
	assert.Equal(t, "a@example.com", claims.Email)
	assert.Equal(t, int64(4), claims.TokenEpoch)
	assert.Equal(t, KindAccess, claims.Type)
	assert.NotEmpty(t, claims.ID)
}

func TestIssueAccess_DistinctTokensForSameSubject(t *testing.T) {
	signer := newTestSigner(t)
	subject := Subject{ID: "u1", Fingerprint: "a@example.com"}

	first, err := signer.IssueAccess(subject)
	require.NoError(t, err)
	second, err := signer.IssueAccess(subject)
	require.NoError(t, err)

	assert.NotEqual(t, first.Raw, second.Raw)
	assert.NotEqual(t, Digest(first.Raw), Digest(second.Raw))
}

func TestIssueAndVerifyRefresh(t *testing.T) {
	signer := newTestSigner(t)

	cred, err := signer.IssueRefresh("u1", "rot-1")
	require.NoError(t, err)

	claims, err := signer.VerifyRefresh(cred.Raw)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)
	assert.Equal(t, "rot-1", claims.RotationID())
}

func TestVerify_Failures(t *testing.T) {
	signer := newTestSigner(t)

	access, err := signer.IssueAccess(Subject{ID: "u1"})
	require.NoError(t, err)
	refresh, err := signer.IssueRefresh("u1", "rot-1")
	require.NoError(t, err)

	other, err := NewSigner(Config{AccessSecret: []byte("other"), AccessTTL: time.Minute, RefreshTTL: time.Hour, Issuer: "test"})
	require.NoError(t, err)
	forged, err := other.IssueAccess(Subject{ID: "u1"})
	require.NoError(t, err)

	parts := strings.Split(access.Raw, ".")
	tampered := parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2]))

	_, err = signer.VerifyAccess("")
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = signer.VerifyAccess("not-a-jwt")
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = signer.VerifyAccess(forged.Raw)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = signer.VerifyAccess(tampered)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = signer.VerifyAccess(refresh.Raw)
	assert.Error(t, err, "refresh credential signed with another secret")

	_, err = signer.VerifyRefresh(access.Raw)
	assert.Error(t, err)
}

func TestVerify_WrongKindWithSharedSecret(t *testing.T) {
	signer, err := NewSigner(Config{AccessSecret: []byte("shared"), AccessTTL: time.Minute, RefreshTTL: time.Hour})
	require.NoError(t, err)

	refresh, err := signer.IssueRefresh("u1", "rot-1")
	require.NoError(t, err)
	access, err := signer.IssueAccess(Subject{ID: "u1"})
	require.NoError(t, err)

	_, err = signer.VerifyAccess(refresh.Raw)
	assert.ErrorIs(t, err, ErrWrongKind)

	_, err = signer.VerifyRefresh(access.Raw)
	assert.ErrorIs(t, err, ErrWrongKind)
}

func TestVerify_Expired(t *testing.T) {
	signer := newTestSigner(t)
	issuedAt := time.Now().Add(-time.Hour)
	signer.WithClock(func() time.Time { return issuedAt })

	cred, err := signer.IssueAccess(Subject{ID: "u1"})
	require.NoError(t, err)

	signer.WithClock(time.Now)
	_, err = signer.VerifyAccess(cred.Raw)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerify_RejectsOtherAlgorithms(t *testing.T) {
	signer := newTestSigner(t)

	claims := AccessClaims{
		Type: KindAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u1",
			Issuer:    "test",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte("access-secret"))
	require.NoError(t, err)

	_, err = signer.VerifyAccess(raw)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerify_RejectsWhitespaceVariants(t *testing.T) {
	signer := newTestSigner(t)
	access, err := signer.IssueAccess(Subject{ID: "u1"})
	require.NoError(t, err)
	refresh, err := signer.IssueRefresh("u1", "rot-1")
	require.NoError(t, err)

	for _, variant := range []string{refresh.Raw + "\n", " " + refresh.Raw, refresh.Raw + "\r\n", "\t" + refresh.Raw} {
		_, err = signer.VerifyRefresh(variant)
		assert.ErrorIs(t, err, ErrMalformed, "%q", variant)
	}

	_, err = signer.VerifyAccess(access.Raw + "\n")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDigest(t *testing.T) {
	assert.Equal(t, Digest("abc"), Digest("abc"))
	assert.NotEqual(t, Digest("abc"), Digest("abd"))
	assert.Len(t, Digest("abc"), 64)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", Digest("abc"))
}

func TestNewRotationID(t *testing.T) {
	a, err := NewRotationID()
	require.NoError(t, err)
	b, err := NewRotationID()
	require.NoError(t, err)

	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}
