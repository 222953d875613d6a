// Package rotation is the refresh-credential state machine: it issues token
// families on login, performs single-use rotation, detects replay of retired
// credentials and revokes the whole family when it does.
//
// The coordinator keeps no mutable state of its own. Everything shared lives
// in the stores, and the only write that decides a race is
// refresh.Store.RevokeIfActive.
package rotation

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"token-rotation/internal/blacklist"
	"token-rotation/internal/observability"
	"token-rotation/internal/refresh"
	"token-rotation/internal/token"
)

// Policy decides how a presentation of a retired credential is treated.
type Policy int

const (
	// PolicyStrict treats any presentation of a known, inactive rotation id
	// as theft.
	PolicyStrict Policy = iota
	// PolicyMismatchOnly raises the alarm only when the presented digest
	// differs from the stored one; an exact replay is a benign retry.
	PolicyMismatchOnly
)

// Identities is the identity store as seen by the coordinator.
type Identities interface {
	// Lookup returns nil when the subject does not exist.
	Lookup(ctx context.Context, subjectID string) (*token.Subject, error)
}

// EpochBumper is implemented by identity stores that support mass
// invalidation of access credentials.
type EpochBumper interface {
	BumpTokenEpoch(ctx context.Context, subjectID string) (int64, error)
}

type Config struct {
	Policy Policy
	// BlacklistFallbackTTL sizes the blacklist entry of an access credential
	// whose expiry cannot be read.
	BlacklistFallbackTTL time.Duration
}

// Origin is request metadata stored with each refresh record.
type Origin struct {
	IP        string
	UserAgent string
}

// Pair is the result of a login or a successful rotation.
type Pair struct {
	SubjectID string
	Access    token.Credential
	Refresh   token.Credential
}

// LogoutResult tells what a best-effort logout actually did.
type LogoutResult struct {
	RefreshRevoked    bool
	AccessBlacklisted bool
}

type Coordinator struct {
	signer     *token.Signer
	records    refresh.Store
	blacklist  blacklist.Store
	identities Identities
	logger     *observability.Logger
	config     Config
	now        func() time.Time
}

func NewCoordinator(
	signer *token.Signer,
	records refresh.Store,
	denylist blacklist.Store,
	identities Identities,
	logger *observability.Logger,
	cfg Config,
) *Coordinator {
	if cfg.BlacklistFallbackTTL <= 0 {
		cfg.BlacklistFallbackTTL = time.Minute
	}

	return &Coordinator{
		signer:     signer,
		records:    records,
		blacklist:  denylist,
		identities: identities,
		logger:     logger,
		config:     cfg,
		now:        time.Now,
	}
}

// Login starts a new token family for an already authenticated subject.
func (c *Coordinator) Login(ctx context.Context, subject token.Subject, origin Origin) (Pair, error) {
	rotationID, err := token.NewRotationID()
	if err != nil {
		return Pair{}, fmt.Errorf("generate rotation id: %w", err)
	}

	refreshCred, err := c.signer.IssueRefresh(subject.ID, rotationID)
	if err != nil {
		return Pair{}, err
	}
	accessCred, err := c.signer.IssueAccess(subject)
	if err != nil {
		return Pair{}, err
	}

	if _, err := c.records.Insert(ctx, refresh.Record{
		SubjectID:        subject.ID,
		RotationID:       rotationID,
		CredentialDigest: token.Digest(refreshCred.Raw),
		ExpiresAt:        refreshCred.ExpiresAt,
		OriginIP:         origin.IP,
		OriginAgent:      origin.UserAgent,
	}); err != nil {
		return Pair{}, storeFailure("insert family root", err)
	}

	return Pair{SubjectID: subject.ID, Access: accessCred, Refresh: refreshCred}, nil
}

// Refresh exchanges a refresh credential for a new pair. The presented
// credential is unusable afterwards whether or not the call succeeds.
func (c *Coordinator) Refresh(ctx context.Context, rawRefresh string, origin Origin) (Pair, error) {
	claims, err := c.signer.VerifyRefresh(rawRefresh)
	if err != nil {
		return Pair{}, fmt.Errorf("%w: %w", ErrInvalidRefreshCredential, err)
	}

	digest := token.Digest(rawRefresh)
	rotationID := claims.RotationID()

	subject, err := c.identities.Lookup(ctx, claims.Subject)
	if err != nil {
		return Pair{}, storeFailure("lookup subject", err)
	}
	if subject == nil {
		return Pair{}, ErrUnknownRefreshCredential
	}

	// The successor is minted before the conditional revoke so the chain link
	// is written by the same operation that decides the race.
	nextRotationID, err := token.NewRotationID()
	if err != nil {
		return Pair{}, fmt.Errorf("generate rotation id: %w", err)
	}
	nextRefresh, err := c.signer.IssueRefresh(subject.ID, nextRotationID)
	if err != nil {
		return Pair{}, err
	}
	nextDigest := token.Digest(nextRefresh.Raw)

	outcome, err := c.records.RevokeIfActive(ctx, rotationID, digest, nextDigest)
	if err != nil {
		return Pair{}, storeFailure("revoke presented credential", err)
	}

	switch outcome {
	case refresh.NotFound:
		return Pair{}, ErrUnknownRefreshCredential
	case refresh.AlreadyRevoked:
		return Pair{}, c.inactivePresented(ctx, rotationID, digest)
	}

	if _, err := c.records.Insert(ctx, refresh.Record{
		SubjectID:        subject.ID,
		RotationID:       nextRotationID,
		CredentialDigest: nextDigest,
		ExpiresAt:        nextRefresh.ExpiresAt,
		OriginIP:         origin.IP,
		OriginAgent:      origin.UserAgent,
	}); err != nil {
		c.logger.Error("refresh_successor_insert_failed", map[string]any{
			"subject_id":  subject.ID,
			"rotation_id": rotationID,
			"error":       err.Error(),
		})
		return Pair{}, storeFailure("insert successor", err)
	}

	accessCred, err := c.signer.IssueAccess(*subject)
	if err != nil {
		return Pair{}, err
	}

	return Pair{SubjectID: subject.ID, Access: accessCred, Refresh: nextRefresh}, nil
}

// inactivePresented resolves an AlreadyRevoked outcome into a benign retry,
// an expiry, or a theft signal.
func (c *Coordinator) inactivePresented(ctx context.Context, rotationID, digest string) error {
	record, err := c.records.FindAnyByRotationID(ctx, rotationID)
	if err != nil {
		return storeFailure("load presented record", err)
	}
	if record == nil {
		return ErrUnknownRefreshCredential
	}

	matches := subtle.ConstantTimeCompare([]byte(record.CredentialDigest), []byte(digest)) == 1
	switch {
	case !matches:
		return c.reuseDetected(ctx, record, digest, "digest_mismatch")
	case record.RevokedAt == nil:
		return fmt.Errorf("%w: %w", ErrInvalidRefreshCredential, token.ErrExpired)
	case c.config.Policy == PolicyStrict:
		return c.reuseDetected(ctx, record, digest, "retired_credential_presented")
	default:
		c.logger.Warn("refresh_retry_of_rotated", map[string]any{
			"subject_id":  record.SubjectID,
			"rotation_id": rotationID,
			"digest":      observability.ShortDigest(digest),
		})
		return ErrRetryOfRotatedCredential
	}
}

func (c *Coordinator) reuseDetected(ctx context.Context, record *refresh.Record, presentedDigest, reason string) error {
	revoked, err := c.records.RevokeAllActiveForSubject(ctx, record.SubjectID)

	fields := map[string]any{
		"subject_id":    record.SubjectID,
		"rotation_id":   record.RotationID,
		"digest":        observability.ShortDigest(presentedDigest),
		"reason":        reason,
		"revoked_count": revoked,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	c.logger.Error("refresh_reuse_detected", fields)

	reuse := &ReuseError{SubjectID: record.SubjectID, RotationID: record.RotationID, Reason: reason, Revoked: revoked}
	if err != nil {
		return errors.Join(reuse, storeFailure("revoke family", err))
	}

	return reuse
}

// Logout revokes what it can and never fails. A missing or unreadable
// credential is ignored.
func (c *Coordinator) Logout(ctx context.Context, rawRefresh, rawAccess string) LogoutResult {
	var result LogoutResult

	if rawRefresh != "" {
		digest := token.Digest(rawRefresh)
		revoked, err := c.records.RevokeActiveByDigest(ctx, digest)
		if err != nil {
			c.logger.Warn("logout_refresh_revoke_failed", map[string]any{
				"digest": observability.ShortDigest(digest),
				"error":  err.Error(),
			})
		}
		result.RefreshRevoked = revoked
	}

	if rawAccess != "" {
		expiresAt, ok := c.blacklistExpiry(rawAccess)
		if ok {
			digest := token.Digest(rawAccess)
			if err := c.blacklist.Add(ctx, digest, expiresAt); err != nil {
				c.logger.Warn("logout_blacklist_failed", map[string]any{
					"digest": observability.ShortDigest(digest),
					"error":  err.Error(),
				})
			} else {
				result.AccessBlacklisted = true
			}
		}
	}

	return result
}

// blacklistExpiry returns how long an access credential must stay denied.
// Verified credentials use their own expiry; undecodable ones get the short
// fallback so a forged exp claim cannot pin an entry forever.
func (c *Coordinator) blacklistExpiry(rawAccess string) (time.Time, bool) {
	claims, err := c.signer.VerifyAccess(rawAccess)
	switch {
	case err == nil:
		return claims.ExpiresAt.Time, true
	case errors.Is(err, token.ErrExpired):
		return time.Time{}, false
	default:
		return c.now().Add(c.config.BlacklistFallbackTTL), true
	}
}

// LogoutAll revokes every active refresh record of the subject and, when the
// identity store supports it, bumps the token epoch so outstanding access
// credentials stop introspecting.
func (c *Coordinator) LogoutAll(ctx context.Context, subjectID string) (int64, error) {
	revoked, err := c.records.RevokeAllActiveForSubject(ctx, subjectID)
	if err != nil {
		return 0, storeFailure("revoke subject families", err)
	}

	if bumper, ok := c.identities.(EpochBumper); ok {
		if _, err := bumper.BumpTokenEpoch(ctx, subjectID); err != nil {
			return revoked, storeFailure("bump token epoch", err)
		}
	}

	c.logger.Info("logout_all", map[string]any{"subject_id": subjectID, "revoked_count": revoked})
	return revoked, nil
}

// Sessions lists the active refresh records of a subject.
func (c *Coordinator) Sessions(ctx context.Context, subjectID string) ([]refresh.Record, error) {
	records, err := c.records.ListActiveForSubject(ctx, subjectID)
	if err != nil {
		return nil, storeFailure("list sessions", err)
	}
	return records, nil
}
