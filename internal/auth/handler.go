package auth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"token-rotation/internal/identity"
	"token-rotation/internal/observability"
	"token-rotation/internal/rotation"
	"token-rotation/internal/session"
	"token-rotation/internal/token"
)

const (
	maxJSONBodyBytes  = 1 << 20
	maxUserAgentBytes = 512
	tokenTypeBearer   = "Bearer"
)

// Identities is what the transport needs from the identity store.
type Identities interface {
	Register(ctx context.Context, email, username, password string) (identity.User, error)
	Authenticate(ctx context.Context, email, password string) (token.Subject, error)
	Profile(ctx context.Context, subjectID string) (identity.User, error)
}

type Handler struct {
	identities Identities
	sessions   *session.Facade
	cookies    CookieSettings
	logger     *observability.Logger
	now        func() time.Time
}

func NewHandler(identities Identities, sessions *session.Facade, cookies CookieSettings, logger *observability.Logger) *Handler {
	return &Handler{
		identities: identities,
		sessions:   sessions,
		cookies:    cookies,
		logger:     logger,
		now:        time.Now,
	}
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if err := decodeJSON(w, r, &body, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	user, err := h.identities.Register(r.Context(), body.Email, body.Username, body.Password)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "email, username or password is invalid")
		case errors.Is(err, identity.ErrEmailTaken):
			writeError(w, http.StatusConflict, "email already registered")
		default:
			h.internalError(w, "register_failed", err)
		}
		return
	}

	writeJSON(w, http.StatusCreated, user)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if err := decodeJSON(w, r, &body, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	subject, err := h.identities.Authenticate(r.Context(), body.Email, body.Password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			writeUnauthorized(w)
			return
		}
		h.internalError(w, "login_lookup_failed", err)
		return
	}

	pair, err := h.sessions.Issue(r.Context(), subject, origin(r))
	if err != nil {
		h.internalError(w, "login_issue_failed", err)
		return
	}

	h.writePair(w, pair)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	raw := cookieValue(r, RefreshCookieName)
	if raw == "" {
		var body credentialRequest
		if err := decodeJSON(w, r, &body, true); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		raw = strings.TrimSpace(body.RefreshToken)
	}
	if raw == "" {
		writeUnauthorized(w)
		return
	}

	pair, err := h.sessions.Refresh(r.Context(), raw, origin(r))
	if err != nil {
		h.refreshFailed(w, err)
		return
	}

	h.writePair(w, pair)
}

// Logout always succeeds from the client's point of view.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	rawRefresh := cookieValue(r, RefreshCookieName)
	if rawRefresh == "" {
		var body credentialRequest
		if err := decodeJSON(w, r, &body, true); err == nil {
			rawRefresh = strings.TrimSpace(body.RefreshToken)
		}
	}

	result := h.sessions.Revoke(r.Context(), rawRefresh, accessCredential(r))
	h.logger.Info("logout", map[string]any{
		"refresh_revoked":    result.RefreshRevoked,
		"access_blacklisted": result.AccessBlacklisted,
	})

	h.cookies.clear(w)
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

func (h *Handler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeUnauthorized(w)
		return
	}

	if err := h.sessions.RevokeAll(r.Context(), claims.Subject); err != nil {
		h.internalError(w, "logout_all_failed", err)
		return
	}

	h.cookies.clear(w)
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out everywhere"})
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeUnauthorized(w)
		return
	}

	user, err := h.identities.Profile(r.Context(), claims.Subject)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			writeUnauthorized(w)
			return
		}
		h.internalError(w, "profile_lookup_failed", err)
		return
	}

	writeJSON(w, http.StatusOK, user)
}

func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeUnauthorized(w)
		return
	}

	records, err := h.sessions.Sessions(r.Context(), claims.Subject)
	if err != nil {
		h.internalError(w, "list_sessions_failed", err)
		return
	}

	views := make([]sessionView, 0, len(records))
	for _, record := range records {
		views = append(views, sessionView{
			RotationID: record.RotationID,
			CreatedAt:  record.CreatedAt,
			ExpiresAt:  record.ExpiresAt,
			OriginIP:   record.OriginIP,
			UserAgent:  record.OriginAgent,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

func (h *Handler) writePair(w http.ResponseWriter, pair session.Pair) {
	now := h.now()
	h.cookies.set(w, pair, now)
	writeJSON(w, http.StatusOK, Tokens{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    tokenTypeBearer,
		ExpiresIn:    pair.ExpiresIn(now),
	})
}

// refreshFailed keeps every rejection identical on the wire. Reuse is only
// visible in logs and Sentry.
func (h *Handler) refreshFailed(w http.ResponseWriter, err error) {
	var reuse *rotation.ReuseError
	if errors.As(err, &reuse) {
		observability.CaptureSecurityEvent("refresh_reuse_detected", map[string]string{
			"subject_id":  reuse.SubjectID,
			"rotation_id": reuse.RotationID,
			"reason":      reuse.Reason,
		})
	}

	if session.IsUnavailable(err) || !session.IsUnauthorized(err) {
		h.internalError(w, "refresh_failed", err)
		return
	}

	writeUnauthorized(w)
}

func (h *Handler) internalError(w http.ResponseWriter, event string, err error) {
	sentry.CaptureException(err)
	h.logger.Error(event, map[string]any{"error": err.Error()})
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func origin(r *http.Request) rotation.Origin {
	agent := r.UserAgent()
	if len(agent) > maxUserAgentBytes {
		agent = agent[:maxUserAgentBytes]
	}
	return rotation.Origin{IP: observability.ClientIP(r), UserAgent: agent}
}

// decodeJSON rejects unknown fields. With optional set, an empty body decodes
// to the zero value.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, optional bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}

	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeUnauthorized(w http.ResponseWriter) {
	writeError(w, http.StatusUnauthorized, "unauthorized")
}
