package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"

	"token-rotation/internal/session"
	"token-rotation/internal/token"
)

type claimsKey struct{}

// Middleware admits requests carrying an access credential that introspects
// cleanly and stores its claims in the request context.
func Middleware(sessions *session.Facade, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := accessCredential(r)
		if raw == "" {
			writeUnauthorized(w)
			return
		}

		claims, err := sessions.IntrospectAccess(r.Context(), raw)
		if err != nil {
			if session.IsUnavailable(err) {
				sentry.CaptureException(err)
				writeError(w, http.StatusInternalServerError, "internal server error")
				return
			}
			writeUnauthorized(w)
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func ClaimsFromContext(ctx context.Context) (*token.AccessClaims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*token.AccessClaims)
	return claims, ok && claims != nil
}

// accessCredential reads the Authorization header first and the access cookie
// second.
func accessCredential(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			if raw := strings.TrimSpace(parts[1]); raw != "" {
				return raw
			}
		}
	}

	return cookieValue(r, AccessCookieName)
}
