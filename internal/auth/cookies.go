package auth

import (
	"net/http"
	"time"

	"token-rotation/internal/session"
)

const (
	RefreshCookieName = "refresh_token"
	AccessCookieName  = "access_token"
)

type CookieSettings struct {
	RefreshPath string
	AccessPath  string
	Secure      bool
}

func (c CookieSettings) set(w http.ResponseWriter, pair session.Pair, now time.Time) {
	http.SetCookie(w, c.cookie(RefreshCookieName, pair.RefreshToken, c.RefreshPath, maxAge(pair.RefreshExpiresAt, now)))
	http.SetCookie(w, c.cookie(AccessCookieName, pair.AccessToken, c.AccessPath, maxAge(pair.AccessExpiresAt, now)))
}

func (c CookieSettings) clear(w http.ResponseWriter) {
	http.SetCookie(w, c.cookie(RefreshCookieName, "", c.RefreshPath, -1))
	http.SetCookie(w, c.cookie(AccessCookieName, "", c.AccessPath, -1))
}

func (c CookieSettings) cookie(name, value, path string, age int) *http.Cookie {
	if path == "" {
		path = "/"
	}

	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		MaxAge:   age,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteStrictMode,
	}
}

func maxAge(expiresAt, now time.Time) int {
	seconds := int(expiresAt.Sub(now).Seconds())
	if seconds < 1 {
		return -1
	}
	return seconds
}

func cookieValue(r *http.Request, name string) string {
	cookie, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return cookie.Value
}
