package authapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"warden/cmd/identity"
)

// The OAuth state lives in a short-lived HttpOnly cookie scoped to the callback.

func (h *Handler) newState(w http.ResponseWriter) (string, error) {
	state, err := identity.NewOpaqueToken(32)
	if err != nil {
		return "", err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.StateCookieName,
		Value:    state,
		Path:     "/auth/github",
		Expires:  time.Now().Add(h.cfg.StateCookieTTL),
		MaxAge:   int(h.cfg.StateCookieTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	return state, nil
}

// checkState consumes the state cookie and compares it with the query value.
func (h *Handler) checkState(w http.ResponseWriter, r *http.Request) bool {
	c, err := r.Cookie(h.cfg.StateCookieName)
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.StateCookieName,
		Value:    "",
		Path:     "/auth/github",
		Expires:  time.Unix(0, 0).UTC(),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	if err != nil {
		return false
	}
	return secureStringEqual(strings.TrimSpace(c.Value), strings.TrimSpace(r.URL.Query().Get("state")))
}

func secureStringEqual(a, b string) bool {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
