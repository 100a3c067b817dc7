package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hyperengineering/ledger/internal/session"
)

// Login handles POST /auth/user: verifies credentials and opens a session,
// returned as an HttpOnly cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if h.auth == nil {
		WriteProblem(w, r, http.StatusServiceUnavailable, "Authentication is not configured")
		return
	}

	var creds session.Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}

	user, err := h.auth.Authenticate(r.Context(), creds)
	if err != nil {
		if errors.Is(err, session.ErrBadCredentials) {
			slog.Warn("login rejected", "username", creds.Username, "remote_ip", r.RemoteAddr)
			WriteProblem(w, r, http.StatusUnauthorized, "Invalid credentials")
			return
		}
		slog.Error("authentication failed", "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	sid, err := h.sessions.Create(r.Context(), user)
	if err != nil {
		slog.Error("session create failed", "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     session.CookieName,
		Value:    sid,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, user)
}

// Logout handles POST /logout: drops the session row and expires the
// cookie. Succeeds even without an active session.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(session.CookieName); err == nil {
		if err := h.sessions.Delete(r.Context(), cookie.Value); err != nil {
			slog.Warn("session delete failed", "error", err)
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     session.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	writeJSON(w, map[string]any{})
}
