package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/taskforge/dispatch/internal/store"
	"github.com/taskforge/dispatch/internal/types"
)

// sessionCookieName is the cookie the web UI sets; x-session-id is the
// header workers use instead.
const sessionCookieName = "rt_session"

// resolveSession returns the caller's user, creating one on the fly with
// a seeded wallet if the session is new (development-mode auth stand-in).
func (s *Server) resolveSession(w http.ResponseWriter, r *http.Request) (*types.User, error) {
	sessionID := sessionIDFromRequest(r)
	if sessionID == "" {
		sessionID = uuid.NewString()
		http.SetCookie(w, &http.Cookie{
			Name:     sessionCookieName,
			Value:    sessionID,
			Path:     "/",
			HttpOnly: true,
		})
	}

	user, err := s.store.GetUserBySession(sessionID)
	if err == nil {
		return user, nil
	}

	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("resolve session %s: %w", sessionID, err)
	}

	created, err := s.engine.Ledger().SeedUser(sessionID, s.devInitialWallet)
	if err != nil {
		return nil, fmt.Errorf("seed session %s: %w", sessionID, err)
	}

	return created, nil
}

func sessionIDFromRequest(r *http.Request) string {
	if header := r.Header.Get("x-session-id"); header != "" {
		return header
	}

	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return ""
	}

	return cookie.Value
}
