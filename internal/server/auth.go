package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	bodhi "github.com/bodhiapp/bodhi/internal"
	"github.com/bodhiapp/bodhi/internal/authn"
)

const sessionTTL = 30 * 24 * time.Hour

// sessionFromRequest loads the session named by the bodhiapp_session
// cookie, creating a fresh one if absent -- both /auth/initiate and
// /auth/callback need a session to stash OAuth state in before the user
// has any credential at all.
func (s *server) sessionFromRequest(w http.ResponseWriter, r *http.Request) (*bodhi.Session, error) {
	if cookie, err := r.Cookie(authn.SessionCookieName); err == nil && cookie.Value != "" {
		if sess, err := s.deps.Sessions.Get(r.Context(), cookie.Value); err == nil {
			return sess, nil
		}
	}

	sess := &bodhi.Session{
		ID:        uuid.Must(uuid.NewV7()).String(),
		ExpiresAt: s.deps.Clock.Now().Add(sessionTTL),
	}
	if err := s.deps.Sessions.Create(r.Context(), sess); err != nil {
		return nil, err
	}
	setSessionCookie(w, sess.ID, sess.ExpiresAt)
	return sess, nil
}

func setSessionCookie(w http.ResponseWriter, id string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     authn.SessionCookieName,
		Value:    id,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     authn.SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

type locationResponse struct {
	Location string `json:"location"`
}

// handleAuthInitiate implements spec.md 6's POST /bodhi/v1/auth/initiate.
func (s *server) handleAuthInitiate(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFromRequest(w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	location, status, err := s.deps.OAuth.Initiate(r.Context(), sess, bodhi.AuthFromContext(r.Context()), r.Host)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.deps.Sessions.Update(r.Context(), sess); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, status, locationResponse{Location: location})
}

type authCallbackRequest struct {
	Code             string `json:"code"`
	State            string `json:"state"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// handleAuthCallback implements spec.md 6's POST /bodhi/v1/auth/callback.
func (s *server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFromRequest(w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req authCallbackRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	appStatus, err := s.deps.Secrets.AppStatus()
	if err != nil {
		writeError(w, bodhi.WrapError(bodhi.KindInternal, "auth_error-status_read", "read application status", err))
		return
	}

	location, err := s.deps.OAuth.Callback(r.Context(), sess, appStatus, req.Code, req.State, req.Error, req.ErrorDescription)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.deps.Sessions.Update(r.Context(), sess); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, locationResponse{Location: location})
}

// handleLogout implements spec.md 6's POST /bodhi/v1/logout.
func (s *server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(authn.SessionCookieName); err == nil && cookie.Value != "" {
		if err := s.deps.Sessions.Delete(r.Context(), cookie.Value); err != nil {
			writeError(w, err)
			return
		}
	}
	clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}
