// Package authn implements the auth middleware (C9): strip any inbound
// spoofed internal headers, reject while the app is in Setup, then try
// bearer-token then same-origin session authentication in that order.
// Generalizes gandalf's internal/server/middleware.go `authenticate`
// (single Authenticator call, context injection, first-WriteHeader-wins
// error short-circuit) to bodhi's four-variant AuthContext and its two
// credential paths.
package authn

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	bodhi "github.com/bodhiapp/bodhi/internal"
	"github.com/bodhiapp/bodhi/internal/storage"
)

// SessionCookieName carries the session ID on the same-origin path.
const SessionCookieName = "bodhiapp_session"

// internalHeaderPrefix is stripped from every inbound request before
// authentication runs. Unlike gandalf (which has no internal-header
// concept) and unlike the literal wording in spec.md 4.9 -- which has
// downstream extractors reading the stripped-and-rewritten
// X-BodhiApp-* headers back off the request -- this middleware carries
// the resolved AuthContext via internal/domain.go's existing
// ContextWithAuth/AuthFromContext context-value contract instead of a
// header round trip. See DESIGN.md for the reasoning: that contract was
// already built and used by the rest of the domain layer, and
// request-header mutation for an in-process call is strictly more
// machinery for the same information. The header strip itself is kept
// since it is a real defense against a caller spoofing values before
// any internal rewrite exists.
const internalHeaderPrefix = "X-Bodhiapp-"

// TokenService is the subset of C10 this middleware depends on.
type TokenService interface {
	ValidateBearerToken(ctx context.Context, header string) (bodhi.AuthContext, error)
	GetValidSessionToken(ctx context.Context, sessionID, accessToken string) (string, *bodhi.Role, error)
}

// Middleware implements C9.
type Middleware struct {
	tokens   TokenService
	sessions storage.SessionStore
	status   func() bodhi.AppStatus
}

// New constructs a Middleware. status is polled on every request to
// detect Setup; a nil status treats the app as always ready (used by
// tests that don't exercise the setup-gate path).
func New(tokens TokenService, sessions storage.SessionStore, status func() bodhi.AppStatus) *Middleware {
	return &Middleware{tokens: tokens, sessions: sessions, status: status}
}

// Required rejects with KindInvalidAppState/KindAuthentication when no
// credential resolves to a non-anonymous AuthContext.
func (m *Middleware) Required(next http.Handler) http.Handler {
	return m.wrap(next, false)
}

// Optional never rejects: any authentication failure resolves to
// AnonymousAuth instead of a 401/503.
func (m *Middleware) Optional(next http.Handler) http.Handler {
	return m.wrap(next, true)
}

func (m *Middleware) wrap(next http.Handler, optional bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stripInternalHeaders(r)

		if !optional && m.status != nil && m.status() == bodhi.AppStatusSetup {
			writeAuthError(w, bodhi.NewError(bodhi.KindInvalidAppState, "auth_error-setup_required", "application setup is not complete"))
			return
		}

		auth, err := m.authenticate(r)
		if err != nil {
			if optional {
				auth = bodhi.AnonymousAuth{}
			} else {
				writeAuthError(w, err)
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(bodhi.ContextWithAuth(r.Context(), auth)))
	})
}

func (m *Middleware) authenticate(r *http.Request) (bodhi.AuthContext, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		return m.tokens.ValidateBearerToken(r.Context(), h)
	}

	if isSameOrigin(r) {
		if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
			return m.authenticateSession(r, cookie.Value)
		}
	}

	return nil, bodhi.NewError(bodhi.KindAuthentication, "auth_error-invalid_access", "no valid credentials presented")
}

func (m *Middleware) authenticateSession(r *http.Request, sessionID string) (bodhi.AuthContext, error) {
	ctx := r.Context()
	session, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, bodhi.NewError(bodhi.KindAuthentication, "auth_error-invalid_access", "session not found")
	}

	token, role, err := m.tokens.GetValidSessionToken(ctx, sessionID, session.Data.AccessToken)
	if err != nil {
		if isIrrecoverable(err) {
			session.Data.AccessToken = ""
			session.Data.RefreshToken = ""
			_ = m.sessions.Update(ctx, session)
		}
		return nil, bodhi.NewError(bodhi.KindAuthentication, "auth_error-invalid_access", "session refresh failed")
	}

	return bodhi.SessionAuth{UserID: session.Data.UserID, Token: token, Role: role}, nil
}

// isIrrecoverable reports whether err proves the session's refresh chain
// can never succeed again -- a missing refresh token or an auth-server
// rejection, as opposed to a transient network failure that's worth
// retrying on the next request.
func isIrrecoverable(err error) bool {
	return errors.Is(err, bodhi.ErrRefreshTokenNotFound) || errors.Is(err, bodhi.ErrUnauthorized)
}

// isSameOrigin treats any non-localhost host as same-origin, per
// spec.md 4.9's note that a strict check would break cross-subdomain
// deployments.
func isSameOrigin(r *http.Request) bool {
	host := r.Host
	if !strings.HasPrefix(host, "localhost:") && host != "localhost" {
		return true
	}
	return r.Header.Get("Sec-Fetch-Site") == "same-origin"
}

func stripInternalHeaders(r *http.Request) {
	for key := range r.Header {
		if strings.HasPrefix(key, internalHeaderPrefix) {
			delete(r.Header, key)
		}
	}
}

type errorEnvelope struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeAuthError(w http.ResponseWriter, err error) {
	e, ok := bodhi.AsError(err)
	if !ok {
		e = bodhi.WrapError(bodhi.KindInternal, "auth_error-internal", "authentication failed", err)
	}
	var env errorEnvelope
	env.Error.Type = e.Kind.TypeString()
	env.Error.Code = e.Code
	env.Error.Message = e.Message
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus())
	_ = json.NewEncoder(w).Encode(env)
}

// ExtractToken returns the credential token carried by ctx's resolved
// AuthContext, the Maybe* variant of spec.md 4.9's extractors (ok=false
// instead of panicking when no credential is present).
func ExtractToken(ctx context.Context) (string, bool) {
	switch a := bodhi.AuthFromContext(ctx).(type) {
	case bodhi.SessionAuth:
		return a.Token, true
	case bodhi.BearerAuth:
		return a.Token, true
	case bodhi.ApiTokenAuth:
		return a.Token, true
	default:
		return "", false
	}
}

// ExtractUserID returns the authenticated user ID, if any.
func ExtractUserID(ctx context.Context) (string, bool) {
	switch a := bodhi.AuthFromContext(ctx).(type) {
	case bodhi.SessionAuth:
		return a.UserID, true
	case bodhi.BearerAuth:
		return a.UserID, true
	case bodhi.ApiTokenAuth:
		return a.UserID, true
	default:
		return "", false
	}
}

// ExtractRole returns the session's RBAC role, if the auth context is a
// SessionAuth carrying one.
func ExtractRole(ctx context.Context) (bodhi.Role, bool) {
	if a, ok := bodhi.AuthFromContext(ctx).(bodhi.SessionAuth); ok && a.Role != nil {
		return *a.Role, true
	}
	return 0, false
}

// ExtractScope returns the token scope, for the two token-based auth
// variants that carry one.
func ExtractScope(ctx context.Context) (bodhi.Role, bool) {
	switch a := bodhi.AuthFromContext(ctx).(type) {
	case bodhi.BearerAuth:
		return a.Scope, true
	case bodhi.ApiTokenAuth:
		return a.Scope, true
	default:
		return 0, false
	}
}
