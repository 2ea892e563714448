// Package tokensvc implements C10: bearer-token validation (opaque
// app-issued API tokens and identity-provider JWTs) and session-token
// refresh. Style grounded on gandalf's internal/auth/apikey.go (otter
// cache, constant-time hash comparison, async touch-last-used); the
// jti-keyed cache shape and the access/refresh split are grounded on
// original_source's auth_middleware/src/token_cache.rs (CachedToken,
// access vs. refresh token cache entries, hash-then-compare).
package tokensvc

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/maypok86/otter/v2"
	"golang.org/x/sync/singleflight"

	bodhi "github.com/bodhiapp/bodhi/internal"
	"github.com/bodhiapp/bodhi/internal/secretstore"
	"github.com/bodhiapp/bodhi/internal/storage"
)

const (
	cacheTTL    = 5 * time.Minute
	cacheMaxLen = 10_000
)

// claims is the typed JWT payload this service parses, mirroring
// original_source's UserIdClaims/IdClaims pairing: sub identifies the
// user, resource_access_roles carries the client's Keycloak-style
// resource roles consumed by bodhi.HighestResourceRole.
type claims struct {
	jwt.RegisteredClaims
	PreferredUsername string   `json:"preferred_username"`
	ResourceRoles     []string `json:"resource_access_roles"`
}

// Refresher performs the OAuth refresh-token exchange against the
// identity provider's token endpoint. Implemented by internal/oauthflow.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (accessToken, newRefreshToken string, expiresAt time.Time, err error)
}

// Service implements C10.
type Service struct {
	tokens    storage.TokenStore
	sessions  storage.SessionStore
	secrets   *secretstore.Store
	refresher Refresher
	keys      *keyset
	cache     *otter.Cache[string, bodhi.CachedToken]
	group     singleflight.Group
}

// New constructs a Service. client is used both for JWKS fetches and is
// shared with the refresher's own HTTP calls where applicable.
func New(tokens storage.TokenStore, sessions storage.SessionStore, secrets *secretstore.Store, refresher Refresher, client *http.Client) (*Service, error) {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	c, err := otter.New(&otter.Options[string, bodhi.CachedToken]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, bodhi.CachedToken](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create token cache: %w", err)
	}
	return &Service{
		tokens:    tokens,
		sessions:  sessions,
		secrets:   secrets,
		refresher: refresher,
		keys:      newKeyset(client),
		cache:     c,
	}, nil
}

// ValidateBearerToken implements spec.md 4.10's validate_bearer_token:
// strip "Bearer ", then dispatch on the app-issued opaque-token prefix
// versus everything else being treated as an identity-provider JWT.
func (s *Service) ValidateBearerToken(ctx context.Context, header string) (bodhi.AuthContext, error) {
	raw := strings.TrimPrefix(header, "Bearer ")
	if raw == "" || raw == header {
		return nil, bodhi.NewError(bodhi.KindAuthentication, "token_error-missing_bearer", "missing bearer token")
	}

	if strings.HasPrefix(raw, bodhi.ApiTokenPrefix) {
		return s.validateApiToken(ctx, raw)
	}
	return s.validateJWT(ctx, raw)
}

// displayPrefixLen is how many characters after the literal
// bodhi.ApiTokenPrefix are stored (and indexed) as ApiToken.TokenPrefix.
const displayPrefixLen = 8

func (s *Service) validateApiToken(ctx context.Context, raw string) (bodhi.AuthContext, error) {
	rest := strings.TrimPrefix(raw, bodhi.ApiTokenPrefix)
	if len(rest) < displayPrefixLen {
		return nil, bodhi.NewError(bodhi.KindAuthentication, "token_error-malformed", "malformed api token")
	}

	tok, err := s.tokens.GetTokenByPrefix(ctx, rest[:displayPrefixLen])
	if err != nil {
		if errors.Is(err, bodhi.ErrNotFound) {
			return nil, bodhi.NewError(bodhi.KindAuthentication, "token_error-not_found", "invalid api token")
		}
		return nil, err
	}

	if subtle.ConstantTimeCompare([]byte(tok.TokenHash), []byte(bodhi.HashToken(raw))) != 1 {
		return nil, bodhi.NewError(bodhi.KindAuthentication, "token_error-mismatch", "invalid api token")
	}
	if tok.Status != bodhi.TokenActive {
		return nil, bodhi.NewError(bodhi.KindAuthentication, "token_error-inactive", "api token is not active")
	}

	return bodhi.ApiTokenAuth{UserID: tok.UserID, Scope: tok.Scope, Token: raw}, nil
}

func (s *Service) validateJWT(ctx context.Context, raw string) (bodhi.AuthContext, error) {
	reg, err := s.secrets.AppRegInfo()
	if err != nil {
		return nil, bodhi.WrapError(bodhi.KindInternal, "token_error-registration", "read app registration", err)
	}
	if reg == nil {
		return nil, bodhi.NewError(bodhi.KindInvalidAppState, "token_error-no_registration", "application is not registered with an identity provider")
	}

	var c claims
	parsed, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return s.keys.Lookup(ctx, reg.Issuer, kid)
	}, jwt.WithIssuer(reg.Issuer), jwt.WithAudience(reg.ClientID), jwt.WithValidMethods([]string{"RS256"}))
	if err != nil || !parsed.Valid {
		return nil, bodhi.WrapError(bodhi.KindAuthentication, "token_error-invalid_jwt", "invalid bearer token", err)
	}

	if cached, ok := s.cache.GetIfPresent(c.ID); ok && cached.VerifyHash(raw) && !cached.IsExpired(time.Now()) {
		return s.authContextFromClaims(&c, raw)
	}

	exp := time.Now().Add(cacheTTL)
	if c.ExpiresAt != nil {
		exp = c.ExpiresAt.Time
	}
	if c.ID != "" {
		s.cache.Set(c.ID, bodhi.NewCachedToken(raw, exp, time.Now()))
	}

	return s.authContextFromClaims(&c, raw)
}

func (s *Service) authContextFromClaims(c *claims, raw string) (bodhi.AuthContext, error) {
	scope, err := bodhi.HighestResourceRole(c.ResourceRoles)
	if err != nil {
		return nil, bodhi.WrapError(bodhi.KindAuthentication, "token_error-no_roles", "token carries no recognized role", err)
	}
	return bodhi.BearerAuth{UserID: c.Subject, Scope: scope, Token: raw}, nil
}

// GetValidSessionToken implements spec.md 4.10's get_valid_session_token:
// return accessToken unchanged if it is still valid, otherwise refresh it
// through the identity provider exactly once per sessionID even under
// concurrent requests, via singleflight.
func (s *Service) GetValidSessionToken(ctx context.Context, sessionID, accessToken string) (string, *bodhi.Role, error) {
	if role, ok := s.validSessionRole(ctx, accessToken); ok {
		return accessToken, &role, nil
	}

	v, err, _ := s.group.Do("refresh_token:"+sessionID, func() (any, error) {
		return s.refreshSession(ctx, sessionID)
	})
	if err != nil {
		return "", nil, err
	}
	refreshed := v.(refreshedToken)
	return refreshed.accessToken, &refreshed.role, nil
}

type refreshedToken struct {
	accessToken string
	role        bodhi.Role
}

func (s *Service) validSessionRole(ctx context.Context, accessToken string) (bodhi.Role, bool) {
	auth, err := s.validateJWT(ctx, accessToken)
	if err != nil {
		return 0, false
	}
	bearer, ok := auth.(bodhi.BearerAuth)
	if !ok {
		return 0, false
	}
	return bearer.Scope, true
}

func (s *Service) refreshSession(ctx context.Context, sessionID string) (refreshedToken, error) {
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return refreshedToken{}, bodhi.WrapError(bodhi.KindAuthentication, "token_error-session_not_found", "session not found", err)
	}
	if session.Data.RefreshToken == "" {
		return refreshedToken{}, bodhi.WrapError(bodhi.KindAuthentication, "token_error-no_refresh_token", "session has no refresh token", bodhi.ErrRefreshTokenNotFound)
	}

	accessToken, newRefresh, _, err := s.refresher.Refresh(ctx, session.Data.RefreshToken)
	if err != nil {
		return refreshedToken{}, bodhi.WrapError(bodhi.KindAuthentication, "token_error-refresh_failed", "refresh token exchange failed", err)
	}

	auth, err := s.validateJWT(ctx, accessToken)
	if err != nil {
		return refreshedToken{}, err
	}
	bearer, ok := auth.(bodhi.BearerAuth)
	if !ok {
		return refreshedToken{}, bodhi.NewError(bodhi.KindAuthentication, "token_error-no_roles", "refreshed token carries no recognized role")
	}

	session.Data.AccessToken = accessToken
	if newRefresh != "" {
		session.Data.RefreshToken = newRefresh
	}
	if err := s.sessions.Update(ctx, session); err != nil {
		return refreshedToken{}, bodhi.WrapError(bodhi.KindInternal, "token_error-session_update", "persist refreshed session", err)
	}

	return refreshedToken{accessToken: accessToken, role: bearer.Scope}, nil
}
