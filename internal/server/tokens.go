package server

import (
	"crypto/rand"
	"encoding/base64"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	bodhi "github.com/bodhiapp/bodhi/internal"
	"github.com/bodhiapp/bodhi/internal/authn"
)

// tokenDisplayPrefixLen matches internal/tokensvc's own displayPrefixLen:
// how many characters after bodhi.ApiTokenPrefix are indexed for lookup.
const tokenDisplayPrefixLen = 8

type tokenView struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Masked    string          `json:"token_prefix"`
	Scope     bodhi.Role      `json:"scope"`
	Status    bodhi.TokenStatus `json:"status"`
	CreatedAt string          `json:"created_at"`
}

func maskedView(t *bodhi.ApiToken) tokenView {
	return tokenView{
		ID:        t.ID,
		Name:      t.Name,
		Masked:    bodhi.ApiTokenPrefix + t.TokenPrefix + "...",
		Scope:     t.Scope,
		Status:    t.Status,
		CreatedAt: t.CreatedAt.Format(httpTimeFormat),
	}
}

const httpTimeFormat = "2006-01-02T15:04:05Z07:00"

// handleListTokens implements spec.md 6's GET /bodhi/v1/tokens.
func (s *server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	userID, _ := authn.ExtractUserID(r.Context())
	tokens, err := s.deps.Ledger.ListTokensByUser(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]tokenView, 0, len(tokens))
	for _, t := range tokens {
		views = append(views, maskedView(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": views})
}

type createTokenRequest struct {
	Name  string     `json:"name"`
	Scope bodhi.Role `json:"scope"`
}

type createTokenResponse struct {
	tokenView
	Token string `json:"token"`
}

// handleCreateToken implements spec.md 6's POST /bodhi/v1/tokens: mint a
// new opaque token, returning the raw value exactly once -- every
// subsequent read goes through maskedView instead.
func (s *server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var req createTokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	userID, ok := authn.ExtractUserID(r.Context())
	if !ok {
		writeError(w, bodhi.NewError(bodhi.KindAuthentication, "token_error-no_user", "no authenticated user"))
		return
	}

	raw, err := randomToken()
	if err != nil {
		writeError(w, bodhi.WrapError(bodhi.KindInternal, "token_error-random", "generate token", err))
		return
	}

	t := &bodhi.ApiToken{
		ID:          uuid.Must(uuid.NewV7()).String(),
		UserID:      userID,
		Name:        req.Name,
		TokenPrefix: raw[len(bodhi.ApiTokenPrefix) : len(bodhi.ApiTokenPrefix)+tokenDisplayPrefixLen],
		TokenHash:   bodhi.HashToken(raw),
		Scope:       req.Scope,
		Status:      bodhi.TokenActive,
	}
	if err := s.deps.Ledger.CreateToken(r.Context(), t); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, createTokenResponse{tokenView: maskedView(t), Token: raw})
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return bodhi.ApiTokenPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

type updateTokenRequest struct {
	Status bodhi.TokenStatus `json:"status"`
}

// handleUpdateToken implements spec.md 6's PUT /bodhi/v1/tokens/{id}: the
// only mutation TokenStore exposes on an existing token is its active/
// inactive status.
func (s *server) handleUpdateToken(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req updateTokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Status != bodhi.TokenActive && req.Status != bodhi.TokenInactive {
		writeError(w, bodhi.NewError(bodhi.KindBadRequest, "token_error-invalid_status", `status must be "active" or "inactive"`))
		return
	}
	if err := s.deps.Ledger.UpdateTokenStatus(r.Context(), id, req.Status); err != nil {
		writeError(w, err)
		return
	}
	t, err := s.deps.Ledger.GetToken(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, maskedView(t))
}
