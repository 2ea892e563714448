package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	bodhi "github.com/bodhiapp/bodhi/internal"
	"github.com/bodhiapp/bodhi/internal/authn"
)

// handleListAccessRequests implements the supplemented
// GET /bodhi/v1/access-requests admin route.
func (s *server) handleListAccessRequests(w http.ResponseWriter, r *http.Request) {
	offset, limit := pageParams(r)
	reqs, err := s.deps.Ledger.ListAccessRequests(r.Context(), offset, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": reqs})
}

// handleGetAccessRequest implements the supplemented
// GET /bodhi/v1/access-requests/{id} admin route. GetAccessRequest itself
// applies the Draft->Expired auto-transition on read.
func (s *server) handleGetAccessRequest(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Ledger.GetAccessRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type approveAccessRequest struct {
	Role bodhi.Role `json:"role"`
}

// handleApproveAccessRequest implements the supplemented
// POST /bodhi/v1/access-requests/{id}/approve admin route.
func (s *server) handleApproveAccessRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, err := s.deps.Ledger.GetAccessRequest(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if a.Status != bodhi.AccessRequestDraft {
		writeError(w, bodhi.NewError(bodhi.KindConflict, "access_request_error-not_draft", "access request is no longer pending"))
		return
	}

	var req approveAccessRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	adminID, _ := authn.ExtractUserID(r.Context())
	role := req.Role
	if err := s.deps.Ledger.UpdateAccessRequestStatus(r.Context(), id, bodhi.AccessRequestApproved, &role, a.Requested, adminID); err != nil {
		writeError(w, err)
		return
	}

	a, err = s.deps.Ledger.GetAccessRequest(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleDenyAccessRequest implements the supplemented
// POST /bodhi/v1/access-requests/{id}/deny admin route.
func (s *server) handleDenyAccessRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, err := s.deps.Ledger.GetAccessRequest(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if a.Status != bodhi.AccessRequestDraft {
		writeError(w, bodhi.NewError(bodhi.KindConflict, "access_request_error-not_draft", "access request is no longer pending"))
		return
	}

	adminID, _ := authn.ExtractUserID(r.Context())
	if err := s.deps.Ledger.UpdateAccessRequestStatus(r.Context(), id, bodhi.AccessRequestDenied, nil, nil, adminID); err != nil {
		writeError(w, err)
		return
	}

	a, err = s.deps.Ledger.GetAccessRequest(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}
