package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	bodhi "github.com/bodhiapp/bodhi/internal"
	"github.com/bodhiapp/bodhi/internal/gguf"
)

type aliasRequest struct {
	AliasName     string         `json:"alias"`
	Repo          string         `json:"repo"`
	Filename      string         `json:"filename"`
	Snapshot      string         `json:"snapshot"`
	RequestParams map[string]any `json:"request_params"`
	ContextParams map[string]any `json:"context_params"`
}

// handleListAliases implements spec.md 6's GET /bodhi/v1/models.
func (s *server) handleListAliases(w http.ResponseWriter, r *http.Request) {
	aliases, err := s.deps.Ledger.ListAliases(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": aliases})
}

// handleCreateAlias implements spec.md 6's POST /bodhi/v1/models.
func (s *server) handleCreateAlias(w http.ResponseWriter, r *http.Request) {
	var req aliasRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.AliasName == "" || req.Repo == "" || req.Filename == "" {
		writeError(w, bodhi.NewError(bodhi.KindBadRequest, "alias_error-missing_fields", "alias, repo, and filename are required"))
		return
	}

	a := &bodhi.UserAlias{
		AliasName:     req.AliasName,
		Repo:          req.Repo,
		Filename:      req.Filename,
		Snapshot:      req.Snapshot,
		RequestParams: req.RequestParams,
		ContextParams: req.ContextParams,
	}
	if err := s.deps.Ledger.CreateAlias(r.Context(), a); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// handleGetAlias implements spec.md 6's GET /bodhi/v1/models/{id}.
func (s *server) handleGetAlias(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Ledger.GetAlias(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleUpdateAlias implements spec.md 6's PUT /bodhi/v1/models/{id}.
func (s *server) handleUpdateAlias(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := s.deps.Ledger.GetAlias(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	var req aliasRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Repo != "" {
		existing.Repo = req.Repo
	}
	if req.Filename != "" {
		existing.Filename = req.Filename
	}
	if req.Snapshot != "" {
		existing.Snapshot = req.Snapshot
	}
	if req.RequestParams != nil {
		existing.RequestParams = req.RequestParams
	}
	if req.ContextParams != nil {
		existing.ContextParams = req.ContextParams
	}

	if err := s.deps.Ledger.UpdateAlias(r.Context(), existing); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, existing)
}

type refreshRequest struct {
	Source   string `json:"source"` // "all" or "model"
	Repo     string `json:"repo"`
	Filename string `json:"filename"`
	Snapshot string `json:"snapshot"`
}

// handleRefreshModels implements spec.md 6's POST /bodhi/v1/models/refresh:
// a discriminated union on "source" -- "all" enqueues the background
// refresh-all task (202), "model" extracts one file synchronously (200).
func (s *server) handleRefreshModels(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	switch req.Source {
	case "all":
		task, err := s.deps.Queue.Enqueue(r.Context(), bodhi.TaskRefreshAll)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, task)
	case "model":
		if req.Repo == "" || req.Filename == "" {
			writeError(w, bodhi.NewError(bodhi.KindBadRequest, "refresh_error-missing_fields", "repo and filename are required"))
			return
		}
		md, err := s.refreshOneModel(r.Context(), req.Repo, req.Filename, req.Snapshot)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, md)
	default:
		writeError(w, bodhi.NewError(bodhi.KindBadRequest, "refresh_error-invalid_source", `source must be "all" or "model"`))
	}
}

// refreshOneModel extracts GGUF metadata for a single cached file and
// upserts it into the ledger, the synchronous single-file counterpart to
// internal/queue.NewRefreshAllHandler's bulk loop.
func (s *server) refreshOneModel(ctx context.Context, repo, filename, snapshot string) (*bodhi.ModelMetadata, error) {
	hf, found, err := s.deps.Hub.FindLocal(ctx, repo, filename, snapshot)
	if err != nil {
		return nil, bodhi.WrapError(bodhi.KindInternal, "refresh_error-lookup_failed", "find local model file", err)
	}
	if !found {
		return nil, bodhi.NewError(bodhi.KindNotFound, "refresh_error-not_found", "model file not cached locally")
	}

	md, err := gguf.ParseFile(hf.Path)
	if err != nil {
		return nil, bodhi.WrapError(bodhi.KindUnprocessableEntity, "refresh_error-parse_failed", "parse GGUF metadata", err)
	}

	m := md.ToModelMetadata(hf.Repo, hf.Filename, hf.Snapshot, s.deps.Clock.Now())
	if err := s.deps.Ledger.UpsertMetadata(ctx, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
