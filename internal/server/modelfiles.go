package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	bodhi "github.com/bodhiapp/bodhi/internal"
)

type pullRequest struct {
	Repo     string `json:"repo"`
	Filename string `json:"filename"`
	Snapshot string `json:"snapshot"`
}

// handleListPulls implements spec.md 6's GET /bodhi/v1/modelfiles/pull.
func (s *server) handleListPulls(w http.ResponseWriter, r *http.Request) {
	offset, limit := pageParams(r)
	downloads, err := s.deps.Ledger.ListDownloads(r.Context(), offset, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": downloads})
}

// handleCreatePull implements spec.md 6's POST /bodhi/v1/modelfiles/pull:
// register the request, then run the actual fetch detached from the
// request's lifetime. Per spec.md 5, cancellation is by deleting the
// record, not by aborting the goroutine, so the background context is
// independent of r.Context().
func (s *server) handleCreatePull(w http.ResponseWriter, r *http.Request) {
	var req pullRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Repo == "" || req.Filename == "" {
		writeError(w, bodhi.NewError(bodhi.KindBadRequest, "pull_error-missing_fields", "repo and filename are required"))
		return
	}

	if existing, ok, err := s.deps.Ledger.GetPendingByRepoFile(r.Context(), req.Repo, req.Filename); err != nil {
		writeError(w, err)
		return
	} else if ok {
		writeJSON(w, http.StatusOK, existing)
		return
	}

	d := &bodhi.DownloadRequest{
		Repo:     req.Repo,
		Filename: req.Filename,
		Status:   bodhi.DownloadPending,
	}
	if err := s.deps.Ledger.CreateDownload(r.Context(), d); err != nil {
		writeError(w, err)
		return
	}

	go s.runPull(context.Background(), d.ID, req.Repo, req.Filename, req.Snapshot)

	writeJSON(w, http.StatusAccepted, d)
}

// handleGetPull implements spec.md 6's GET /bodhi/v1/modelfiles/pull/{id}.
func (s *server) handleGetPull(w http.ResponseWriter, r *http.Request) {
	d, err := s.deps.Ledger.GetDownload(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *server) runPull(ctx context.Context, id, repo, filename, snapshot string) {
	if err := s.deps.Ledger.UpdateDownloadStatus(ctx, id, bodhi.DownloadDownloading, ""); err != nil {
		slog.Error("download status update failed", "id", id, "error", err)
		return
	}

	progress := func(downloaded, total int64) {
		if total <= 0 {
			return
		}
		frac := float64(downloaded) / float64(total)
		if err := s.deps.Ledger.UpdateDownloadProgress(ctx, id, frac); err != nil {
			slog.Warn("download progress update failed", "id", id, "error", err)
		}
	}

	if _, err := s.deps.Hub.Download(ctx, repo, filename, snapshot, progress); err != nil {
		if uerr := s.deps.Ledger.UpdateDownloadStatus(ctx, id, bodhi.DownloadError, err.Error()); uerr != nil {
			slog.Error("download error status update failed", "id", id, "error", uerr)
		}
		return
	}

	if err := s.deps.Ledger.UpdateDownloadStatus(ctx, id, bodhi.DownloadCompleted, ""); err != nil {
		slog.Error("download completed status update failed", "id", id, "error", err)
	}
}

func pageParams(r *http.Request) (offset, limit int) {
	limit = 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return offset, limit
}
