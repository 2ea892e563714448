package server

import (
	"errors"
	"net/http"

	"github.com/tidwall/gjson"

	bodhi "github.com/bodhiapp/bodhi/internal"
)

// aliasRepoFilenameSnapshot extracts the (repo, filename, snapshot) a local
// alias names, exhaustively switching over the closed Alias union per
// internal/alias.KindOf's own discipline. ApiAlias has no local file, so ok
// is false for it.
func aliasRepoFilenameSnapshot(a bodhi.Alias) (repo, filename, snapshot string, ok bool) {
	switch v := a.(type) {
	case bodhi.UserAlias:
		return v.Repo, v.Filename, v.Snapshot, true
	case bodhi.ModelAlias:
		return v.Repo, v.Filename, v.Snapshot, true
	case bodhi.ApiAlias:
		return "", "", "", false
	default:
		panic("server: unknown alias kind")
	}
}

type ollamaModel struct {
	Name string `json:"name"`
}

// handleOllamaTags implements spec.md 6's GET /api/tags: list every locally
// cached model in Ollama's {"models":[{"name":...}]} shape.
func (s *server) handleOllamaTags(w http.ResponseWriter, r *http.Request) {
	files, err := s.deps.Hub.ListLocalModels(r.Context())
	if err != nil {
		writeError(w, bodhi.WrapError(bodhi.KindInternal, "ollama_error-list_failed", "list local models", err))
		return
	}
	models := make([]ollamaModel, 0, len(files))
	for _, f := range files {
		models = append(models, ollamaModel{Name: f.Repo + "/" + f.Filename})
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

// handleOllamaShow implements spec.md 6's POST /api/show: resolve the named
// model's alias and return its extracted GGUF metadata, if any.
func (s *server) handleOllamaShow(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	name := gjson.GetBytes(body, "model").String()
	if name == "" {
		name = gjson.GetBytes(body, "name").String()
	}
	if name == "" {
		writeError(w, bodhi.NewError(bodhi.KindBadRequest, "ollama_error-missing_model", "request body must name a model"))
		return
	}

	a, _, err := s.deps.Aliases.Resolve(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}

	repo, filename, snapshot, ok := aliasRepoFilenameSnapshot(a)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"model": name})
		return
	}

	md, err := s.deps.Ledger.GetMetadata(r.Context(), repo, filename, snapshot)
	if err != nil {
		if errors.Is(err, bodhi.ErrNotFound) {
			writeJSON(w, http.StatusOK, map[string]any{"model": name})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"model":          name,
		"architecture":   md.Architecture,
		"context_length": md.ContextLength,
		"details":        md.KV,
	})
}

// handleOllamaChat implements spec.md 6's POST /api/chat: identical
// dispatch to handleChatCompletion, the Ollama request/response shapes
// being close enough to OAI's that the router forwards the body verbatim.
func (s *server) handleOllamaChat(w http.ResponseWriter, r *http.Request) {
	s.handleChatCompletion(w, r)
}
