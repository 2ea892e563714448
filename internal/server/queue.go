package server

import "net/http"

// handleQueueStatus implements spec.md 6's GET /bodhi/v1/queue.
func (s *server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.deps.Queue.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}
