package api

import (
	"io"
	"net/http"

	"github.com/seantiz/kiln/internal/tool/replicate"
)

// handleReplicateWebhook applies a prediction status pushed by replicate.
// An unknown prediction answers 404 so the sender retries; the task may not
// have recorded its handler yet.
func (s *Server) handleReplicateWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	u, err := replicate.ParseWebhook(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	task, err := s.engine.HandleWebhook(r.Context(), u)
	if err != nil {
		s.writeFailure(w, err, "handle webhook")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"task_id": task.ID, "status": task.Status})
}
