package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleGetLedger(w http.ResponseWriter, r *http.Request) {
	l, err := s.ledger.Balance(r.Context(), chi.URLParam(r, "user"))
	if err != nil {
		s.writeFailure(w, err, "get ledger")
		return
	}
	s.writeJSON(w, http.StatusOK, l)
}
