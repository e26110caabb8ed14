package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/kiln/internal/model"
)

type listLorasResponse struct {
	Loras []*model.Lora `json:"loras"`
}

func (s *Server) handleListLoras(w http.ResponseWriter, r *http.Request) {
	loras, err := s.store.ListLoras(r.Context(), requestUser(r))
	if err != nil {
		s.writeFailure(w, err, "list loras")
		return
	}
	if loras == nil {
		loras = []*model.Lora{}
	}
	s.writeJSON(w, http.StatusOK, listLorasResponse{Loras: loras})
}

func (s *Server) handleGetLora(w http.ResponseWriter, r *http.Request) {
	l, err := s.store.GetLora(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFailure(w, err, "get lora")
		return
	}
	s.writeJSON(w, http.StatusOK, l)
}
