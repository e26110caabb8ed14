package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/invopop/jsonschema"

	"github.com/seantiz/kiln/internal/tool"
)

// toolResponse is a tool declaration together with the JSON Schema of its
// arguments.
type toolResponse struct {
	*tool.Spec
	Schema *jsonschema.Schema `json:"schema"`
}

// quoteRequest is the JSON body for POST /v1/tools/{key}/quote.
type quoteRequest struct {
	Args map[string]any `json:"args"`
}

type quoteResponse struct {
	Tool string  `json:"tool"`
	Cost float64 `json:"cost"`
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	specs := s.engine.Tools()
	if specs == nil {
		specs = []*tool.Spec{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tools": specs})
}

func (s *Server) handleGetTool(w http.ResponseWriter, r *http.Request) {
	spec, err := s.engine.Tool(chi.URLParam(r, "key"))
	if err != nil {
		s.writeFailure(w, err, "get tool")
		return
	}
	setToolLabel(r, spec.Key)
	s.writeJSON(w, http.StatusOK, toolResponse{Spec: spec, Schema: spec.Schema().JSONSchema()})
}

// handleQuoteTool prices a call without charging for it.
func (s *Server) handleQuoteTool(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var req quoteRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Args == nil {
		req.Args = map[string]any{}
	}

	cost, err := s.engine.Quote(key, req.Args)
	if err != nil {
		s.writeFailure(w, err, "quote tool")
		return
	}
	setToolLabel(r, key)
	s.writeJSON(w, http.StatusOK, quoteResponse{Tool: key, Cost: cost})
}
