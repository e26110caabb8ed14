package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/seantiz/kiln/internal/billing"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/schema"
	"github.com/seantiz/kiln/internal/tool"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Error("encode response")
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeFailure maps an engine error to a status code. Errors that are not
// the caller's or a backend's fault are logged and reported generically.
func (s *Server) writeFailure(w http.ResponseWriter, err error, op string) {
	var verr *schema.ValidationError
	var xerr *tool.ExecutionError
	switch {
	case errors.As(err, &verr):
		s.writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, model.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, billing.ErrInsufficientFunds):
		s.writeError(w, http.StatusPaymentRequired, err.Error())
	case errors.As(err, &xerr):
		s.writeError(w, http.StatusBadGateway, xerr.Error())
	default:
		s.log.WithError(err).Error(op)
		s.writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}

// decodeBody reads a size-limited JSON body. Numbers are kept as
// json.Number so integer arguments survive unchanged.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	return dec.Decode(v)
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}

// requestUser returns the calling user from the user header, falling back
// to the "user" query parameter.
func requestUser(r *http.Request) string {
	if u := r.Header.Get(userHeader); u != "" {
		return u
	}
	return r.URL.Query().Get("user")
}
