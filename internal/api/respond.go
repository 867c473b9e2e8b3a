package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/relaycore/relaycore/internal/budget"
	"github.com/relaycore/relaycore/internal/pipeline"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code          string   `json:"code"`
	Message       string   `json:"message"`
	Suggestions   []string `json:"suggestions,omitempty"`
	OverrideRoles []string `json:"override_roles,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// writePipelineError maps pipeline and budget errors onto the transport.
func (s *Server) writePipelineError(w http.ResponseWriter, err error) {
	var perr *pipeline.Error
	if errors.As(err, &perr) {
		s.writeJSON(w, perr.HTTPStatus(), errorBody{Error: errorDetail{
			Code:          string(perr.Code),
			Message:       perr.Message,
			Suggestions:   perr.Suggestions,
			OverrideRoles: perr.OverrideRoles,
		}})
		return
	}
	if errors.Is(err, budget.ErrBudgetNotFound) {
		s.writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	s.logger.Error("request failed", zap.Error(err))
	s.writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
}
