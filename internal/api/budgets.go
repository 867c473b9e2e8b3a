package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/relaycore/relaycore/internal/budget"
	"github.com/relaycore/relaycore/internal/models"
)

func (s *Server) budgetID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "budgetID"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "budget id must be a uuid")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) handleCreateBudget(w http.ResponseWriter, r *http.Request) {
	var req budget.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}

	def, err := s.budgets.Create(r.Context(), &req)
	if err != nil {
		if errors.Is(err, budget.ErrInvalidScope) || errors.Is(err, budget.ErrInvalidPeriod) ||
			errors.Is(err, budget.ErrThresholdsInvalid) || errors.Is(err, budget.ErrCurrencyUnknown) {
			s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		s.writePipelineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, def)
}

func (s *Server) handleListBudgets(w http.ResponseWriter, r *http.Request) {
	scopeType := models.ScopeType(r.URL.Query().Get("scope_type"))
	scopeID := r.URL.Query().Get("scope_id")

	defs, err := s.budgets.ListByScope(r.Context(), scopeType, scopeID)
	if err != nil {
		s.writePipelineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"budgets": defs})
}

func (s *Server) handleGetBudget(w http.ResponseWriter, r *http.Request) {
	id, ok := s.budgetID(w, r)
	if !ok {
		return
	}
	def, err := s.budgets.Get(r.Context(), id)
	if err != nil {
		s.writePipelineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleUpdateBudget(w http.ResponseWriter, r *http.Request) {
	id, ok := s.budgetID(w, r)
	if !ok {
		return
	}
	var req budget.UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}
	def, err := s.budgets.Update(r.Context(), id, &req)
	if err != nil {
		if errors.Is(err, budget.ErrThresholdsInvalid) {
			s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		s.writePipelineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleDeleteBudget(w http.ResponseWriter, r *http.Request) {
	id, ok := s.budgetID(w, r)
	if !ok {
		return
	}
	if err := s.budgets.Delete(r.Context(), id); err != nil {
		s.writePipelineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBudgetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.budgetID(w, r)
	if !ok {
		return
	}
	status, err := s.tracker.GetStatus(r.Context(), id)
	if err != nil {
		s.writePipelineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleRefreshBudget(w http.ResponseWriter, r *http.Request) {
	id, ok := s.budgetID(w, r)
	if !ok {
		return
	}
	def, err := s.budgets.Get(r.Context(), id)
	if err != nil {
		s.writePipelineError(w, err)
		return
	}
	status, err := s.tracker.Refresh(r.Context(), def)
	if err != nil {
		s.writePipelineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleBudgetHierarchy(w http.ResponseWriter, r *http.Request) {
	id, ok := s.budgetID(w, r)
	if !ok {
		return
	}
	ancestors, children, err := s.budgets.Hierarchy(r.Context(), id)
	if err != nil {
		s.writePipelineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ancestors": ancestors,
		"children":  children,
	})
}

func (s *Server) handleBudgetUsage(w http.ResponseWriter, r *http.Request) {
	id, ok := s.budgetID(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	records, err := s.tracker.ListUsage(r.Context(), id, limit, offset)
	if err != nil {
		s.writePipelineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

func (s *Server) handleBudgetSummary(w http.ResponseWriter, r *http.Request) {
	id, ok := s.budgetID(w, r)
	if !ok {
		return
	}
	summary, err := s.tracker.UsageSummary(r.Context(), id)
	if err != nil {
		s.writePipelineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	id, ok := s.budgetID(w, r)
	if !ok {
		return
	}
	alerts, err := s.tracker.ListAlerts(r.Context(), id)
	if err != nil {
		s.writePipelineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts})
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "alertID"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "alert id must be a uuid")
		return
	}
	if err := s.tracker.ResolveAlert(r.Context(), id); err != nil {
		s.writePipelineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type checkConstraintsBody struct {
	Scope         models.ScopeTuple `json:"scope"`
	EstimatedCost string            `json:"estimated_cost"`
}

// handleCheckConstraints runs a dry constraint check without dispatching.
func (s *Server) handleCheckConstraints(w http.ResponseWriter, r *http.Request) {
	var body checkConstraintsBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}
	cost, err := decimal.NewFromString(body.EstimatedCost)
	if err != nil || cost.IsNegative() {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "estimated_cost must be a non-negative decimal string")
		return
	}

	result, err := s.tracker.CheckConstraints(r.Context(), body.Scope, cost)
	if err != nil {
		s.writePipelineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}
