package budget

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/relaycore/relaycore/internal/models"
)

// BudgetConstraint is the verdict for one budget.
type BudgetConstraint struct {
	BudgetID    uuid.UUID          `json:"budget_id"`
	Name        string             `json:"name"`
	ScopeType   models.ScopeType   `json:"scope_type"`
	ScopeID     string             `json:"scope_id"`
	Outcome     Outcome            `json:"-"`
	OutcomeName string             `json:"outcome"`
	Status      models.StatusLevel `json:"status"`
	Reason      string             `json:"reason"`
	Suggestions []string           `json:"suggestions,omitempty"`
	PercentUsed float64            `json:"percent_used"`
}

// ConstraintResult aggregates per-budget verdicts across the scope tuple by
// taking the most restrictive outcome.
type ConstraintResult struct {
	Outcome       Outcome            `json:"-"`
	OutcomeName   string             `json:"outcome"`
	Reason        string             `json:"reason"`
	Status        models.StatusLevel `json:"status"`
	Budgets       []BudgetConstraint `json:"budgets,omitempty"`
	OverrideRoles []string           `json:"override_roles,omitempty"`
}

// CheckConstraints determines the allowed outcome for an estimated cost
// across every budget applicable to the scope tuple.
func (t *Tracker) CheckConstraints(ctx context.Context, scope models.ScopeTuple, estimatedCost decimal.Decimal) (*ConstraintResult, error) {
	now := t.now()
	defs, err := t.registry.ForScopeTuple(ctx, scope, now)
	if err != nil {
		return nil, err
	}

	result := &ConstraintResult{
		Outcome: OutcomeAllow,
		Status:  models.StatusNormal,
		Reason:  "within budget",
	}

	for _, def := range defs {
		verdict, err := t.checkBudget(ctx, def, estimatedCost)
		if err != nil {
			return nil, err
		}
		result.Budgets = append(result.Budgets, *verdict)

		if verdict.Status.Worse(result.Status) {
			result.Status = verdict.Status
		}
		if verdict.Outcome > result.Outcome {
			result.Outcome = verdict.Outcome
			result.Reason = verdict.Reason
			if verdict.Outcome == OutcomeRequireApproval && def.AllowOverrides {
				result.OverrideRoles = def.OverrideRoles
			}
		}
	}

	result.OutcomeName = result.Outcome.String()

	t.logger.Debug("budget constraints checked",
		zap.String("outcome", result.OutcomeName),
		zap.Int("budgets", len(result.Budgets)),
		zap.String("estimated_cost", estimatedCost.String()))

	return result, nil
}

func (t *Tracker) checkBudget(ctx context.Context, def *models.BudgetDefinition, estimatedCost decimal.Decimal) (*BudgetConstraint, error) {
	status, err := t.GetStatus(ctx, def.ID)
	if err != nil {
		return nil, err
	}

	projected := status.CurrentAmount.Add(estimatedCost)
	projectedPct := percentUsed(projected, def.LimitAmount)
	level := def.LevelFor(projectedPct)

	verdict := &BudgetConstraint{
		BudgetID:    def.ID,
		Name:        def.Name,
		ScopeType:   def.ScopeType,
		ScopeID:     def.ScopeID,
		Status:      level,
		PercentUsed: status.PercentUsed,
	}

	verdict.Outcome = outcomeFor(def, level)
	verdict.OutcomeName = verdict.Outcome.String()

	switch verdict.Outcome {
	case OutcomeDeny:
		verdict.Reason = fmt.Sprintf("budget %q would be exceeded: %s of %s %s used, request adds %s",
			def.Name, status.CurrentAmount.StringFixed(2), def.LimitAmount.StringFixed(2), def.Currency, estimatedCost.StringFixed(4))
		verdict.Suggestions = []string{
			"wait for the budget period to reset",
			"request a limit increase",
		}
	case OutcomeRequireApproval:
		verdict.Reason = fmt.Sprintf("budget %q requires approval at %.1f%% usage", def.Name, projectedPct)
		verdict.Suggestions = []string{"obtain approval from a budget override role"}
	case OutcomeAllowWithDowngrade:
		verdict.Reason = fmt.Sprintf("budget %q at %.1f%%: downgrading to an economy model", def.Name, projectedPct)
		verdict.Suggestions = []string{"use a cheaper model tier", "reduce max_tokens"}
	default:
		verdict.Reason = fmt.Sprintf("budget %q at %.1f%% usage", def.Name, projectedPct)
	}

	return verdict, nil
}

// outcomeFor maps a projected status level to an outcome. Explicitly
// configured threshold actions take precedence; otherwise exceeded denies,
// critical downgrades, warning allows.
func outcomeFor(def *models.BudgetDefinition, level models.StatusLevel) Outcome {
	actions := def.ActionsFor(level)
	if len(actions) == 0 {
		switch level {
		case models.StatusExceeded:
			return OutcomeDeny
		case models.StatusCritical:
			return OutcomeAllowWithDowngrade
		default:
			return OutcomeAllow
		}
	}

	outcome := OutcomeAllow
	for _, action := range actions {
		switch action {
		case models.ActionBlockAll:
			outcome = outcome.Combine(OutcomeDeny)
		case models.ActionRequireApproval:
			outcome = outcome.Combine(OutcomeRequireApproval)
		case models.ActionAutoDowngrade, models.ActionRestrictModels:
			outcome = outcome.Combine(OutcomeAllowWithDowngrade)
		case models.ActionNotify:
			// alerting only
		}
	}

	// Exceeding the limit is never a plain allow.
	if level == models.StatusExceeded && outcome < OutcomeAllowWithDowngrade {
		outcome = OutcomeDeny
	}
	return outcome
}
