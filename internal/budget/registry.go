package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/relaycore/relaycore/internal/models"
)

var (
	ErrBudgetNotFound    = errors.New("budget not found")
	ErrInvalidPeriod     = errors.New("invalid budget period")
	ErrInvalidScope      = errors.New("invalid budget scope")
	ErrThresholdsInvalid = errors.New("thresholds invalid")
	ErrCurrencyUnknown   = errors.New("currency unknown")
)

// iso4217 is the set of currencies budgets may be denominated in.
var iso4217 = map[string]bool{
	"USD": true, "EUR": true, "GBP": true, "JPY": true, "CHF": true,
	"CAD": true, "AUD": true, "NZD": true, "SEK": true, "NOK": true,
	"DKK": true, "PLN": true, "CZK": true, "HUF": true, "RON": true,
	"BRL": true, "MXN": true, "INR": true, "CNY": true, "KRW": true,
	"SGD": true, "HKD": true, "ZAR": true, "ILS": true, "AED": true,
}

// Registry owns budget definitions and their lifecycle.
type Registry struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewRegistry(db *gorm.DB, logger *zap.Logger) *Registry {
	return &Registry{db: db, logger: logger}
}

type CreateRequest struct {
	Name      string              `json:"name"`
	ScopeType models.ScopeType    `json:"scope_type"`
	ScopeID   string              `json:"scope_id"`
	Limit     decimal.Decimal     `json:"limit_amount"`
	Currency  string              `json:"currency"`
	Period    models.BudgetPeriod `json:"period"`
	StartsAt  *time.Time          `json:"starts_at,omitempty"`
	EndsAt    *time.Time          `json:"ends_at,omitempty"`
	Recurring bool                `json:"recurring"`

	WarningThreshold  float64 `json:"warning_threshold"`
	CriticalThreshold float64 `json:"critical_threshold"`

	WarningActions  []models.ThresholdAction `json:"warning_actions,omitempty"`
	CriticalActions []models.ThresholdAction `json:"critical_actions,omitempty"`
	ExceededActions []models.ThresholdAction `json:"exceeded_actions,omitempty"`

	AllowOverrides bool     `json:"allow_overrides"`
	OverrideRoles  []string `json:"override_roles,omitempty"`

	ParentID  *uuid.UUID `json:"parent_id,omitempty"`
	CreatedBy string     `json:"created_by,omitempty"`
}

type UpdateRequest struct {
	Name              *string                  `json:"name,omitempty"`
	Limit             *decimal.Decimal         `json:"limit_amount,omitempty"`
	WarningThreshold  *float64                 `json:"warning_threshold,omitempty"`
	CriticalThreshold *float64                 `json:"critical_threshold,omitempty"`
	WarningActions    []models.ThresholdAction `json:"warning_actions,omitempty"`
	CriticalActions   []models.ThresholdAction `json:"critical_actions,omitempty"`
	ExceededActions   []models.ThresholdAction `json:"exceeded_actions,omitempty"`
	AllowOverrides    *bool                    `json:"allow_overrides,omitempty"`
	OverrideRoles     []string                 `json:"override_roles,omitempty"`
	Enabled           *bool                    `json:"enabled,omitempty"`
}

func (r *Registry) Create(ctx context.Context, req *CreateRequest) (*models.BudgetDefinition, error) {
	if !req.ScopeType.IsValid() || req.ScopeID == "" {
		return nil, fmt.Errorf("%w: %s/%s", ErrInvalidScope, req.ScopeType, req.ScopeID)
	}
	if !req.Period.IsValid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPeriod, req.Period)
	}
	if !iso4217[req.Currency] {
		return nil, fmt.Errorf("%w: %s", ErrCurrencyUnknown, req.Currency)
	}

	warning, critical := req.WarningThreshold, req.CriticalThreshold
	if warning == 0 && critical == 0 {
		warning, critical = 70, 90
	}
	if warning < 0 || critical > 100 || warning > critical {
		return nil, fmt.Errorf("%w: warning=%.1f critical=%.1f", ErrThresholdsInvalid, warning, critical)
	}

	now := time.Now().UTC()
	startsAt := now
	if req.StartsAt != nil {
		startsAt = req.StartsAt.UTC()
	}

	endsAt, err := PeriodEnd(req.Period, startsAt, req.EndsAt)
	if err != nil {
		return nil, err
	}
	if !endsAt.After(startsAt) {
		return nil, fmt.Errorf("%w: end %s is not after start %s", ErrInvalidPeriod, endsAt, startsAt)
	}

	def := &models.BudgetDefinition{
		Name:              req.Name,
		ScopeType:         req.ScopeType,
		ScopeID:           req.ScopeID,
		LimitAmount:       req.Limit,
		Currency:          req.Currency,
		Period:            req.Period,
		StartsAt:          startsAt,
		EndsAt:            endsAt,
		Recurring:         req.Recurring,
		WarningThreshold:  warning,
		CriticalThreshold: critical,
		WarningActions:    req.WarningActions,
		CriticalActions:   req.CriticalActions,
		ExceededActions:   req.ExceededActions,
		AllowOverrides:    req.AllowOverrides,
		OverrideRoles:     req.OverrideRoles,
		ParentID:          req.ParentID,
		Enabled:           true,
		CreatedBy:         req.CreatedBy,
	}

	if req.ParentID != nil {
		if _, err := r.Get(ctx, *req.ParentID); err != nil {
			return nil, fmt.Errorf("parent: %w", err)
		}
	}

	if err := r.db.WithContext(ctx).Create(def).Error; err != nil {
		return nil, fmt.Errorf("failed to create budget: %w", err)
	}

	r.logger.Info("budget created",
		zap.String("budget_id", def.ID.String()),
		zap.String("scope", string(def.ScopeType)+"/"+def.ScopeID),
		zap.String("limit", def.LimitAmount.String()),
		zap.String("period", string(def.Period)))

	return def, nil
}

// PeriodEnd computes the period end from the start, rounded to end-of-day in
// UTC. Custom periods require an explicit end.
func PeriodEnd(period models.BudgetPeriod, startsAt time.Time, explicit *time.Time) (time.Time, error) {
	if explicit != nil {
		return explicit.UTC(), nil
	}

	var end time.Time
	switch period {
	case models.BudgetPeriodDaily:
		end = startsAt.AddDate(0, 0, 1)
	case models.BudgetPeriodWeekly:
		end = startsAt.AddDate(0, 0, 7)
	case models.BudgetPeriodMonthly:
		end = startsAt.AddDate(0, 1, 0)
	case models.BudgetPeriodQuarterly:
		end = startsAt.AddDate(0, 3, 0)
	case models.BudgetPeriodAnnual:
		end = startsAt.AddDate(1, 0, 0)
	case models.BudgetPeriodCustom:
		return time.Time{}, fmt.Errorf("%w: custom period requires an explicit end date", ErrInvalidPeriod)
	default:
		return time.Time{}, fmt.Errorf("%w: %s", ErrInvalidPeriod, period)
	}

	end = end.UTC()
	return time.Date(end.Year(), end.Month(), end.Day(), 23, 59, 59, 0, time.UTC), nil
}

func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*models.BudgetDefinition, error) {
	var def models.BudgetDefinition
	if err := r.db.WithContext(ctx).First(&def, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBudgetNotFound
		}
		return nil, err
	}
	return &def, nil
}

func (r *Registry) Update(ctx context.Context, id uuid.UUID, req *UpdateRequest) (*models.BudgetDefinition, error) {
	def, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		def.Name = *req.Name
	}
	if req.Limit != nil {
		def.LimitAmount = *req.Limit
	}
	if req.WarningThreshold != nil {
		def.WarningThreshold = *req.WarningThreshold
	}
	if req.CriticalThreshold != nil {
		def.CriticalThreshold = *req.CriticalThreshold
	}
	if def.WarningThreshold < 0 || def.CriticalThreshold > 100 || def.WarningThreshold > def.CriticalThreshold {
		return nil, fmt.Errorf("%w: warning=%.1f critical=%.1f", ErrThresholdsInvalid, def.WarningThreshold, def.CriticalThreshold)
	}
	if req.WarningActions != nil {
		def.WarningActions = req.WarningActions
	}
	if req.CriticalActions != nil {
		def.CriticalActions = req.CriticalActions
	}
	if req.ExceededActions != nil {
		def.ExceededActions = req.ExceededActions
	}
	if req.AllowOverrides != nil {
		def.AllowOverrides = *req.AllowOverrides
	}
	if req.OverrideRoles != nil {
		def.OverrideRoles = req.OverrideRoles
	}
	if req.Enabled != nil {
		def.Enabled = *req.Enabled
	}

	if err := r.db.WithContext(ctx).Save(def).Error; err != nil {
		return nil, fmt.Errorf("failed to update budget: %w", err)
	}
	return def, nil
}

// Delete soft-disables a budget; usage history stays queryable.
func (r *Registry) Delete(ctx context.Context, id uuid.UUID) error {
	def, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	def.Enabled = false
	if err := r.db.WithContext(ctx).Save(def).Error; err != nil {
		return err
	}
	return r.db.WithContext(ctx).Delete(def).Error
}

func (r *Registry) ListByScope(ctx context.Context, scopeType models.ScopeType, scopeID string) ([]*models.BudgetDefinition, error) {
	var defs []*models.BudgetDefinition
	query := r.db.WithContext(ctx).Model(&models.BudgetDefinition{})
	if scopeType != "" {
		query = query.Where("scope_type = ?", scopeType)
	}
	if scopeID != "" {
		query = query.Where("scope_id = ?", scopeID)
	}
	if err := query.Order("created_at").Find(&defs).Error; err != nil {
		return nil, err
	}
	return defs, nil
}

// ForScopeTuple returns the enabled budgets applicable to a request's scope,
// restricted to their current period. Lapsed recurring budgets roll forward
// first so they never fall out of enforcement.
func (r *Registry) ForScopeTuple(ctx context.Context, scope models.ScopeTuple, now time.Time) ([]*models.BudgetDefinition, error) {
	members := scope.Members()
	if len(members) == 0 {
		return nil, nil
	}

	if err := r.rollLapsed(ctx, members, now); err != nil {
		return nil, err
	}

	query := r.db.WithContext(ctx).Model(&models.BudgetDefinition{}).
		Where("enabled = ?", true).
		Where("starts_at <= ? AND ends_at >= ?", now, now).
		Where(r.scopeClause(members))

	var defs []*models.BudgetDefinition
	if err := query.Order("created_at").Find(&defs).Error; err != nil {
		return nil, err
	}
	return defs, nil
}

func (r *Registry) scopeClause(members []models.ScopeRef) *gorm.DB {
	clause := r.db.Where("1 = 0")
	for _, m := range members {
		clause = clause.Or(r.db.Where("scope_type = ? AND scope_id = ?", m.Type, m.ID))
	}
	return clause
}

// rollLapsed advances every lapsed recurring budget in scope to its current
// period.
func (r *Registry) rollLapsed(ctx context.Context, members []models.ScopeRef, now time.Time) error {
	var lapsed []*models.BudgetDefinition
	err := r.db.WithContext(ctx).Model(&models.BudgetDefinition{}).
		Where("enabled = ?", true).
		Where("recurring = ?", true).
		Where("ends_at < ?", now).
		Where(r.scopeClause(members)).
		Find(&lapsed).Error
	if err != nil {
		return err
	}
	for _, def := range lapsed {
		if err := r.RollPeriod(ctx, def, now); err != nil {
			return err
		}
		r.logger.Info("recurring budget rolled to new period",
			zap.String("budget_id", def.ID.String()),
			zap.Time("starts_at", def.StartsAt),
			zap.Time("ends_at", def.EndsAt))
	}
	return nil
}

// Hierarchy returns the ancestor chain (closest first) and direct children.
func (r *Registry) Hierarchy(ctx context.Context, id uuid.UUID) (ancestors, children []*models.BudgetDefinition, err error) {
	def, err := r.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	for parent := def.ParentID; parent != nil; {
		p, err := r.Get(ctx, *parent)
		if err != nil {
			if errors.Is(err, ErrBudgetNotFound) {
				break
			}
			return nil, nil, err
		}
		ancestors = append(ancestors, p)
		parent = p.ParentID
		if len(ancestors) > 32 { // cycle guard
			break
		}
	}

	if err := r.db.WithContext(ctx).Where("parent_id = ?", id).Find(&children).Error; err != nil {
		return nil, nil, err
	}
	return ancestors, children, nil
}

// RollPeriod advances a recurring budget whose period has lapsed.
func (r *Registry) RollPeriod(ctx context.Context, def *models.BudgetDefinition, now time.Time) error {
	if !def.Recurring || def.Period == models.BudgetPeriodCustom {
		return nil
	}
	for !def.EndsAt.After(now) {
		def.StartsAt = def.EndsAt
		end, err := PeriodEnd(def.Period, def.StartsAt, nil)
		if err != nil {
			return err
		}
		def.EndsAt = end
	}
	return r.db.WithContext(ctx).Save(def).Error
}
