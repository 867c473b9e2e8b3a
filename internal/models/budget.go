package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type ScopeType string

const (
	ScopeOrganization ScopeType = "organization"
	ScopeTeam         ScopeType = "team"
	ScopeUser         ScopeType = "user"
	ScopeProject      ScopeType = "project"
)

func (s ScopeType) IsValid() bool {
	switch s {
	case ScopeOrganization, ScopeTeam, ScopeUser, ScopeProject:
		return true
	default:
		return false
	}
}

// ScopeTuple identifies who a request is billed to. Unset members are empty.
type ScopeTuple struct {
	UserID         string `json:"user_id,omitempty"`
	TeamID         string `json:"team_id,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
	ProjectID      string `json:"project_id,omitempty"`
}

// Members lists the populated (scope type, scope id) pairs.
func (s ScopeTuple) Members() []ScopeRef {
	var refs []ScopeRef
	if s.UserID != "" {
		refs = append(refs, ScopeRef{Type: ScopeUser, ID: s.UserID})
	}
	if s.TeamID != "" {
		refs = append(refs, ScopeRef{Type: ScopeTeam, ID: s.TeamID})
	}
	if s.OrganizationID != "" {
		refs = append(refs, ScopeRef{Type: ScopeOrganization, ID: s.OrganizationID})
	}
	if s.ProjectID != "" {
		refs = append(refs, ScopeRef{Type: ScopeProject, ID: s.ProjectID})
	}
	return refs
}

func (s ScopeTuple) IsEmpty() bool {
	return len(s.Members()) == 0
}

type ScopeRef struct {
	Type ScopeType `json:"type"`
	ID   string    `json:"id"`
}

type BudgetPeriod string

const (
	BudgetPeriodDaily     BudgetPeriod = "daily"
	BudgetPeriodWeekly    BudgetPeriod = "weekly"
	BudgetPeriodMonthly   BudgetPeriod = "monthly"
	BudgetPeriodQuarterly BudgetPeriod = "quarterly"
	BudgetPeriodAnnual    BudgetPeriod = "annual"
	BudgetPeriodCustom    BudgetPeriod = "custom"
)

func (p BudgetPeriod) IsValid() bool {
	switch p {
	case BudgetPeriodDaily, BudgetPeriodWeekly, BudgetPeriodMonthly,
		BudgetPeriodQuarterly, BudgetPeriodAnnual, BudgetPeriodCustom:
		return true
	default:
		return false
	}
}

type ThresholdAction string

const (
	ActionNotify          ThresholdAction = "notify"
	ActionRestrictModels  ThresholdAction = "restrict-models"
	ActionRequireApproval ThresholdAction = "require-approval"
	ActionBlockAll        ThresholdAction = "block-all"
	ActionAutoDowngrade   ThresholdAction = "auto-downgrade"
)

func (a ThresholdAction) IsValid() bool {
	switch a {
	case ActionNotify, ActionRestrictModels, ActionRequireApproval, ActionBlockAll, ActionAutoDowngrade:
		return true
	default:
		return false
	}
}

type StatusLevel string

const (
	StatusNormal   StatusLevel = "normal"
	StatusWarning  StatusLevel = "warning"
	StatusCritical StatusLevel = "critical"
	StatusExceeded StatusLevel = "exceeded"
)

// severityRank orders status levels; higher is worse.
func (s StatusLevel) severityRank() int {
	switch s {
	case StatusWarning:
		return 1
	case StatusCritical:
		return 2
	case StatusExceeded:
		return 3
	default:
		return 0
	}
}

// Worse reports whether s is more severe than other.
func (s StatusLevel) Worse(other StatusLevel) bool {
	return s.severityRank() > other.severityRank()
}

type BudgetDefinition struct {
	BaseModel
	Name      string    `gorm:"not null" json:"name"`
	ScopeType ScopeType `gorm:"not null;index:idx_budget_scope" json:"scope_type"`
	ScopeID   string    `gorm:"not null;index:idx_budget_scope" json:"scope_id"`

	LimitAmount decimal.Decimal `gorm:"type:decimal(20,6);not null" json:"limit_amount"`
	Currency    string          `gorm:"not null;size:3" json:"currency"`

	Period    BudgetPeriod `gorm:"not null" json:"period"`
	StartsAt  time.Time    `json:"starts_at"`
	EndsAt    time.Time    `json:"ends_at"`
	Recurring bool         `gorm:"default:true" json:"recurring"`

	WarningThreshold  float64 `gorm:"default:70" json:"warning_threshold"`
	CriticalThreshold float64 `gorm:"default:90" json:"critical_threshold"`

	WarningActions  datatypes.JSONSlice[ThresholdAction] `json:"warning_actions,omitempty"`
	CriticalActions datatypes.JSONSlice[ThresholdAction] `json:"critical_actions,omitempty"`
	ExceededActions datatypes.JSONSlice[ThresholdAction] `json:"exceeded_actions,omitempty"`

	AllowOverrides bool                         `gorm:"default:false" json:"allow_overrides"`
	OverrideRoles  datatypes.JSONSlice[string]  `json:"override_roles,omitempty"`

	ParentID *uuid.UUID        `gorm:"type:uuid;index" json:"parent_id,omitempty"`
	Parent   *BudgetDefinition `gorm:"foreignKey:ParentID" json:"-"`

	Enabled   bool   `gorm:"default:true" json:"enabled"`
	CreatedBy string `json:"created_by,omitempty"`
}

// ActionsFor returns the configured actions for a status level.
func (b *BudgetDefinition) ActionsFor(level StatusLevel) []ThresholdAction {
	switch level {
	case StatusWarning:
		return b.WarningActions
	case StatusCritical:
		return b.CriticalActions
	case StatusExceeded:
		return b.ExceededActions
	default:
		return nil
	}
}

// LevelFor derives the status level from a percent-used value.
func (b *BudgetDefinition) LevelFor(percentUsed float64) StatusLevel {
	switch {
	case percentUsed >= 100:
		return StatusExceeded
	case percentUsed >= b.CriticalThreshold:
		return StatusCritical
	case percentUsed >= b.WarningThreshold:
		return StatusWarning
	default:
		return StatusNormal
	}
}

// BudgetAlert is one row of alert history. An unresolved alert suppresses
// duplicates of the same kind for its budget.
type BudgetAlert struct {
	BaseModel
	BudgetID   uuid.UUID   `gorm:"type:uuid;not null;index" json:"budget_id"`
	Kind       StatusLevel `gorm:"not null;index" json:"kind"`
	Threshold  float64     `json:"threshold"`
	CurrentPct float64     `json:"current_pct"`
	Message    string      `json:"message"`

	Actions datatypes.JSONSlice[ThresholdAction] `json:"actions,omitempty"`

	Resolved   bool       `gorm:"default:false;index" json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

func (BudgetAlert) TableName() string {
	return "budget_alert_history"
}

// BudgetStatusRow is the persisted status cache. Advisory: everything here is
// derivable from usage records.
type BudgetStatusRow struct {
	BudgetID       uuid.UUID       `gorm:"type:uuid;primary_key" json:"budget_id"`
	CurrentAmount  decimal.Decimal `gorm:"type:decimal(20,6)" json:"current_amount"`
	Remaining      decimal.Decimal `gorm:"type:decimal(20,6)" json:"remaining"`
	PercentUsed    float64         `json:"percent_used"`
	BurnRatePerDay decimal.Decimal `gorm:"type:decimal(20,6)" json:"burn_rate_per_day"`
	ProjectedTotal decimal.Decimal `gorm:"type:decimal(20,6)" json:"projected_total"`
	Status         StatusLevel     `gorm:"index" json:"status"`
	ActiveAlerts   int             `json:"active_alerts"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (BudgetStatusRow) TableName() string {
	return "budget_status_cache"
}
