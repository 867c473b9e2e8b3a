package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type CacheStatus string

const (
	CacheHit    CacheStatus = "hit"
	CacheMiss   CacheStatus = "miss"
	CacheBypass CacheStatus = "bypass"
	CacheError  CacheStatus = "error"
)

// UsageRecord is one immutable billing entry. A request id appears at most
// once per budget.
type UsageRecord struct {
	BaseModel
	BudgetID  uuid.UUID `gorm:"type:uuid;not null;index;uniqueIndex:idx_usage_budget_request" json:"budget_id"`
	RequestID string    `gorm:"not null;uniqueIndex:idx_usage_budget_request" json:"request_id"`
	Timestamp time.Time `gorm:"index;not null" json:"timestamp"`

	UserID         string `gorm:"index" json:"user_id,omitempty"`
	TeamID         string `gorm:"index" json:"team_id,omitempty"`
	OrganizationID string `gorm:"index" json:"organization_id,omitempty"`
	ProjectID      string `gorm:"index" json:"project_id,omitempty"`

	Provider string `gorm:"index" json:"provider"`
	Model    string `gorm:"index" json:"model"`

	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`

	Cost     decimal.Decimal `gorm:"type:decimal(20,6)" json:"cost"`
	Currency string          `gorm:"size:3" json:"currency"`

	OriginalModel string `json:"original_model,omitempty"`
	Downgraded    bool   `gorm:"default:false" json:"downgraded"`

	CacheStatus    CacheStatus `gorm:"default:'miss'" json:"cache_status"`
	StatusSnapshot StatusLevel `json:"status_snapshot,omitempty"`
}

func (UsageRecord) TableName() string {
	return "budget_usage_records"
}

// UsageSummary aggregates usage over a period for reporting.
type UsageSummary struct {
	BudgetID      uuid.UUID       `json:"budget_id"`
	TotalRequests int64           `json:"total_requests"`
	TotalInput    int64           `json:"total_input_tokens"`
	TotalOutput   int64           `json:"total_output_tokens"`
	TotalCost     decimal.Decimal `json:"total_cost"`
	Currency      string          `json:"currency"`
	ByModel       []ModelUsage    `json:"by_model,omitempty"`
}

type ModelUsage struct {
	Model    string          `json:"model"`
	Requests int64           `json:"requests"`
	Cost     decimal.Decimal `json:"cost"`
}
