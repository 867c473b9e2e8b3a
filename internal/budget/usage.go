package budget

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/relaycore/relaycore/internal/models"
)

// ListUsage returns usage records for a budget, newest first.
func (t *Tracker) ListUsage(ctx context.Context, budgetID uuid.UUID, limit, offset int) ([]*models.UsageRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var records []*models.UsageRecord
	err := t.db.WithContext(ctx).
		Where("budget_id = ?", budgetID).
		Order("timestamp desc").
		Limit(limit).Offset(offset).
		Find(&records).Error
	return records, err
}

// UsageSummary aggregates a budget's current period with a per-model breakdown.
func (t *Tracker) UsageSummary(ctx context.Context, budgetID uuid.UUID) (*models.UsageSummary, error) {
	def, err := t.registry.Get(ctx, budgetID)
	if err != nil {
		return nil, err
	}

	now := t.now()
	windowEnd := def.EndsAt
	if now.Before(windowEnd) {
		windowEnd = now
	}

	period := func() *gorm.DB {
		return t.db.WithContext(ctx).Model(&models.UsageRecord{}).
			Where("budget_id = ? AND timestamp >= ? AND timestamp <= ?", budgetID, def.StartsAt, windowEnd)
	}

	summary := &models.UsageSummary{BudgetID: budgetID, Currency: def.Currency}

	var totals struct {
		Requests int64
		Input    int64
		Output   int64
		Cost     decimal.Decimal
	}
	err = period().
		Select("COUNT(*) as requests, COALESCE(SUM(input_tokens),0) as input, COALESCE(SUM(output_tokens),0) as output, COALESCE(SUM(cost),0) as cost").
		Scan(&totals).Error
	if err != nil {
		return nil, err
	}
	summary.TotalRequests = totals.Requests
	summary.TotalInput = totals.Input
	summary.TotalOutput = totals.Output
	summary.TotalCost = totals.Cost

	var rows []struct {
		Model    string
		Requests int64
		Cost     decimal.Decimal
	}
	err = period().
		Select("model, COUNT(*) as requests, COALESCE(SUM(cost),0) as cost").
		Group("model").
		Order("cost desc").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		summary.ByModel = append(summary.ByModel, models.ModelUsage{Model: r.Model, Requests: r.Requests, Cost: r.Cost})
	}

	return summary, nil
}
