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
	"gorm.io/gorm/clause"

	"github.com/relaycore/relaycore/internal/models"
)

// Outcome is the constraint-check verdict. Aggregation takes the maximum:
// ALLOW < ALLOW_WITH_DOWNGRADE < REQUIRE_APPROVAL < DENY.
type Outcome int

const (
	OutcomeAllow Outcome = iota
	OutcomeAllowWithDowngrade
	OutcomeRequireApproval
	OutcomeDeny
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAllowWithDowngrade:
		return "ALLOW_WITH_DOWNGRADE"
	case OutcomeRequireApproval:
		return "REQUIRE_APPROVAL"
	case OutcomeDeny:
		return "DENY"
	default:
		return "ALLOW"
	}
}

// Combine folds two outcomes into the more restrictive one.
func (o Outcome) Combine(other Outcome) Outcome {
	if other > o {
		return other
	}
	return o
}

// Tracker owns usage records and the status cache.
type Tracker struct {
	db        *gorm.DB
	registry  *Registry
	logger    *zap.Logger
	freshness time.Duration
	now       func() time.Time
}

func NewTracker(db *gorm.DB, registry *Registry, freshness time.Duration, logger *zap.Logger) *Tracker {
	if freshness <= 0 {
		freshness = 5 * time.Minute
	}
	return &Tracker{
		db:        db,
		registry:  registry,
		logger:    logger,
		freshness: freshness,
		now:       time.Now,
	}
}

// SetClock overrides the wall clock. Tests only.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// UsageEntry is the input to RecordUsage.
type UsageEntry struct {
	RequestID     string
	Scope         models.ScopeTuple
	Provider      string
	Model         string
	InputTokens   int
	OutputTokens  int
	Cost          decimal.Decimal
	Currency      string
	OriginalModel string
	Downgraded    bool
	CacheStatus   models.CacheStatus
	Timestamp     time.Time
}

// RecordUsage appends one immutable usage record per applicable budget,
// recomputes each budget's status under the same transaction, and evaluates
// alert thresholds. A duplicate request id for the same budget is accepted
// at most once.
func (t *Tracker) RecordUsage(ctx context.Context, entry *UsageEntry) ([]*models.BudgetStatusRow, error) {
	if entry.RequestID == "" {
		entry.RequestID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = t.now()
	}

	defs, err := t.registry.ForScopeTuple(ctx, entry.Scope, entry.Timestamp)
	if err != nil {
		return nil, err
	}

	var statuses []*models.BudgetStatusRow
	for _, def := range defs {
		status, err := t.recordForBudget(ctx, def, entry)
		if err != nil {
			return statuses, err
		}
		if status != nil {
			statuses = append(statuses, status)
		}
	}
	return statuses, nil
}

func (t *Tracker) recordForBudget(ctx context.Context, def *models.BudgetDefinition, entry *UsageEntry) (*models.BudgetStatusRow, error) {
	var status *models.BudgetStatusRow

	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Serialize writers per budget; readers stay lock-free on the cache.
		var locked models.BudgetDefinition
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&locked, "id = ?", def.ID).Error; err != nil {
			return err
		}

		// Idempotency under the lock.
		var count int64
		if err := tx.Model(&models.UsageRecord{}).
			Where("budget_id = ? AND request_id = ?", def.ID, entry.RequestID).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			t.logger.Debug("duplicate usage record ignored",
				zap.String("budget_id", def.ID.String()),
				zap.String("request_id", entry.RequestID))
			return nil
		}

		record := &models.UsageRecord{
			BudgetID:       def.ID,
			RequestID:      entry.RequestID,
			Timestamp:      entry.Timestamp,
			UserID:         entry.Scope.UserID,
			TeamID:         entry.Scope.TeamID,
			OrganizationID: entry.Scope.OrganizationID,
			ProjectID:      entry.Scope.ProjectID,
			Provider:       entry.Provider,
			Model:          entry.Model,
			InputTokens:    entry.InputTokens,
			OutputTokens:   entry.OutputTokens,
			Cost:           entry.Cost,
			Currency:       entry.Currency,
			OriginalModel:  entry.OriginalModel,
			Downgraded:     entry.Downgraded,
			CacheStatus:    entry.CacheStatus,
		}

		recomputed, err := t.computeStatus(tx, &locked)
		if err != nil {
			return err
		}
		// Include this record before persisting the snapshot.
		recomputed.CurrentAmount = recomputed.CurrentAmount.Add(entry.Cost)
		fillDerived(recomputed, &locked, t.now())

		record.StatusSnapshot = recomputed.Status
		if err := tx.Create(record).Error; err != nil {
			return err
		}

		if err := upsertStatus(tx, recomputed); err != nil {
			return err
		}

		if err := t.evaluateAlerts(tx, &locked, recomputed); err != nil {
			return err
		}

		status = recomputed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}

// computeStatus sums usage for the budget's current period. Derived fields
// are filled by fillDerived.
func (t *Tracker) computeStatus(tx *gorm.DB, def *models.BudgetDefinition) (*models.BudgetStatusRow, error) {
	now := t.now()
	windowEnd := def.EndsAt
	if now.Before(windowEnd) {
		windowEnd = now
	}

	var total decimal.Decimal
	err := tx.Model(&models.UsageRecord{}).
		Where("budget_id = ? AND timestamp >= ? AND timestamp <= ?", def.ID, def.StartsAt, windowEnd).
		Select("COALESCE(SUM(cost), 0)").
		Scan(&total).Error
	if err != nil {
		return nil, err
	}

	row := &models.BudgetStatusRow{
		BudgetID:      def.ID,
		CurrentAmount: total,
	}
	fillDerived(row, def, now)
	return row, nil
}

// fillDerived recomputes remaining, percent used, burn rate, projection, and
// status level from the current amount.
func fillDerived(row *models.BudgetStatusRow, def *models.BudgetDefinition, now time.Time) {
	row.Remaining = def.LimitAmount.Sub(row.CurrentAmount)
	row.PercentUsed = percentUsed(row.CurrentAmount, def.LimitAmount)
	row.Status = def.LevelFor(row.PercentUsed)
	row.UpdatedAt = now

	elapsedDays := now.Sub(def.StartsAt).Hours() / 24
	if elapsedDays < 1 {
		elapsedDays = 1
	}
	row.BurnRatePerDay = row.CurrentAmount.Div(decimal.NewFromFloat(elapsedDays))

	remainingDays := def.EndsAt.Sub(now).Hours() / 24
	if remainingDays < 0 {
		remainingDays = 0
	}
	row.ProjectedTotal = row.CurrentAmount.Add(row.BurnRatePerDay.Mul(decimal.NewFromFloat(remainingDays)))
}

func percentUsed(current, limit decimal.Decimal) float64 {
	if limit.IsZero() {
		return 0
	}
	pct, _ := current.Div(limit).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}

func upsertStatus(tx *gorm.DB, row *models.BudgetStatusRow) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "budget_id"}},
		UpdateAll: true,
	}).Create(row).Error
}

// GetStatus returns the cached status when fresh, recomputing otherwise.
// Refresh is idempotent under concurrent readers: the recomputation writes
// the same snapshot for the same underlying records.
func (t *Tracker) GetStatus(ctx context.Context, budgetID uuid.UUID) (*models.BudgetStatusRow, error) {
	def, err := t.registry.Get(ctx, budgetID)
	if err != nil {
		return nil, err
	}

	var row models.BudgetStatusRow
	err = t.db.WithContext(ctx).First(&row, "budget_id = ?", budgetID).Error
	if err == nil && t.now().Sub(row.UpdatedAt) < t.freshness {
		return &row, nil
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	return t.Refresh(ctx, def)
}

// Refresh recomputes and persists the status cache for a budget.
func (t *Tracker) Refresh(ctx context.Context, def *models.BudgetDefinition) (*models.BudgetStatusRow, error) {
	var row *models.BudgetStatusRow
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		recomputed, err := t.computeStatus(tx, def)
		if err != nil {
			return err
		}
		if err := t.countActiveAlerts(tx, recomputed); err != nil {
			return err
		}
		row = recomputed
		return upsertStatus(tx, recomputed)
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (t *Tracker) countActiveAlerts(tx *gorm.DB, row *models.BudgetStatusRow) error {
	var count int64
	if err := tx.Model(&models.BudgetAlert{}).
		Where("budget_id = ? AND resolved = ?", row.BudgetID, false).
		Count(&count).Error; err != nil {
		return err
	}
	row.ActiveAlerts = int(count)
	return nil
}

// evaluateAlerts inserts one unresolved alert per newly crossed threshold.
// Duplicates are suppressed while an alert of that kind stays unresolved.
func (t *Tracker) evaluateAlerts(tx *gorm.DB, def *models.BudgetDefinition, row *models.BudgetStatusRow) error {
	type crossing struct {
		kind      models.StatusLevel
		threshold float64
	}
	crossings := []crossing{
		{models.StatusWarning, def.WarningThreshold},
		{models.StatusCritical, def.CriticalThreshold},
		{models.StatusExceeded, 100},
	}

	active := 0
	for _, c := range crossings {
		if row.PercentUsed < c.threshold {
			continue
		}

		var count int64
		if err := tx.Model(&models.BudgetAlert{}).
			Where("budget_id = ? AND kind = ? AND resolved = ?", def.ID, c.kind, false).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			active++
			continue
		}

		alert := &models.BudgetAlert{
			BudgetID:   def.ID,
			Kind:       c.kind,
			Threshold:  c.threshold,
			CurrentPct: row.PercentUsed,
			Message: fmt.Sprintf("budget %q at %.1f%% of %s %s limit",
				def.Name, row.PercentUsed, def.LimitAmount.StringFixed(2), def.Currency),
			Actions: def.ActionsFor(c.kind),
		}
		if err := tx.Create(alert).Error; err != nil {
			return err
		}
		active++

		t.logger.Warn("budget threshold crossed",
			zap.String("budget_id", def.ID.String()),
			zap.String("kind", string(c.kind)),
			zap.Float64("percent_used", row.PercentUsed),
			zap.Any("actions", def.ActionsFor(c.kind)))
	}

	row.ActiveAlerts = active
	return nil
}

// ResolveAlert marks an alert resolved, re-arming its threshold.
func (t *Tracker) ResolveAlert(ctx context.Context, alertID uuid.UUID) error {
	now := t.now()
	result := t.db.WithContext(ctx).Model(&models.BudgetAlert{}).
		Where("id = ? AND resolved = ?", alertID, false).
		Updates(map[string]interface{}{"resolved": true, "resolved_at": now})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrBudgetNotFound
	}
	return nil
}

// ListAlerts returns alert history for a budget, unresolved first.
func (t *Tracker) ListAlerts(ctx context.Context, budgetID uuid.UUID) ([]*models.BudgetAlert, error) {
	var alerts []*models.BudgetAlert
	err := t.db.WithContext(ctx).
		Where("budget_id = ?", budgetID).
		Order("resolved asc, created_at desc").
		Find(&alerts).Error
	return alerts, err
}
