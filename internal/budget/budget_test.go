package budget

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/relaycore/internal/models"
)

func TestOutcomeCombine(t *testing.T) {
	tests := []struct {
		a, b, want Outcome
	}{
		{OutcomeAllow, OutcomeAllow, OutcomeAllow},
		{OutcomeAllow, OutcomeDeny, OutcomeDeny},
		{OutcomeDeny, OutcomeAllow, OutcomeDeny},
		{OutcomeAllowWithDowngrade, OutcomeRequireApproval, OutcomeRequireApproval},
		{OutcomeRequireApproval, OutcomeAllowWithDowngrade, OutcomeRequireApproval},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.a.Combine(tt.b))
	}
}

func TestPeriodEnd(t *testing.T) {
	start := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)

	tests := []struct {
		period models.BudgetPeriod
		want   time.Time
	}{
		{models.BudgetPeriodDaily, time.Date(2026, 3, 11, 23, 59, 59, 0, time.UTC)},
		{models.BudgetPeriodWeekly, time.Date(2026, 3, 17, 23, 59, 59, 0, time.UTC)},
		{models.BudgetPeriodMonthly, time.Date(2026, 4, 10, 23, 59, 59, 0, time.UTC)},
		{models.BudgetPeriodQuarterly, time.Date(2026, 6, 10, 23, 59, 59, 0, time.UTC)},
		{models.BudgetPeriodAnnual, time.Date(2027, 3, 10, 23, 59, 59, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(string(tt.period), func(t *testing.T) {
			got, err := PeriodEnd(tt.period, start, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("custom requires explicit end", func(t *testing.T) {
		_, err := PeriodEnd(models.BudgetPeriodCustom, start, nil)
		assert.ErrorIs(t, err, ErrInvalidPeriod)
	})

	t.Run("explicit end wins", func(t *testing.T) {
		explicit := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
		got, err := PeriodEnd(models.BudgetPeriodCustom, start, &explicit)
		require.NoError(t, err)
		assert.Equal(t, explicit, got)
	})
}

func TestLevelFor(t *testing.T) {
	def := &models.BudgetDefinition{WarningThreshold: 70, CriticalThreshold: 90}

	tests := []struct {
		pct  float64
		want models.StatusLevel
	}{
		{0, models.StatusNormal},
		{69.9, models.StatusNormal},
		{70, models.StatusWarning},
		{89.9, models.StatusWarning},
		{90, models.StatusCritical},
		{99.9, models.StatusCritical},
		{100, models.StatusExceeded},
		{150, models.StatusExceeded},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, def.LevelFor(tt.pct), "pct %.1f", tt.pct)
	}
}

func TestOutcomeFor(t *testing.T) {
	t.Run("default policy without configured actions", func(t *testing.T) {
		def := &models.BudgetDefinition{WarningThreshold: 70, CriticalThreshold: 90}
		assert.Equal(t, OutcomeAllow, outcomeFor(def, models.StatusNormal))
		assert.Equal(t, OutcomeAllow, outcomeFor(def, models.StatusWarning))
		assert.Equal(t, OutcomeAllowWithDowngrade, outcomeFor(def, models.StatusCritical))
		assert.Equal(t, OutcomeDeny, outcomeFor(def, models.StatusExceeded))
	})

	t.Run("explicit actions take precedence", func(t *testing.T) {
		def := &models.BudgetDefinition{
			CriticalActions: []models.ThresholdAction{models.ActionRequireApproval},
			ExceededActions: []models.ThresholdAction{models.ActionBlockAll},
		}
		assert.Equal(t, OutcomeRequireApproval, outcomeFor(def, models.StatusCritical))
		assert.Equal(t, OutcomeDeny, outcomeFor(def, models.StatusExceeded))
	})

	t.Run("most restrictive of multiple actions wins", func(t *testing.T) {
		def := &models.BudgetDefinition{
			CriticalActions: []models.ThresholdAction{
				models.ActionNotify,
				models.ActionAutoDowngrade,
				models.ActionRequireApproval,
			},
		}
		assert.Equal(t, OutcomeRequireApproval, outcomeFor(def, models.StatusCritical))
	})

	t.Run("exceeded with notify-only still denies", func(t *testing.T) {
		def := &models.BudgetDefinition{
			ExceededActions: []models.ThresholdAction{models.ActionNotify},
		}
		assert.Equal(t, OutcomeDeny, outcomeFor(def, models.StatusExceeded))
	})

	t.Run("exceeded with downgrade keeps downgrade", func(t *testing.T) {
		def := &models.BudgetDefinition{
			ExceededActions: []models.ThresholdAction{models.ActionAutoDowngrade},
		}
		assert.Equal(t, OutcomeAllowWithDowngrade, outcomeFor(def, models.StatusExceeded))
	})
}

func TestScopeTupleMembers(t *testing.T) {
	scope := models.ScopeTuple{UserID: "u1", OrganizationID: "org1"}
	refs := scope.Members()
	require.Len(t, refs, 2)
	assert.Equal(t, models.ScopeUser, refs[0].Type)
	assert.Equal(t, models.ScopeOrganization, refs[1].Type)
	assert.True(t, models.ScopeTuple{}.IsEmpty())
}
