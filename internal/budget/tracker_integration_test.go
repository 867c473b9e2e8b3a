package budget

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaycore/relaycore/internal/models"
	"github.com/relaycore/relaycore/internal/testutil"
)

func setup(t *testing.T) (*Registry, *Tracker) {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test requires docker")
	}
	db := testutil.SetupTestDB(t)
	reg := NewRegistry(db, zap.NewNop())
	tracker := NewTracker(db, reg, time.Minute, zap.NewNop())
	return reg, tracker
}

func monthlyBudget(t *testing.T, reg *Registry, scope models.ScopeType, id string, limit string) *models.BudgetDefinition {
	t.Helper()
	def, err := reg.Create(context.Background(), &CreateRequest{
		Name:      "test " + id,
		ScopeType: scope,
		ScopeID:   id,
		Limit:     decimal.RequireFromString(limit),
		Currency:  "USD",
		Period:    models.BudgetPeriodMonthly,
		Recurring: true,
	})
	require.NoError(t, err)
	return def
}

func TestRegistryLifecycle(t *testing.T) {
	reg, _ := setup(t)
	ctx := context.Background()

	t.Run("create applies defaults", func(t *testing.T) {
		def := monthlyBudget(t, reg, models.ScopeUser, "alice", "100")
		assert.Equal(t, 70.0, def.WarningThreshold)
		assert.Equal(t, 90.0, def.CriticalThreshold)
		assert.True(t, def.Enabled)
		assert.True(t, def.EndsAt.After(def.StartsAt))
	})

	t.Run("validation", func(t *testing.T) {
		_, err := reg.Create(ctx, &CreateRequest{
			Name: "bad", ScopeType: "galaxy", ScopeID: "x",
			Limit: decimal.NewFromInt(1), Currency: "USD", Period: models.BudgetPeriodDaily,
		})
		assert.ErrorIs(t, err, ErrInvalidScope)

		_, err = reg.Create(ctx, &CreateRequest{
			Name: "bad", ScopeType: models.ScopeUser, ScopeID: "x",
			Limit: decimal.NewFromInt(1), Currency: "DOGE", Period: models.BudgetPeriodDaily,
		})
		assert.ErrorIs(t, err, ErrCurrencyUnknown)

		_, err = reg.Create(ctx, &CreateRequest{
			Name: "bad", ScopeType: models.ScopeUser, ScopeID: "x",
			Limit: decimal.NewFromInt(1), Currency: "USD", Period: models.BudgetPeriodDaily,
			WarningThreshold: 95, CriticalThreshold: 80,
		})
		assert.ErrorIs(t, err, ErrThresholdsInvalid)
	})

	t.Run("update and delete", func(t *testing.T) {
		def := monthlyBudget(t, reg, models.ScopeUser, "bob", "50")

		name := "renamed"
		updated, err := reg.Update(ctx, def.ID, &UpdateRequest{Name: &name})
		require.NoError(t, err)
		assert.Equal(t, "renamed", updated.Name)

		require.NoError(t, reg.Delete(ctx, def.ID))
		_, err = reg.Get(ctx, def.ID)
		assert.ErrorIs(t, err, ErrBudgetNotFound)
	})

	t.Run("for scope tuple matches all populated members", func(t *testing.T) {
		monthlyBudget(t, reg, models.ScopeUser, "carol", "10")
		monthlyBudget(t, reg, models.ScopeTeam, "platform", "100")
		monthlyBudget(t, reg, models.ScopeOrganization, "acme", "1000")

		defs, err := reg.ForScopeTuple(ctx, models.ScopeTuple{
			UserID: "carol", TeamID: "platform", OrganizationID: "acme",
		}, time.Now().UTC())
		require.NoError(t, err)
		assert.Len(t, defs, 3)

		defs, err = reg.ForScopeTuple(ctx, models.ScopeTuple{UserID: "carol"}, time.Now().UTC())
		require.NoError(t, err)
		assert.Len(t, defs, 1)
	})

	t.Run("lapsed recurring budget rolls into the current period", func(t *testing.T) {
		start := time.Now().UTC().AddDate(0, 0, -3)
		def, err := reg.Create(ctx, &CreateRequest{
			Name: "rolling", ScopeType: models.ScopeUser, ScopeID: "dave",
			Limit: decimal.NewFromInt(10), Currency: "USD",
			Period: models.BudgetPeriodDaily, Recurring: true,
			StartsAt: &start,
		})
		require.NoError(t, err)
		require.True(t, def.EndsAt.Before(time.Now().UTC()))

		now := time.Now().UTC()
		defs, err := reg.ForScopeTuple(ctx, models.ScopeTuple{UserID: "dave"}, now)
		require.NoError(t, err)
		require.Len(t, defs, 1)
		assert.False(t, defs[0].StartsAt.After(now))
		assert.True(t, defs[0].EndsAt.After(now))
	})

	t.Run("lapsed non-recurring budget stays out of scope", func(t *testing.T) {
		start := time.Now().UTC().AddDate(0, 0, -3)
		_, err := reg.Create(ctx, &CreateRequest{
			Name: "expired", ScopeType: models.ScopeUser, ScopeID: "edna",
			Limit: decimal.NewFromInt(10), Currency: "USD",
			Period: models.BudgetPeriodDaily, Recurring: false,
			StartsAt: &start,
		})
		require.NoError(t, err)

		defs, err := reg.ForScopeTuple(ctx, models.ScopeTuple{UserID: "edna"}, time.Now().UTC())
		require.NoError(t, err)
		assert.Empty(t, defs)
	})

	t.Run("hierarchy", func(t *testing.T) {
		org := monthlyBudget(t, reg, models.ScopeOrganization, "hier-org", "1000")
		team, err := reg.Create(ctx, &CreateRequest{
			Name: "team", ScopeType: models.ScopeTeam, ScopeID: "hier-team",
			Limit: decimal.NewFromInt(100), Currency: "USD",
			Period: models.BudgetPeriodMonthly, ParentID: &org.ID,
		})
		require.NoError(t, err)

		ancestors, children, err := reg.Hierarchy(ctx, team.ID)
		require.NoError(t, err)
		require.Len(t, ancestors, 1)
		assert.Equal(t, org.ID, ancestors[0].ID)
		assert.Empty(t, children)

		_, children, err = reg.Hierarchy(ctx, org.ID)
		require.NoError(t, err)
		require.Len(t, children, 1)
		assert.Equal(t, team.ID, children[0].ID)
	})
}

func TestRecordUsage(t *testing.T) {
	reg, tracker := setup(t)
	ctx := context.Background()

	def := monthlyBudget(t, reg, models.ScopeUser, "dave", "10")
	scope := models.ScopeTuple{UserID: "dave"}

	entry := &UsageEntry{
		RequestID:    "req-1",
		Scope:        scope,
		Provider:     "openai",
		Model:        "gpt-4o",
		InputTokens:  1000,
		OutputTokens: 500,
		Cost:         decimal.RequireFromString("2.5"),
		Currency:     "USD",
		CacheStatus:  models.CacheMiss,
	}

	t.Run("records and updates status", func(t *testing.T) {
		statuses, err := tracker.RecordUsage(ctx, entry)
		require.NoError(t, err)
		require.Len(t, statuses, 1)
		assert.True(t, statuses[0].CurrentAmount.Equal(decimal.RequireFromString("2.5")))
		assert.Equal(t, models.StatusNormal, statuses[0].Status)
		assert.Equal(t, 25.0, statuses[0].PercentUsed)
	})

	t.Run("duplicate request id records once", func(t *testing.T) {
		_, err := tracker.RecordUsage(ctx, entry)
		require.NoError(t, err)

		status, err := tracker.Refresh(ctx, def)
		require.NoError(t, err)
		assert.True(t, status.CurrentAmount.Equal(decimal.RequireFromString("2.5")),
			"got %s", status.CurrentAmount)
	})

	t.Run("threshold crossing raises one alert", func(t *testing.T) {
		big := *entry
		big.RequestID = "req-2"
		big.Cost = decimal.RequireFromString("5.0") // total 7.5 = 75%
		_, err := tracker.RecordUsage(ctx, &big)
		require.NoError(t, err)

		alerts, err := tracker.ListAlerts(ctx, def.ID)
		require.NoError(t, err)
		require.Len(t, alerts, 1)
		assert.Equal(t, models.StatusWarning, alerts[0].Kind)
		assert.False(t, alerts[0].Resolved)

		// Another record in warning territory must not duplicate the alert.
		more := *entry
		more.RequestID = "req-3"
		more.Cost = decimal.RequireFromString("0.5")
		_, err = tracker.RecordUsage(ctx, &more)
		require.NoError(t, err)

		alerts, err = tracker.ListAlerts(ctx, def.ID)
		require.NoError(t, err)
		assert.Len(t, alerts, 1)
	})

	t.Run("resolving re-arms the threshold", func(t *testing.T) {
		alerts, err := tracker.ListAlerts(ctx, def.ID)
		require.NoError(t, err)
		require.NoError(t, tracker.ResolveAlert(ctx, alerts[0].ID))

		next := *entry
		next.RequestID = "req-4"
		next.Cost = decimal.RequireFromString("0.5")
		_, err = tracker.RecordUsage(ctx, &next)
		require.NoError(t, err)

		alerts, err = tracker.ListAlerts(ctx, def.ID)
		require.NoError(t, err)
		assert.Len(t, alerts, 2)
	})

	t.Run("usage summary", func(t *testing.T) {
		summary, err := tracker.UsageSummary(ctx, def.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 4, summary.TotalRequests)
		require.Len(t, summary.ByModel, 1)
		assert.Equal(t, "gpt-4o", summary.ByModel[0].Model)
	})
}

func TestCheckConstraints(t *testing.T) {
	reg, tracker := setup(t)
	ctx := context.Background()

	t.Run("scenario: warning allows, critical downgrades, exceeded denies", func(t *testing.T) {
		def := monthlyBudget(t, reg, models.ScopeUser, "erin", "100")
		scope := models.ScopeTuple{UserID: "erin"}

		_, err := tracker.RecordUsage(ctx, &UsageEntry{
			RequestID: "seed", Scope: scope, Provider: "p", Model: "m",
			Cost: decimal.RequireFromString("85"), Currency: "USD",
		})
		require.NoError(t, err)

		// 85 + 2 = 87% -> warning -> plain allow.
		result, err := tracker.CheckConstraints(ctx, scope, decimal.NewFromInt(2))
		require.NoError(t, err)
		assert.Equal(t, OutcomeAllow, result.Outcome)

		// 85 + 10 = 95% -> critical -> downgrade by default policy.
		result, err = tracker.CheckConstraints(ctx, scope, decimal.NewFromInt(10))
		require.NoError(t, err)
		assert.Equal(t, OutcomeAllowWithDowngrade, result.Outcome)

		// 85 + 20 = 105% -> exceeded -> deny with suggestions.
		result, err = tracker.CheckConstraints(ctx, scope, decimal.NewFromInt(20))
		require.NoError(t, err)
		assert.Equal(t, OutcomeDeny, result.Outcome)
		require.Len(t, result.Budgets, 1)
		assert.NotEmpty(t, result.Budgets[0].Suggestions)
		_ = def
	})

	t.Run("most restrictive budget wins across the tuple", func(t *testing.T) {
		monthlyBudget(t, reg, models.ScopeUser, "frank", "1")
		monthlyBudget(t, reg, models.ScopeOrganization, "bigcorp", "100000")
		scope := models.ScopeTuple{UserID: "frank", OrganizationID: "bigcorp"}

		result, err := tracker.CheckConstraints(ctx, scope, decimal.NewFromInt(5))
		require.NoError(t, err)
		assert.Equal(t, OutcomeDeny, result.Outcome)
		assert.Len(t, result.Budgets, 2)
	})

	t.Run("require-approval surfaces override roles", func(t *testing.T) {
		_, err := reg.Create(ctx, &CreateRequest{
			Name: "approval", ScopeType: models.ScopeTeam, ScopeID: "ml-team",
			Limit: decimal.NewFromInt(100), Currency: "USD",
			Period:          models.BudgetPeriodMonthly,
			CriticalActions: []models.ThresholdAction{models.ActionRequireApproval},
			AllowOverrides:  true,
			OverrideRoles:   []string{"budget-admin"},
		})
		require.NoError(t, err)
		scope := models.ScopeTuple{TeamID: "ml-team"}

		result, err := tracker.CheckConstraints(ctx, scope, decimal.NewFromInt(95))
		require.NoError(t, err)
		assert.Equal(t, OutcomeRequireApproval, result.Outcome)
		assert.Equal(t, []string{"budget-admin"}, result.OverrideRoles)
	})

	t.Run("no applicable budgets allows", func(t *testing.T) {
		result, err := tracker.CheckConstraints(ctx, models.ScopeTuple{UserID: "ghost"}, decimal.NewFromInt(1))
		require.NoError(t, err)
		assert.Equal(t, OutcomeAllow, result.Outcome)
		assert.Empty(t, result.Budgets)
	})
}
