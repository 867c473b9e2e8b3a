package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaycore/relaycore/internal/budget"
	"github.com/relaycore/relaycore/internal/cache"
	"github.com/relaycore/relaycore/internal/models"
	"github.com/relaycore/relaycore/internal/optimizer"
	"github.com/relaycore/relaycore/internal/pricing"
	"github.com/relaycore/relaycore/internal/providers"
	"github.com/relaycore/relaycore/internal/registry"
	"github.com/relaycore/relaycore/internal/steering"
	"github.com/relaycore/relaycore/internal/testutil"
	"github.com/relaycore/relaycore/internal/tokenizer"
)

// scriptedAdapter serves canned responses and failures in order, then repeats
// the last one.
type scriptedAdapter struct {
	name    string
	healthy bool
	calls   int32
	script  []func(*providers.ChatRequest) (*providers.ChatResponse, error)
}

func (a *scriptedAdapter) Call(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	n := int(atomic.AddInt32(&a.calls, 1)) - 1
	if n >= len(a.script) {
		n = len(a.script) - 1
	}
	return a.script[n](req)
}

func (a *scriptedAdapter) Health() providers.HealthStatus {
	return providers.HealthStatus{Healthy: a.healthy}
}
func (a *scriptedAdapter) Supports(string) bool                  { return true }
func (a *scriptedAdapter) Name() string                          { return a.name }
func (a *scriptedAdapter) Type() string                          { return "internal" }
func (a *scriptedAdapter) HealthCheck(ctx context.Context) error { return nil }

func ok(content string) func(*providers.ChatRequest) (*providers.ChatResponse, error) {
	return func(req *providers.ChatRequest) (*providers.ChatResponse, error) {
		return &providers.ChatResponse{
			Content:   content,
			ModelUsed: req.Model,
			Usage:     providers.Usage{InputTokens: 1000, OutputTokens: 500},
		}, nil
	}
}

func fail(kind providers.ErrorKind) func(*providers.ChatRequest) (*providers.ChatResponse, error) {
	return func(req *providers.ChatRequest) (*providers.ChatResponse, error) {
		return nil, &providers.ProviderError{Provider: "fake", Kind: kind, Message: "scripted failure"}
	}
}

type fixture struct {
	pipeline *Pipeline
	registry *registry.Registry
	budgets  *budget.Registry
	tracker  *budget.Tracker
	steering *steering.Engine
}

func newFixture(t *testing.T, adapters map[string]providers.Provider) *fixture {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test requires docker")
	}

	db := testutil.SetupTestDB(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	log := zap.NewNop()

	reg := registry.New(log)
	reg.Swap(map[string]registry.Profile{
		"premium-model": {
			Provider:    "primary",
			Model:       "premium-model",
			Enabled:     true,
			QualityTier: "premium",
			InputCost:   decimal.RequireFromString("0.00001"),
			OutputCost:  decimal.RequireFromString("0.00003"),
			Currency:    "USD",
			P50Latency:  time.Second,
			Fallbacks:   []string{"economy-model"},
		},
		"economy-model": {
			Provider:    "secondary",
			Model:       "economy-model",
			Enabled:     true,
			QualityTier: "economy",
			InputCost:   decimal.RequireFromString("0.000001"),
			OutputCost:  decimal.RequireFromString("0.000002"),
			Currency:    "USD",
			P50Latency:  500 * time.Millisecond,
		},
	}, adapters)

	budgets := budget.NewRegistry(db, log)
	tracker := budget.NewTracker(db, budgets, time.Minute, log)
	engine := steering.NewEngine(log)

	opt, err := optimizer.New(optimizer.StrategyQualityFirst, time.Second)
	require.NoError(t, err)

	pipe := New(&Config{
		Registry:  reg,
		Estimator: tokenizer.New(log),
		Steering:  engine,
		Tracker:   tracker,
		Pricer:    pricing.New(reg),
		Cache: cache.New(&cache.Config{
			Client: client, Logger: log, Enabled: true,
			TTL: time.Minute, MaxWait: 2 * time.Second, VersionTag: "test",
		}),
		Optimizer:       opt,
		Outbox:          budget.NewOutbox(&budget.OutboxConfig{Client: client, Tracker: tracker, Logger: log}),
		Logger:          log,
		MaxConcurrency:  8,
		DefaultDeadline: 10 * time.Second,
	})

	return &fixture{pipeline: pipe, registry: reg, budgets: budgets, tracker: tracker, steering: engine}
}

func (f *fixture) createBudget(t *testing.T, userID, limit string) *models.BudgetDefinition {
	t.Helper()
	def, err := f.budgets.Create(context.Background(), &budget.CreateRequest{
		Name:      "budget " + userID,
		ScopeType: models.ScopeUser,
		ScopeID:   userID,
		Limit:     decimal.RequireFromString(limit),
		Currency:  "USD",
		Period:    models.BudgetPeriodMonthly,
	})
	require.NoError(t, err)
	return def
}

func chatRequest(user, content string) *Request {
	return &Request{
		Scope: models.ScopeTuple{UserID: user},
		Chat: &providers.ChatRequest{
			Model:    "premium-model",
			Messages: []providers.Message{{Role: "user", Content: content}},
		},
		Capability: providers.CapTextGeneration,
	}
}

func TestExecuteHappyPath(t *testing.T) {
	f := newFixture(t, map[string]providers.Provider{
		"primary":   &scriptedAdapter{name: "primary", healthy: true, script: []func(*providers.ChatRequest) (*providers.ChatResponse, error){ok("answer")}},
		"secondary": &scriptedAdapter{name: "secondary", healthy: true, script: []func(*providers.ChatRequest) (*providers.ChatResponse, error){ok("cheap answer")}},
	})
	def := f.createBudget(t, "alice", "100")

	resp, err := f.pipeline.Execute(context.Background(), chatRequest("alice", "hello"))
	require.NoError(t, err)

	assert.Equal(t, "answer", resp.Chat.Content)
	assert.Equal(t, "premium-model", resp.Model)
	assert.False(t, resp.Downgraded)
	assert.Equal(t, models.CacheMiss, resp.CacheStatus)
	// 1000*0.00001 + 500*0.00003 = 0.025
	assert.True(t, resp.Cost.Equal(decimal.RequireFromString("0.025")), "got %s", resp.Cost)
	assert.Equal(t, "ALLOW", resp.BudgetOutcome)
	assert.Equal(t, "normal", resp.BudgetStatus)
	assert.NotEmpty(t, resp.Reasoning)
	require.Len(t, resp.Budgets, 1)
	assert.Equal(t, def.ID, resp.Budgets[0].BudgetID)

	status, err := f.tracker.Refresh(context.Background(), def)
	require.NoError(t, err)
	assert.True(t, status.CurrentAmount.Equal(decimal.RequireFromString("0.025")))
}

func TestExecuteCacheHitIsFree(t *testing.T) {
	f := newFixture(t, map[string]providers.Provider{
		"primary":   &scriptedAdapter{name: "primary", healthy: true, script: []func(*providers.ChatRequest) (*providers.ChatResponse, error){ok("cached answer")}},
		"secondary": &scriptedAdapter{name: "secondary", healthy: true, script: []func(*providers.ChatRequest) (*providers.ChatResponse, error){ok("x")}},
	})
	def := f.createBudget(t, "bob", "100")

	first, err := f.pipeline.Execute(context.Background(), chatRequest("bob", "same question"))
	require.NoError(t, err)
	assert.Equal(t, models.CacheMiss, first.CacheStatus)

	second, err := f.pipeline.Execute(context.Background(), chatRequest("bob", "same question"))
	require.NoError(t, err)
	assert.Equal(t, models.CacheHit, second.CacheStatus)
	assert.Equal(t, "cached answer", second.Chat.Content)
	assert.True(t, second.Cost.IsZero())

	// Only the miss is billed.
	status, err := f.tracker.Refresh(context.Background(), def)
	require.NoError(t, err)
	assert.True(t, status.CurrentAmount.Equal(first.Cost))
}

func TestExecuteCacheBypassHeader(t *testing.T) {
	f := newFixture(t, map[string]providers.Provider{
		"primary":   &scriptedAdapter{name: "primary", healthy: true, script: []func(*providers.ChatRequest) (*providers.ChatResponse, error){ok("fresh")}},
		"secondary": &scriptedAdapter{name: "secondary", healthy: true, script: []func(*providers.ChatRequest) (*providers.ChatResponse, error){ok("x")}},
	})
	f.createBudget(t, "carl", "100")

	req := chatRequest("carl", "q")
	req.CacheMode = CacheModeBypass
	resp, err := f.pipeline.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.CacheBypass, resp.CacheStatus)
}

func TestExecuteBudgetDowngrade(t *testing.T) {
	f := newFixture(t, map[string]providers.Provider{
		"primary":   &scriptedAdapter{name: "primary", healthy: true, script: []func(*providers.ChatRequest) (*providers.ChatResponse, error){ok("premium")}},
		"secondary": &scriptedAdapter{name: "secondary", healthy: true, script: []func(*providers.ChatRequest) (*providers.ChatResponse, error){ok("economy")}},
	})
	f.createBudget(t, "dora", "100")

	// Seed spend to 92% so the projected request lands in critical.
	_, err := f.tracker.RecordUsage(context.Background(), &budget.UsageEntry{
		RequestID: "seed", Scope: models.ScopeTuple{UserID: "dora"},
		Provider: "primary", Model: "premium-model",
		Cost: decimal.RequireFromString("92"), Currency: "USD",
	})
	require.NoError(t, err)

	resp, err := f.pipeline.Execute(context.Background(), chatRequest("dora", "please"))
	require.NoError(t, err)
	assert.True(t, resp.Downgraded)
	assert.Equal(t, "economy-model", resp.Model)
	assert.Equal(t, "premium-model", resp.OriginalModel)
	assert.Equal(t, "ALLOW_WITH_DOWNGRADE", resp.BudgetOutcome)
	assert.Equal(t, "critical", resp.BudgetStatus)
	assert.Equal(t, "economy", resp.Chat.Content)
}

func TestExecuteDowngradeUsesOwnCacheKey(t *testing.T) {
	f := newFixture(t, map[string]providers.Provider{
		"primary":   &scriptedAdapter{name: "primary", healthy: true, script: []func(*providers.ChatRequest) (*providers.ChatResponse, error){ok("premium answer")}},
		"secondary": &scriptedAdapter{name: "secondary", healthy: true, script: []func(*providers.ChatRequest) (*providers.ChatResponse, error){ok("economy answer")}},
	})
	f.createBudget(t, "olga", "100")
	f.createBudget(t, "pia", "100")

	// Warm the cache with a full-price response.
	first, err := f.pipeline.Execute(context.Background(), chatRequest("olga", "shared question"))
	require.NoError(t, err)
	assert.Equal(t, "premium answer", first.Chat.Content)
	assert.Equal(t, models.CacheMiss, first.CacheStatus)

	// Push pia into downgrade territory.
	_, err = f.tracker.RecordUsage(context.Background(), &budget.UsageEntry{
		RequestID: "seed", Scope: models.ScopeTuple{UserID: "pia"},
		Provider: "primary", Model: "premium-model",
		Cost: decimal.RequireFromString("92"), Currency: "USD",
	})
	require.NoError(t, err)

	// The downgraded request must not be served the cached premium response.
	second, err := f.pipeline.Execute(context.Background(), chatRequest("pia", "shared question"))
	require.NoError(t, err)
	assert.True(t, second.Downgraded)
	assert.Equal(t, "economy-model", second.Model)
	assert.Equal(t, models.CacheMiss, second.CacheStatus)
	assert.Equal(t, "economy answer", second.Chat.Content)
}

func TestExecuteCancelledBeforeDispatch(t *testing.T) {
	primary := &scriptedAdapter{name: "primary", healthy: true, script: []func(*providers.ChatRequest) (*providers.ChatResponse, error){ok("x")}}
	f := newFixture(t, map[string]providers.Provider{
		"primary":   primary,
		"secondary": &scriptedAdapter{name: "secondary", healthy: true, script: []func(*providers.ChatRequest) (*providers.ChatResponse, error){ok("x")}},
	})
	f.createBudget(t, "quin", "100")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.pipeline.Execute(ctx, chatRequest("quin", "q"))
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, CodeCancelled, perr.Code)
	assert.Equal(t, 499, perr.HTTPStatus())
	assert.Zero(t, atomic.LoadInt32(&primary.calls))
}

func TestExecuteUnhealthyPinnedModelFallsBack(t *testing.T) {
	f := newFixture(t, map[string]providers.Provider{
		"primary":   &scriptedAdapter{name: "primary", healthy: false, script: []func(*providers.ChatRequest) (*providers.ChatResponse, error){ok("should not serve")}},
		"secondary": &scriptedAdapter{name: "secondary", healthy: true, script: []func(*providers.ChatRequest) (*providers.ChatResponse, error){ok("healthy answer")}},
	})
	f.createBudget(t, "rosa", "100")

	resp, err := f.pipeline.Execute(context.Background(), chatRequest("rosa", "q"))
	require.NoError(t, err)
	assert.Equal(t, "economy-model", resp.Model)
	assert.Equal(t, "healthy answer", resp.Chat.Content)
}

func TestExecuteBudgetDeny(t *testing.T) {
	f := newFixture(t, map[string]providers.Provider{
		"primary":   &scriptedAdapter{name: "primary", healthy: true, script: []func(*providers.ChatRequest) (*providers.ChatResponse, error){ok("x")}},
		"secondary": &scriptedAdapter{name: "secondary", healthy: true, script: []func(*providers.ChatRequest) (*providers.ChatResponse, error){ok("x")}},
	})
	f.createBudget(t, "eve", "1")

	_, err := f.tracker.RecordUsage(context.Background(), &budget.UsageEntry{
		RequestID: "seed", Scope: models.ScopeTuple{UserID: "eve"},
		Provider: "primary", Model: "premium-model",
		Cost: decimal.RequireFromString("2"), Currency: "USD",
	})
	require.NoError(t, err)

	_, err = f.pipeline.Execute(context.Background(), chatRequest("eve", "anything"))
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, CodeBudgetDenied, perr.Code)
	assert.Equal(t, 402, perr.HTTPStatus())
	assert.NotEmpty(t, perr.Suggestions)
}

func TestExecuteApprovalOverride(t *testing.T) {
	f := newFixture(t, map[string]providers.Provider{
		"primary":   &scriptedAdapter{name: "primary", healthy: true, script: []func(*providers.ChatRequest) (*providers.ChatResponse, error){ok("approved")}},
		"secondary": &scriptedAdapter{name: "secondary", healthy: true, script: []func(*providers.ChatRequest) (*providers.ChatResponse, error){ok("x")}},
	})

	_, err := f.budgets.Create(context.Background(), &budget.CreateRequest{
		Name: "approval", ScopeType: models.ScopeUser, ScopeID: "frank",
		Limit: decimal.NewFromInt(100), Currency: "USD",
		Period:          models.BudgetPeriodMonthly,
		CriticalActions: []models.ThresholdAction{models.ActionRequireApproval},
		AllowOverrides:  true,
		OverrideRoles:   []string{"budget-admin"},
	})
	require.NoError(t, err)

	_, err = f.tracker.RecordUsage(context.Background(), &budget.UsageEntry{
		RequestID: "seed", Scope: models.ScopeTuple{UserID: "frank"},
		Provider: "primary", Model: "premium-model",
		Cost: decimal.RequireFromString("95"), Currency: "USD",
	})
	require.NoError(t, err)

	t.Run("without role", func(t *testing.T) {
		_, err := f.pipeline.Execute(context.Background(), chatRequest("frank", "q"))
		var perr *Error
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, CodeApprovalRequired, perr.Code)
		assert.Equal(t, []string{"budget-admin"}, perr.OverrideRoles)
	})

	t.Run("with matching role", func(t *testing.T) {
		req := chatRequest("frank", "q")
		req.OverrideRole = "budget-admin"
		resp, err := f.pipeline.Execute(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "approved", resp.Chat.Content)
	})
}

func TestExecuteSteeringReject(t *testing.T) {
	f := newFixture(t, map[string]providers.Provider{
		"primary":   &scriptedAdapter{name: "primary", healthy: true, script: []func(*providers.ChatRequest) (*providers.ChatResponse, error){ok("x")}},
		"secondary": &scriptedAdapter{name: "secondary", healthy: true, script: []func(*providers.ChatRequest) (*providers.ChatResponse, error){ok("x")}},
	})
	f.createBudget(t, "gail", "100")

	require.NoError(t, f.steering.Load([]byte(`
rules:
  - id: block-gail
    conditions: [{field: scope.user_id, operator: equals, value: gail}]
    actions:
      - {type: reject, message: user is blocked, status: 451}
`)))

	_, err := f.pipeline.Execute(context.Background(), chatRequest("gail", "q"))
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, CodeRejected, perr.Code)
	assert.Equal(t, 451, perr.HTTPStatus())
	assert.Equal(t, "user is blocked", perr.Message)
}

func TestExecuteSteeringContentReject(t *testing.T) {
	f := newFixture(t, map[string]providers.Provider{
		"primary":   &scriptedAdapter{name: "primary", healthy: true, script: []func(*providers.ChatRequest) (*providers.ChatResponse, error){ok("x")}},
		"secondary": &scriptedAdapter{name: "secondary", healthy: true, script: []func(*providers.ChatRequest) (*providers.ChatResponse, error){ok("x")}},
	})
	f.createBudget(t, "mara", "100")

	require.NoError(t, f.steering.Load([]byte(`
rules:
  - id: block-shutdown-talk
    conditions: [{field: request.body.prompt, operator: contains, value: shutdown}]
    actions:
      - {type: reject, message: destructive content blocked, status: 403}
`)))

	_, err := f.pipeline.Execute(context.Background(), chatRequest("mara", "please shutdown the cluster"))
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, CodeRejected, perr.Code)
	assert.Equal(t, 403, perr.HTTPStatus())

	resp, err := f.pipeline.Execute(context.Background(), chatRequest("mara", "summarize this"))
	require.NoError(t, err)
	assert.Equal(t, "x", resp.Chat.Content)
}

func TestExecuteSteeringTransformReachesProvider(t *testing.T) {
	var seen string
	primary := &scriptedAdapter{name: "primary", healthy: true,
		script: []func(*providers.ChatRequest) (*providers.ChatResponse, error){
			func(req *providers.ChatRequest) (*providers.ChatResponse, error) {
				if n := len(req.Messages); n > 0 {
					seen, _ = req.Messages[n-1].Content.(string)
				}
				return ok("transformed")(req)
			},
		}}
	f := newFixture(t, map[string]providers.Provider{
		"primary":   primary,
		"secondary": &scriptedAdapter{name: "secondary", healthy: true, script: []func(*providers.ChatRequest) (*providers.ChatResponse, error){ok("x")}},
	})
	f.createBudget(t, "nell", "100")

	require.NoError(t, f.steering.Load([]byte(`
rules:
  - id: prefix-prompt
    actions:
      - {type: transform, field: request.body.prompt, transform: prepend, value: "context: "}
      - {type: inject, field: metadata.steered, value: true}
`)))

	req := chatRequest("nell", "original question")
	resp, err := f.pipeline.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "transformed", resp.Chat.Content)
	assert.Equal(t, "context: original question", seen)
	assert.Equal(t, true, req.Metadata["steered"])
}

func TestExecuteSteeringRoute(t *testing.T) {
	f := newFixture(t, map[string]providers.Provider{
		"primary":   &scriptedAdapter{name: "primary", healthy: true, script: []func(*providers.ChatRequest) (*providers.ChatResponse, error){ok("x")}},
		"secondary": &scriptedAdapter{name: "secondary", healthy: true, script: []func(*providers.ChatRequest) (*providers.ChatResponse, error){ok("routed")}},
	})
	f.createBudget(t, "hank", "100")

	require.NoError(t, f.steering.Load([]byte(`
rules:
  - id: pin-economy
    actions:
      - {type: route, model: economy-model}
`)))

	resp, err := f.pipeline.Execute(context.Background(), chatRequest("hank", "q"))
	require.NoError(t, err)
	assert.Equal(t, "economy-model", resp.Model)
	assert.Equal(t, "routed", resp.Chat.Content)
}

func TestExecuteFallbackChain(t *testing.T) {
	f := newFixture(t, map[string]providers.Provider{
		"primary": &scriptedAdapter{name: "primary", healthy: true,
			script: []func(*providers.ChatRequest) (*providers.ChatResponse, error){fail(providers.ErrKindRetryable)}},
		"secondary": &scriptedAdapter{name: "secondary", healthy: true,
			script: []func(*providers.ChatRequest) (*providers.ChatResponse, error){ok("fallback served")}},
	})
	f.createBudget(t, "iris", "100")

	resp, err := f.pipeline.Execute(context.Background(), chatRequest("iris", "q"))
	require.NoError(t, err)
	assert.Equal(t, "economy-model", resp.Model)
	assert.Equal(t, "fallback served", resp.Chat.Content)
	assert.Equal(t, []string{"premium-model", "economy-model"}, resp.FallbackChain)
}

func TestExecuteRoutingConstraints(t *testing.T) {
	f := newFixture(t, map[string]providers.Provider{
		"primary":   &scriptedAdapter{name: "primary", healthy: true, script: []func(*providers.ChatRequest) (*providers.ChatResponse, error){ok("premium")}},
		"secondary": &scriptedAdapter{name: "secondary", healthy: true, script: []func(*providers.ChatRequest) (*providers.ChatResponse, error){ok("economy")}},
	})
	f.createBudget(t, "lena", "100")

	open := func() *Request {
		req := chatRequest("lena", "q")
		req.Chat.Model = ""
		req.CacheMode = CacheModeBypass
		return req
	}

	t.Run("preferred provider narrows the set", func(t *testing.T) {
		req := open()
		req.PreferredProvider = "secondary"
		resp, err := f.pipeline.Execute(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "economy-model", resp.Model)
	})

	t.Run("max cost excludes expensive models", func(t *testing.T) {
		req := open()
		req.MaxCost = decimal.RequireFromString("0.0001")
		resp, err := f.pipeline.Execute(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "economy-model", resp.Model)
	})

	t.Run("max latency excludes slow models", func(t *testing.T) {
		req := open()
		req.MaxLatency = 600 * time.Millisecond
		resp, err := f.pipeline.Execute(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "economy-model", resp.Model)
	})

	t.Run("unsatisfiable constraints fail cleanly", func(t *testing.T) {
		req := open()
		req.PreferredProvider = "nonexistent"
		_, err := f.pipeline.Execute(context.Background(), req)
		var perr *Error
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, CodeNoCandidates, perr.Code)
	})
}

func TestExecutePolicyErrorDoesNotFallBack(t *testing.T) {
	secondary := &scriptedAdapter{name: "secondary", healthy: true,
		script: []func(*providers.ChatRequest) (*providers.ChatResponse, error){ok("should not serve")}}
	f := newFixture(t, map[string]providers.Provider{
		"primary": &scriptedAdapter{name: "primary", healthy: true,
			script: []func(*providers.ChatRequest) (*providers.ChatResponse, error){fail(providers.ErrKindPolicy)}},
		"secondary": secondary,
	})
	f.createBudget(t, "judy", "100")

	_, err := f.pipeline.Execute(context.Background(), chatRequest("judy", "q"))
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, CodeRejected, perr.Code)
	assert.Zero(t, atomic.LoadInt32(&secondary.calls))
}

func TestExecuteValidation(t *testing.T) {
	f := newFixture(t, map[string]providers.Provider{
		"primary":   &scriptedAdapter{name: "primary", healthy: true, script: []func(*providers.ChatRequest) (*providers.ChatResponse, error){ok("x")}},
		"secondary": &scriptedAdapter{name: "secondary", healthy: true, script: []func(*providers.ChatRequest) (*providers.ChatResponse, error){ok("x")}},
	})

	t.Run("no messages", func(t *testing.T) {
		_, err := f.pipeline.Execute(context.Background(), &Request{
			Scope: models.ScopeTuple{UserID: "u"},
			Chat:  &providers.ChatRequest{},
		})
		var perr *Error
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, CodeInvalidRequest, perr.Code)
	})

	t.Run("no scope", func(t *testing.T) {
		_, err := f.pipeline.Execute(context.Background(), &Request{
			Chat: &providers.ChatRequest{Messages: []providers.Message{{Role: "user", Content: "x"}}},
		})
		var perr *Error
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, CodeInvalidRequest, perr.Code)
	})
}

func TestExecuteIdempotentBilling(t *testing.T) {
	f := newFixture(t, map[string]providers.Provider{
		"primary":   &scriptedAdapter{name: "primary", healthy: true, script: []func(*providers.ChatRequest) (*providers.ChatResponse, error){ok("x")}},
		"secondary": &scriptedAdapter{name: "secondary", healthy: true, script: []func(*providers.ChatRequest) (*providers.ChatResponse, error){ok("x")}},
	})
	def := f.createBudget(t, "kate", "100")

	req := chatRequest("kate", "q")
	req.RequestID = "fixed-id"
	req.CacheMode = CacheModeBypass
	first, err := f.pipeline.Execute(context.Background(), req)
	require.NoError(t, err)

	retry := chatRequest("kate", "q")
	retry.RequestID = "fixed-id"
	retry.CacheMode = CacheModeBypass
	_, err = f.pipeline.Execute(context.Background(), retry)
	require.NoError(t, err)

	status, err := f.tracker.Refresh(context.Background(), def)
	require.NoError(t, err)
	assert.True(t, status.CurrentAmount.Equal(first.Cost),
		"replayed request id must bill once, got %s", status.CurrentAmount)
}
