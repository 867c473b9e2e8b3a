package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/relaycore/relaycore/internal/budget"
	"github.com/relaycore/relaycore/internal/cache"
	"github.com/relaycore/relaycore/internal/models"
	"github.com/relaycore/relaycore/internal/optimizer"
	"github.com/relaycore/relaycore/internal/pricing"
	"github.com/relaycore/relaycore/internal/providers"
	"github.com/relaycore/relaycore/internal/registry"
	"github.com/relaycore/relaycore/internal/steering"
	"github.com/relaycore/relaycore/internal/tokenizer"
)

// CacheMode controls per-request cache participation.
const (
	CacheModeUse    = "use"
	CacheModeBypass = "bypass"
)

// Request is one unit of work through the pipeline.
type Request struct {
	RequestID     string
	CorrelationID string
	Scope         models.ScopeTuple
	Chat          *providers.ChatRequest
	Capability    string
	Metadata      map[string]interface{}

	CacheMode        string
	CacheTTL         time.Duration
	OptimizeStrategy string

	// Routing constraints. Zero values leave the candidate set unchanged.
	PreferredProvider  string
	MaxCost            decimal.Decimal
	MaxLatency         time.Duration
	QualityRequirement string
	TaskType           string
	BudgetPriority     string

	// OverrideRole, when it matches a budget's override roles, lets the
	// caller pass a REQUIRE_APPROVAL verdict.
	OverrideRole string
}

// Response is the pipeline result with routing and cost diagnostics.
type Response struct {
	RequestID     string                  `json:"request_id"`
	Chat          *providers.ChatResponse `json:"chat"`
	Provider      string                  `json:"provider"`
	Model         string                  `json:"model"`
	OriginalModel string                  `json:"original_model,omitempty"`
	Downgraded    bool                    `json:"downgraded"`
	CacheStatus   models.CacheStatus        `json:"cache_status"`
	Cost          decimal.Decimal           `json:"cost"`
	Currency      string                    `json:"currency"`
	EstimatedCost decimal.Decimal           `json:"estimated_cost"`
	BudgetOutcome string                    `json:"budget_outcome"`
	BudgetStatus  string                    `json:"budget_status,omitempty"`
	Budgets       []budget.BudgetConstraint `json:"affected_budgets,omitempty"`
	Alternatives  []string                  `json:"alternatives,omitempty"`
	FallbackChain []string                  `json:"fallback_chain,omitempty"`
	Reasoning     string                    `json:"reasoning,omitempty"`
	RuleVersion   string                    `json:"rule_version,omitempty"`
	Trace         []steering.RuleTrace      `json:"trace,omitempty"`
	Duration      time.Duration             `json:"duration"`
}

// Pipeline orchestrates steering, budget checks, optimization, caching, and
// dispatch. Usage is recorded at most once per (budget, request).
type Pipeline struct {
	registry  *registry.Registry
	estimator *tokenizer.Estimator
	steering  *steering.Engine
	tracker   *budget.Tracker
	pricer    *pricing.Model
	cache     *cache.Cache
	optimizer *optimizer.Optimizer
	outbox    *budget.Outbox
	logger    *zap.Logger

	deadline time.Duration
	global   chan struct{}
	perModel sync.Map // model -> chan struct{}
}

type Config struct {
	Registry  *registry.Registry
	Estimator *tokenizer.Estimator
	Steering  *steering.Engine
	Tracker   *budget.Tracker
	Pricer    *pricing.Model
	Cache     *cache.Cache
	Optimizer *optimizer.Optimizer
	Outbox    *budget.Outbox
	Logger    *zap.Logger

	MaxConcurrency  int
	DefaultDeadline time.Duration
}

func New(cfg *Config) *Pipeline {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 256
	}
	if cfg.DefaultDeadline <= 0 {
		cfg.DefaultDeadline = 60 * time.Second
	}
	return &Pipeline{
		registry:  cfg.Registry,
		estimator: cfg.Estimator,
		steering:  cfg.Steering,
		tracker:   cfg.Tracker,
		pricer:    cfg.Pricer,
		cache:     cfg.Cache,
		optimizer: cfg.Optimizer,
		outbox:    cfg.Outbox,
		logger:    cfg.Logger,
		deadline:  cfg.DefaultDeadline,
		global:    make(chan struct{}, cfg.MaxConcurrency),
	}
}

// Execute runs one request through the full pipeline.
func (p *Pipeline) Execute(ctx context.Context, req *Request) (*Response, error) {
	started := time.Now()

	if err := p.validate(req); err != nil {
		requestsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}

	select {
	case p.global <- struct{}{}:
		defer func() { <-p.global }()
	default:
		requestsTotal.WithLabelValues("overloaded").Inc()
		return nil, &Error{Code: CodeOverloaded, Message: "request pipeline at capacity"}
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.deadline)
		defer cancel()
	}
	if ctx.Err() != nil {
		requestsTotal.WithLabelValues(string(CodeCancelled)).Inc()
		return nil, &Error{Code: CodeCancelled, Message: "request cancelled before dispatch", Err: ctx.Err()}
	}

	log := p.logger.With(
		zap.String("request_id", req.RequestID),
		zap.String("correlation_id", req.CorrelationID))

	resp, err := p.execute(ctx, req, log, started)
	if err != nil {
		if perr, ok := err.(*Error); ok {
			requestsTotal.WithLabelValues(string(perr.Code)).Inc()
		} else {
			requestsTotal.WithLabelValues("error").Inc()
		}
		return nil, err
	}
	requestsTotal.WithLabelValues("ok").Inc()
	requestDuration.WithLabelValues(resp.Provider, resp.Model).Observe(resp.Duration.Seconds())
	return resp, nil
}

func (p *Pipeline) validate(req *Request) error {
	if req.Chat == nil || len(req.Chat.Messages) == 0 {
		return &Error{Code: CodeInvalidRequest, Message: "request has no messages"}
	}
	if len(req.Scope.Members()) == 0 {
		return &Error{Code: CodeInvalidRequest, Message: "request carries no scope identity"}
	}
	switch req.CacheMode {
	case "", CacheModeUse, CacheModeBypass:
	default:
		return &Error{Code: CodeInvalidRequest, Message: fmt.Sprintf("unknown cache mode %q", req.CacheMode)}
	}
	return nil
}

func (p *Pipeline) execute(ctx context.Context, req *Request, log *zap.Logger, started time.Time) (*Response, error) {
	maxTokens := 0
	if req.Chat.MaxTokens != nil {
		maxTokens = *req.Chat.MaxTokens
	}
	est := p.estimator.Estimate(req.Chat.Messages, maxTokens)

	steerResult, err := p.steer(req, est)
	if err != nil {
		return nil, err
	}

	candidates, err := p.candidates(req, steerResult, est)
	if err != nil {
		return nil, err
	}

	profile, verdict, err := p.admit(ctx, req, candidates, est, log)
	if err != nil {
		return nil, err
	}
	budgetVerdicts.WithLabelValues(verdict.OutcomeName).Inc()

	requested := req.Chat.Model
	downgraded := verdict.Outcome == budget.OutcomeAllowWithDowngrade &&
		requested != "" && profile.Model != requested
	if downgraded {
		downgradesTotal.Inc()
	}

	resp := &Response{
		RequestID:     req.RequestID,
		BudgetOutcome: verdict.OutcomeName,
		BudgetStatus:  string(verdict.Status),
		Budgets:       verdict.Budgets,
		Alternatives:  alternativesOf(candidates, profile),
		RuleVersion:   steerResult.Version,
		Trace:         steerResult.Trace,
		EstimatedCost: pricing.CostForProfile(profile, est.InputTokens, est.OutputTokens),
	}
	if downgraded {
		resp.OriginalModel = requested
		resp.Downgraded = true
		resp.Reasoning = verdict.Reason
	} else {
		strategy := req.OptimizeStrategy
		if strategy == "" {
			strategy = p.optimizer.Strategy()
		}
		resp.Reasoning = fmt.Sprintf("selected %s by %s strategy", profile.Model, strategy)
	}

	entry, status, attempted, err := p.serve(ctx, req, profile, log)
	if err != nil {
		return nil, err
	}
	resp.FallbackChain = attempted
	resp.CacheStatus = status
	resp.Chat = entry.Response
	resp.Provider = entry.Provider
	resp.Model = entry.Model
	resp.Currency = entry.Currency

	cost := decimal.Zero
	if status != models.CacheHit {
		quote, err := p.pricer.Cost(entry.Provider, entry.Model, entry.Response.Usage.InputTokens, entry.Response.Usage.OutputTokens)
		if err != nil {
			// Model vanished from the registry mid-flight; price by the
			// profile we dispatched with.
			quote = pricing.Quote{
				Amount:   pricing.CostForProfile(profile, entry.Response.Usage.InputTokens, entry.Response.Usage.OutputTokens),
				Currency: profile.Currency,
			}
		}
		cost = quote.Amount
		resp.Currency = quote.Currency

		costFloat, _ := cost.Float64()
		costTotal.WithLabelValues(entry.Provider, entry.Model, resp.Currency).Add(costFloat)
		tokensTotal.WithLabelValues(entry.Provider, entry.Model, "input").Add(float64(entry.Response.Usage.InputTokens))
		tokensTotal.WithLabelValues(entry.Provider, entry.Model, "output").Add(float64(entry.Response.Usage.OutputTokens))
	}
	resp.Cost = cost

	p.record(ctx, req, resp, entry, log)

	resp.Duration = time.Since(started)
	log.Info("request completed",
		zap.String("provider", resp.Provider),
		zap.String("model", resp.Model),
		zap.String("cache_status", string(resp.CacheStatus)),
		zap.String("cost", resp.Cost.String()),
		zap.Duration("duration", resp.Duration))

	return resp, nil
}

// steer evaluates the rule set over the request context and maps transformed
// content back onto the outbound request.
func (p *Pipeline) steer(req *Request, est tokenizer.Estimate) (*steering.Result, error) {
	prompt := promptText(req.Chat.Messages)
	sctx := map[string]interface{}{
		"request": map[string]interface{}{
			"model":               req.Chat.Model,
			"user":                req.Chat.User,
			"stream":              req.Chat.Stream,
			"message_count":       len(req.Chat.Messages),
			"capability":          req.Capability,
			"task_type":           req.TaskType,
			"quality_requirement": req.QualityRequirement,
			"budget_priority":     req.BudgetPriority,
			"body": map[string]interface{}{
				"prompt":   prompt,
				"messages": messagesContext(req.Chat.Messages),
			},
		},
		"scope": map[string]interface{}{
			"user_id":         req.Scope.UserID,
			"team_id":         req.Scope.TeamID,
			"organization_id": req.Scope.OrganizationID,
			"project_id":      req.Scope.ProjectID,
		},
		"estimate": map[string]interface{}{
			"input_tokens":  est.InputTokens,
			"output_tokens": est.OutputTokens,
		},
	}
	if req.Metadata != nil {
		sctx["metadata"] = req.Metadata
	}

	result, err := p.steering.Evaluate(sctx)
	if err != nil {
		return nil, &Error{Code: CodeInvalidRequest, Message: "steering evaluation failed", Err: err}
	}
	if result.Rejected {
		return nil, &Error{
			Code:    CodeRejected,
			Message: result.RejectMessage,
			Status:  result.RejectStatus,
		}
	}
	p.applySteering(req, result, prompt)
	return result, nil
}

// applySteering copies transform and inject results out of the evaluated
// context into the request that will be dispatched.
func (p *Pipeline) applySteering(req *Request, result *steering.Result, originalPrompt string) {
	if v, ok := steering.Resolve(result.Context, "request.body.messages"); ok {
		if list, ok := v.([]interface{}); ok {
			req.Chat.Messages = mergeMessages(req.Chat.Messages, list)
		}
	}
	if v, ok := steering.Resolve(result.Context, "request.body.prompt"); ok {
		if s, ok := v.(string); ok && s != originalPrompt {
			setPrompt(req.Chat, s)
		}
	}
	if v, ok := steering.Resolve(result.Context, "metadata"); ok {
		if m, ok := v.(map[string]interface{}); ok {
			req.Metadata = m
		}
	}
}

// promptText flattens the string content of a message list.
func promptText(messages []providers.Message) string {
	var parts []string
	for _, m := range messages {
		if s, ok := m.Content.(string); ok && s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

func messagesContext(messages []providers.Message) []interface{} {
	out := make([]interface{}, 0, len(messages))
	for _, m := range messages {
		out = append(out, map[string]interface{}{
			"role":    m.Role,
			"content": m.Content,
		})
	}
	return out
}

// mergeMessages folds steered role/content edits back into the original
// messages, preserving fields steering does not see. A length change rebuilds
// the list from the steered shape.
func mergeMessages(orig []providers.Message, list []interface{}) []providers.Message {
	out := make([]providers.Message, 0, len(list))
	for i, item := range list {
		node, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		var msg providers.Message
		if i < len(orig) {
			msg = orig[i]
		}
		if role, ok := node["role"].(string); ok && role != "" {
			msg.Role = role
		}
		if content, ok := node["content"]; ok {
			msg.Content = content
		}
		out = append(out, msg)
	}
	if len(out) == 0 {
		return orig
	}
	return out
}

// setPrompt applies a steered prompt to the newest user message.
func setPrompt(chat *providers.ChatRequest, prompt string) {
	for i := len(chat.Messages) - 1; i >= 0; i-- {
		if chat.Messages[i].Role == "user" {
			chat.Messages[i].Content = prompt
			return
		}
	}
	chat.Messages = append(chat.Messages, providers.Message{Role: "user", Content: prompt})
}

// candidates resolves the eligible profile set. A steering route pins the
// set to a single model and is exempt from caller constraints; otherwise
// every enabled healthy profile matching the capability and the request's
// constraints qualifies.
func (p *Pipeline) candidates(req *Request, steerResult *steering.Result, est tokenizer.Estimate) ([]registry.Profile, error) {
	if steerResult.RouteModel != "" {
		profile, ok := p.registry.Profile(steerResult.RouteModel)
		if !ok || !profile.Enabled || !p.healthy(profile) {
			return nil, &Error{Code: CodeNoCandidates,
				Message: fmt.Sprintf("steered model %q is not available", steerResult.RouteModel)}
		}
		if steerResult.RouteProvider != "" && profile.Provider != steerResult.RouteProvider {
			return nil, &Error{Code: CodeNoCandidates,
				Message: fmt.Sprintf("steered model %q is not served by provider %q", steerResult.RouteModel, steerResult.RouteProvider)}
		}
		return []registry.Profile{profile}, nil
	}

	var candidates []registry.Profile
	if req.Chat.Model != "" {
		// An unhealthy pinned model falls back to the open candidate set.
		if profile, ok := p.registry.Profile(req.Chat.Model); ok && profile.Enabled && p.healthy(profile) {
			candidates = []registry.Profile{profile}
		}
	}
	if candidates == nil {
		candidates = p.registry.Candidates(req.Capability)
	}

	candidates = p.constrain(req, candidates, est)
	if len(candidates) == 0 {
		return nil, &Error{Code: CodeNoCandidates, Message: "no enabled healthy model matches the request constraints"}
	}
	return candidates, nil
}

// constrain filters candidates by the caller's routing constraints.
func (p *Pipeline) constrain(req *Request, candidates []registry.Profile, est tokenizer.Estimate) []registry.Profile {
	if req.QualityRequirement != "" {
		candidates = optimizer.RestrictTier(candidates, req.QualityRequirement)
	}
	if req.PreferredProvider == "" && req.MaxLatency <= 0 && !req.MaxCost.IsPositive() {
		return candidates
	}
	kept := candidates[:0:0]
	for _, c := range candidates {
		if req.PreferredProvider != "" && c.Provider != req.PreferredProvider {
			continue
		}
		if req.MaxLatency > 0 && c.P50Latency > req.MaxLatency {
			continue
		}
		if req.MaxCost.IsPositive() &&
			pricing.CostForProfile(c, est.InputTokens, est.OutputTokens).GreaterThan(req.MaxCost) {
			continue
		}
		kept = append(kept, c)
	}
	return kept
}

// admit selects a model and checks it against every applicable budget,
// downgrading or rejecting per the aggregate verdict.
func (p *Pipeline) admit(ctx context.Context, req *Request, candidates []registry.Profile, est tokenizer.Estimate, log *zap.Logger) (registry.Profile, *budget.ConstraintResult, error) {
	profile, err := p.optimizer.Select(candidates, est, req.OptimizeStrategy)
	if err != nil {
		return registry.Profile{}, nil, &Error{Code: CodeNoCandidates, Message: "no eligible model", Err: err}
	}

	estimated := pricing.CostForProfile(profile, est.InputTokens, est.OutputTokens)
	verdict, err := p.tracker.CheckConstraints(ctx, req.Scope, estimated)
	if err != nil {
		return registry.Profile{}, nil, fmt.Errorf("budget check failed: %w", err)
	}

	switch verdict.Outcome {
	case budget.OutcomeDeny:
		return registry.Profile{}, nil, &Error{
			Code:        CodeBudgetDenied,
			Message:     verdict.Reason,
			Suggestions: suggestionsOf(verdict),
		}

	case budget.OutcomeRequireApproval:
		if req.OverrideRole != "" && contains(verdict.OverrideRoles, req.OverrideRole) {
			log.Info("budget approval overridden",
				zap.String("override_role", req.OverrideRole),
				zap.String("reason", verdict.Reason))
			return profile, verdict, nil
		}
		return registry.Profile{}, nil, &Error{
			Code:          CodeApprovalRequired,
			Message:       verdict.Reason,
			OverrideRoles: verdict.OverrideRoles,
			Suggestions:   suggestionsOf(verdict),
		}

	case budget.OutcomeAllowWithDowngrade:
		// The downgrade pool is the full eligible set, not just the pinned
		// candidate; a cost verdict outranks the requested model.
		pool := p.registry.Candidates(req.Capability)
		if len(pool) == 0 {
			pool = candidates
		}
		economy := optimizer.RestrictTier(pool, "economy")
		if len(economy) == 0 {
			// Nothing cheaper exists; the verdict still permits serving.
			log.Warn("downgrade requested but no economy tier model is available",
				zap.String("model", profile.Model))
			return profile, verdict, nil
		}
		cheaper, err := p.optimizer.Select(economy, est, optimizer.StrategyAggressive)
		if err != nil {
			return profile, verdict, nil
		}
		log.Info("request downgraded by budget policy",
			zap.String("from", profile.Model),
			zap.String("to", cheaper.Model),
			zap.String("reason", verdict.Reason))
		return cheaper, verdict, nil
	}

	return profile, verdict, nil
}

// serve answers from the cache when possible, collapsing concurrent misses,
// and dispatches upstream otherwise.
func (p *Pipeline) serve(ctx context.Context, req *Request, profile registry.Profile, log *zap.Logger) (*cache.Entry, models.CacheStatus, []string, error) {
	useCache := p.cache.Cacheable(req.Chat) && req.CacheMode != CacheModeBypass
	if !useCache {
		entry, attempted, err := p.dispatch(ctx, req, profile, log)
		if err != nil {
			return nil, models.CacheBypass, attempted, err
		}
		cacheEvents.WithLabelValues(string(models.CacheBypass)).Inc()
		return entry, models.CacheBypass, attempted, nil
	}

	// The fingerprint covers the chosen model, not the requested one, so a
	// downgraded request never shares a key with a full-price one.
	keyed := *req.Chat
	keyed.Model = profile.Model
	key := p.cache.Key(&keyed)
	if entry, status := p.cache.Get(ctx, key); status == models.CacheHit {
		cacheEvents.WithLabelValues(string(models.CacheHit)).Inc()
		return entry, models.CacheHit, nil, nil
	} else if status == models.CacheError {
		cacheEvents.WithLabelValues(string(models.CacheError)).Inc()
		entry, attempted, err := p.dispatch(ctx, req, profile, log)
		if err != nil {
			return nil, models.CacheError, attempted, err
		}
		return entry, models.CacheError, attempted, nil
	}

	executed := false
	var attempted []string
	entry, shared, err := p.cache.Do(ctx, key, func() (*cache.Entry, error) {
		executed = true
		e, tried, err := p.dispatch(ctx, req, profile, log)
		attempted = tried
		if err != nil {
			return nil, err
		}
		if req.CacheTTL > 0 {
			p.cache.SetWithTTL(ctx, key, e, req.CacheTTL)
		} else {
			p.cache.Set(ctx, key, e)
		}
		return e, nil
	})
	if err != nil {
		return nil, models.CacheMiss, attempted, err
	}

	// A follower that shared the leader's flight is billed as a hit.
	if shared && !executed {
		cacheEvents.WithLabelValues(string(models.CacheHit)).Inc()
		return entry, models.CacheHit, nil, nil
	}
	cacheEvents.WithLabelValues(string(models.CacheMiss)).Inc()
	return entry, models.CacheMiss, attempted, nil
}

// dispatch calls the selected model, walking its fallback chain on retryable
// failures. Policy violations and fatal errors never fall back.
func (p *Pipeline) dispatch(ctx context.Context, req *Request, profile registry.Profile, log *zap.Logger) (*cache.Entry, []string, error) {
	chain := append([]string{profile.Model}, profile.Fallbacks...)
	var attempted []string
	var lastErr error

	for i, model := range chain {
		target, ok := p.registry.Profile(model)
		if !ok || !target.Enabled {
			continue
		}
		adapter, ok := p.registry.Adapter(target.Provider)
		if !ok {
			continue
		}

		if err := p.acquireModel(ctx, target); err != nil {
			lastErr = err
			continue
		}

		attempted = append(attempted, target.Model)
		call := *req.Chat
		call.Model = target.Model
		response, err := adapter.Call(ctx, &call)
		p.releaseModel(target)

		if err == nil {
			if i > 0 {
				fallbacksTotal.WithLabelValues(chain[0], target.Model).Inc()
				log.Warn("served by fallback model",
					zap.String("requested", chain[0]),
					zap.String("served", target.Model))
			}
			return &cache.Entry{
				Response: response,
				Provider: target.Provider,
				Model:    target.Model,
				Currency: target.Currency,
			}, attempted, nil
		}

		lastErr = err
		if perr, ok := providers.AsProviderError(err); ok {
			upstreamErrors.WithLabelValues(target.Provider, string(perr.Kind)).Inc()
			if perr.Kind == providers.ErrKindFatal || perr.Kind == providers.ErrKindPolicy {
				break
			}
		}
		if ctx.Err() != nil {
			break
		}
		log.Warn("model dispatch failed, trying fallback",
			zap.String("model", target.Model),
			zap.Error(err))
	}

	if lastErr == nil {
		return nil, attempted, &Error{Code: CodeNoCandidates, Message: "no model in the fallback chain is available"}
	}
	if ctx.Err() == context.DeadlineExceeded {
		return nil, attempted, &Error{Code: CodeTimeout, Message: "request deadline exceeded during dispatch", Err: lastErr}
	}
	if ctx.Err() == context.Canceled {
		return nil, attempted, &Error{Code: CodeCancelled, Message: "request cancelled during dispatch", Err: lastErr}
	}
	if perr, ok := providers.AsProviderError(lastErr); ok {
		code := CodeUpstream
		status := 0
		switch perr.Kind {
		case providers.ErrKindTimeout:
			code = CodeTimeout
		case providers.ErrKindQuota:
			code = CodeOverloaded
		case providers.ErrKindPolicy:
			code, status = CodeRejected, 403
		}
		return nil, attempted, &Error{Code: code, Message: perr.Message, Status: status, Err: perr}
	}
	return nil, attempted, &Error{Code: CodeUpstream, Message: "upstream dispatch failed", Err: lastErr}
}

func (p *Pipeline) healthy(profile registry.Profile) bool {
	adapter, ok := p.registry.Adapter(profile.Provider)
	return ok && adapter.Health().Healthy
}

func (p *Pipeline) acquireModel(ctx context.Context, profile registry.Profile) error {
	if profile.MaxConcurrency <= 0 {
		return nil
	}
	v, _ := p.perModel.LoadOrStore(profile.Model, make(chan struct{}, profile.MaxConcurrency))
	sem := v.(chan struct{})
	select {
	case sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) releaseModel(profile registry.Profile) {
	if profile.MaxConcurrency <= 0 {
		return
	}
	if v, ok := p.perModel.Load(profile.Model); ok {
		<-v.(chan struct{})
	}
}

// record persists the usage entry, falling back to the outbox so a storage
// outage does not turn into double billing or a lost record.
func (p *Pipeline) record(ctx context.Context, req *Request, resp *Response, entry *cache.Entry, log *zap.Logger) {
	usage := &budget.UsageEntry{
		RequestID:     req.RequestID,
		Scope:         req.Scope,
		Provider:      entry.Provider,
		Model:         entry.Model,
		Cost:          resp.Cost,
		Currency:      resp.Currency,
		OriginalModel: resp.OriginalModel,
		Downgraded:    resp.Downgraded,
		CacheStatus:   resp.CacheStatus,
	}
	if resp.CacheStatus != models.CacheHit {
		usage.InputTokens = entry.Response.Usage.InputTokens
		usage.OutputTokens = entry.Response.Usage.OutputTokens
	}

	if _, err := p.tracker.RecordUsage(ctx, usage); err != nil {
		log.Error("synchronous usage recording failed, queueing", zap.Error(err))
		if p.outbox != nil {
			if qerr := p.outbox.Enqueue(ctx, usage); qerr != nil {
				log.Error("usage entry lost: outbox enqueue failed", zap.Error(qerr))
			}
		}
	}
}

func alternativesOf(candidates []registry.Profile, chosen registry.Profile) []string {
	var out []string
	for _, c := range candidates {
		if c.Model != chosen.Model {
			out = append(out, c.Model)
		}
	}
	return out
}

func suggestionsOf(verdict *budget.ConstraintResult) []string {
	for _, b := range verdict.Budgets {
		if b.Outcome == verdict.Outcome && len(b.Suggestions) > 0 {
			return b.Suggestions
		}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
