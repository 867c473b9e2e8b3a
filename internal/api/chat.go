package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/relaycore/relaycore/internal/models"
	"github.com/relaycore/relaycore/internal/optimizer"
	"github.com/relaycore/relaycore/internal/pipeline"
	"github.com/relaycore/relaycore/internal/providers"
)

// Request headers controlling per-request behavior.
const (
	headerCache        = "X-RelayCore-Cache"
	headerCacheTTL     = "X-RelayCore-Cache-TTL"
	headerOptimize     = "X-RelayCore-Optimize"
	headerOverrideRole = "X-RelayCore-Override-Role"
	headerUser         = "X-RelayCore-User"
	headerTeam         = "X-RelayCore-Team"
	headerOrganization = "X-RelayCore-Organization"
	headerProject      = "X-RelayCore-Project"
)

// Response headers reporting routing and cost diagnostics.
const (
	headerCacheStatus   = "X-RelayCore-Cache-Status"
	headerCost          = "X-RelayCore-Cost"
	headerModel         = "X-RelayCore-Model"
	headerRequestID     = "X-RelayCore-Request-Id"
	headerOptimizations = "X-RelayCore-Optimizations-Applied"
)

type chatCompletionBody struct {
	Model       string              `json:"model"`
	Messages    []providers.Message `json:"messages"`
	Temperature *float32            `json:"temperature,omitempty"`
	MaxTokens   *int                `json:"max_tokens,omitempty"`
	Stream      bool                `json:"stream,omitempty"`
	User        string              `json:"user,omitempty"`
	Tools       []providers.Tool    `json:"tools,omitempty"`

	// Prompt form of the content union. Mutually exclusive with messages.
	Prompt       string `json:"prompt,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`

	Constraints *chatConstraints       `json:"constraints,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

type chatConstraints struct {
	PreferredModel    string `json:"preferred_model,omitempty"`
	PreferredProvider string `json:"preferred_provider,omitempty"`
	MaxCost           string `json:"max_cost,omitempty"`
	MaxLatencyMs      int    `json:"max_latency_ms,omitempty"`
}

type chatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int               `json:"index"`
	Message      providers.Message `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var body chatCompletionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}

	if body.Prompt != "" {
		if len(body.Messages) > 0 {
			s.writeError(w, http.StatusBadRequest, "invalid_request", "request mixes messages with a prompt")
			return
		}
		if body.SystemPrompt != "" {
			body.Messages = append(body.Messages, providers.Message{Role: "system", Content: body.SystemPrompt})
		}
		body.Messages = append(body.Messages, providers.Message{Role: "user", Content: body.Prompt})
	}

	// Headers win; a body-only client carries its scope in metadata.
	scope := models.ScopeTuple{
		UserID:         firstNonEmpty(r.Header.Get(headerUser), body.User, metaString(body.Metadata, "userId", "user_id")),
		TeamID:         firstNonEmpty(r.Header.Get(headerTeam), metaString(body.Metadata, "teamId", "team_id")),
		OrganizationID: firstNonEmpty(r.Header.Get(headerOrganization), metaString(body.Metadata, "organizationId", "organization_id")),
		ProjectID:      firstNonEmpty(r.Header.Get(headerProject), metaString(body.Metadata, "projectId", "project_id")),
	}

	req := &pipeline.Request{
		RequestID:     middleware.GetReqID(r.Context()),
		CorrelationID: r.Header.Get("X-Correlation-Id"),
		Scope:         scope,
		Capability:    providers.CapTextGeneration,
		Metadata:      body.Metadata,
		Chat: &providers.ChatRequest{
			Model:       body.Model,
			Messages:    body.Messages,
			Temperature: body.Temperature,
			MaxTokens:   body.MaxTokens,
			Stream:      body.Stream,
			User:        body.User,
			Tools:       body.Tools,
		},
		CacheMode:        r.Header.Get(headerCache),
		OptimizeStrategy: r.Header.Get(headerOptimize),
		OverrideRole:     r.Header.Get(headerOverrideRole),

		TaskType:           metaString(body.Metadata, "task_type", "taskType"),
		QualityRequirement: metaString(body.Metadata, "quality_requirement", "qualityRequirement"),
		BudgetPriority:     metaString(body.Metadata, "budget_priority", "budgetPriority"),
	}

	if c := body.Constraints; c != nil {
		if req.Chat.Model == "" {
			req.Chat.Model = c.PreferredModel
		}
		req.PreferredProvider = c.PreferredProvider
		if c.MaxLatencyMs > 0 {
			req.MaxLatency = time.Duration(c.MaxLatencyMs) * time.Millisecond
		}
		if c.MaxCost != "" {
			maxCost, err := decimal.NewFromString(c.MaxCost)
			if err != nil || maxCost.IsNegative() {
				s.writeError(w, http.StatusBadRequest, "invalid_request", "constraints.max_cost must be a non-negative decimal")
				return
			}
			req.MaxCost = maxCost
		}
	}

	if ttl := r.Header.Get(headerCacheTTL); ttl != "" {
		seconds, err := strconv.Atoi(ttl)
		if err != nil || seconds < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid_request", "X-RelayCore-Cache-TTL must be a non-negative integer of seconds")
			return
		}
		req.CacheTTL = time.Duration(seconds) * time.Second
	}
	switch req.OptimizeStrategy {
	case "off":
		req.OptimizeStrategy = ""
	case "moderate":
		req.OptimizeStrategy = optimizer.StrategyBalanced
	case "", optimizer.StrategyAggressive, optimizer.StrategyBalanced, optimizer.StrategyQualityFirst:
	default:
		s.writeError(w, http.StatusBadRequest, "invalid_request", "unknown X-RelayCore-Optimize value")
		return
	}

	resp, err := s.pipeline.Execute(r.Context(), req)
	if err != nil {
		s.writePipelineError(w, err)
		return
	}

	w.Header().Set(headerCacheStatus, string(resp.CacheStatus))
	w.Header().Set(headerCost, resp.Cost.StringFixed(6)+" "+resp.Currency)
	w.Header().Set(headerModel, resp.Model)
	w.Header().Set(headerRequestID, resp.RequestID)
	if applied := optimizationsApplied(req, resp); applied != "" {
		w.Header().Set(headerOptimizations, applied)
	}

	s.writeJSON(w, http.StatusOK, chatCompletionResponse{
		ID:      "chatcmpl-" + resp.RequestID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []chatChoice{{
			Message:      providers.Message{Role: "assistant", Content: resp.Chat.Content},
			FinishReason: resp.Chat.FinishReason,
		}},
		Usage: chatUsage{
			PromptTokens:     resp.Chat.Usage.InputTokens,
			CompletionTokens: resp.Chat.Usage.OutputTokens,
			TotalTokens:      resp.Chat.Usage.InputTokens + resp.Chat.Usage.OutputTokens,
		},
	})
}

func optimizationsApplied(req *pipeline.Request, resp *pipeline.Response) string {
	var applied []string
	if req.OptimizeStrategy != "" {
		applied = append(applied, "strategy:"+req.OptimizeStrategy)
	}
	if resp.Downgraded {
		applied = append(applied, "downgrade:"+resp.OriginalModel+">"+resp.Model)
	}
	if resp.CacheStatus == models.CacheHit {
		applied = append(applied, "cache")
	}
	return strings.Join(applied, ",")
}

func metaString(meta map[string]interface{}, keys ...string) string {
	if meta == nil {
		return ""
	}
	for _, key := range keys {
		if v, ok := meta[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
