package providers

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Capability names advertised by provider profiles and requested by tasks.
const (
	CapTextGeneration = "text-generation"
	CapCodeGeneration = "code-generation"
	CapReasoning      = "reasoning"
	CapVision         = "vision"
	CapEmbedding      = "embedding"
)

// Provider is one upstream AI service normalized to the internal contract.
// Implementations are shared immutably among concurrent requests.
type Provider interface {
	// Call translates the request to the upstream schema, executes it within
	// the context deadline, and normalizes the response. Retryable failures
	// are retried once with backoff capped by the deadline.
	Call(ctx context.Context, request *ChatRequest) (*ChatResponse, error)

	// Health reports the last observed health of the upstream.
	Health() HealthStatus

	// Supports reports whether the provider serves a capability.
	Supports(capability string) bool

	Name() string
	Type() string

	// HealthCheck probes the upstream and records the outcome.
	HealthCheck(ctx context.Context) error
}

type HealthStatus struct {
	Healthy         bool          `json:"healthy"`
	LastError       string        `json:"last_error,omitempty"`
	ObservedLatency time.Duration `json:"observed_latency,omitempty"`
	CheckedAt       time.Time     `json:"checked_at,omitempty"`
}

// ChatRequest is the internal request shape handed to adapters.
type ChatRequest struct {
	Model        string    `json:"model"`
	Messages     []Message `json:"messages"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Temperature  *float32  `json:"temperature,omitempty"`
	MaxTokens    *int      `json:"max_tokens,omitempty"`
	Stream       bool      `json:"stream,omitempty"`
	User         string    `json:"user,omitempty"`
	Tools        []Tool    `json:"tools,omitempty"`
}

type Message struct {
	Role      string      `json:"role"`
	Content   interface{} `json:"content"`
	Name      string      `json:"name,omitempty"`
	ToolCalls []ToolCall  `json:"tool_calls,omitempty"`
}

type Tool struct {
	Type     string   `json:"type"`
	Function Function `json:"function"`
}

type Function struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Parameters  interface{} `json:"parameters,omitempty"`
}

type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatResponse is the normalized upstream answer.
type ChatResponse struct {
	Content      string `json:"content"`
	Usage        Usage  `json:"usage"`
	FinishReason string `json:"finish_reason,omitempty"`
	ModelUsed    string `json:"model_used"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ErrorKind classifies upstream failures for retry and fallback decisions.
type ErrorKind string

const (
	ErrKindRetryable ErrorKind = "retryable"
	ErrKindFatal     ErrorKind = "non-retryable"
	ErrKindQuota     ErrorKind = "quota"
	ErrKindPolicy    ErrorKind = "policy-violation"
	ErrKindTimeout   ErrorKind = "timeout"
)

type ProviderError struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("provider %s: %s (%s)", e.Provider, e.Message, e.Kind)
	}
	return fmt.Sprintf("provider %s: %s error", e.Provider, e.Kind)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the error may be retried against the same model.
func (e *ProviderError) Retryable() bool {
	return e.Kind == ErrKindRetryable
}

// ClassifyStatus maps an upstream HTTP status to an error kind.
func ClassifyStatus(status int) ErrorKind {
	switch {
	case status == 408 || status == 504:
		return ErrKindTimeout
	case status == 429:
		return ErrKindQuota
	case status == 403:
		return ErrKindPolicy
	case status >= 500:
		return ErrKindRetryable
	default:
		return ErrKindFatal
	}
}

// ClassifyErr wraps a transport-level error as a provider error.
func ClassifyErr(provider string, err error) *ProviderError {
	kind := ErrKindRetryable
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		kind = ErrKindTimeout
	}
	return &ProviderError{Provider: provider, Kind: kind, Message: err.Error(), Err: err}
}

// AsProviderError unwraps err into a *ProviderError if possible.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
