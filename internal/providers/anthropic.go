package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const anthropicVersion = "2023-06-01"

// defaultAnthropicMaxTokens is used when the request does not set a cap;
// the messages API requires max_tokens.
const defaultAnthropicMaxTokens = 4096

type AnthropicProvider struct {
	*BaseProvider
	apiKey  string
	baseURL string
}

func NewAnthropicProvider(name, apiKey, baseURL string, capabilities []string, timeout time.Duration) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic provider %q: api key is required", name)
	}
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	return &AnthropicProvider{
		BaseProvider: NewBaseProvider(name, "anthropic", capabilities, timeout),
		apiKey:       apiKey,
		baseURL:      baseURL,
	}, nil
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	MaxTokens int                `json:"max_tokens"`
	Temp      *float32           `json:"temperature,omitempty"`
	Stream    bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *AnthropicProvider) Call(ctx context.Context, request *ChatRequest) (*ChatResponse, error) {
	return p.callOnce(ctx, func(ctx context.Context) (*ChatResponse, error) {
		return p.call(ctx, request)
	})
}

func (p *AnthropicProvider) call(ctx context.Context, request *ChatRequest) (*ChatResponse, error) {
	body := anthropicRequest{
		Model:     request.Model,
		System:    request.SystemPrompt,
		MaxTokens: defaultAnthropicMaxTokens,
		Temp:      request.Temperature,
		Stream:    request.Stream,
	}
	if request.MaxTokens != nil && *request.MaxTokens > 0 {
		body.MaxTokens = *request.MaxTokens
	}

	// Anthropic takes the system prompt at the top level; system-role
	// messages are hoisted out of the conversation.
	for _, m := range request.Messages {
		if m.Role == "system" {
			if s, ok := m.Content.(string); ok && body.System == "" {
				body.System = s
			}
			continue
		}
		body.Messages = append(body.Messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &ProviderError{Provider: p.name, Kind: ErrKindFatal, Message: err.Error(), Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, &ProviderError{Provider: p.name, Kind: ErrKindFatal, Message: err.Error(), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	started := time.Now()
	resp, err := p.httpClient.Do(req)
	latency := time.Since(started)
	if err != nil {
		perr := ClassifyErr(p.name, err)
		p.recordHealth(perr, latency)
		return nil, perr
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		perr := ClassifyErr(p.name, err)
		p.recordHealth(perr, latency)
		return nil, perr
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(data, &parsed); err != nil && resp.StatusCode < 300 {
		perr := &ProviderError{Provider: p.name, Kind: ErrKindFatal, StatusCode: resp.StatusCode, Message: "malformed upstream response", Err: err}
		p.recordHealth(perr, latency)
		return nil, perr
	}

	if resp.StatusCode >= 300 {
		msg := resp.Status
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		kind := ClassifyStatus(resp.StatusCode)
		if resp.StatusCode == 529 { // anthropic overloaded
			kind = ErrKindRetryable
		}
		perr := &ProviderError{Provider: p.name, Kind: kind, StatusCode: resp.StatusCode, Message: msg}
		p.recordHealth(perr, latency)
		return nil, perr
	}

	p.recordHealth(nil, latency)

	out := &ChatResponse{
		ModelUsed:    parsed.Model,
		FinishReason: parsed.StopReason,
		Usage: Usage{
			InputTokens:  parsed.Usage.InputTokens,
			OutputTokens: parsed.Usage.OutputTokens,
		},
	}
	if out.ModelUsed == "" {
		out.ModelUsed = request.Model
	}
	for _, block := range parsed.Content {
		if block.Type == "text" {
			out.Content += block.Text
		}
	}
	return out, nil
}

// HealthCheck probes the messages endpoint; a 405 proves reachability.
func (p *AnthropicProvider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/messages", nil)
	if err != nil {
		return err
	}
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	started := time.Now()
	resp, err := p.httpClient.Do(req)
	latency := time.Since(started)
	if err != nil {
		p.recordHealth(err, latency)
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		err := fmt.Errorf("health check returned %s", resp.Status)
		p.recordHealth(err, latency)
		return err
	}

	p.recordHealth(nil, latency)
	return nil
}
