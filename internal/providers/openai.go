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

type OpenAIProvider struct {
	*BaseProvider
	apiKey  string
	baseURL string
}

func NewOpenAIProvider(name, apiKey, baseURL string, capabilities []string, timeout time.Duration) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai provider %q: api key is required", name)
	}
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		BaseProvider: NewBaseProvider(name, "openai", capabilities, timeout),
		apiKey:       apiKey,
		baseURL:      baseURL,
	}, nil
}

type openAIChatRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature *float32        `json:"temperature,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	User        string          `json:"user,omitempty"`
	Tools       []Tool          `json:"tools,omitempty"`
}

type openAIMessage struct {
	Role      string      `json:"role"`
	Content   interface{} `json:"content"`
	Name      string      `json:"name,omitempty"`
	ToolCalls []ToolCall  `json:"tool_calls,omitempty"`
}

type openAIChatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (p *OpenAIProvider) Call(ctx context.Context, request *ChatRequest) (*ChatResponse, error) {
	return p.callOnce(ctx, func(ctx context.Context) (*ChatResponse, error) {
		return p.call(ctx, request)
	})
}

func (p *OpenAIProvider) call(ctx context.Context, request *ChatRequest) (*ChatResponse, error) {
	body := openAIChatRequest{
		Model:       request.Model,
		Temperature: request.Temperature,
		MaxTokens:   request.MaxTokens,
		Stream:      request.Stream,
		User:        request.User,
		Tools:       request.Tools,
	}

	if request.SystemPrompt != "" {
		body.Messages = append(body.Messages, openAIMessage{Role: "system", Content: request.SystemPrompt})
	}
	for _, m := range request.Messages {
		body.Messages = append(body.Messages, openAIMessage{
			Role:      m.Role,
			Content:   m.Content,
			Name:      m.Name,
			ToolCalls: m.ToolCalls,
		})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &ProviderError{Provider: p.name, Kind: ErrKindFatal, Message: err.Error(), Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, &ProviderError{Provider: p.name, Kind: ErrKindFatal, Message: err.Error(), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

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

	var parsed openAIChatResponse
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
		perr := &ProviderError{Provider: p.name, Kind: ClassifyStatus(resp.StatusCode), StatusCode: resp.StatusCode, Message: msg}
		p.recordHealth(perr, latency)
		return nil, perr
	}

	p.recordHealth(nil, latency)

	out := &ChatResponse{
		ModelUsed: parsed.Model,
		Usage: Usage{
			InputTokens:  parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
		},
	}
	if out.ModelUsed == "" {
		out.ModelUsed = request.Model
	}
	if len(parsed.Choices) > 0 {
		out.Content = parsed.Choices[0].Message.Content
		out.FinishReason = parsed.Choices[0].FinishReason
	}
	return out, nil
}

func (p *OpenAIProvider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	started := time.Now()
	resp, err := p.httpClient.Do(req)
	latency := time.Since(started)
	if err != nil {
		p.recordHealth(err, latency)
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		err := fmt.Errorf("health check returned %s", resp.Status)
		p.recordHealth(err, latency)
		return err
	}

	p.recordHealth(nil, latency)
	return nil
}
