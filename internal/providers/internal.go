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

// InternalProvider talks to an in-house specialist service that already
// speaks the internal chat contract, so no translation is needed.
type InternalProvider struct {
	*BaseProvider
	baseURL string
	token   string
}

func NewInternalProvider(name, token, baseURL string, capabilities []string, timeout time.Duration) (*InternalProvider, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("internal provider %q: base url is required", name)
	}
	return &InternalProvider{
		BaseProvider: NewBaseProvider(name, "internal", capabilities, timeout),
		baseURL:      baseURL,
		token:        token,
	}, nil
}

func (p *InternalProvider) Call(ctx context.Context, request *ChatRequest) (*ChatResponse, error) {
	return p.callOnce(ctx, func(ctx context.Context) (*ChatResponse, error) {
		return p.call(ctx, request)
	})
}

func (p *InternalProvider) call(ctx context.Context, request *ChatRequest) (*ChatResponse, error) {
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, &ProviderError{Provider: p.name, Kind: ErrKindFatal, Message: err.Error(), Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, &ProviderError{Provider: p.name, Kind: ErrKindFatal, Message: err.Error(), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

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

	if resp.StatusCode >= 300 {
		perr := &ProviderError{Provider: p.name, Kind: ClassifyStatus(resp.StatusCode), StatusCode: resp.StatusCode, Message: string(data)}
		p.recordHealth(perr, latency)
		return nil, perr
	}

	var out ChatResponse
	if err := json.Unmarshal(data, &out); err != nil {
		perr := &ProviderError{Provider: p.name, Kind: ErrKindFatal, Message: "malformed upstream response", Err: err}
		p.recordHealth(perr, latency)
		return nil, perr
	}
	if out.ModelUsed == "" {
		out.ModelUsed = request.Model
	}

	p.recordHealth(nil, latency)
	return &out, nil
}

func (p *InternalProvider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}

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
