package providers

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// BaseProvider carries the identity, capability set, and health state shared
// by all adapters.
type BaseProvider struct {
	name         string
	typ          string
	capabilities map[string]bool

	mu     sync.RWMutex
	health HealthStatus

	httpClient *http.Client
}

func NewBaseProvider(name, typ string, capabilities []string, timeout time.Duration) *BaseProvider {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	caps := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		caps[c] = true
	}
	return &BaseProvider{
		name:         name,
		typ:          typ,
		capabilities: caps,
		health:       HealthStatus{Healthy: true},
		httpClient:   &http.Client{Timeout: timeout},
	}
}

func (p *BaseProvider) Name() string { return p.name }
func (p *BaseProvider) Type() string { return p.typ }

func (p *BaseProvider) Supports(capability string) bool {
	return p.capabilities[capability]
}

func (p *BaseProvider) Health() HealthStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.health
}

func (p *BaseProvider) recordHealth(err error, latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.health = HealthStatus{
		Healthy:         err == nil,
		ObservedLatency: latency,
		CheckedAt:       time.Now(),
	}
	if err != nil {
		p.health.LastError = err.Error()
	}
}

// SetHealthy overrides the health state. Used by the registry when a profile
// is administratively disabled and by tests.
func (p *BaseProvider) SetHealthy(healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.health.Healthy = healthy
	p.health.CheckedAt = time.Now()
}

// callOnce runs fn and retries exactly once on a retryable classification,
// backing off within whatever deadline budget the context still has.
func (p *BaseProvider) callOnce(ctx context.Context, fn func(ctx context.Context) (*ChatResponse, error)) (*ChatResponse, error) {
	resp, err := fn(ctx)
	if err == nil {
		return resp, nil
	}

	pe, ok := AsProviderError(err)
	if !ok || !pe.Retryable() {
		return nil, err
	}

	backoff := 500 * time.Millisecond
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, err
		}
		if backoff > remaining/2 {
			backoff = remaining / 2
		}
	}

	select {
	case <-time.After(backoff):
	case <-ctx.Done():
		return nil, ClassifyErr(p.name, ctx.Err())
	}

	return fn(ctx)
}
