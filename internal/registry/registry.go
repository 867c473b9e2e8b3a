package registry

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/relaycore/relaycore/internal/config"
	"github.com/relaycore/relaycore/internal/providers"
)

// Profile describes one (provider, model) offering.
type Profile struct {
	Provider       string          `json:"provider"`
	Model          string          `json:"model"`
	Capabilities   []string        `json:"capabilities"`
	InputCost      decimal.Decimal `json:"input_cost_per_token"`
	OutputCost     decimal.Decimal `json:"output_cost_per_token"`
	Currency       string          `json:"currency"`
	P50Latency     time.Duration   `json:"p50_latency"`
	MaxConcurrency int             `json:"max_concurrency"`
	Enabled        bool            `json:"enabled"`
	QualityTier    string          `json:"quality_tier"`
	Fallbacks      []string        `json:"fallbacks"`
	MaxTokens      int             `json:"max_tokens"`
}

func (p Profile) HasCapability(capability string) bool {
	if capability == "" {
		return true
	}
	for _, c := range p.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// snapshot is the immutable state swapped atomically on updates.
type snapshot struct {
	profiles map[string]Profile            // by model id
	adapters map[string]providers.Provider // by provider name
	order    []string                      // model ids in config order
}

// Registry resolves models to profiles and adapters. Reads are lock-free
// against a consistent snapshot; updates swap the whole snapshot.
type Registry struct {
	snap   atomic.Pointer[snapshot]
	logger *zap.Logger
}

func New(logger *zap.Logger) *Registry {
	r := &Registry{logger: logger}
	r.snap.Store(&snapshot{
		profiles: map[string]Profile{},
		adapters: map[string]providers.Provider{},
	})
	return r
}

// NewFromConfig builds adapters and profiles from the provider configuration.
func NewFromConfig(cfgs []config.ProviderConfig, logger *zap.Logger) (*Registry, error) {
	r := New(logger)

	profiles := make(map[string]Profile)
	adapters := make(map[string]providers.Provider)
	var order []string

	for _, pc := range cfgs {
		caps := providerCapabilities(pc)

		adapter, err := buildAdapter(pc, caps)
		if err != nil {
			return nil, err
		}
		adapters[pc.Name] = adapter

		for _, mc := range pc.Models {
			if _, dup := profiles[mc.Model]; dup {
				return nil, fmt.Errorf("model %q configured twice", mc.Model)
			}

			inCost, err := decimal.NewFromString(orZero(mc.InputCostPerToken))
			if err != nil || inCost.IsNegative() {
				return nil, fmt.Errorf("model %q: invalid input cost %q", mc.Model, mc.InputCostPerToken)
			}
			outCost, err := decimal.NewFromString(orZero(mc.OutputCostPerToken))
			if err != nil || outCost.IsNegative() {
				return nil, fmt.Errorf("model %q: invalid output cost %q", mc.Model, mc.OutputCostPerToken)
			}

			currency := mc.Currency
			if currency == "" {
				currency = "USD"
			}

			profiles[mc.Model] = Profile{
				Provider:       pc.Name,
				Model:          mc.Model,
				Capabilities:   mc.Capabilities,
				InputCost:      inCost,
				OutputCost:     outCost,
				Currency:       currency,
				P50Latency:     time.Duration(mc.P50LatencyMS) * time.Millisecond,
				MaxConcurrency: mc.MaxConcurrency,
				Enabled:        mc.Enabled,
				QualityTier:    mc.QualityTier,
				Fallbacks:      mc.Fallbacks,
				MaxTokens:      mc.MaxTokens,
			}
			order = append(order, mc.Model)
		}
	}

	// Every enabled profile must resolve to an adapter.
	for model, p := range profiles {
		if p.Enabled {
			if _, ok := adapters[p.Provider]; !ok {
				return nil, fmt.Errorf("model %q: no adapter for provider %q", model, p.Provider)
			}
		}
	}

	r.snap.Store(&snapshot{profiles: profiles, adapters: adapters, order: order})
	return r, nil
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

// providerCapabilities is the union of model capabilities under a provider.
func providerCapabilities(pc config.ProviderConfig) []string {
	set := map[string]bool{}
	var caps []string
	for _, mc := range pc.Models {
		for _, c := range mc.Capabilities {
			if !set[c] {
				set[c] = true
				caps = append(caps, c)
			}
		}
	}
	return caps
}

func buildAdapter(pc config.ProviderConfig, caps []string) (providers.Provider, error) {
	switch pc.Type {
	case "openai":
		return providers.NewOpenAIProvider(pc.Name, pc.APIKey, pc.BaseURL, caps, pc.Timeout)
	case "anthropic":
		return providers.NewAnthropicProvider(pc.Name, pc.APIKey, pc.BaseURL, caps, pc.Timeout)
	case "internal":
		return providers.NewInternalProvider(pc.Name, pc.APIKey, pc.BaseURL, caps, pc.Timeout)
	default:
		return nil, fmt.Errorf("provider %q: unknown type %q", pc.Name, pc.Type)
	}
}

// Swap atomically replaces all profiles and adapters.
func (r *Registry) Swap(profiles map[string]Profile, adapters map[string]providers.Provider) {
	order := make([]string, 0, len(profiles))
	for model := range profiles {
		order = append(order, model)
	}
	sort.Strings(order)
	r.snap.Store(&snapshot{profiles: profiles, adapters: adapters, order: order})
}

func (r *Registry) Profile(model string) (Profile, bool) {
	s := r.snap.Load()
	p, ok := s.profiles[model]
	return p, ok
}

func (r *Registry) Adapter(provider string) (providers.Provider, bool) {
	s := r.snap.Load()
	a, ok := s.adapters[provider]
	return a, ok
}

// AdapterFor resolves the adapter serving a model.
func (r *Registry) AdapterFor(model string) (providers.Provider, Profile, bool) {
	s := r.snap.Load()
	p, ok := s.profiles[model]
	if !ok {
		return nil, Profile{}, false
	}
	a, ok := s.adapters[p.Provider]
	if !ok {
		return nil, Profile{}, false
	}
	return a, p, true
}

// All returns every profile in configuration order.
func (r *Registry) All() []Profile {
	s := r.snap.Load()
	out := make([]Profile, 0, len(s.order))
	for _, model := range s.order {
		out = append(out, s.profiles[model])
	}
	return out
}

// Candidates returns enabled, healthy profiles matching a capability.
func (r *Registry) Candidates(capability string) []Profile {
	s := r.snap.Load()
	var out []Profile
	for _, model := range s.order {
		p := s.profiles[model]
		if !p.Enabled || !p.HasCapability(capability) {
			continue
		}
		adapter, ok := s.adapters[p.Provider]
		if !ok || !adapter.Health().Healthy {
			continue
		}
		out = append(out, p)
	}
	return out
}

// HealthyCount reports how many adapters are currently healthy.
func (r *Registry) HealthyCount() (healthy, total int) {
	s := r.snap.Load()
	for _, a := range s.adapters {
		total++
		if a.Health().Healthy {
			healthy++
		}
	}
	return healthy, total
}

// CheckAll probes every adapter once; used at startup and by the prober loop.
func (r *Registry) CheckAll(ctx context.Context) {
	s := r.snap.Load()
	for name, adapter := range s.adapters {
		if err := adapter.HealthCheck(ctx); err != nil {
			r.logger.Warn("provider health check failed",
				zap.String("provider", name),
				zap.Error(err))
		}
	}
}
