package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaycore/relaycore/internal/config"
	"github.com/relaycore/relaycore/internal/providers"
)

type fakeAdapter struct {
	name    string
	healthy bool
}

func (f *fakeAdapter) Call(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	return &providers.ChatResponse{Content: "ok", ModelUsed: req.Model}, nil
}
func (f *fakeAdapter) Health() providers.HealthStatus {
	return providers.HealthStatus{Healthy: f.healthy}
}
func (f *fakeAdapter) Supports(string) bool                 { return true }
func (f *fakeAdapter) Name() string                         { return f.name }
func (f *fakeAdapter) Type() string                         { return "internal" }
func (f *fakeAdapter) HealthCheck(ctx context.Context) error { return nil }

func TestNewFromConfig(t *testing.T) {
	base := config.ProviderConfig{
		Name:    "openai",
		Type:    "openai",
		APIKey:  "test-key",
		Timeout: time.Second,
	}

	t.Run("builds profiles", func(t *testing.T) {
		cfg := base
		cfg.Models = []config.ModelConfig{{
			Model:              "gpt-4o",
			Capabilities:       []string{providers.CapTextGeneration},
			InputCostPerToken:  "0.0000025",
			OutputCostPerToken: "0.00001",
			Enabled:            true,
		}}

		reg, err := NewFromConfig([]config.ProviderConfig{cfg}, zap.NewNop())
		require.NoError(t, err)

		p, ok := reg.Profile("gpt-4o")
		require.True(t, ok)
		assert.Equal(t, "openai", p.Provider)
		assert.Equal(t, "USD", p.Currency)
		assert.True(t, p.HasCapability(providers.CapTextGeneration))
	})

	t.Run("rejects duplicate models", func(t *testing.T) {
		cfg := base
		cfg.Models = []config.ModelConfig{
			{Model: "m", Capabilities: []string{"x"}},
			{Model: "m", Capabilities: []string{"x"}},
		}
		_, err := NewFromConfig([]config.ProviderConfig{cfg}, zap.NewNop())
		assert.ErrorContains(t, err, "configured twice")
	})

	t.Run("rejects negative cost", func(t *testing.T) {
		cfg := base
		cfg.Models = []config.ModelConfig{{
			Model:             "m",
			Capabilities:      []string{"x"},
			InputCostPerToken: "-0.1",
		}}
		_, err := NewFromConfig([]config.ProviderConfig{cfg}, zap.NewNop())
		assert.ErrorContains(t, err, "invalid input cost")
	})

	t.Run("rejects unknown provider type", func(t *testing.T) {
		cfg := base
		cfg.Type = "mystery"
		_, err := NewFromConfig([]config.ProviderConfig{cfg}, zap.NewNop())
		assert.ErrorContains(t, err, "unknown type")
	})
}

func TestCandidates(t *testing.T) {
	reg := New(zap.NewNop())
	reg.Swap(map[string]Profile{
		"a": {Provider: "up", Model: "a", Enabled: true, Capabilities: []string{"text-generation"}},
		"b": {Provider: "up", Model: "b", Enabled: false, Capabilities: []string{"text-generation"}},
		"c": {Provider: "up", Model: "c", Enabled: true, Capabilities: []string{"vision"}},
		"d": {Provider: "down", Model: "d", Enabled: true, Capabilities: []string{"text-generation"}},
	}, map[string]providers.Provider{
		"up":   &fakeAdapter{name: "up", healthy: true},
		"down": &fakeAdapter{name: "down", healthy: false},
	})

	t.Run("filters disabled, wrong capability, and unhealthy", func(t *testing.T) {
		got := reg.Candidates("text-generation")
		require.Len(t, got, 1)
		assert.Equal(t, "a", got[0].Model)
	})

	t.Run("empty capability matches everything eligible", func(t *testing.T) {
		got := reg.Candidates("")
		assert.Len(t, got, 2)
	})

	t.Run("healthy count", func(t *testing.T) {
		healthy, total := reg.HealthyCount()
		assert.Equal(t, 1, healthy)
		assert.Equal(t, 2, total)
	})
}

func TestSwapIsAtomicForReaders(t *testing.T) {
	reg := New(zap.NewNop())
	reg.Swap(map[string]Profile{
		"a": {Provider: "p", Model: "a", Enabled: true},
	}, map[string]providers.Provider{"p": &fakeAdapter{name: "p", healthy: true}})

	_, ok := reg.Profile("a")
	require.True(t, ok)

	reg.Swap(map[string]Profile{
		"b": {Provider: "p", Model: "b", Enabled: true},
	}, map[string]providers.Provider{"p": &fakeAdapter{name: "p", healthy: true}})

	_, ok = reg.Profile("a")
	assert.False(t, ok)
	_, ok = reg.Profile("b")
	assert.True(t, ok)
}
