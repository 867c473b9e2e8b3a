package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/relaycore/relaycore/internal/registry"
)

var ErrUnknownModel = errors.New("unknown model")

// Quote is a priced estimate in a profile's currency.
type Quote struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// Model prices token counts against the provider registry. All arithmetic is
// decimal; persisted values keep at least six fractional digits.
type Model struct {
	registry *registry.Registry
}

func New(reg *registry.Registry) *Model {
	return &Model{registry: reg}
}

// Cost prices (provider, model, inTok, outTok). The provider argument, when
// non-empty, must match the profile that serves the model.
func (m *Model) Cost(provider, model string, inTok, outTok int) (Quote, error) {
	profile, ok := m.registry.Profile(model)
	if !ok || !profile.Enabled {
		return Quote{}, fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}
	if provider != "" && profile.Provider != provider {
		return Quote{}, fmt.Errorf("%w: model %s is not served by provider %s", ErrUnknownModel, model, provider)
	}
	return Quote{Amount: CostForProfile(profile, inTok, outTok), Currency: profile.Currency}, nil
}

// CostForProfile computes inTok*inputCost + outTok*outputCost.
func CostForProfile(profile registry.Profile, inTok, outTok int) decimal.Decimal {
	in := profile.InputCost.Mul(decimal.NewFromInt(int64(inTok)))
	out := profile.OutputCost.Mul(decimal.NewFromInt(int64(outTok)))
	return in.Add(out)
}
