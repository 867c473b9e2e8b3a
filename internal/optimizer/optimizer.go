package optimizer

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/relaycore/relaycore/internal/pricing"
	"github.com/relaycore/relaycore/internal/registry"
	"github.com/relaycore/relaycore/internal/tokenizer"
)

var ErrNoEligibleModel = errors.New("no eligible model")

// Strategy names accepted in configuration and per-request headers.
const (
	StrategyAggressive   = "aggressive"
	StrategyBalanced     = "balanced"
	StrategyQualityFirst = "quality-first"
)

var tierRank = map[string]int{
	"economy":  0,
	"standard": 1,
	"premium":  2,
}

// Optimizer selects the cheapest acceptable model from a candidate set.
type Optimizer struct {
	strategy   string
	latencyRef time.Duration
}

func New(strategy string, latencyRef time.Duration) (*Optimizer, error) {
	switch strategy {
	case StrategyAggressive, StrategyBalanced, StrategyQualityFirst:
	case "":
		strategy = StrategyBalanced
	default:
		return nil, fmt.Errorf("unknown optimization strategy %q", strategy)
	}
	if latencyRef <= 0 {
		latencyRef = time.Second
	}
	return &Optimizer{strategy: strategy, latencyRef: latencyRef}, nil
}

func (o *Optimizer) Strategy() string {
	return o.strategy
}

// Select picks a model from candidates for the estimated token volume using
// the given strategy, or the configured one when strategy is empty.
func (o *Optimizer) Select(candidates []registry.Profile, est tokenizer.Estimate, strategy string) (registry.Profile, error) {
	if strategy == "" {
		strategy = o.strategy
	}
	if len(candidates) == 0 {
		return registry.Profile{}, ErrNoEligibleModel
	}

	switch strategy {
	case StrategyAggressive:
		return o.cheapest(candidates, est)
	case StrategyQualityFirst:
		return o.qualityFirst(candidates, est)
	default:
		return o.balanced(candidates, est)
	}
}

// cheapest minimizes cost; ties break toward lower latency.
func (o *Optimizer) cheapest(candidates []registry.Profile, est tokenizer.Estimate) (registry.Profile, error) {
	best := -1
	var bestCost decimal.Decimal
	for i, p := range candidates {
		cost := pricing.CostForProfile(p, est.InputTokens, est.OutputTokens)
		if best < 0 || cost.LessThan(bestCost) ||
			(cost.Equal(bestCost) && p.P50Latency < candidates[best].P50Latency) {
			best = i
			bestCost = cost
		}
	}
	return candidates[best], nil
}

// balanced minimizes cost weighted by relative latency: a model twice as slow
// as the reference needs to be proportionally cheaper to win.
func (o *Optimizer) balanced(candidates []registry.Profile, est tokenizer.Estimate) (registry.Profile, error) {
	best := -1
	var bestScore decimal.Decimal
	for i, p := range candidates {
		cost := pricing.CostForProfile(p, est.InputTokens, est.OutputTokens)
		penalty := decimal.NewFromFloat(1 + float64(p.P50Latency)/float64(o.latencyRef))
		score := cost.Mul(penalty)
		if best < 0 || score.LessThan(bestScore) {
			best = i
			bestScore = score
		}
	}
	return candidates[best], nil
}

// qualityFirst restricts to the highest tier present, then takes the cheapest.
func (o *Optimizer) qualityFirst(candidates []registry.Profile, est tokenizer.Estimate) (registry.Profile, error) {
	top := -1
	for _, p := range candidates {
		if r := tierRank[p.QualityTier]; r > top {
			top = r
		}
	}
	var pool []registry.Profile
	for _, p := range candidates {
		if tierRank[p.QualityTier] == top {
			pool = append(pool, p)
		}
	}
	return o.cheapest(pool, est)
}

// RestrictTier drops candidates above the given quality tier. Used when a
// budget verdict demands a downgrade.
func RestrictTier(candidates []registry.Profile, maxTier string) []registry.Profile {
	limit, ok := tierRank[maxTier]
	if !ok {
		return candidates
	}
	var out []registry.Profile
	for _, p := range candidates {
		if tierRank[p.QualityTier] <= limit {
			out = append(out, p)
		}
	}
	return out
}
