// Package policy turns a provider snapshot into a ranked fallback chain.
// Build is a pure function: filters, scores and sorts are driven entirely
// by the caller-supplied views, so identical inputs always produce the
// identical chain and trace.
package policy

import (
	"sort"
	"time"

	"github.com/polyroute/polyroute/pkg/types"
)

// DefaultChainDepth bounds the fallback chain when the config leaves it
// unset.
const DefaultChainDepth = 4

// Weights is one scoring triple. Higher weight pulls the ranking toward
// that dimension; the three are expected to sum to one.
type Weights struct {
	Latency     float64
	Cost        float64
	Reliability float64
}

var builtinWeights = map[string]Weights{
	"balanced":      {Latency: 0.3, Cost: 0.4, Reliability: 0.3},
	"latency_first": {Latency: 0.6, Cost: 0.1, Reliability: 0.3},
	"cost_first":    {Latency: 0.1, Cost: 0.6, Reliability: 0.3},
}

// WeightsFor resolves a policy name against custom weight sets first, then
// the builtins. Unknown names fall back to balanced.
func WeightsFor(name string, custom map[string]Weights) Weights {
	if w, ok := custom[name]; ok {
		return w
	}
	if w, ok := builtinWeights[name]; ok {
		return w
	}
	return builtinWeights["balanced"]
}

// latencyTargets are the per-priority p95 budgets a provider is scored
// against. The score falls linearly from 1.0 at zero latency to 0 at
// the target and beyond.
var latencyTargets = map[types.Priority]time.Duration{
	types.PriorityUltraLow: 500 * time.Millisecond,
	types.PriorityLow:      1000 * time.Millisecond,
	types.PriorityMedium:   2000 * time.Millisecond,
	types.PriorityHigh:     5000 * time.Millisecond,
}

const (
	// coldLatencyScore applies when a provider has no latency history yet.
	coldLatencyScore = 0.5
	// coldReliabilityScore applies when a provider has no completed
	// attempts yet: optimistic enough to get traffic, below a proven 1.0.
	coldReliabilityScore = 0.9
	// degradedPenalty halves reliability for providers marked degraded.
	degradedPenalty = 0.5
	// defaultEstTokensOut stands in when the request does not cap output.
	defaultEstTokensOut = 256
)

// View is the per-provider input assembled from the live registry.
type View struct {
	Descriptor    types.ProviderDescriptor
	Healthy       bool
	BreakerDenied bool
	AuthBlocked   bool
	Window        types.WindowSnapshot
}

// Input describes one chain build. Model is an optional pin: empty
// means any provider's models qualify.
type Input struct {
	Model                string
	Priority             types.Priority
	RequiredCapabilities []string
	EstimatedTokensIn    int
	MaxTokens            int

	// CostBudget is the USD budget cost scores are measured against,
	// either the request's own or the configured default. Zero disables
	// cost discrimination.
	CostBudget float64

	Weights    Weights
	ChainDepth int
}

// Candidate is one ranked chain entry.
type Candidate struct {
	Descriptor   types.ProviderDescriptor
	Score        float64
	ExpectedCost float64
}

// Decision is the chain plus the full explanation of how it was built.
type Decision struct {
	Chain    []Candidate
	Filtered []types.FilterEntry
	Scored   []types.ScoreEntry
}

// Build filters the views, scores the survivors and returns the ranked,
// truncated chain. Views are evaluated in the order given.
func Build(in Input, views []View) Decision {
	depth := in.ChainDepth
	if depth <= 0 {
		depth = DefaultChainDepth
	}

	var dec Decision
	survivors := make([]View, 0, len(views))
	for _, v := range views {
		if reason, excluded := exclude(in, v); excluded {
			dec.Filtered = append(dec.Filtered, types.FilterEntry{
				ProviderID: v.Descriptor.ID,
				Reason:     reason,
			})
			continue
		}
		survivors = append(survivors, v)
	}
	if len(survivors) == 0 {
		return dec
	}

	estOut := in.MaxTokens
	if estOut <= 0 {
		estOut = defaultEstTokensOut
	}

	expected := make([]float64, len(survivors))
	for i, v := range survivors {
		expected[i] = v.Descriptor.ExpectedCost(in.EstimatedTokensIn, estOut)
	}

	type scored struct {
		view  View
		entry types.ScoreEntry
	}
	ranked := make([]scored, 0, len(survivors))
	for i, v := range survivors {
		entry := types.ScoreEntry{
			ProviderID:       v.Descriptor.ID,
			LatencyScore:     latencyScore(in.Priority, v.Window),
			CostScore:        costScore(expected[i], in.CostBudget),
			ReliabilityScore: reliabilityScore(v),
			ExpectedCost:     expected[i],
		}
		entry.Score = in.Weights.Latency*entry.LatencyScore +
			in.Weights.Cost*entry.CostScore +
			in.Weights.Reliability*entry.ReliabilityScore
		ranked = append(ranked, scored{view: v, entry: entry})
	}

	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i].entry, ranked[j].entry
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.ExpectedCost != b.ExpectedCost {
			return a.ExpectedCost < b.ExpectedCost
		}
		return a.ProviderID < b.ProviderID
	})

	for i := range ranked {
		kept := i < depth
		ranked[i].entry.Kept = kept
		dec.Scored = append(dec.Scored, ranked[i].entry)
		if kept {
			dec.Chain = append(dec.Chain, Candidate{
				Descriptor:   ranked[i].view.Descriptor,
				Score:        ranked[i].entry.Score,
				ExpectedCost: ranked[i].entry.ExpectedCost,
			})
		}
	}
	return dec
}

// exclude applies the filter stages in order and returns the first reason
// that rules the provider out.
func exclude(in Input, v View) (types.FilterReason, bool) {
	if v.Descriptor.Status == types.StatusDisabled {
		return types.FilterStatusDisabled, true
	}
	if in.Model != "" && !v.Descriptor.SupportsModel(in.Model) {
		return types.FilterModelUnsupported, true
	}
	for _, capability := range in.RequiredCapabilities {
		if !v.Descriptor.HasCapability(capability) {
			return types.FilterMissingCapability, true
		}
	}
	if !v.Healthy {
		return types.FilterUnhealthy, true
	}
	if v.AuthBlocked {
		return types.FilterAuthBlocked, true
	}
	if v.BreakerDenied {
		return types.FilterBreakerOpen, true
	}
	return "", false
}

func latencyScore(priority types.Priority, w types.WindowSnapshot) float64 {
	target, ok := latencyTargets[priority]
	if !ok {
		target = latencyTargets[types.PriorityMedium]
	}
	if w.P95 <= 0 {
		return coldLatencyScore
	}
	return clamp01(1 - float64(w.P95)/float64(target))
}

// costScore measures expected spend against the budget: free rides score
// 1.0, at or over budget scores 0.
func costScore(expected, budget float64) float64 {
	if expected <= 0 {
		return 1.0
	}
	if budget <= 0 {
		return 1.0
	}
	return clamp01(1 - expected/budget)
}

func reliabilityScore(v View) float64 {
	completed := v.Window.SuccessCount + v.Window.FailureCount + v.Window.TimeoutCount
	score := coldReliabilityScore
	if completed > 0 {
		score = 1.0 - v.Window.ErrorRateRecent
	}
	if v.Descriptor.Status == types.StatusDegraded {
		score *= degradedPenalty
	}
	return clamp01(score)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
