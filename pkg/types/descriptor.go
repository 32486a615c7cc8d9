package types //nolint:revive // package name is intentional

import "time"

// ProviderStatus is the administrative state of a provider.
type ProviderStatus string

const (
	// StatusActive providers participate in routing normally.
	StatusActive ProviderStatus = "active"
	// StatusDegraded providers remain routable but carry a reliability
	// penalty in scoring.
	StatusDegraded ProviderStatus = "degraded"
	// StatusDisabled providers are excluded from routing entirely.
	StatusDisabled ProviderStatus = "disabled"
)

// Valid reports whether s is a recognized status.
func (s ProviderStatus) Valid() bool {
	switch s {
	case StatusActive, StatusDegraded, StatusDisabled:
		return true
	}
	return false
}

// ProviderDescriptor is the immutable, config-derived description of one
// provider. A registry snapshot holds one descriptor per provider; reload
// replaces descriptors wholesale rather than mutating them.
type ProviderDescriptor struct {
	ID                 string         `json:"id"`
	Endpoint           string         `json:"endpoint"`
	APIKeyEnv          string         `json:"api_key_env,omitempty"`
	Models             []string       `json:"models"`
	Capabilities       []string       `json:"capabilities,omitempty"`
	DefaultTimeout     time.Duration  `json:"default_timeout"`
	MaxConcurrent      int            `json:"max_concurrent"`
	CostPerTokenInput  float64        `json:"cost_per_token_input"`
	CostPerTokenOutput float64        `json:"cost_per_token_output"`
	Status             ProviderStatus `json:"status"`
}

// SupportsModel reports whether the descriptor lists the model.
func (d *ProviderDescriptor) SupportsModel(model string) bool {
	for _, m := range d.Models {
		if m == model {
			return true
		}
	}
	return false
}

// HasCapability reports whether the descriptor lists the capability.
func (d *ProviderDescriptor) HasCapability(capability string) bool {
	for _, c := range d.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// ExpectedCost estimates the dollar cost of a request given input and
// output token counts.
func (d *ProviderDescriptor) ExpectedCost(tokensIn, tokensOut int) float64 {
	return float64(tokensIn)*d.CostPerTokenInput + float64(tokensOut)*d.CostPerTokenOutput
}

// Clone returns a deep copy of the descriptor.
func (d *ProviderDescriptor) Clone() ProviderDescriptor {
	out := *d
	out.Models = append([]string(nil), d.Models...)
	out.Capabilities = append([]string(nil), d.Capabilities...)
	return out
}
