package types //nolint:revive // package name is intentional

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProviderDescriptorRoundTrip(t *testing.T) {
	desc := ProviderDescriptor{
		ID:                 "openai-main",
		Endpoint:           "https://api.openai.com/v1",
		APIKeyEnv:          "OPENAI_API_KEY",
		Models:             []string{"gpt-4o", "gpt-4o-mini"},
		Capabilities:       []string{"chat", "tools", "json_mode"},
		DefaultTimeout:     12 * time.Second,
		MaxConcurrent:      10,
		CostPerTokenInput:  0.0000025,
		CostPerTokenOutput: 0.00001,
		Status:             StatusActive,
	}

	data, err := json.Marshal(desc)
	require.NoError(t, err)

	var back ProviderDescriptor
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, desc, back)
}

func TestProviderDescriptorSupportsModel(t *testing.T) {
	desc := ProviderDescriptor{Models: []string{"gpt-4o"}}
	assert.True(t, desc.SupportsModel("gpt-4o"))
	assert.False(t, desc.SupportsModel("claude-3"))
}

func TestProviderDescriptorExpectedCost(t *testing.T) {
	desc := ProviderDescriptor{CostPerTokenInput: 0.001, CostPerTokenOutput: 0.002}
	assert.InDelta(t, 0.001*100+0.002*50, desc.ExpectedCost(100, 50), 1e-9)
}

func TestProviderDescriptorClone_Independent(t *testing.T) {
	desc := ProviderDescriptor{
		ID:     "p1",
		Models: []string{"m1"},
	}
	clone := desc.Clone()
	clone.Models[0] = "changed"
	assert.Equal(t, "m1", desc.Models[0])
}

func TestProviderStatusValid(t *testing.T) {
	assert.True(t, StatusActive.Valid())
	assert.True(t, StatusDegraded.Valid())
	assert.True(t, StatusDisabled.Valid())
	assert.False(t, ProviderStatus("retired").Valid())
}
