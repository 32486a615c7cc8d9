// Package types defines the data model shared by the router core: routing
// requests and responses, provider descriptors, decision traces, and
// per-request outcomes. Request and response shapes stay compatible with
// OpenAI's Chat Completion API so callers and adapters share one format.
package types //nolint:revive // package name is intentional

import (
	"time"

	"github.com/goccy/go-json"
)

// Priority expresses how latency-sensitive a request is. The policy engine
// maps each priority to a target latency when scoring providers.
type Priority string

const (
	PriorityUltraLow Priority = "ultra_low"
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
)

// Valid reports whether p is one of the recognized priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityUltraLow, PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Identity carries the caller identifiers used for rate limiting. SessionID
// is always present after gateway normalization; the other two are optional.
type Identity struct {
	UserID    string `json:"user_id,omitempty"`
	ClientIP  string `json:"client_ip,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// RoutingRequest is the unified input to the router. It is an
// OpenAI-compatible chat request plus the routing extensions (latency
// priority, required capabilities, caller identity).
type RoutingRequest struct {
	Model                string          `json:"model"`
	Messages             []Message       `json:"messages"`
	MaxTokens            int             `json:"max_tokens,omitempty"`
	Temperature          *float64        `json:"temperature,omitempty"`
	TopP                 *float64        `json:"top_p,omitempty"`
	Stop                 []string        `json:"stop,omitempty"`
	User                 string          `json:"user,omitempty"`
	Tools                []Tool          `json:"tools,omitempty"`
	ResponseFormat       *ResponseFormat `json:"response_format,omitempty"`
	LatencyPriority      Priority        `json:"latency_priority,omitempty"`
	RequiredCapabilities []string        `json:"required_capabilities,omitempty"`
	Identity             Identity        `json:"identity,omitempty"`

	// CostBudget caps the expected spend for this request in USD. Zero
	// means no caller preference; the configured default applies.
	CostBudget float64 `json:"cost_budget,omitempty"`

	// Idempotent marks the request as safe to retry on the same provider.
	// The gateway sets it for tool-free chat requests unless the caller
	// already decided.
	Idempotent bool `json:"idempotent,omitempty"`

	// Deadline is the caller's absolute deadline, zero when unset. The
	// dispatcher clamps it against the global budget.
	Deadline time.Time `json:"-"`

	// Fields below are filled in by the gateway during admission.
	CorrelationID   string `json:"-"`
	EstimatedTokens int    `json:"-"`
	Intent          string `json:"-"`

	// Extra holds unknown JSON fields that are passed through to the
	// provider unchanged.
	Extra map[string]json.RawMessage `json:"-"`
}

var routingRequestKnownFields = map[string]struct{}{
	"model":                 {},
	"messages":              {},
	"max_tokens":            {},
	"temperature":           {},
	"top_p":                 {},
	"stop":                  {},
	"user":                  {},
	"tools":                 {},
	"response_format":       {},
	"latency_priority":      {},
	"required_capabilities": {},
	"identity":              {},
	"cost_budget":           {},
	"idempotent":            {},
}

// MarshalJSON merges Extra fields without overriding explicitly set fields.
func (r RoutingRequest) MarshalJSON() ([]byte, error) {
	type Alias RoutingRequest

	base, err := json.Marshal(Alias(r))
	if err != nil || len(r.Extra) == 0 {
		return base, err
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(base, &payload); err != nil {
		return nil, err
	}

	for key, value := range r.Extra {
		if _, exists := payload[key]; !exists {
			payload[key] = value
		}
	}

	return json.Marshal(payload)
}

// UnmarshalJSON captures unknown fields into Extra for passthrough.
func (r *RoutingRequest) UnmarshalJSON(data []byte) error {
	type Alias RoutingRequest

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}

	var parsed Alias
	if err := json.Unmarshal(data, &parsed); err != nil {
		return err
	}

	*r = RoutingRequest(parsed)
	for key := range routingRequestKnownFields {
		delete(payload, key)
	}

	if len(payload) == 0 {
		r.Extra = nil
	} else {
		r.Extra = payload
	}

	return nil
}

// ContentBytes returns the total size of all message contents in bytes.
func (r *RoutingRequest) ContentBytes() int {
	total := 0
	for _, m := range r.Messages {
		total += len(m.Content)
	}
	return total
}

// Message is a single conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// Tool declares a function the model may call. Presence of tools implies
// the "tools" capability requirement.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction describes a callable function.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ResponseFormat selects the output format; {"type":"json_object"} implies
// the "json_mode" capability requirement.
type ResponseFormat struct {
	Type string `json:"type"`
}
