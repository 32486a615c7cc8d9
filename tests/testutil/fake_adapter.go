// Package testutil provides in-process fakes and mock upstreams shared by
// the router test suites.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/polyroute/polyroute/pkg/adapter"
	"github.com/polyroute/polyroute/pkg/types"
)

// Step scripts one FakeAdapter.Chat call. Zero-value steps answer with the
// default success response.
type Step struct {
	Response *types.ChatResponse
	Err      error

	// Delay is slept before answering, interruptible by the context.
	Delay time.Duration

	// Gate, when non-nil, blocks the call until the channel is closed or
	// the context ends. Used to hold a bulkhead permit mid-flight.
	Gate <-chan struct{}
}

// FakeAdapter is a scriptable Adapter. Chat consumes scripted steps in
// order; once the script is exhausted every call succeeds with the default
// response. Safe for concurrent use.
type FakeAdapter struct {
	id string

	mu       sync.Mutex
	script   []Step
	calls    int
	requests []*types.RoutingRequest

	healthy      bool
	probeLatency time.Duration
	models       []string
	features     []string
}

// NewFakeAdapter creates a healthy fake serving the given models.
func NewFakeAdapter(id string, models ...string) *FakeAdapter {
	if len(models) == 0 {
		models = []string{"test-model"}
	}
	return &FakeAdapter{
		id:      id,
		healthy: true,
		models:  models,
	}
}

// ID implements adapter.Adapter.
func (f *FakeAdapter) ID() string { return f.id }

// Capabilities implements adapter.Adapter.
func (f *FakeAdapter) Capabilities() adapter.Capabilities {
	f.mu.Lock()
	defer f.mu.Unlock()
	return adapter.Capabilities{
		Models:   append([]string(nil), f.models...),
		Features: append([]string(nil), f.features...),
	}
}

// HealthProbe implements adapter.Adapter.
func (f *FakeAdapter) HealthProbe(ctx context.Context) adapter.ProbeResult {
	f.mu.Lock()
	healthy := f.healthy
	latency := f.probeLatency
	f.mu.Unlock()

	if latency > 0 {
		select {
		case <-ctx.Done():
			return adapter.ProbeResult{Healthy: false, Detail: ctx.Err().Error()}
		case <-time.After(latency):
		}
	}
	res := adapter.ProbeResult{Healthy: healthy, Latency: latency}
	if !healthy {
		res.Detail = "scripted unhealthy"
	}
	return res
}

// Chat implements adapter.Adapter.
func (f *FakeAdapter) Chat(ctx context.Context, req *types.RoutingRequest) (*types.ChatResponse, error) {
	f.mu.Lock()
	f.calls++
	f.requests = append(f.requests, req)
	var step Step
	if len(f.script) > 0 {
		step = f.script[0]
		f.script = f.script[1:]
	}
	f.mu.Unlock()

	if step.Gate != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-step.Gate:
		}
	}
	if step.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(step.Delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if step.Err != nil {
		return nil, step.Err
	}
	if step.Response != nil {
		return step.Response, nil
	}
	return ChatResponseFixture(req.Model, "fake response from "+f.id), nil
}

// Script appends raw steps to the call script.
func (f *FakeAdapter) Script(steps ...Step) *FakeAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, steps...)
	return f
}

// ScriptResponse queues one successful answer with the given content.
func (f *FakeAdapter) ScriptResponse(content string) *FakeAdapter {
	return f.Script(Step{Response: ChatResponseFixture(f.models[0], content)})
}

// ScriptError queues one classified failure.
func (f *FakeAdapter) ScriptError(class types.ErrorClass, status int, msg string) *FakeAdapter {
	return f.Script(Step{Err: adapter.NewError(f.id, class, status, msg)})
}

// ScriptErrorN queues n identical classified failures.
func (f *FakeAdapter) ScriptErrorN(n int, class types.ErrorClass, status int, msg string) *FakeAdapter {
	for i := 0; i < n; i++ {
		f.ScriptError(class, status, msg)
	}
	return f
}

// SetHealthy flips the probe result.
func (f *FakeAdapter) SetHealthy(healthy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy = healthy
}

// Calls returns how many Chat calls the fake has received.
func (f *FakeAdapter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Requests returns the received routing requests in call order.
func (f *FakeAdapter) Requests() []*types.RoutingRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.RoutingRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

// ChatResponseFixture builds a minimal well-formed completion response.
func ChatResponseFixture(model, content string) *types.ChatResponse {
	return &types.ChatResponse{
		ID:      fmt.Sprintf("chatcmpl-fake-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []types.Choice{{
			Index:        0,
			Message:      types.Message{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: &types.Usage{PromptTokens: 12, CompletionTokens: 8, TotalTokens: 20},
	}
}

var _ adapter.Adapter = (*FakeAdapter)(nil)
