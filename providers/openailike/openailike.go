// Package openailike implements the provider adapter for OpenAI-compatible
// upstreams. Nearly every hosted inference API speaks this dialect, so one
// adapter covers the default fleet; a provider needing different transport
// plugs in through the registry's adapter factory instead.
package openailike

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/polyroute/polyroute/internal/httputil"
	"github.com/polyroute/polyroute/pkg/adapter"
	"github.com/polyroute/polyroute/pkg/types"
)

const (
	chatPath   = "/chat/completions"
	modelsPath = "/models"

	// maxResponseBytes bounds how much completion body we will buffer.
	maxResponseBytes = 10 << 20
	// maxErrorBytes bounds how much of an error body we read for a message.
	maxErrorBytes = 64 << 10
)

// Adapter talks to one OpenAI-compatible upstream. It is stateless beyond
// the shared HTTP client and safe for concurrent use.
type Adapter struct {
	desc   types.ProviderDescriptor
	apiKey string
	client *http.Client
}

// Option tweaks adapter construction.
type Option func(*Adapter)

// WithHTTPClient substitutes the transport, mainly for tests.
func WithHTTPClient(client *http.Client) Option {
	return func(a *Adapter) {
		if client != nil {
			a.client = client
		}
	}
}

// New builds an adapter for the descriptor. The API key arrives already
// resolved; an empty key sends no Authorization header, which local
// upstreams accept.
func New(desc types.ProviderDescriptor, apiKey string, opts ...Option) (*Adapter, error) {
	if desc.Endpoint == "" {
		return nil, fmt.Errorf("openailike: provider %q has no endpoint", desc.ID)
	}
	a := &Adapter{
		desc:   desc,
		apiKey: apiKey,
		client: defaultClient(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Factory adapts New to the registry's factory contract. It is the default
// factory a router starts with.
func Factory(desc types.ProviderDescriptor, apiKey string) (adapter.Adapter, error) {
	return New(desc, apiKey)
}

// defaultClient pools connections across requests. Per-attempt deadlines
// come from the caller's context; the client timeout only backstops leaked
// requests.
func defaultClient() *http.Client {
	return &http.Client{
		Timeout: 5 * time.Minute,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 32,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// ID returns the provider identifier the adapter serves.
func (a *Adapter) ID() string { return a.desc.ID }

// Capabilities reports the descriptor's declared surface.
func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{
		Models:   append([]string(nil), a.desc.Models...),
		Features: append([]string(nil), a.desc.Capabilities...),
	}
}

// Chat executes one completion request against the upstream.
func (a *Adapter) Chat(ctx context.Context, req *types.RoutingRequest) (*types.ChatResponse, error) {
	body, err := a.marshalUpstream(req)
	if err != nil {
		return nil, adapter.WrapError(a.desc.ID, types.ClassBadRequest,
			fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url(chatPath), bytes.NewReader(body))
	if err != nil {
		return nil, adapter.WrapError(a.desc.ID, types.ClassOther, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	a.setAuth(httpReq)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, a.transportError(err)
	}
	defer resp.Body.Close() //nolint:errcheck // nothing to do with a close error

	if resp.StatusCode != http.StatusOK {
		return nil, a.errorFromStatus(resp)
	}

	payload, err := httputil.ReadLimitedBody(resp.Body, maxResponseBytes)
	if err != nil {
		if errors.Is(err, httputil.ErrBodyTooLarge) {
			return nil, adapter.NewError(a.desc.ID, types.ClassServer5xx,
				resp.StatusCode, "response body exceeds size limit")
		}
		return nil, a.transportError(err)
	}
	var out types.ChatResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, adapter.WrapError(a.desc.ID, types.ClassServer5xx,
			fmt.Errorf("decode response: %w", err))
	}
	return &out, nil
}

// HealthProbe checks the models endpoint. Anything but a 200 is unhealthy.
func (a *Adapter) HealthProbe(ctx context.Context) adapter.ProbeResult {
	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url(modelsPath), nil)
	if err != nil {
		return adapter.ProbeResult{Detail: err.Error()}
	}
	a.setAuth(httpReq)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return adapter.ProbeResult{Latency: time.Since(start), Detail: err.Error()}
	}
	defer resp.Body.Close() //nolint:errcheck // nothing to do with a close error

	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBytes)) //nolint:errcheck
	latency := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		return adapter.ProbeResult{
			Latency: latency,
			Detail:  fmt.Sprintf("models endpoint returned %d", resp.StatusCode),
		}
	}
	return adapter.ProbeResult{Healthy: true, Latency: latency}
}

// upstreamRequest is the wire shape sent to the provider: the OpenAI surface
// of a RoutingRequest with the routing extensions stripped.
type upstreamRequest struct {
	Model          string                `json:"model"`
	Messages       []types.Message       `json:"messages"`
	MaxTokens      int                   `json:"max_tokens,omitempty"`
	Temperature    *float64              `json:"temperature,omitempty"`
	TopP           *float64              `json:"top_p,omitempty"`
	Stop           []string              `json:"stop,omitempty"`
	User           string                `json:"user,omitempty"`
	Tools          []types.Tool          `json:"tools,omitempty"`
	ResponseFormat *types.ResponseFormat `json:"response_format,omitempty"`
}

// marshalUpstream folds passthrough fields into the payload without letting
// them shadow anything the router set explicitly. A request without a
// model pin takes the provider's first advertised model.
func (a *Adapter) marshalUpstream(req *types.RoutingRequest) ([]byte, error) {
	model := req.Model
	if model == "" && len(a.desc.Models) > 0 {
		model = a.desc.Models[0]
	}
	base, err := json.Marshal(upstreamRequest{
		Model:          model,
		Messages:       req.Messages,
		MaxTokens:      req.MaxTokens,
		Temperature:    req.Temperature,
		TopP:           req.TopP,
		Stop:           req.Stop,
		User:           req.User,
		Tools:          req.Tools,
		ResponseFormat: req.ResponseFormat,
	})
	if err != nil || len(req.Extra) == 0 {
		return base, err
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(base, &payload); err != nil {
		return nil, err
	}
	for key, value := range req.Extra {
		if _, exists := payload[key]; !exists {
			payload[key] = value
		}
	}
	return json.Marshal(payload)
}

func (a *Adapter) url(path string) string {
	return strings.TrimSuffix(a.desc.Endpoint, "/") + path
}

func (a *Adapter) setAuth(req *http.Request) {
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
}

// errorFromStatus maps an upstream error response onto a classified adapter
// error, pulling the message from the OpenAI error envelope when present.
func (a *Adapter) errorFromStatus(resp *http.Response) error {
	body, _ := httputil.ReadLimitedBody(resp.Body, maxErrorBytes) //nolint:errcheck // partial body still useful

	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	message := http.StatusText(resp.StatusCode)
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		message = envelope.Error.Message
	}
	return adapter.NewError(a.desc.ID, adapter.ClassifyStatus(resp.StatusCode), resp.StatusCode, message)
}

// transportError classifies connection-level failures. Deadline expiry in
// any wrapper counts as a timeout; everything else stays unclassified so
// retry policy treats it as transient.
func (a *Adapter) transportError(err error) error {
	class := types.ClassOther
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		class = types.ClassTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		class = types.ClassTimeout
	}
	return adapter.WrapError(a.desc.ID, class, err)
}
