package testutil

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// RecordedRequest stores one request received by the mock upstream.
type RecordedRequest struct {
	Method  string
	Path    string
	Body    []byte
	Headers http.Header
	Time    time.Time
}

// UpstreamResponse scripts one chat-completion answer from the mock.
type UpstreamResponse struct {
	Content    string
	StatusCode int    // non-zero with ErrMessage set renders an error body
	ErrMessage string // OpenAI-style error message
	Delay      time.Duration
}

// MockUpstream simulates an OpenAI-compatible provider API over HTTP.
// Responses are consumed from a queue; an empty queue answers with a
// default completion.
type MockUpstream struct {
	server *httptest.Server

	mu           sync.Mutex
	requests     []RecordedRequest
	queue        []UpstreamResponse
	latency      time.Duration
	models       []string
	modelsStatus int
}

// NewMockUpstream creates and starts a mock provider serving the given
// model IDs.
func NewMockUpstream(models ...string) *MockUpstream {
	if len(models) == 0 {
		models = []string{"test-model"}
	}
	m := &MockUpstream{models: models, modelsStatus: http.StatusOK}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", m.handleChat)
	mux.HandleFunc("/chat/completions", m.handleChat)
	mux.HandleFunc("/v1/models", m.handleModels)
	mux.HandleFunc("/models", m.handleModels)

	m.server = httptest.NewServer(mux)
	return m
}

// URL returns the mock server's base URL.
func (m *MockUpstream) URL() string { return m.server.URL }

// Close shuts the server down.
func (m *MockUpstream) Close() { m.server.Close() }

// Queue appends a scripted response.
func (m *MockUpstream) Queue(resp UpstreamResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, resp)
}

// QueueError appends an OpenAI-style error response with the given status.
func (m *MockUpstream) QueueError(status int, message string) {
	m.Queue(UpstreamResponse{StatusCode: status, ErrMessage: message})
}

// SetLatency delays every subsequent request by d.
func (m *MockUpstream) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// SetModelsStatus makes the models endpoint answer with the given status,
// failing health probes when not 200.
func (m *MockUpstream) SetModelsStatus(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modelsStatus = status
}

// Requests returns the recorded requests in arrival order.
func (m *MockUpstream) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecordedRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// ChatRequests returns only the recorded completion calls.
func (m *MockUpstream) ChatRequests() []RecordedRequest {
	var out []RecordedRequest
	for _, r := range m.Requests() {
		if r.Method == http.MethodPost {
			out = append(out, r)
		}
	}
	return out
}

// Reset clears the recorded requests and the script queue.
func (m *MockUpstream) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = m.requests[:0]
	m.queue = m.queue[:0]
	m.latency = 0
	m.modelsStatus = http.StatusOK
}

func (m *MockUpstream) record(r *http.Request, body []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, RecordedRequest{
		Method:  r.Method,
		Path:    r.URL.Path,
		Body:    body,
		Headers: r.Header.Clone(),
		Time:    time.Now(),
	})
}

func (m *MockUpstream) next() (UpstreamResponse, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	latency := m.latency
	if len(m.queue) == 0 {
		return UpstreamResponse{}, latency
	}
	resp := m.queue[0]
	m.queue = m.queue[1:]
	return resp, latency
}

func (m *MockUpstream) handleChat(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body) //nolint:errcheck // test code
	m.record(r, body)

	resp, latency := m.next()
	if latency > 0 {
		time.Sleep(latency)
	}
	if resp.Delay > 0 {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(resp.Delay):
		}
	}
	if resp.StatusCode >= 400 {
		writeUpstreamError(w, resp.StatusCode, resp.ErrMessage)
		return
	}

	var req struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	_ = json.Unmarshal(body, &req) //nolint:errcheck // test code

	model := req.Model
	if model == "" {
		model = m.models[0]
	}
	content := resp.Content
	if content == "" {
		content = "Hello! This is a mock upstream response."
	}

	promptTokens := len(body) / 4
	if promptTokens < 1 {
		promptTokens = 1
	}
	completionTokens := len(content) / 4
	if completionTokens < 1 {
		completionTokens = 1
	}

	payload := map[string]any{
		"id":      fmt.Sprintf("chatcmpl-mock-%d", time.Now().UnixNano()),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{{
			"index": 0,
			"message": map[string]any{
				"role":    "assistant",
				"content": content,
			},
			"finish_reason": "stop",
		}},
		"usage": map[string]int{
			"prompt_tokens":     promptTokens,
			"completion_tokens": completionTokens,
			"total_tokens":      promptTokens + completionTokens,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload) //nolint:errcheck // test code
}

func (m *MockUpstream) handleModels(w http.ResponseWriter, r *http.Request) {
	m.record(r, nil)

	m.mu.Lock()
	status := m.modelsStatus
	models := append([]string(nil), m.models...)
	m.mu.Unlock()

	if status != http.StatusOK {
		writeUpstreamError(w, status, "models unavailable")
		return
	}

	data := make([]map[string]any, 0, len(models))
	for _, id := range models {
		data = append(data, map[string]any{
			"id":       id,
			"object":   "model",
			"owned_by": "mock",
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck // test code
		"object": "list",
		"data":   data,
	})
}

func writeUpstreamError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck // test code
		"error": map[string]any{
			"message": message,
			"type":    "api_error",
			"code":    fmt.Sprintf("error_%d", status),
		},
	})
}
