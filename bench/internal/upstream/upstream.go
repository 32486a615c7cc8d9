// Package upstream simulates an OpenAI-compatible provider for load tests.
// Run several instances with different latency and error settings behind a
// router to watch failover, breaker trips, and policy shifts without
// spending tokens on a real provider.
package upstream

import (
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/polyroute/polyroute/pkg/types"
)

// Server is a fake provider. The zero value serves instantly and never
// fails; set Latency, ErrorRate, and ErrorStatus to shape its behavior.
type Server struct {
	// Latency is the simulated processing time per completion.
	Latency time.Duration
	// Jitter adds up to this much random extra latency.
	Jitter time.Duration
	// ErrorRate is the probability (0..1) a completion fails.
	ErrorRate float64
	// ErrorStatus is the HTTP status injected failures use.
	ErrorStatus int
	// Models are the model IDs this upstream claims to serve. Requests
	// for anything else get an OpenAI-style 404.
	Models []string

	requests atomic.Int64
	failures atomic.Int64
}

// NewServer returns a healthy upstream serving gpt-4o with 50ms latency.
func NewServer() *Server {
	return &Server{
		Latency:     50 * time.Millisecond,
		ErrorStatus: http.StatusInternalServerError,
		Models:      []string{"gpt-4o"},
	}
}

// Handler serves the OpenAI-compatible surface the router's adapters call:
// chat completions plus the models listing used by health probes. Both are
// registered with and without the /v1 prefix so any endpoint base works.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", s.handleChat)
	mux.HandleFunc("POST /chat/completions", s.handleChat)
	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("GET /models", s.handleModels)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return mux
}

// Requests returns the number of completion calls served so far.
func (s *Server) Requests() int64 { return s.requests.Load() }

// Failures returns the number of injected failures so far.
func (s *Server) Failures() int64 { return s.failures.Load() }

type chatRequest struct {
	Model    string          `json:"model"`
	Messages []types.Message `json:"messages"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOpenAIError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON")
		return
	}
	if !s.serves(req.Model) {
		writeOpenAIError(w, http.StatusNotFound, "invalid_request_error",
			fmt.Sprintf("model %q does not exist", req.Model))
		return
	}

	// Honor caller cancellation during the simulated latency so deadline
	// and budget behavior can be exercised end to end.
	if d := s.delay(); d > 0 {
		select {
		case <-time.After(d):
		case <-r.Context().Done():
			return
		}
	}

	if s.ErrorRate > 0 && rand.Float64() < s.ErrorRate {
		s.failures.Add(1)
		status := s.ErrorStatus
		if status == 0 {
			status = http.StatusInternalServerError
		}
		if status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "1")
		}
		writeOpenAIError(w, status, "server_error", "injected failure")
		return
	}

	prompt := 0
	for _, m := range req.Messages {
		prompt += len(m.Content) / 4
	}
	resp := types.ChatResponse{
		ID:      fmt.Sprintf("chatcmpl-mock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []types.Choice{{
			Message: types.Message{
				Role:    "assistant",
				Content: "simulated completion from " + req.Model,
			},
			FinishReason: "stop",
		}},
		Usage: &types.Usage{
			PromptTokens:     prompt,
			CompletionTokens: 16,
			TotalTokens:      prompt + 16,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	models := make([]map[string]any, 0, len(s.Models))
	for _, id := range s.Models {
		models = append(models, map[string]any{
			"id":       id,
			"object":   "model",
			"owned_by": "mock",
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": models})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"requests": s.requests.Load(),
		"failures": s.failures.Load(),
	})
}

func (s *Server) serves(model string) bool {
	if len(s.Models) == 0 {
		return true
	}
	for _, id := range s.Models {
		if strings.EqualFold(id, model) {
			return true
		}
	}
	return false
}

func (s *Server) delay() time.Duration {
	d := s.Latency
	if s.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(s.Jitter)))
	}
	return d
}

func writeOpenAIError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    kind,
		},
	})
}
