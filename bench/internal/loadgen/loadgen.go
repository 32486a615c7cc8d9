// Package loadgen drives concurrent chat traffic at a running router and
// reports latency percentiles plus how the traffic spread across providers.
package loadgen

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/polyroute/polyroute/internal/api"
	"github.com/polyroute/polyroute/pkg/types"
)

// Config shapes one load run.
type Config struct {
	// Target is the router base URL, e.g. http://localhost:8080.
	Target string
	// Requests is the total number of completions to send.
	Requests int
	// Concurrency is the number of parallel workers.
	Concurrency int
	// Model and Prompt form the request body.
	Model  string
	Prompt string
	// Timeout bounds each request. Zero means 60s.
	Timeout time.Duration
}

// Report is the aggregate outcome of one run.
type Report struct {
	Target      string        `json:"target"`
	StartTime   time.Time     `json:"start_time"`
	Duration    time.Duration `json:"duration"`
	Concurrency int           `json:"concurrency"`

	Total     int64   `json:"total"`
	Succeeded int64   `json:"succeeded"`
	Failed    int64   `json:"failed"`
	RPS       float64 `json:"rps"`

	LatencyMin  time.Duration `json:"latency_min"`
	LatencyMean time.Duration `json:"latency_mean"`
	LatencyP50  time.Duration `json:"latency_p50"`
	LatencyP95  time.Duration `json:"latency_p95"`
	LatencyP99  time.Duration `json:"latency_p99"`
	LatencyMax  time.Duration `json:"latency_max"`

	// Providers counts successful completions per serving provider, taken
	// from the router's provider response header.
	Providers map[string]int64 `json:"providers"`
	// Errors counts failures per error code from the problem payload.
	Errors map[string]int64 `json:"errors"`
}

// Driver executes load runs against one target.
type Driver struct {
	cfg    Config
	client *http.Client
}

// NewDriver builds a driver with a connection pool sized for the
// configured concurrency.
func NewDriver(cfg Config) *Driver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Driver{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        cfg.Concurrency * 2,
				MaxIdleConnsPerHost: cfg.Concurrency * 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

type callResult struct {
	latency  time.Duration
	provider string
	errCode  string
	ok       bool
}

// Run sends the configured traffic and aggregates a Report. Canceling the
// context stops feeding workers; in-flight requests finish or time out.
func (d *Driver) Run(ctx context.Context) (*Report, error) {
	body, err := json.Marshal(map[string]any{
		"model": d.cfg.Model,
		"messages": []types.Message{
			{Role: "user", Content: d.cfg.Prompt},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}

	results := make(chan callResult, d.cfg.Requests)
	tokens := make(chan struct{}, d.cfg.Requests)

	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range tokens {
				start := time.Now()
				provider, errCode, err := d.send(ctx, body)
				results <- callResult{
					latency:  time.Since(start),
					provider: provider,
					errCode:  errCode,
					ok:       err == nil,
				}
			}
		}()
	}

	started := time.Now()
feed:
	for i := 0; i < d.cfg.Requests; i++ {
		select {
		case tokens <- struct{}{}:
		case <-ctx.Done():
			break feed
		}
	}
	close(tokens)
	wg.Wait()
	close(results)

	report := &Report{
		Target:      d.cfg.Target,
		StartTime:   started,
		Concurrency: d.cfg.Concurrency,
		Providers:   make(map[string]int64),
		Errors:      make(map[string]int64),
	}
	latencies := make([]time.Duration, 0, d.cfg.Requests)
	for res := range results {
		report.Total++
		if res.ok {
			report.Succeeded++
			latencies = append(latencies, res.latency)
			if res.provider != "" {
				report.Providers[res.provider]++
			}
		} else {
			report.Failed++
			code := res.errCode
			if code == "" {
				code = "transport_error"
			}
			report.Errors[code]++
		}
	}
	report.Duration = time.Since(started)
	if report.Duration > 0 {
		report.RPS = float64(report.Succeeded) / report.Duration.Seconds()
	}
	summarize(report, latencies)
	return report, nil
}

// send issues one completion and returns the serving provider on success
// or the problem-payload code on failure.
func (d *Driver) send(ctx context.Context, body []byte) (provider, errCode string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		d.cfg.Target+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var problem struct {
			Code string `json:"code"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&problem)
		return "", problem.Code, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return "", "", fmt.Errorf("read response body: %w", err)
	}
	return resp.Header.Get(api.ProviderHeader), "", nil
}

func summarize(report *Report, latencies []time.Duration) {
	if len(latencies) == 0 {
		return
	}
	slices.Sort(latencies)
	report.LatencyMin = latencies[0]
	report.LatencyMax = latencies[len(latencies)-1]

	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	report.LatencyMean = total / time.Duration(len(latencies))
	report.LatencyP50 = percentile(latencies, 50)
	report.LatencyP95 = percentile(latencies, 95)
	report.LatencyP99 = percentile(latencies, 99)
}

func percentile(sorted []time.Duration, p int) time.Duration {
	idx := (len(sorted) * p) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Print writes a human-readable summary to stdout.
func (r *Report) Print() {
	fmt.Println("========================================")
	fmt.Printf("Target:       %s\n", r.Target)
	fmt.Printf("Duration:     %v\n", r.Duration.Round(time.Millisecond))
	fmt.Printf("Concurrency:  %d\n", r.Concurrency)
	fmt.Println()
	fmt.Printf("Requests:     %d total, %d ok, %d failed (%.2f req/s)\n",
		r.Total, r.Succeeded, r.Failed, r.RPS)
	fmt.Println()
	fmt.Println("Latency:")
	fmt.Printf("  min  %v\n", r.LatencyMin.Round(time.Microsecond))
	fmt.Printf("  mean %v\n", r.LatencyMean.Round(time.Microsecond))
	fmt.Printf("  p50  %v\n", r.LatencyP50.Round(time.Microsecond))
	fmt.Printf("  p95  %v\n", r.LatencyP95.Round(time.Microsecond))
	fmt.Printf("  p99  %v\n", r.LatencyP99.Round(time.Microsecond))
	fmt.Printf("  max  %v\n", r.LatencyMax.Round(time.Microsecond))
	if len(r.Providers) > 0 {
		fmt.Println()
		fmt.Println("Providers:")
		for id, n := range r.Providers {
			fmt.Printf("  %-20s %d\n", id, n)
		}
	}
	if len(r.Errors) > 0 {
		fmt.Println()
		fmt.Println("Errors:")
		for code, n := range r.Errors {
			fmt.Printf("  %-20s %d\n", code, n)
		}
	}
	fmt.Println("========================================")
}

// Save writes the report as indented JSON.
func (r *Report) Save(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
