// Command loadgen drives concurrent chat completions at a running router
// and prints latency percentiles plus the per-provider traffic spread.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/polyroute/polyroute/bench/internal/loadgen"
)

func main() {
	target := flag.String("target", "http://localhost:8080", "router base URL")
	requests := flag.Int("requests", 200, "total completions to send")
	concurrency := flag.Int("concurrency", 8, "parallel workers")
	model := flag.String("model", "gpt-4o", "model to request")
	prompt := flag.String("prompt", "Reply with one short sentence.", "user prompt")
	timeout := flag.Duration("timeout", 60*time.Second, "per-request timeout")
	out := flag.String("out", "", "write the JSON report to this file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	driver := loadgen.NewDriver(loadgen.Config{
		Target:      *target,
		Requests:    *requests,
		Concurrency: *concurrency,
		Model:       *model,
		Prompt:      *prompt,
		Timeout:     *timeout,
	})

	report, err := driver.Run(ctx)
	if err != nil {
		log.Fatalf("load run failed: %v", err)
	}
	report.Print()

	if *out != "" {
		if err := report.Save(*out); err != nil {
			log.Fatalf("save report: %v", err)
		}
		log.Printf("report written to %s", *out)
	}
}
