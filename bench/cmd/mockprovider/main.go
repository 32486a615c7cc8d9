// Command mockprovider runs a fake OpenAI-compatible upstream. Point one or
// more router providers at instances of it to exercise failover and breaker
// behavior locally.
package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/polyroute/polyroute/bench/internal/upstream"
)

func main() {
	listen := flag.String("listen", ":9001", "address to listen on")
	latency := flag.Duration("latency", 50*time.Millisecond, "simulated completion latency")
	jitter := flag.Duration("jitter", 0, "random extra latency, up to this much")
	errorRate := flag.Float64("error-rate", 0, "probability (0..1) a completion fails")
	errorStatus := flag.Int("error-status", http.StatusInternalServerError, "HTTP status for injected failures")
	models := flag.String("models", "gpt-4o", "comma-separated model IDs this upstream serves")
	flag.Parse()

	server := upstream.NewServer()
	server.Latency = *latency
	server.Jitter = *jitter
	server.ErrorRate = *errorRate
	server.ErrorStatus = *errorStatus
	server.Models = strings.Split(*models, ",")

	httpServer := &http.Server{
		Addr:         *listen,
		Handler:      server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Printf("mock provider stopping; served %d requests (%d injected failures)",
			server.Requests(), server.Failures())
		httpServer.Close()
	}()

	log.Printf("mock provider listening on %s (latency=%v error-rate=%.2f models=%s)",
		*listen, *latency, *errorRate, *models)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}
