// Package dispatch walks a ranked provider chain for one admitted request.
// It enforces the overall and per-attempt budgets, consults each provider's
// breaker and bulkhead, retries transient failures in place, and records
// exactly one telemetry sample per adapter call. It is the only component
// that mutates breaker state.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/polyroute/polyroute/internal/breaker"
	"github.com/polyroute/polyroute/internal/policy"
	"github.com/polyroute/polyroute/internal/registry"
	"github.com/polyroute/polyroute/internal/telemetry"
	"github.com/polyroute/polyroute/pkg/adapter"
	routeerrors "github.com/polyroute/polyroute/pkg/errors"
	"github.com/polyroute/polyroute/pkg/types"
)

const (
	// DefaultGlobalTimeout caps a request that arrives without a deadline.
	DefaultGlobalTimeout = 20 * time.Second

	// DefaultFastPathTimeout caps simple single-turn prompts.
	DefaultFastPathTimeout = 6 * time.Second

	// DefaultMinAttemptBudget is the smallest remaining budget worth
	// spending on another provider call.
	DefaultMinAttemptBudget = 500 * time.Millisecond

	// DefaultMaxRetries bounds extra same-provider attempts after a
	// transient failure.
	DefaultMaxRetries = 2

	// Backoff defaults for same-provider retries.
	DefaultBackoffBase   = 200 * time.Millisecond
	DefaultBackoffJitter = 200 * time.Millisecond
	DefaultBackoffCap    = 2 * time.Second

	// fastPathMaxChars and fastPathMaxTokens bound what counts as a
	// simple prompt.
	fastPathMaxChars  = 256
	fastPathMaxTokens = 64
)

// Trace skip reasons recorded when a provider is turned away without an
// adapter call.
const (
	SkipBreakerOpen  = "breaker_open"
	SkipAuthBlocked  = "auth_blocked"
	SkipBulkheadFull = "bulkhead_full"
	SkipRemoved      = "provider_removed"
)

// Source resolves chain candidates to live provider runtimes. The registry
// satisfies it; tests substitute fixed maps.
type Source interface {
	Get(id string) (*registry.Runtime, bool)
}

// Config tunes one Dispatcher. Zero fields fall back to the defaults above.
type Config struct {
	GlobalTimeout    time.Duration
	FastPathTimeout  time.Duration
	MinAttemptBudget time.Duration
	MaxRetries       int
	BackoffBase      time.Duration
	BackoffJitter    time.Duration
	BackoffCap       time.Duration

	// OnAttempt is invoked after every recorded telemetry sample,
	// including rejected and canceled ones. Metrics hang off it.
	OnAttempt func(o types.RequestOutcome)

	// Tracer, when set, wraps every adapter call in a provider.chat span.
	Tracer oteltrace.Tracer

	Logger *slog.Logger
	Clock  func() time.Time
}

// Dispatcher executes routing decisions against live providers.
type Dispatcher struct {
	source  Source
	windows *telemetry.Store
	cfg     Config
	logger  *slog.Logger
	clock   func() time.Time
}

// New creates a Dispatcher over the given runtime source and telemetry
// store.
func New(source Source, windows *telemetry.Store, cfg Config) *Dispatcher {
	if cfg.GlobalTimeout <= 0 {
		cfg.GlobalTimeout = DefaultGlobalTimeout
	}
	if cfg.FastPathTimeout <= 0 {
		cfg.FastPathTimeout = DefaultFastPathTimeout
	}
	if cfg.MinAttemptBudget <= 0 {
		cfg.MinAttemptBudget = DefaultMinAttemptBudget
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	// Negative jitter means none; zero means unset.
	if cfg.BackoffJitter == 0 {
		cfg.BackoffJitter = DefaultBackoffJitter
	} else if cfg.BackoffJitter < 0 {
		cfg.BackoffJitter = 0
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = DefaultBackoffCap
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Dispatcher{
		source:  source,
		windows: windows,
		cfg:     cfg,
		logger:  logger,
		clock:   clock,
	}
}

// Result is a successful chain walk.
type Result struct {
	Response *types.ChatResponse

	// Candidate is the chain entry that answered.
	Candidate policy.Candidate

	// Attempts counts adapter calls across the whole walk, including the
	// ones that failed before the winning provider.
	Attempts int
}

// Execute walks the chain in order until a provider answers, the chain is
// exhausted, or the budget runs out. Skips and attempts are appended to
// trace.Attempts in the order they happened.
func (d *Dispatcher) Execute(ctx context.Context, req *types.RoutingRequest, chain []policy.Candidate, trace *types.DecisionTrace) (*Result, error) {
	// A dead context means the caller is gone before the first attempt:
	// no breaker, bulkhead or telemetry state may be touched.
	if err := ctxTerminal(ctx); err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, routeerrors.NewNoProviderAvailable(
			fmt.Sprintf("no provider eligible for model %q", req.Model))
	}

	deadline := d.effectiveDeadline(ctx, req)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	walk := &walkState{req: req, trace: trace, deadline: deadline}
	for _, cand := range chain {
		if errors.Is(context.Cause(ctx), context.Canceled) {
			return nil, routeerrors.NewCanceled()
		}
		remaining := deadline.Sub(d.clock())
		if remaining < d.cfg.MinAttemptBudget {
			return nil, d.exhaustedBudget(walk)
		}

		rt, ok := d.source.Get(cand.Descriptor.ID)
		if !ok || rt.Disabled() {
			// The snapshot moved underneath us between policy build and
			// dispatch; nothing to call.
			walk.skip(cand.Descriptor.ID, 1, SkipRemoved)
			continue
		}

		res, err := d.tryProvider(ctx, walk, rt, cand)
		if err == nil {
			return res, nil
		}
		var stop *stopError
		if errors.As(err, &stop) {
			return nil, stop.err
		}
		// Provider exhausted its attempts; move down the chain.
	}

	return nil, d.chainExhausted(walk)
}

// ctxTerminal maps an already-dead context onto its terminal error, nil
// while the context is live.
func ctxTerminal(ctx context.Context) error {
	switch cause := context.Cause(ctx); {
	case cause == nil:
		return nil
	case errors.Is(cause, context.DeadlineExceeded):
		return routeerrors.NewDeadlineExceeded("request deadline expired before dispatch")
	default:
		return routeerrors.NewCanceled()
	}
}

// walkState accumulates what happened across one Execute call.
type walkState struct {
	req      *types.RoutingRequest
	trace    *types.DecisionTrace
	deadline time.Time

	calls     int // adapter calls made
	lastErr   error
	lastClass types.ErrorClass
	lastID    string
}

func (w *walkState) skip(providerID string, attempt int, detail string) {
	w.trace.Attempts = append(w.trace.Attempts, types.AttemptEntry{
		ProviderID: providerID,
		Attempt:    attempt,
		Outcome:    types.OutcomeRejected,
		Detail:     detail,
	})
}

// stopError aborts the chain walk immediately with a terminal error.
type stopError struct {
	err error
}

func (s *stopError) Error() string { return s.err.Error() }

// errAdvance moves the walk to the next candidate.
var errAdvance = errors.New("advance to next provider")

// tryProvider runs up to 1+MaxRetries attempts against one provider. It
// returns a Result on success, a *stopError to abort the walk, or
// errAdvance to continue down the chain.
func (d *Dispatcher) tryProvider(ctx context.Context, walk *walkState, rt *registry.Runtime, cand policy.Candidate) (*Result, error) {
	id := rt.Descriptor.ID

	for attempt := 1; ; attempt++ {
		if err := rt.Breaker.Allow(); err != nil {
			detail := SkipBreakerOpen
			if errors.Is(err, breaker.ErrAuthBlocked) {
				detail = SkipAuthBlocked
			}
			walk.skip(id, attempt, detail)
			return nil, errAdvance
		}

		resp, latency, err := d.attempt(ctx, walk.req, rt, attempt)
		if errors.Is(err, errBulkheadFull) {
			walk.skip(id, attempt, SkipBulkheadFull)
			d.record(types.RequestOutcome{
				ProviderID:    id,
				Model:         walk.req.Model,
				Timestamp:     d.clock(),
				Status:        types.OutcomeRejected,
				CorrelationID: walk.req.CorrelationID,
			})
			return nil, errAdvance
		}

		walk.calls++
		if err == nil && resp == nil {
			err = adapter.NewError(id, types.ClassOther, 0, "adapter returned no response")
		}
		if err == nil {
			d.recordSuccess(walk, rt, cand, resp, latency, attempt)
			return &Result{Response: resp, Candidate: cand, Attempts: walk.calls}, nil
		}

		// Caller cancellation is not a provider failure: record the
		// sample, leave the breaker alone, and unwind.
		if ctxErr := context.Cause(ctx); errors.Is(ctxErr, context.Canceled) {
			d.recordCanceled(walk, rt, latency, attempt)
			return nil, &stopError{err: routeerrors.NewCanceled()}
		}

		class := adapter.ClassOf(err)
		d.recordFailure(walk, rt, class, err, latency, attempt)

		if class == types.ClassAuth {
			rt.Breaker.MarkAuthBlocked()
			d.logger.Warn("provider auth-blocked",
				"provider", id,
				"correlation_id", walk.req.CorrelationID)
			return nil, errAdvance
		}
		if class == types.ClassBadRequest {
			return nil, errAdvance
		}

		// Overall budget died inside the attempt; the walk is over.
		if errors.Is(context.Cause(ctx), context.DeadlineExceeded) {
			return nil, &stopError{err: routeerrors.NewProviderTimeout(id,
				fmt.Sprintf("request budget exhausted during attempt %d (%s)", attempt, class))}
		}

		if !d.shouldRetry(walk, attempt) {
			return nil, errAdvance
		}
		delay := d.backoff(attempt)
		if !d.sleepOK(ctx, delay, walk.deadline) {
			if errors.Is(context.Cause(ctx), context.Canceled) {
				return nil, &stopError{err: routeerrors.NewCanceled()}
			}
			return nil, errAdvance
		}
	}
}

// errBulkheadFull is internal to the attempt closure.
var errBulkheadFull = errors.New("bulkhead full")

// attempt performs one guarded adapter call. The permit is held only for
// the duration of the call and released on every exit path.
func (d *Dispatcher) attempt(ctx context.Context, req *types.RoutingRequest, rt *registry.Runtime, attempt int) (*types.ChatResponse, time.Duration, error) {
	if !rt.Bulkhead.TryAcquire() {
		return nil, 0, errBulkheadFull
	}
	defer rt.Bulkhead.Release()

	timeout := rt.Descriptor.DefaultTimeout
	if dl, ok := ctx.Deadline(); ok {
		if remaining := dl.Sub(d.clock()); timeout <= 0 || remaining < timeout {
			timeout = remaining
		}
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var span oteltrace.Span
	if d.cfg.Tracer != nil {
		attemptCtx, span = d.cfg.Tracer.Start(attemptCtx, "provider.chat",
			oteltrace.WithSpanKind(oteltrace.SpanKindClient),
			oteltrace.WithAttributes(
				attribute.String("gen_ai.system", rt.Descriptor.ID),
				attribute.String("gen_ai.request.model", req.Model),
				attribute.Int("retry.attempt", attempt),
			))
	}

	start := d.clock()
	resp, err := rt.Adapter.Chat(attemptCtx, req)
	latency := d.clock().Sub(start)

	if span != nil {
		if err != nil {
			span.RecordError(err)
			span.SetAttributes(attribute.String("error.class", string(adapter.ClassOf(err))))
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
	return resp, latency, err
}

func (d *Dispatcher) shouldRetry(walk *walkState, attempt int) bool {
	if !walk.req.Idempotent {
		return false
	}
	return attempt <= d.cfg.MaxRetries
}

// backoff computes the capped exponential delay before retry n (1-based
// failed attempt count) with full jitter.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.cfg.BackoffBase << uint(attempt-1)
	if d.cfg.BackoffJitter > 0 {
		delay += time.Duration(rand.Int64N(int64(d.cfg.BackoffJitter)))
	}
	if delay > d.cfg.BackoffCap {
		delay = d.cfg.BackoffCap
	}
	return delay
}

// sleepOK waits out the backoff delay. It reports false when the wait was
// interrupted or would leave too little budget for another attempt.
func (d *Dispatcher) sleepOK(ctx context.Context, delay time.Duration, deadline time.Time) bool {
	if deadline.Sub(d.clock()) < delay+d.cfg.MinAttemptBudget {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

func (d *Dispatcher) effectiveDeadline(ctx context.Context, req *types.RoutingRequest) time.Time {
	budget := d.cfg.GlobalTimeout
	if fastPath(req) {
		budget = d.cfg.FastPathTimeout
	}
	deadline := d.clock().Add(budget)
	if !req.Deadline.IsZero() && req.Deadline.Before(deadline) {
		deadline = req.Deadline
	}
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	return deadline
}

// fastPath reports whether the request qualifies for the short budget:
// a single short user turn, no tools, and a small explicit output cap.
func fastPath(req *types.RoutingRequest) bool {
	if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
		return false
	}
	if len(req.Messages[0].Content) > fastPathMaxChars {
		return false
	}
	if len(req.Tools) > 0 {
		return false
	}
	return req.MaxTokens > 0 && req.MaxTokens <= fastPathMaxTokens
}

func (d *Dispatcher) record(o types.RequestOutcome) {
	d.windows.Record(o)
	if d.cfg.OnAttempt != nil {
		d.cfg.OnAttempt(o)
	}
}

func (d *Dispatcher) recordSuccess(walk *walkState, rt *registry.Runtime, cand policy.Candidate, resp *types.ChatResponse, latency time.Duration, attempt int) {
	rt.Breaker.RecordSuccess()

	o := types.RequestOutcome{
		ProviderID:    rt.Descriptor.ID,
		Model:         walk.req.Model,
		Timestamp:     d.clock(),
		Latency:       latency,
		Status:        types.OutcomeSuccess,
		Cost:          cand.ExpectedCost,
		CorrelationID: walk.req.CorrelationID,
	}
	if resp.Usage != nil {
		o.TokensIn = resp.Usage.PromptTokens
		o.TokensOut = resp.Usage.CompletionTokens
		o.Cost = rt.Descriptor.ExpectedCost(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	}
	d.record(o)

	walk.trace.Attempts = append(walk.trace.Attempts, types.AttemptEntry{
		ProviderID: rt.Descriptor.ID,
		Attempt:    attempt,
		Outcome:    types.OutcomeSuccess,
		Latency:    latency,
	})
}

func (d *Dispatcher) recordFailure(walk *walkState, rt *registry.Runtime, class types.ErrorClass, err error, latency time.Duration, attempt int) {
	rt.Breaker.RecordFailure()

	status := types.OutcomeFailure
	if class == types.ClassTimeout {
		status = types.OutcomeTimeout
	}
	d.record(types.RequestOutcome{
		ProviderID:    rt.Descriptor.ID,
		Model:         walk.req.Model,
		Timestamp:     d.clock(),
		Latency:       latency,
		Status:        status,
		Class:         class,
		CorrelationID: walk.req.CorrelationID,
	})
	walk.trace.Attempts = append(walk.trace.Attempts, types.AttemptEntry{
		ProviderID: rt.Descriptor.ID,
		Attempt:    attempt,
		Outcome:    status,
		Class:      class,
		Latency:    latency,
		Detail:     err.Error(),
	})

	walk.lastErr = err
	walk.lastClass = class
	walk.lastID = rt.Descriptor.ID

	d.logger.Debug("provider attempt failed",
		"provider", rt.Descriptor.ID,
		"attempt", attempt,
		"class", string(class),
		"latency", latency,
		"correlation_id", walk.req.CorrelationID)
}

func (d *Dispatcher) recordCanceled(walk *walkState, rt *registry.Runtime, latency time.Duration, attempt int) {
	d.record(types.RequestOutcome{
		ProviderID:    rt.Descriptor.ID,
		Model:         walk.req.Model,
		Timestamp:     d.clock(),
		Latency:       latency,
		Status:        types.OutcomeCanceled,
		CorrelationID: walk.req.CorrelationID,
	})
	walk.trace.Attempts = append(walk.trace.Attempts, types.AttemptEntry{
		ProviderID: rt.Descriptor.ID,
		Attempt:    attempt,
		Outcome:    types.OutcomeCanceled,
		Latency:    latency,
	})
}

// exhaustedBudget builds the terminal error when the walk stops between
// candidates because the remaining budget is too small.
func (d *Dispatcher) exhaustedBudget(walk *walkState) error {
	if walk.lastErr != nil {
		return routeerrors.NewDeadlineExceeded(fmt.Sprintf(
			"request budget exhausted after %d attempts; last failure from %s: %v",
			walk.calls, walk.lastID, walk.lastErr))
	}
	return routeerrors.NewDeadlineExceeded("request budget exhausted before any provider attempt")
}

// chainExhausted builds the terminal error when every candidate was tried
// or skipped.
func (d *Dispatcher) chainExhausted(walk *walkState) error {
	if walk.calls == 0 {
		return routeerrors.NewNoProviderAvailable(
			"all candidates rejected before dispatch: " + summarizeSkips(walk.trace.Attempts))
	}
	detail := fmt.Sprintf("%d attempts across the chain; last failure from %s (%s)",
		walk.calls, walk.lastID, walk.lastClass)
	return routeerrors.NewAllProvidersFailed(detail, walk.lastErr)
}

func summarizeSkips(attempts []types.AttemptEntry) string {
	if len(attempts) == 0 {
		return "empty chain"
	}
	parts := make([]string, 0, len(attempts))
	for _, a := range attempts {
		parts = append(parts, a.ProviderID+"="+a.Detail)
	}
	return strings.Join(parts, ", ")
}
