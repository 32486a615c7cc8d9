package polyroute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/polyroute/polyroute/internal/breaker"
	"github.com/polyroute/polyroute/internal/config"
	"github.com/polyroute/polyroute/internal/dispatch"
	"github.com/polyroute/polyroute/internal/gateway"
	"github.com/polyroute/polyroute/internal/metrics"
	"github.com/polyroute/polyroute/internal/observability"
	"github.com/polyroute/polyroute/internal/policy"
	"github.com/polyroute/polyroute/internal/ratelimit"
	"github.com/polyroute/polyroute/internal/registry"
	"github.com/polyroute/polyroute/internal/secret"
	"github.com/polyroute/polyroute/internal/secret/env"
	"github.com/polyroute/polyroute/internal/secret/vault"
	"github.com/polyroute/polyroute/internal/telemetry"
	routeerrors "github.com/polyroute/polyroute/pkg/errors"
	"github.com/polyroute/polyroute/pkg/types"
)

// closeTimeout bounds sink flushes and tracer export on shutdown.
const closeTimeout = 10 * time.Second

// Router is the main entry point. It screens, rate limits, scores and
// dispatches chat requests across the configured providers, and applies
// configuration changes live.
//
// Router is safe for concurrent use by multiple goroutines.
type Router struct {
	manager    *config.Manager
	fileBacked bool

	logger  *slog.Logger
	clock   func() time.Time
	factory AdapterFactory

	secrets  *secret.Manager
	windows  *telemetry.Store
	registry *registry.Registry
	limiter  ratelimit.Admitter
	redis    *redis.Client

	// gateway and dispatcher are rebuilt on every config apply; requests
	// load the current ones atomically.
	gateway    atomic.Pointer[gateway.Gateway]
	dispatcher atomic.Pointer[dispatch.Dispatcher]

	tracing *observability.TracerProvider
	tracer  oteltrace.Tracer
	sinks   []observability.Sink

	baseCtx context.Context
	cancel  context.CancelFunc
	closed  atomic.Bool

	// applyMu serializes config applies from the watcher and Reload.
	applyMu sync.Mutex
}

// New creates a Router from the given options. Configuration comes from
// WithConfigFile or WithConfig; at least one provider must load for New to
// succeed.
//
// Example:
//
//	router, err := polyroute.New(
//	    polyroute.WithConfigFile("polyroute.toml"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer router.Close()
func New(opts ...Option) (*Router, error) {
	rc := defaultRouterConfig()
	for _, opt := range opts {
		opt(rc)
	}
	if rc.configFile != "" && rc.config != nil {
		return nil, fmt.Errorf("polyroute: WithConfigFile and WithConfig are mutually exclusive")
	}

	bootstrap := rc.logger
	if bootstrap == nil {
		bootstrap = slog.Default()
	}

	var (
		manager    *config.Manager
		fileBacked bool
	)
	switch {
	case rc.configFile != "":
		m, err := config.NewManager(rc.configFile, bootstrap)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		manager = m
		fileBacked = true
	case rc.config != nil:
		if err := rc.config.Validate(); err != nil {
			return nil, fmt.Errorf("validate config: %w", err)
		}
		manager = config.NewStaticManager(rc.config)
	default:
		return nil, fmt.Errorf("polyroute: configuration required: pass WithConfigFile or WithConfig")
	}

	cfg := manager.Get()

	logger := rc.logger
	if logger == nil {
		logger = observability.NewLogger(observability.LoggerConfig{
			Level:  cfg.Observability.LogLevel,
			Format: cfg.Observability.LogFormat,
		}, observability.NewRedactor())
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	r := &Router{
		manager:    manager,
		fileBacked: fileBacked,
		logger:     logger,
		clock:      rc.clock,
		factory:    rc.factory,
		baseCtx:    baseCtx,
		cancel:     cancel,
	}

	ok := false
	defer func() {
		if ok {
			return
		}
		r.cancel()
		_ = r.manager.Close()
		if r.secrets != nil {
			_ = r.secrets.Close()
		}
		if r.tracing != nil {
			_ = r.tracing.Shutdown(context.Background())
		}
		if r.redis != nil {
			_ = r.redis.Close()
		}
		for _, s := range r.sinks {
			_ = s.Close(context.Background())
		}
	}()

	r.secrets = secret.NewManager()
	r.secrets.Register("env", env.New())
	if cfg.Secrets.Vault.Enabled {
		vr, err := vault.New(vault.Config{
			Address:    cfg.Secrets.Vault.Address,
			AuthMethod: cfg.Secrets.Vault.AuthMethod,
			Token:      cfg.Secrets.Vault.Token,
			RoleID:     cfg.Secrets.Vault.RoleID,
			SecretID:   cfg.Secrets.Vault.SecretID,
			CACert:     cfg.Secrets.Vault.CACert,
			ClientCert: cfg.Secrets.Vault.ClientCert,
			ClientKey:  cfg.Secrets.Vault.ClientKey,
		})
		if err != nil {
			return nil, fmt.Errorf("init vault resolver: %w", err)
		}
		r.secrets.Register("vault", secret.NewCachedResolver(vr, cfg.Secrets.CacheTTL()))
	}

	r.windows = telemetry.NewStore(cfg.Telemetry.WindowSize, cfg.Telemetry.RecentN)

	tracing, err := observability.InitTracing(baseCtx, observability.TracingConfig{
		Enabled:        cfg.Observability.OTLPEndpoint != "",
		Endpoint:       cfg.Observability.OTLPEndpoint,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: Version,
		SampleRate:     cfg.Observability.TraceSampleRate,
		Insecure:       cfg.Observability.OTLPInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	r.tracing = tracing
	r.tracer = tracing.Tracer()

	r.registry = registry.New(registry.Config{
		Factory:        r.factory,
		Secrets:        r.secrets,
		Breaker:        breakerConfig(cfg),
		HealthTTL:      cfg.Health.TTL(),
		ProbeTimeout:   cfg.Health.ProbeTimeout(),
		WarmupInterval: cfg.Health.WarmupInterval(),
		OnBreakerChange: func(name string, _, to breaker.State) {
			metrics.SetBreakerState(name, int(to))
		},
		Logger: logger,
		Clock:  rc.clock,
	})
	report, err := r.registry.Load(baseCtx, cfg.Providers)
	if err != nil {
		return nil, fmt.Errorf("load providers: %w", err)
	}

	redisAddr := rc.redisAddr
	if redisAddr == "" {
		redisAddr = cfg.RateLimit.RedisAddr
	}
	limitCfg := ratelimit.Config{
		PerMinute:     cfg.RateLimit.PerMinute,
		PerHour:       cfg.RateLimit.PerHour,
		PerDay:        cfg.RateLimit.PerDay,
		Burst:         cfg.RateLimit.Burst,
		SweepInterval: cfg.RateLimit.SweepInterval(),
		Clock:         rc.clock,
	}
	if redisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: redisAddr})
		shared := ratelimit.NewRedisLimiter(r.redis, limitCfg, logger)
		shared.Start(baseCtx)
		r.limiter = shared
	} else {
		local := ratelimit.New(limitCfg)
		local.Start(baseCtx)
		r.limiter = local
	}

	r.gateway.Store(gateway.New(gateway.WithTokenBudget(cfg.Limits.MaxRequestTokens)))
	r.dispatcher.Store(r.buildDispatcher(cfg))

	r.sinks = append(r.sinks, observability.NewLogSink(logger))
	if cfg.Observability.S3Bucket != "" {
		s3sink, err := observability.NewS3Sink(baseCtx, observability.S3Config{
			Bucket:        cfg.Observability.S3Bucket,
			Region:        cfg.Observability.S3Region,
			Prefix:        cfg.Observability.S3Prefix,
			FlushInterval: cfg.Observability.S3FlushInterval(),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("init s3 outcome sink: %w", err)
		}
		r.sinks = append(r.sinks, s3sink)
	}
	r.sinks = append(r.sinks, rc.sinks...)

	manager.OnChange(r.applyConfig)
	if fileBacked {
		if err := manager.Watch(); err != nil {
			return nil, fmt.Errorf("watch config: %w", err)
		}
	}
	r.registry.StartWarmupLoop(baseCtx)

	logger.Info("router initialized",
		"providers", r.registry.Len(),
		"loaded", len(report.Loaded),
		"disabled", len(report.Disabled),
		"policy", cfg.Policy.Default,
		"distributed_ratelimit", redisAddr != "",
	)
	ok = true
	return r, nil
}

// Route screens, rate limits, scores and dispatches one chat request. On
// success the result carries the winning provider's response and the full
// decision trace; on failure the returned error is a *RouteError whose kind
// maps to an HTTP status. Exactly one outcome event is emitted either way.
func (r *Router) Route(ctx context.Context, req *types.RoutingRequest) (*types.RouteResult, error) {
	if r.closed.Load() {
		return nil, routeerrors.NewInternal(errors.New("router is closed"))
	}
	start := r.clock()
	cfg := r.manager.Get()

	// A correlation ID minted by HTTP middleware wins over a gateway-minted
	// one, so log lines and response headers agree.
	if req != nil && req.CorrelationID == "" {
		req.CorrelationID = observability.CorrelationIDFromContext(ctx)
	}

	screening, err := r.gateway.Load().Admit(req)
	if err != nil {
		r.setCorrelation(err, req)
		r.emitOutcome(ctx, start, req, nil, "", nil, err)
		return nil, err
	}

	trace := &types.DecisionTrace{
		PolicyName: cfg.Policy.Default,
		ChainDepth: cfg.Policy.ChainDepth,
		Intent:     screening.Intent,
		RiskScore:  screening.RiskScore,
	}

	ctx, span := observability.StartRouteSpan(ctx, r.tracer, req.Model, cfg.Policy.Default, cfg.Policy.ChainDepth)

	if decision := r.limiter.Allow(ctx, req.Identity); !decision.Allowed {
		metrics.RecordRateLimitDenial(decision.LimitType)
		err := routeerrors.NewRateLimited(decision.LimitType, decision.RetryAfter).
			WithCorrelationID(req.CorrelationID)
		observability.EndRouteSpan(span, "", 0, err)
		r.emitOutcome(ctx, start, req, trace, "", nil, err)
		return nil, err
	}

	in := policy.Input{
		Model:                req.Model,
		Priority:             req.LatencyPriority,
		RequiredCapabilities: requiredCapabilities(req),
		EstimatedTokensIn:    req.EstimatedTokens,
		MaxTokens:            req.MaxTokens,
		CostBudget:           costBudget(req, cfg),
		Weights:              policy.WeightsFor(cfg.Policy.Default, customWeights(cfg)),
		ChainDepth:           cfg.Policy.ChainDepth,
	}
	decision := policy.Build(in, r.providerViews(ctx))
	trace.Filtered = decision.Filtered
	trace.Scored = decision.Scored
	metrics.ObserveChainDepth(len(decision.Chain))

	res, err := r.dispatcher.Load().Execute(ctx, req, decision.Chain, trace)
	if err != nil {
		r.setCorrelation(err, req)
		provider := lastProvider(trace)
		observability.EndRouteSpan(span, provider, attemptCount(trace), err)
		r.emitOutcome(ctx, start, req, trace, provider, nil, err)
		return nil, err
	}

	result := &types.RouteResult{
		Response:      res.Response,
		ProviderID:    res.Candidate.Descriptor.ID,
		Model:         req.Model,
		Attempts:      res.Attempts,
		Latency:       r.clock().Sub(start),
		EstimatedCost: res.Candidate.ExpectedCost,
		Trace:         trace,
		CorrelationID: req.CorrelationID,
	}
	if res.Response != nil && res.Response.Usage != nil {
		// Replace the scoring-time estimate with real token counts.
		result.EstimatedCost = res.Candidate.Descriptor.ExpectedCost(
			res.Response.Usage.PromptTokens, res.Response.Usage.CompletionTokens)
	}

	observability.EndRouteSpan(span, result.ProviderID, result.Attempts, nil)
	r.emitOutcome(ctx, start, req, trace, result.ProviderID, result, nil)
	return result, nil
}

// Reload re-reads the configuration and applies it: providers are loaded,
// carried or removed, and dispatch limits rebuilt. The previous
// configuration stays active when loading fails. File-backed routers also
// pick up changes automatically; Reload forces the same path on demand.
func (r *Router) Reload() error {
	if r.closed.Load() {
		return errors.New("router is closed")
	}
	if err := r.manager.Reload(); err != nil {
		return err
	}
	// File-backed managers fire the change listener themselves; static
	// ones only refresh their timestamp.
	if !r.fileBacked {
		r.applyConfig(r.manager.Get())
	}
	return nil
}

// Status reports the router-wide snapshot: per-provider health, breaker and
// bulkhead state, and telemetry windows. Health values come from the probe
// cache; Status never probes.
func (r *Router) Status() types.RouterStatus {
	cfg := r.manager.Get()
	runtimes := r.registry.List()
	health := r.registry.Health()

	status := types.RouterStatus{
		PolicyName:     cfg.Policy.Default,
		ProviderCount:  len(runtimes),
		ConfigLoadedAt: r.manager.LoadedAt(),
		Providers:      make([]types.ProviderState, 0, len(runtimes)),
	}
	for _, rt := range runtimes {
		state := types.ProviderState{
			Descriptor: rt.Descriptor.Clone(),
			LoadError:  rt.LoadError,
		}
		if hs, ok := health.Cached(rt.Descriptor.ID); ok {
			state.Healthy = hs.Healthy
			state.HealthDetail = hs.Detail
		}
		if rt.Breaker != nil {
			state.BreakerState = rt.Breaker.State().String()
			state.AuthBlocked = rt.Breaker.AuthBlocked()
		}
		if rt.Bulkhead != nil {
			state.BulkheadInUse = rt.Bulkhead.InUse()
			state.BulkheadCapacity = rt.Bulkhead.Capacity()
		}
		if w, ok := r.windows.Snapshot(rt.Descriptor.ID); ok {
			state.Window = w
		}
		if state.Healthy {
			status.HealthyCount++
		}
		status.Providers = append(status.Providers, state)
	}
	return status
}

// MetricsSnapshot returns every provider's current telemetry window keyed
// by provider ID.
func (r *Router) MetricsSnapshot() map[string]types.WindowSnapshot {
	return r.windows.Snapshots()
}

// CheckHealth returns the number of providers ready to take traffic,
// probing any whose cached health verdict has expired. Readiness endpoints
// use it so a router that has not served requests yet still reports real
// provider health.
func (r *Router) CheckHealth(ctx context.Context) int {
	return len(r.registry.HealthyProviders(ctx))
}

// Close releases the router: the config watcher stops, outcome sinks flush,
// and the tracer exports its remaining spans. Close is idempotent.
func (r *Router) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	var errs []error
	if err := r.manager.Close(); err != nil {
		errs = append(errs, fmt.Errorf("config manager: %w", err))
	}
	for _, s := range r.sinks {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("outcome sink: %w", err))
		}
	}
	if err := r.tracing.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracer: %w", err))
	}
	if err := r.secrets.Close(); err != nil {
		errs = append(errs, fmt.Errorf("secrets: %w", err))
	}
	if r.redis != nil {
		if err := r.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

// applyConfig swaps in a new provider set and dispatcher. Telemetry windows
// and metric series for removed providers are dropped; carried providers
// keep their breaker, bulkhead and window state. Invoked by the config
// watcher and by Reload.
func (r *Router) applyConfig(cfg *config.Config) {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()

	report, err := r.registry.Load(r.baseCtx, cfg.Providers)
	if err != nil {
		// The snapshot is swapped even then; keep serving and let Route
		// surface the empty chain.
		r.logger.Error("provider reload failed", "error", err)
	}
	for _, id := range report.Removed {
		r.windows.Drop(id)
		metrics.ForgetProvider(id)
	}
	r.gateway.Store(gateway.New(gateway.WithTokenBudget(cfg.Limits.MaxRequestTokens)))
	r.dispatcher.Store(r.buildDispatcher(cfg))

	r.logger.Info("configuration applied",
		"loaded", len(report.Loaded),
		"carried", len(report.Carried),
		"disabled", len(report.Disabled),
		"removed", len(report.Removed),
	)
}

func (r *Router) buildDispatcher(cfg *config.Config) *dispatch.Dispatcher {
	// In dispatch.Config zero means "use default", so explicit zeros from
	// the file map to the negative "none" sentinels.
	maxRetries := cfg.Limits.MaxRetries
	if maxRetries == 0 {
		maxRetries = -1
	}
	jitter := cfg.Limits.BackoffJitter()
	if jitter == 0 {
		jitter = -1
	}
	return dispatch.New(r.registry, r.windows, dispatch.Config{
		GlobalTimeout:   cfg.Limits.GlobalTimeout(),
		FastPathTimeout: cfg.Limits.FastPathTimeout(),
		MaxRetries:      maxRetries,
		BackoffBase:     cfg.Limits.BackoffBase(),
		BackoffJitter:   jitter,
		BackoffCap:      cfg.Limits.BackoffCap(),
		OnAttempt:       metrics.ObserveAttempt,
		Tracer:          r.tracer,
		Logger:          r.logger,
		Clock:           r.clock,
	})
}

// providerViews assembles the policy engine's per-provider inputs from the
// live registry, refreshing the health and bulkhead gauges on the way.
func (r *Router) providerViews(ctx context.Context) []policy.View {
	runtimes := r.registry.List()
	health := r.registry.Health()
	views := make([]policy.View, 0, len(runtimes))
	for _, rt := range runtimes {
		if rt.Disabled() {
			views = append(views, policy.View{Descriptor: rt.Descriptor})
			continue
		}
		state := health.Check(ctx, rt)
		metrics.SetProviderHealth(rt.Descriptor.ID, state.Healthy)
		metrics.SetBulkheadInUse(rt.Descriptor.ID, rt.Bulkhead.InUse())
		window, _ := r.windows.Snapshot(rt.Descriptor.ID)
		views = append(views, policy.View{
			Descriptor:    rt.Descriptor,
			Healthy:       state.Healthy,
			BreakerDenied: rt.Breaker.Open(),
			AuthBlocked:   rt.Breaker.AuthBlocked(),
			Window:        window,
		})
	}
	return views
}

// emitOutcome sends the single per-request outcome event to every sink and
// records the terminal request metrics.
func (r *Router) emitOutcome(ctx context.Context, start time.Time, req *types.RoutingRequest, trace *types.DecisionTrace, provider string, result *types.RouteResult, routeErr error) {
	latency := r.clock().Sub(start)
	ev := observability.OutcomeEvent{
		Timestamp: r.clock(),
		Provider:  provider,
		Outcome:   "success",
		LatencyMS: latency.Milliseconds(),
	}
	if req != nil {
		ev.CorrelationID = req.CorrelationID
		ev.Model = req.Model
		ev.Intent = req.Intent
	}
	if trace != nil {
		ev.Policy = trace.PolicyName
		ev.Attempts = attemptCount(trace)
	}
	if result != nil {
		ev.Attempts = result.Attempts
		ev.Cost = result.EstimatedCost
		if result.Response != nil && result.Response.Usage != nil {
			ev.TokensIn = result.Response.Usage.PromptTokens
			ev.TokensOut = result.Response.Usage.CompletionTokens
		}
	}
	if routeErr != nil {
		ev.Outcome = string(routeerrors.KindOf(routeErr))
		ev.Error = routeErr.Error()
	}

	for _, s := range r.sinks {
		s.Emit(ctx, ev)
	}
	metrics.ObserveRequest(provider, ev.Outcome, latency)
}

// setCorrelation stamps the request's correlation ID onto a RouteError so
// API problem documents and logs line up.
func (r *Router) setCorrelation(err error, req *types.RoutingRequest) {
	if req == nil || req.CorrelationID == "" {
		return
	}
	if rerr, ok := routeerrors.AsRouteError(err); ok && rerr.CorrelationID == "" {
		rerr.WithCorrelationID(req.CorrelationID)
	}
}

func breakerConfig(cfg *config.Config) breaker.Config {
	return breaker.Config{
		FailureThreshold:         cfg.Breaker.FailureThreshold,
		RecoveryTimeout:          cfg.Breaker.RecoveryTimeout(),
		HalfOpenSuccessThreshold: cfg.Breaker.HalfOpenSuccessThreshold,
		AuthCooldown:             cfg.Breaker.AuthCooldown(),
	}
}

// requiredCapabilities merges the request's explicit requirements with the
// ones its shape implies: tool use and JSON output only route to providers
// that support them.
func requiredCapabilities(req *types.RoutingRequest) []string {
	caps := append([]string(nil), req.RequiredCapabilities...)
	if len(req.Tools) > 0 && !slices.Contains(caps, "tools") {
		caps = append(caps, "tools")
	}
	if req.ResponseFormat != nil && req.ResponseFormat.Type == "json_object" &&
		!slices.Contains(caps, "json_mode") {
		caps = append(caps, "json_mode")
	}
	return caps
}

// costBudget resolves the budget cost scoring runs against: the caller's
// own when set, the configured default otherwise.
func costBudget(req *types.RoutingRequest, cfg *config.Config) float64 {
	if req.CostBudget > 0 {
		return req.CostBudget
	}
	return cfg.Policy.DefaultCostBudget
}

func customWeights(cfg *config.Config) map[string]policy.Weights {
	if len(cfg.Policy.Weights) == 0 {
		return nil
	}
	custom := make(map[string]policy.Weights, len(cfg.Policy.Weights))
	for name, w := range cfg.Policy.Weights {
		custom[name] = policy.Weights{
			Latency:     w.Latency,
			Cost:        w.Cost,
			Reliability: w.Reliability,
		}
	}
	return custom
}

// attemptCount counts real adapter calls in the trace, excluding skips.
func attemptCount(trace *types.DecisionTrace) int {
	n := 0
	for _, a := range trace.Attempts {
		if a.Outcome != types.OutcomeRejected {
			n++
		}
	}
	return n
}

// lastProvider returns the provider of the most recent real attempt, empty
// when the request never reached one.
func lastProvider(trace *types.DecisionTrace) string {
	for i := len(trace.Attempts) - 1; i >= 0; i-- {
		if trace.Attempts[i].Outcome != types.OutcomeRejected {
			return trace.Attempts[i].ProviderID
		}
	}
	return ""
}
