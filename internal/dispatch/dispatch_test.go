package dispatch

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyroute/polyroute/internal/breaker"
	"github.com/polyroute/polyroute/internal/bulkhead"
	"github.com/polyroute/polyroute/internal/policy"
	"github.com/polyroute/polyroute/internal/registry"
	"github.com/polyroute/polyroute/internal/telemetry"
	"github.com/polyroute/polyroute/pkg/adapter"
	routeerrors "github.com/polyroute/polyroute/pkg/errors"
	"github.com/polyroute/polyroute/pkg/types"
	"github.com/polyroute/polyroute/tests/testutil"
)

type fakeSource map[string]*registry.Runtime

func (s fakeSource) Get(id string) (*registry.Runtime, bool) {
	rt, ok := s[id]
	return rt, ok
}

func testRuntime(fake *testutil.FakeAdapter, capacity int) *registry.Runtime {
	return &registry.Runtime{
		Descriptor: types.ProviderDescriptor{
			ID:             fake.ID(),
			Endpoint:       "http://upstream.test",
			Models:         []string{"test-model"},
			DefaultTimeout: time.Second,
			MaxConcurrent:  capacity,
			Status:         types.StatusActive,
		},
		Adapter:  fake,
		Breaker:  breaker.New(fake.ID(), breaker.DefaultConfig()),
		Bulkhead: bulkhead.New(capacity),
	}
}

func chainOf(runtimes ...*registry.Runtime) []policy.Candidate {
	chain := make([]policy.Candidate, 0, len(runtimes))
	for _, rt := range runtimes {
		chain = append(chain, policy.Candidate{Descriptor: rt.Descriptor, ExpectedCost: 0.001})
	}
	return chain
}

func sourceOf(runtimes ...*registry.Runtime) fakeSource {
	s := fakeSource{}
	for _, rt := range runtimes {
		s[rt.Descriptor.ID] = rt
	}
	return s
}

func testRequest() *types.RoutingRequest {
	return &types.RoutingRequest{
		Model:         "test-model",
		Messages:      []types.Message{{Role: "user", Content: "hello there"}},
		Idempotent:    true,
		CorrelationID: "corr-test",
	}
}

// fastConfig keeps retry sleeps out of the test's critical path.
func fastConfig() Config {
	return Config{
		BackoffBase:   time.Millisecond,
		BackoffJitter: -1,
	}
}

func entriesFor(trace *types.DecisionTrace, providerID string) []types.AttemptEntry {
	var out []types.AttemptEntry
	for _, a := range trace.Attempts {
		if a.ProviderID == providerID {
			out = append(out, a)
		}
	}
	return out
}

func TestExecuteSuccessFirstProvider(t *testing.T) {
	fake := testutil.NewFakeAdapter("alpha", "test-model").ScriptResponse("hi from alpha")
	rtA := testRuntime(fake, 2)
	store := telemetry.NewStore(0, 0)
	d := New(sourceOf(rtA), store, fastConfig())

	trace := &types.DecisionTrace{}
	res, err := d.Execute(context.Background(), testRequest(), chainOf(rtA), trace)

	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "hi from alpha", res.Response.Choices[0].Message.Content)
	assert.Equal(t, "alpha", res.Candidate.Descriptor.ID)
	assert.Equal(t, 1, res.Attempts)

	require.Len(t, trace.Attempts, 1)
	assert.Equal(t, "alpha", trace.Attempts[0].ProviderID)
	assert.Equal(t, 1, trace.Attempts[0].Attempt)
	assert.Equal(t, types.OutcomeSuccess, trace.Attempts[0].Outcome)

	assert.Equal(t, breaker.StateClosed, rtA.Breaker.State())
	assert.Equal(t, 0, rtA.Bulkhead.InUse(), "permit must be released")

	snap, ok := store.Snapshot("alpha")
	require.True(t, ok)
	assert.Equal(t, 1, snap.Count)
	assert.Equal(t, 1, snap.SuccessCount)
}

func TestExecuteFailoverAfterRetries(t *testing.T) {
	alpha := testutil.NewFakeAdapter("alpha", "test-model").
		ScriptErrorN(3, types.ClassServer5xx, http.StatusBadGateway, "upstream boom")
	beta := testutil.NewFakeAdapter("beta", "test-model").ScriptResponse("beta wins")
	rtA, rtB := testRuntime(alpha, 2), testRuntime(beta, 2)

	store := telemetry.NewStore(0, 0)
	var mu sync.Mutex
	var samples []types.RequestOutcome
	cfg := fastConfig()
	cfg.OnAttempt = func(o types.RequestOutcome) {
		mu.Lock()
		samples = append(samples, o)
		mu.Unlock()
	}
	d := New(sourceOf(rtA, rtB), store, cfg)

	trace := &types.DecisionTrace{}
	res, err := d.Execute(context.Background(), testRequest(), chainOf(rtA, rtB), trace)

	require.NoError(t, err)
	assert.Equal(t, "beta", res.Candidate.Descriptor.ID)
	assert.Equal(t, 4, res.Attempts, "three failed calls then the winner")
	assert.Equal(t, 3, alpha.Calls(), "initial attempt plus two retries on the same provider")
	assert.Equal(t, 1, beta.Calls())

	alphaEntries := entriesFor(trace, "alpha")
	require.Len(t, alphaEntries, 3)
	for i, e := range alphaEntries {
		assert.Equal(t, i+1, e.Attempt)
		assert.Equal(t, types.OutcomeFailure, e.Outcome)
		assert.Equal(t, types.ClassServer5xx, e.Class)
	}
	betaEntries := entriesFor(trace, "beta")
	require.Len(t, betaEntries, 1)
	assert.Equal(t, types.OutcomeSuccess, betaEntries[0].Outcome)

	// One telemetry sample per adapter call, nothing more.
	mu.Lock()
	assert.Len(t, samples, 4)
	mu.Unlock()

	snapA, _ := store.Snapshot("alpha")
	assert.Equal(t, 3, snapA.FailureCount)
	assert.Equal(t, 3, rtA.Breaker.Snapshot().Failures)
}

func TestExecuteNoRetryWhenNotIdempotent(t *testing.T) {
	alpha := testutil.NewFakeAdapter("alpha", "test-model").
		ScriptError(types.ClassServer5xx, http.StatusServiceUnavailable, "boom")
	beta := testutil.NewFakeAdapter("beta", "test-model").ScriptResponse("ok")
	rtA, rtB := testRuntime(alpha, 2), testRuntime(beta, 2)
	d := New(sourceOf(rtA, rtB), telemetry.NewStore(0, 0), fastConfig())

	req := testRequest()
	req.Idempotent = false
	trace := &types.DecisionTrace{}
	res, err := d.Execute(context.Background(), req, chainOf(rtA, rtB), trace)

	require.NoError(t, err)
	assert.Equal(t, "beta", res.Candidate.Descriptor.ID)
	assert.Equal(t, 1, alpha.Calls(), "non-idempotent requests never retry in place")
}

func TestExecuteAuthBlockIsolation(t *testing.T) {
	alpha := testutil.NewFakeAdapter("alpha", "test-model").
		ScriptError(types.ClassAuth, http.StatusUnauthorized, "bad key")
	beta := testutil.NewFakeAdapter("beta", "test-model").
		ScriptResponse("first").ScriptResponse("second")
	rtA, rtB := testRuntime(alpha, 2), testRuntime(beta, 2)
	store := telemetry.NewStore(0, 0)
	d := New(sourceOf(rtA, rtB), store, fastConfig())

	trace := &types.DecisionTrace{}
	res, err := d.Execute(context.Background(), testRequest(), chainOf(rtA, rtB), trace)
	require.NoError(t, err)
	assert.Equal(t, "beta", res.Candidate.Descriptor.ID)
	assert.Equal(t, 1, alpha.Calls(), "auth failures are never retried on the same provider")
	assert.True(t, rtA.Breaker.AuthBlocked())

	alphaEntries := entriesFor(trace, "alpha")
	require.Len(t, alphaEntries, 1)
	assert.Equal(t, types.ClassAuth, alphaEntries[0].Class)

	// The next walk skips alpha at the breaker gate without an adapter call.
	trace2 := &types.DecisionTrace{}
	res2, err := d.Execute(context.Background(), testRequest(), chainOf(rtA, rtB), trace2)
	require.NoError(t, err)
	assert.Equal(t, "beta", res2.Candidate.Descriptor.ID)
	assert.Equal(t, 1, alpha.Calls())

	skips := entriesFor(trace2, "alpha")
	require.Len(t, skips, 1)
	assert.Equal(t, types.OutcomeRejected, skips[0].Outcome)
	assert.Equal(t, SkipAuthBlocked, skips[0].Detail)
}

func TestExecuteBadRequestAdvancesImmediately(t *testing.T) {
	alpha := testutil.NewFakeAdapter("alpha", "test-model").
		ScriptError(types.ClassBadRequest, http.StatusBadRequest, "model rejected input")
	beta := testutil.NewFakeAdapter("beta", "test-model").ScriptResponse("ok")
	rtA, rtB := testRuntime(alpha, 2), testRuntime(beta, 2)
	d := New(sourceOf(rtA, rtB), telemetry.NewStore(0, 0), fastConfig())

	trace := &types.DecisionTrace{}
	res, err := d.Execute(context.Background(), testRequest(), chainOf(rtA, rtB), trace)
	require.NoError(t, err)
	assert.Equal(t, "beta", res.Candidate.Descriptor.ID)
	assert.Equal(t, 1, alpha.Calls())
	assert.Equal(t, 1, rtA.Breaker.Snapshot().Failures)
}

func TestExecuteAllProvidersFailed(t *testing.T) {
	alpha := testutil.NewFakeAdapter("alpha", "test-model").
		ScriptErrorN(3, types.ClassServer5xx, http.StatusBadGateway, "alpha down")
	beta := testutil.NewFakeAdapter("beta", "test-model").
		ScriptErrorN(3, types.ClassServer5xx, http.StatusBadGateway, "beta down")
	rtA, rtB := testRuntime(alpha, 2), testRuntime(beta, 2)
	store := telemetry.NewStore(0, 0)
	d := New(sourceOf(rtA, rtB), store, fastConfig())

	trace := &types.DecisionTrace{}
	res, err := d.Execute(context.Background(), testRequest(), chainOf(rtA, rtB), trace)

	require.Error(t, err)
	assert.Nil(t, res)
	assert.Equal(t, routeerrors.KindAllProvidersFailed, routeerrors.KindOf(err))

	re, ok := routeerrors.AsRouteError(err)
	require.True(t, ok)
	assert.Contains(t, re.Detail, "beta")
	assert.Len(t, trace.Attempts, 6)
}

func TestExecuteEmptyChain(t *testing.T) {
	store := telemetry.NewStore(0, 0)
	d := New(fakeSource{}, store, fastConfig())

	trace := &types.DecisionTrace{}
	res, err := d.Execute(context.Background(), testRequest(), nil, trace)

	require.Error(t, err)
	assert.Nil(t, res)
	assert.Equal(t, routeerrors.KindNoProviderAvailable, routeerrors.KindOf(err))
	assert.Empty(t, trace.Attempts)
	assert.Empty(t, store.Snapshots(), "no provider state may be touched")
}

func TestExecuteBulkheadFullSkips(t *testing.T) {
	gate := make(chan struct{})
	alpha := testutil.NewFakeAdapter("alpha", "test-model").
		Script(testutil.Step{Gate: gate})
	beta := testutil.NewFakeAdapter("beta", "test-model").ScriptResponse("beta ok")
	rtA, rtB := testRuntime(alpha, 1), testRuntime(beta, 2)
	rtA.Descriptor.DefaultTimeout = 10 * time.Second
	store := telemetry.NewStore(0, 0)
	d := New(sourceOf(rtA, rtB), store, fastConfig())

	done := make(chan error, 1)
	go func() {
		trace := &types.DecisionTrace{}
		_, err := d.Execute(context.Background(), testRequest(), chainOf(rtA, rtB), trace)
		done <- err
	}()

	require.Eventually(t, func() bool { return rtA.Bulkhead.InUse() == 1 },
		time.Second, time.Millisecond, "first request should hold alpha's only permit")

	trace := &types.DecisionTrace{}
	res, err := d.Execute(context.Background(), testRequest(), chainOf(rtA, rtB), trace)
	require.NoError(t, err)
	assert.Equal(t, "beta", res.Candidate.Descriptor.ID)

	skips := entriesFor(trace, "alpha")
	require.Len(t, skips, 1)
	assert.Equal(t, types.OutcomeRejected, skips[0].Outcome)
	assert.Equal(t, SkipBulkheadFull, skips[0].Detail)
	assert.Equal(t, 0, rtA.Breaker.Snapshot().Failures, "bulkhead misses never count against the breaker")

	snapA, _ := store.Snapshot("alpha")
	assert.Equal(t, 1, snapA.RejectedCount)

	close(gate)
	require.NoError(t, <-done)
	assert.Equal(t, 0, rtA.Bulkhead.InUse(), "permits must pair up after both walks")
}

func TestExecuteCancellationLeavesBreakerAlone(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	alpha := testutil.NewFakeAdapter("alpha", "test-model").
		Script(testutil.Step{Gate: gate})
	rtA := testRuntime(alpha, 2)
	rtA.Descriptor.DefaultTimeout = 10 * time.Second
	store := telemetry.NewStore(0, 0)
	d := New(sourceOf(rtA), store, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	trace := &types.DecisionTrace{}
	done := make(chan error, 1)
	go func() {
		_, err := d.Execute(ctx, testRequest(), chainOf(rtA), trace)
		done <- err
	}()

	require.Eventually(t, func() bool { return alpha.Calls() == 1 },
		time.Second, time.Millisecond)
	cancel()

	err := <-done
	require.Error(t, err)
	assert.Equal(t, routeerrors.KindCanceled, routeerrors.KindOf(err))

	assert.Equal(t, breaker.StateClosed, rtA.Breaker.State())
	assert.Equal(t, 0, rtA.Breaker.Snapshot().Failures, "cancellation is not a provider failure")
	assert.Equal(t, 0, rtA.Bulkhead.InUse())

	snap, _ := store.Snapshot("alpha")
	assert.Equal(t, 1, snap.CanceledCount)
	require.Len(t, trace.Attempts, 1)
	assert.Equal(t, types.OutcomeCanceled, trace.Attempts[0].Outcome)
}

func TestExecutePreCanceledContextSkipsDispatch(t *testing.T) {
	alpha := testutil.NewFakeAdapter("alpha", "test-model").ScriptResponse("never sent")
	rtA := testRuntime(alpha, 2)
	store := telemetry.NewStore(0, 0)
	d := New(sourceOf(rtA), store, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	trace := &types.DecisionTrace{}
	res, err := d.Execute(ctx, testRequest(), chainOf(rtA), trace)

	require.Error(t, err)
	assert.Nil(t, res)
	assert.Equal(t, routeerrors.KindCanceled, routeerrors.KindOf(err))

	assert.Equal(t, 0, alpha.Calls(), "a dead caller makes no adapter calls")
	assert.Equal(t, breaker.StateClosed, rtA.Breaker.State())
	assert.Equal(t, 0, rtA.Breaker.Snapshot().Failures)
	assert.Empty(t, trace.Attempts)
	assert.Empty(t, store.Snapshots(), "no provider state may be touched")
}

func TestExecuteExpiredDeadlineSkipsDispatch(t *testing.T) {
	alpha := testutil.NewFakeAdapter("alpha", "test-model").ScriptResponse("never sent")
	rtA := testRuntime(alpha, 2)
	d := New(sourceOf(rtA), telemetry.NewStore(0, 0), fastConfig())

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := d.Execute(ctx, testRequest(), chainOf(rtA), &types.DecisionTrace{})

	require.Error(t, err)
	assert.Equal(t, routeerrors.KindDeadlineExceeded, routeerrors.KindOf(err))
	assert.Equal(t, 0, alpha.Calls())
}

func TestExecuteDeadlineExhaustionMidChain(t *testing.T) {
	alpha := testutil.NewFakeAdapter("alpha", "test-model").Script(testutil.Step{
		Delay: 150 * time.Millisecond,
		Err:   adapter.NewError("alpha", types.ClassServer5xx, http.StatusBadGateway, "slow failure"),
	})
	beta := testutil.NewFakeAdapter("beta", "test-model").ScriptResponse("never reached")
	rtA, rtB := testRuntime(alpha, 2), testRuntime(beta, 2)
	cfg := fastConfig()
	cfg.GlobalTimeout = 600 * time.Millisecond
	d := New(sourceOf(rtA, rtB), telemetry.NewStore(0, 0), cfg)

	trace := &types.DecisionTrace{}
	_, err := d.Execute(context.Background(), testRequest(), chainOf(rtA, rtB), trace)

	require.Error(t, err)
	assert.Equal(t, routeerrors.KindDeadlineExceeded, routeerrors.KindOf(err))
	re, _ := routeerrors.AsRouteError(err)
	assert.Contains(t, re.Detail, "alpha")
	assert.Equal(t, 0, beta.Calls(), "no budget left for the second provider")
}

func TestExecuteAttemptTimeoutRetriesInPlace(t *testing.T) {
	alpha := testutil.NewFakeAdapter("alpha", "test-model").
		Script(testutil.Step{Delay: 300 * time.Millisecond}).
		ScriptResponse("second try")
	rtA := testRuntime(alpha, 2)
	rtA.Descriptor.DefaultTimeout = 50 * time.Millisecond
	store := telemetry.NewStore(0, 0)
	d := New(sourceOf(rtA), store, fastConfig())

	trace := &types.DecisionTrace{}
	res, err := d.Execute(context.Background(), testRequest(), chainOf(rtA), trace)

	require.NoError(t, err)
	assert.Equal(t, "second try", res.Response.Choices[0].Message.Content)
	assert.Equal(t, 2, alpha.Calls())

	entries := entriesFor(trace, "alpha")
	require.Len(t, entries, 2)
	assert.Equal(t, types.OutcomeTimeout, entries[0].Outcome)
	assert.Equal(t, types.ClassTimeout, entries[0].Class)
	assert.Equal(t, types.OutcomeSuccess, entries[1].Outcome)

	snap, _ := store.Snapshot("alpha")
	assert.Equal(t, 1, snap.TimeoutCount)
	assert.Equal(t, 1, snap.SuccessCount)
}

func TestExecuteBudgetDiesDuringAttempt(t *testing.T) {
	alpha := testutil.NewFakeAdapter("alpha", "test-model").
		Script(testutil.Step{Delay: 2 * time.Second})
	rtA := testRuntime(alpha, 2)
	rtA.Descriptor.DefaultTimeout = 5 * time.Second
	cfg := fastConfig()
	cfg.GlobalTimeout = 300 * time.Millisecond
	cfg.MinAttemptBudget = 10 * time.Millisecond
	d := New(sourceOf(rtA), telemetry.NewStore(0, 0), cfg)

	start := time.Now()
	trace := &types.DecisionTrace{}
	_, err := d.Execute(context.Background(), testRequest(), chainOf(rtA), trace)

	require.Error(t, err)
	assert.Equal(t, routeerrors.KindProviderTimeout, routeerrors.KindOf(err))
	re, _ := routeerrors.AsRouteError(err)
	assert.Equal(t, "alpha", re.Provider)
	assert.Less(t, time.Since(start), 2*time.Second, "the walk must stop at the budget, not the adapter")
}

func TestExecuteFastPathBudget(t *testing.T) {
	alpha := testutil.NewFakeAdapter("alpha", "test-model").
		Script(testutil.Step{Delay: 2 * time.Second})
	rtA := testRuntime(alpha, 2)
	cfg := fastConfig()
	cfg.FastPathTimeout = 100 * time.Millisecond
	cfg.MinAttemptBudget = 10 * time.Millisecond
	d := New(sourceOf(rtA), telemetry.NewStore(0, 0), cfg)

	req := testRequest()
	req.MaxTokens = 32

	start := time.Now()
	_, err := d.Execute(context.Background(), req, chainOf(rtA), &types.DecisionTrace{})

	require.Error(t, err)
	assert.Equal(t, routeerrors.KindProviderTimeout, routeerrors.KindOf(err))
	assert.Less(t, time.Since(start), time.Second, "simple prompts run under the short budget")
}

func TestExecuteBreakerOpenSkip(t *testing.T) {
	alpha := testutil.NewFakeAdapter("alpha", "test-model")
	beta := testutil.NewFakeAdapter("beta", "test-model").ScriptResponse("ok")
	rtA, rtB := testRuntime(alpha, 2), testRuntime(beta, 2)
	for i := 0; i < breaker.DefaultConfig().FailureThreshold; i++ {
		rtA.Breaker.RecordFailure()
	}
	require.Equal(t, breaker.StateOpen, rtA.Breaker.State())

	d := New(sourceOf(rtA, rtB), telemetry.NewStore(0, 0), fastConfig())
	trace := &types.DecisionTrace{}
	res, err := d.Execute(context.Background(), testRequest(), chainOf(rtA, rtB), trace)

	require.NoError(t, err)
	assert.Equal(t, "beta", res.Candidate.Descriptor.ID)
	assert.Equal(t, 0, alpha.Calls(), "open breaker blocks the adapter call")

	skips := entriesFor(trace, "alpha")
	require.Len(t, skips, 1)
	assert.Equal(t, SkipBreakerOpen, skips[0].Detail)
}

func TestExecuteSkipsRemovedProvider(t *testing.T) {
	beta := testutil.NewFakeAdapter("beta", "test-model").ScriptResponse("ok")
	rtB := testRuntime(beta, 2)
	ghost := policy.Candidate{Descriptor: types.ProviderDescriptor{ID: "ghost"}}

	d := New(sourceOf(rtB), telemetry.NewStore(0, 0), fastConfig())
	trace := &types.DecisionTrace{}
	res, err := d.Execute(context.Background(), testRequest(),
		append([]policy.Candidate{ghost}, chainOf(rtB)...), trace)

	require.NoError(t, err)
	assert.Equal(t, "beta", res.Candidate.Descriptor.ID)
	skips := entriesFor(trace, "ghost")
	require.Len(t, skips, 1)
	assert.Equal(t, SkipRemoved, skips[0].Detail)
}

func TestFastPath(t *testing.T) {
	short := &types.RoutingRequest{
		Model:     "m",
		Messages:  []types.Message{{Role: "user", Content: "quick question"}},
		MaxTokens: 32,
	}
	assert.True(t, fastPath(short))

	noCap := &types.RoutingRequest{
		Model:    "m",
		Messages: []types.Message{{Role: "user", Content: "quick question"}},
	}
	assert.False(t, fastPath(noCap), "uncapped output keeps the full budget")

	tooBig := &types.RoutingRequest{
		Model:     "m",
		Messages:  []types.Message{{Role: "user", Content: string(make([]byte, 300))}},
		MaxTokens: 32,
	}
	assert.False(t, fastPath(tooBig))

	multiTurn := &types.RoutingRequest{
		Model: "m",
		Messages: []types.Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hi"},
		},
		MaxTokens: 32,
	}
	assert.False(t, fastPath(multiTurn))

	withTools := &types.RoutingRequest{
		Model:     "m",
		Messages:  []types.Message{{Role: "user", Content: "hi"}},
		MaxTokens: 32,
		Tools:     []types.Tool{{Type: "function"}},
	}
	assert.False(t, fastPath(withTools))
}

func TestBackoffGrowthAndCap(t *testing.T) {
	d := New(fakeSource{}, telemetry.NewStore(0, 0), Config{
		BackoffBase:   100 * time.Millisecond,
		BackoffJitter: -1,
		BackoffCap:    300 * time.Millisecond,
	})

	assert.Equal(t, 100*time.Millisecond, d.backoff(1))
	assert.Equal(t, 200*time.Millisecond, d.backoff(2))
	assert.Equal(t, 300*time.Millisecond, d.backoff(3), "capped")
	assert.Equal(t, 300*time.Millisecond, d.backoff(4))
}

func TestBackoffJitterBounds(t *testing.T) {
	d := New(fakeSource{}, telemetry.NewStore(0, 0), Config{
		BackoffBase:   100 * time.Millisecond,
		BackoffJitter: 50 * time.Millisecond,
		BackoffCap:    time.Second,
	})
	for i := 0; i < 100; i++ {
		delay := d.backoff(1)
		assert.GreaterOrEqual(t, delay, 100*time.Millisecond)
		assert.Less(t, delay, 150*time.Millisecond)
	}
}
