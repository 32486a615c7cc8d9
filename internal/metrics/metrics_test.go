package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyroute/polyroute/pkg/types"
)

func TestAttemptClass(t *testing.T) {
	tests := []struct {
		name string
		o    types.RequestOutcome
		want string
	}{
		{"success", types.RequestOutcome{Status: types.OutcomeSuccess}, "success"},
		{"rejected", types.RequestOutcome{Status: types.OutcomeRejected}, "rejected"},
		{"canceled", types.RequestOutcome{Status: types.OutcomeCanceled}, "canceled"},
		{"classified failure", types.RequestOutcome{Status: types.OutcomeFailure, Class: types.ClassServer5xx}, "server_5xx"},
		{"timeout", types.RequestOutcome{Status: types.OutcomeTimeout, Class: types.ClassTimeout}, "timeout"},
		{"unclassified failure", types.RequestOutcome{Status: types.OutcomeFailure}, "other"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, attemptClass(tt.o))
		})
	}
}

func TestObserveRequestLabelsMissingProvider(t *testing.T) {
	ObserveRequest("", "no_provider_available", 50*time.Millisecond)

	got := testutil.ToFloat64(RequestsTotal.WithLabelValues("none", "no_provider_available"))
	assert.Equal(t, 1.0, got)
}

func TestProviderGauges(t *testing.T) {
	SetProviderHealth("gauge-test", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(ProviderHealth.WithLabelValues("gauge-test")))

	SetProviderHealth("gauge-test", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(ProviderHealth.WithLabelValues("gauge-test")))

	SetBreakerState("gauge-test", 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(BreakerState.WithLabelValues("gauge-test")))

	SetBulkheadInUse("gauge-test", 7)
	assert.Equal(t, 7.0, testutil.ToFloat64(BulkheadInUse.WithLabelValues("gauge-test")))
}

func TestMiddlewareCountsByPattern(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /metrics-test/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(Middleware(mux))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics-test/ping")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	got := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues(
		"GET", "GET /metrics-test/ping", "204"))
	assert.Equal(t, 1.0, got)
}

func TestMiddlewareLabelsUnmatchedRoutes(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /metrics-test/known", func(w http.ResponseWriter, _ *http.Request) {})
	srv := httptest.NewServer(Middleware(mux))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics-test/definitely-not-a-route")
	require.NoError(t, err)
	resp.Body.Close()

	got := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "404"))
	assert.Equal(t, 1.0, got)
}
