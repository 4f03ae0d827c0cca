package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"phimarket/internal/exchange"
)

func TestCanonicalPath(t *testing.T) {
	tests := map[string]string{
		"":                             "/",
		"/":                            "/",
		"/healthz":                     "/healthz",
		"/v1/market":                   "/v1/market",
		"/v1/market/daniel-park":       "/v1/market/:rest",
		"/v1/admin/characters/x/price": "/v1/admin/:rest",
	}
	for in, want := range tests {
		require.Equal(t, want, canonicalPath(in), in)
	}
}

func TestInstrumentHandlerUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(InstrumentHandler)
	r.Get("/v1/market/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/v1/market/{id}", "418"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/market/gun-park", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)
	after := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/v1/market/{id}", "418"))
	require.Equal(t, before+1, after)
}

func TestEngineCounters(t *testing.T) {
	var m Engine
	buys := testutil.ToFloat64(tradesExecuted.WithLabelValues("buy"))
	shares := testutil.ToFloat64(tradeShares.WithLabelValues("buy"))
	m.TradeExecuted(exchange.SideBuy, 3, 300)
	require.Equal(t, buys+1, testutil.ToFloat64(tradesExecuted.WithLabelValues("buy")))
	require.Equal(t, shares+3, testutil.ToFloat64(tradeShares.WithLabelValues("buy")))

	ok := testutil.ToFloat64(profilePublishes.WithLabelValues("true"))
	failed := testutil.ToFloat64(profilePublishes.WithLabelValues("false"))
	m.ProfilePublished(nil)
	m.ProfilePublished(errors.New("boom"))
	m.ProfilePublished(context.Canceled)
	require.Equal(t, ok+1, testutil.ToFloat64(profilePublishes.WithLabelValues("true")))
	require.Equal(t, failed+1, testutil.ToFloat64(profilePublishes.WithLabelValues("false")))

	updated := testutil.ToFloat64(bulkRecords.WithLabelValues("reset_strength_votes"))
	m.BulkChunk("reset_strength_votes", 400, nil)
	m.BulkChunk("reset_strength_votes", 0, errors.New("down"))
	require.Equal(t, updated+400, testutil.ToFloat64(bulkRecords.WithLabelValues("reset_strength_votes")))

	RecordJob("revalue", 0, nil)
	require.GreaterOrEqual(t, testutil.ToFloat64(jobRuns.WithLabelValues("revalue", "true")), 1.0)
}

func TestHandlerExposesCollectors(t *testing.T) {
	Engine{}.VoteCast(exchange.CategoryStrength)
	RecordJob("snapshot_ranks", 25*time.Millisecond, nil)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.True(t, strings.Contains(body, "phimarket_votes_cast_total"))
	require.True(t, strings.Contains(body, "phimarket_worker_job_run_duration_seconds"))
}
