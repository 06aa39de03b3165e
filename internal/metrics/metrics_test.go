package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestStatusClass(t *testing.T) {
	tests := map[int]string{
		100: "1xx",
		200: "2xx",
		201: "2xx",
		302: "3xx",
		409: "4xx",
		423: "4xx",
		503: "5xx",
		0:   "other",
		700: "other",
	}
	for code, want := range tests {
		assert.Equal(t, want, statusClass(code), "code %d", code)
	}
}

func TestMiddleware_CountsByRoutePattern(t *testing.T) {
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/wallets/:id", func(c *gin.Context) { c.Status(http.StatusLocked) })

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/v1/wallets/:id", "4xx"))
	for _, id := range []string{"wal_1", "wal_2"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/wallets/"+id, nil))
		require.Equal(t, http.StatusLocked, w.Code)
	}

	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/v1/wallets/:id", "4xx"))
	assert.Equal(t, 2.0, after-before)
	assert.Equal(t, 0.0, testutil.ToFloat64(HTTPInFlight))
}

func TestMiddleware_UnmatchedRoute(t *testing.T) {
	r := gin.New()
	r.Use(Middleware())

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "4xx"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope/123", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "4xx"))-before)
}

func TestMetricsEndpoint(t *testing.T) {
	SetBuildInfo("test", "abc123")
	r := gin.New()
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "ridewallet_build_info")
	assert.Contains(t, body, "ridewallet_db_open_connections")
	assert.Contains(t, body, "ridewallet_goroutines")
}

func TestStartDBStatsCollector(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		StartDBStatsCollector(ctx, db, time.Hour)
		close(done)
	}()

	// The first sample is taken immediately.
	assert.Eventually(t, func() bool { return testutil.ToFloat64(GoroutineCount) > 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	sample(nil)
}
