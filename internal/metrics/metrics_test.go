package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{400, "4xx"},
		{429, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		if got := statusBucket(tt.code); got != tt.want {
			t.Errorf("statusBucket(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	AlertsTotal.WithLabelValues("HIGH").Inc()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	for _, name := range []string{
		"fraudwatch_queue_depth",
		"fraudwatch_active_websocket_clients",
		"fraudwatch_alerts_total",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("Expected metrics output to contain %s", name)
		}
	}
}

func TestMiddleware_RecordsMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/alerts/:transactionId", func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	})

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/v1/alerts/:transactionId", "4xx"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/alerts/tx_1", nil))

	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/v1/alerts/:transactionId", "4xx"))
	if after != before+1 {
		t.Errorf("expected route-pattern counter to increase by 1, got %v → %v", before, after)
	}
}

func TestStartDBStatsCollector_NilDB(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		StartDBStatsCollector(ctx, nil, 5*time.Millisecond)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("collector did not stop on cancel")
	}
	if testutil.ToFloat64(GoroutineCount) == 0 {
		t.Error("expected goroutine gauge to be sampled")
	}
}
