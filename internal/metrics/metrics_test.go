package metrics

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
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
		{409, "4xx"},
		{422, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		if got := statusBucket(tt.code); got != tt.want {
			t.Errorf("statusBucket(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/requests/:id", func(c *gin.Context) { c.Status(http.StatusConflict) })

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/v1/requests/:id", "4xx"))

	for _, id := range []string{"1", "2", "3"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/requests/"+id, nil))
	}

	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/v1/requests/:id", "4xx"))
	if after-before != 3 {
		t.Errorf("expected 3 requests under one pattern, got %v", after-before)
	}
}

func TestMiddlewareUnmatchedPath(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "4xx"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/nope/123", nil))
	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "4xx"))

	if after-before != 1 {
		t.Errorf("expected unmatched paths to share one label, got %v", after-before)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	// Gauges and plain counters are exported before the first observation.
	body := w.Body.String()
	for _, name := range []string{
		"upiramp_active_websocket_clients",
		"upiramp_api_keys_issued_total",
		"upiramp_expiry_sweep_expired_total",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("Expected metrics output to contain %s", name)
		}
	}
}

func TestRegisterDBStatsTwice(t *testing.T) {
	// sql.Open does not connect; the collector only reads db.Stats().
	db, err := sql.Open("postgres", "postgres://localhost/none")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if err := RegisterDBStats(db); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := RegisterDBStats(db); err != nil {
		t.Fatalf("second register: %v", err)
	}
}
