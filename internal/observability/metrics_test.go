package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestMetricsHandlerExposesPrometheusMetrics(t *testing.T) {
	metrics := NewMetrics()
	metrics.CacheMiss("purchase_orders")
	metrics.Jobs().SetStockDrift(0)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)

	metrics.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}

	body := rr.Body.String()
	if !strings.Contains(body, "orderflow_cache_lookups_total") {
		t.Fatalf("expected body to contain orderflow_cache_lookups_total, got: %s", body)
	}
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/test")

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx)
	req = req.WithContext(ctx)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected status %d, got %d", http.StatusTeapot, rr.Code)
	}

	metricsRR := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(metricsRR, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	metricsBody := metricsRR.Body.String()
	if !strings.Contains(metricsBody, "http_requests_total{code=\"418\",route=\"/test\"} 1") {
		t.Fatalf("expected metrics to record request, got: %s", metricsBody)
	}
	if !strings.Contains(metricsBody, "http_request_duration_seconds_bucket{route=\"/test\"") {
		t.Fatalf("expected duration histogram to be present, got: %s", metricsBody)
	}
}

func TestMetricsCountCacheAndOrderOutcomes(t *testing.T) {
	metrics := NewMetrics()
	metrics.CacheHit("inventory")
	metrics.CacheHit("inventory")
	metrics.CacheError("get")
	metrics.OrderWrite("sales", "submit", "duplicate_line_item")

	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rr.Body.String()

	for _, want := range []string{
		`orderflow_cache_lookups_total{entity="inventory",result="hit"} 2`,
		`orderflow_cache_errors_total{op="get"} 1`,
		`orderflow_order_writes_total{kind="sales",op="submit",outcome="duplicate_line_item"} 1`,
		`orderflow_stock_drift_pairs 0`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected metrics to contain %s, got: %s", want, body)
		}
	}

	var nilMetrics *Metrics
	nilMetrics.CacheMiss("x")
	nilMetrics.OrderWrite("a", "b", "c")
}
