package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNormalizeRoute(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		// Known exact routes.
		{"/healthz", "/healthz"},
		{"/readyz", "/readyz"},
		{"/metrics", "/metrics"},
		{"/", "/"},
		{"/api/v1/anchors", "/api/v1/anchors"},
		{"/api/v1/georeference", "/api/v1/georeference"},
		{"/api/v1/georeference/origin", "/api/v1/georeference/origin"},
		{"/api/v1/world/origin", "/api/v1/world/origin"},
		{"/api/v1/convert", "/api/v1/convert"},
		{"/api/v1/stream/anchors", "/api/v1/stream/anchors"},

		// Anchor ids collapse to one label per action.
		{"/api/v1/anchors/0b0f8e5e-6f3c-4c41-9a55-6f5b1b0c2a11", "/api/v1/anchors/{id}"},
		{"/api/v1/anchors/tower", "/api/v1/anchors/{id}"},
		{"/api/v1/anchors/tower/geodetic", "/api/v1/anchors/{id}/geodetic"},
		{"/api/v1/anchors/tower/ecef", "/api/v1/anchors/{id}/ecef"},
		{"/api/v1/anchors/tower/local", "/api/v1/anchors/{id}/local"},
		{"/api/v1/anchors/tower/snap", "/api/v1/anchors/{id}/snap"},
		{"/api/v1/anchors/tower/flags", "/api/v1/anchors/{id}/flags"},

		// Unknown/bot paths collapse to "other".
		{"/api/v1/anchors/", "other"},
		{"/api/v1/anchors/tower/delete", "other"},
		{"/api/v1/anchors//ecef", "other"},
		{"/wp-admin", "other"},
		{"/.env", "other"},
		{"/api/v2/anchors", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := normalizeRoute(tt.path)
			if got != tt.want {
				t.Errorf("normalizeRoute(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

// TestMetricsCardinality verifies that 100 unique anchor ids produce
// exactly 1 distinct path label, not 100.
func TestMetricsCardinality(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		label := normalizeRoute("/api/v1/anchors/" + string(rune('a'+i%26)) + string(rune('0'+i/26)) + "/geodetic")
		seen[label] = true
	}
	if len(seen) != 1 {
		t.Errorf("expected 1 unique label for parameterized paths, got %d: %v", len(seen), seen)
	}
}

func TestMiddleware_RecordsNormalizedRoute(t *testing.T) {
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("/api/v1/anchors/{id}", "GET", "418"))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/anchors/some-id", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("/api/v1/anchors/{id}", "GET", "418"))

	if after-before != 1 {
		t.Errorf("request counter increased by %v, want 1", after-before)
	}
}

func TestRecordSettle(t *testing.T) {
	okBefore := testutil.ToFloat64(settlePassesTotal.WithLabelValues("geodetic", "ok"))
	errBefore := testutil.ToFloat64(settlePassesTotal.WithLabelValues("geodetic", "error"))

	RecordSettle("geodetic", time.Microsecond, nil)
	RecordSettle("geodetic", time.Microsecond, errors.New("boom"))

	if got := testutil.ToFloat64(settlePassesTotal.WithLabelValues("geodetic", "ok")) - okBefore; got != 1 {
		t.Errorf("ok passes increased by %v, want 1", got)
	}
	if got := testutil.ToFloat64(settlePassesTotal.WithLabelValues("geodetic", "error")) - errBefore; got != 1 {
		t.Errorf("error passes increased by %v, want 1", got)
	}
}

func TestHandler_Exposes(t *testing.T) {
	IncSuppressedNotifications()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if !strings.Contains(rec.Body.String(), "geoanchor_suppressed_notifications_total") {
		t.Error("metrics output missing geoanchor_suppressed_notifications_total")
	}
}
