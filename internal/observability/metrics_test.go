package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danmuck/btpmux/internal/testutil/testlog"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("GET", "/healthz", 200, 12*time.Millisecond)
	RecordCall("ok", 3*time.Millisecond)
	SetPendingRequests(2)
	RecordAuthFailure()
	AddConnections(1)
	AddConnections(-1)
	RecordEventDrop("nats")

	before := testutil.ToFloat64(packets.WithLabelValues("in", "PREPARE"))
	RecordPacket("in", "PREPARE")
	if got := testutil.ToFloat64(packets.WithLabelValues("in", "PREPARE")); got != before+1 {
		t.Fatalf("packet counter = %v, want %v", got, before+1)
	}
}

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	testlog.Start(t)
	r := chi.NewRouter()
	r.Use(RequestLogger(zerolog.Nop()), RequestMetricsMiddleware)
	r.Get("/accounts/{account}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/accounts/{account}", "418"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/accounts/alice", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rec.Code)
	}
	after := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/accounts/{account}", "418"))
	if after != before+1 {
		t.Fatalf("request counter = %v, want %v", after, before+1)
	}
}
