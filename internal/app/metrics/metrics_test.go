package metrics

import (
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                               "/",
		"/healthz":                       "/healthz",
		"/api/sessions":                  "/api/sessions",
		"/api/sessions/0xabc":            "/api/sessions/:id",
		"/api/sessions/0xabc/refund":     "/api/sessions/:id/refund",
		"/api/admin/pause":               "/api/admin/pause",
		"/api/events/stream":             "/api/events/stream",
		"/api/tokens/0x01/balances/0x02": "/api/tokens/:id/balances",
		"/api/attestations/0xdeadbeef":   "/api/attestations/:id",
	}
	for in, want := range cases {
		if got := canonicalPath(in); got != want {
			t.Fatalf("canonicalPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRecordEngineOperation(t *testing.T) {
	before := testutil.ToFloat64(engineOperations.WithLabelValues("refund", "REFUND_TOO_SOON"))
	RecordEngineOperation("refund", "REFUND_TOO_SOON", time.Millisecond)
	after := testutil.ToFloat64(engineOperations.WithLabelValues("refund", "REFUND_TOO_SOON"))
	if after-before != 1 {
		t.Fatalf("expected counter to increase by 1, got %v", after-before)
	}
}

func TestAddEscrowed(t *testing.T) {
	token := "0x00000000000000000000000000000000000000c3"
	AddEscrowed(token, big.NewInt(10_000_000))
	AddEscrowed(token, big.NewInt(-4_000_000))
	AddEscrowed(token, nil)
	if got := testutil.ToFloat64(escrowed.WithLabelValues(token)); got != 6_000_000 {
		t.Fatalf("unexpected escrow gauge %v", got)
	}
}

func TestInstrumentHandlerRecordsStatus(t *testing.T) {
	h := InstrumentHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/sessions/0x01", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)

	if got := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/api/sessions/:id", "418")); got < 1 {
		t.Fatalf("expected request to be counted, got %v", got)
	}

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "sessionpay_http_requests_total") {
		t.Fatalf("metrics output missing http counter")
	}
}
