package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/sdk/trace"
)

func TestInitWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	shutdown, err := Init(context.Background(), "nodegate-test")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if shutdown == nil {
		t.Fatal("nil shutdown")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestParseSampler(t *testing.T) {
	cases := []struct {
		name string
		arg  string
	}{
		{"always_on", ""},
		{"always_off", ""},
		{"traceidratio", "0.25"},
		{"parentbased_traceidratio", "2"},
		{"", "-1"},
	}
	for _, tc := range cases {
		var s trace.Sampler = parseSampler(tc.name, tc.arg)
		if s == nil {
			t.Fatalf("sampler %q/%q = nil", tc.name, tc.arg)
		}
	}
}

func TestParseHeaders(t *testing.T) {
	out := parseHeaders(" a=1, b = two ,malformed, =skip ")
	if len(out) != 2 {
		t.Fatalf("headers = %v", out)
	}
	if out["a"] != "1" || out["b"] != "two" {
		t.Fatalf("headers = %v", out)
	}
	if parseHeaders("") != nil {
		t.Fatal("empty input should yield nil")
	}
}

func TestHTTPMiddleware(t *testing.T) {
	mw := HTTPMiddleware("")
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/node/services/oauth/token", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestInstrumentClient(t *testing.T) {
	c := InstrumentClient(nil)
	if c == nil || c.Transport == nil {
		t.Fatal("instrumented client missing transport")
	}
}
