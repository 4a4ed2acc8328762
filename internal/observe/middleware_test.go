package observe

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// serve runs one request through Middleware around a handler that replies
// with status and returns the recorded response and span.
func serve(t *testing.T, m *Metrics, req *http.Request, status int) (*httptest.ResponseRecorder, tracetest.SpanStub, string) {
	t.Helper()
	exp := useRecorder(t)

	var inner string
	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inner = CorrelationID(r.Context())
		w.WriteHeader(status)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	return rec, spans[0], inner
}

func TestMiddleware_Span(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		status     int
		wantStatus codes.Code
	}{
		{name: "ok", method: http.MethodGet, path: "/v1/session", status: http.StatusOK, wantStatus: codes.Unset},
		{name: "client error", method: http.MethodPost, path: "/v1/session/mute", status: http.StatusBadRequest, wantStatus: codes.Unset},
		{name: "forbidden", method: http.MethodPost, path: "/v1/session/start", status: http.StatusForbidden, wantStatus: codes.Unset},
		{name: "server error", method: http.MethodPost, path: "/v1/session/start", status: http.StatusBadGateway, wantStatus: codes.Error},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, span, inner := serve(t, nil, httptest.NewRequest(tt.method, tt.path, nil), tt.status)

			if rec.Code != tt.status {
				t.Errorf("response status = %d, want %d", rec.Code, tt.status)
			}
			if want := tt.method + " " + tt.path; span.Name != want {
				t.Errorf("span name = %q, want %q", span.Name, want)
			}
			if span.Status.Code != tt.wantStatus {
				t.Errorf("span status = %v, want %v", span.Status.Code, tt.wantStatus)
			}
			var gotCode int64
			for _, a := range span.Attributes {
				if a.Key == "http.response.status_code" {
					gotCode = a.Value.AsInt64()
				}
			}
			if gotCode != int64(tt.status) {
				t.Errorf("http.response.status_code = %d, want %d", gotCode, tt.status)
			}
			if got := rec.Header().Get(CorrelationHeader); got == "" || got != inner {
				t.Errorf("%s = %q, handler saw %q", CorrelationHeader, got, inner)
			}
		})
	}
}

func TestMiddleware_ContinuesInboundTrace(t *testing.T) {
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	req := httptest.NewRequest(http.MethodGet, "/v1/session", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")

	rec, span, inner := serve(t, nil, req, http.StatusOK)

	if inner != traceID {
		t.Errorf("handler correlation ID = %q, want %q", inner, traceID)
	}
	if got := rec.Header().Get(CorrelationHeader); got != traceID {
		t.Errorf("%s = %q, want %q", CorrelationHeader, got, traceID)
	}
	if got := span.Parent.SpanID().String(); got != "00f067aa0ba902b7" {
		t.Errorf("parent span = %s, want 00f067aa0ba902b7", got)
	}
	if rec.Header().Get("traceparent") == "" {
		t.Error("response is missing traceparent")
	}
}

func TestMiddleware_RecordsDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	serve(t, m, httptest.NewRequest(http.MethodGet, "/healthz", nil), http.StatusOK)

	met := findMetric(collect(t, reader), "lifevoice.http.request.duration")
	if met == nil {
		t.Fatal("lifevoice.http.request.duration not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 {
		t.Fatalf("unexpected histogram data: %#v", met.Data)
	}
	dp := hist.DataPoints[0]
	if dp.Count != 1 {
		t.Errorf("sample count = %d, want 1", dp.Count)
	}
	for key, want := range map[string]string{"method": "GET", "path": "/healthz"} {
		v, ok := dp.Attributes.Value(attribute.Key(key))
		if !ok || v.AsString() != want {
			t.Errorf("attribute %s = %q, want %q", key, v.AsString(), want)
		}
	}
}

func TestResponseWriter_Hijack(t *testing.T) {
	inner := httptest.NewRecorder()
	w := &responseWriter{ResponseWriter: inner, status: http.StatusOK}
	if w.Unwrap() != inner {
		t.Error("Unwrap did not return the wrapped writer")
	}
	// httptest.ResponseRecorder cannot be hijacked.
	if _, _, err := w.Hijack(); err == nil {
		t.Error("Hijack on a recorder succeeded, want error")
	}
}
