package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestMiddlewareWithDisabledTelemetry(t *testing.T) {
	tel, cleanup, err := Init(nil, NewConfig())
	require.NoError(t, err)
	defer cleanup()

	handler := HTTPMiddleware(tel, "test")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if trace.SpanFromContext(r.Context()).IsRecording() {
			t.Error("expected noop span when telemetry disabled")
		}
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMiddlewareNamesSpanAfterRoute(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tel := &Telemetry{
		config:         NewConfig(),
		tracerProvider: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)),
	}

	r := chi.NewRouter()
	r.Use(HTTPMiddleware(tel, "test"))
	r.Get("/debug/status/{resource}", func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, trace.SpanFromContext(r.Context()).IsRecording())
		w.WriteHeader(http.StatusNotFound)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/debug/status/tasks", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /debug/status/{resource}", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), AttrHTTPStatusCode.Int(http.StatusNotFound))
}

func TestMiddlewareRecordsMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	tel, err := NewWithMeterProvider(NewConfig(), sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(HTTPMiddleware(tel, "test"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
		require.Equal(t, http.StatusOK, w.Code)
	}

	got := collect(t, reader)
	count, ok := got["http.server.request_count"].(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, count.DataPoints, 1)
	assert.Equal(t, int64(3), count.DataPoints[0].Value)
	route, _ := count.DataPoints[0].Attributes.Value(AttrHTTPRoute)
	assert.Equal(t, "/healthz", route.AsString())

	assert.Contains(t, got, "http.server.request_duration")
	assert.Contains(t, got, "http.server.response_size")
}
