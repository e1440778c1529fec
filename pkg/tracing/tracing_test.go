package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordingProvider() (*Provider, *tracetest.SpanRecorder) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	return NewWithProvider(tp, "test"), sr
}

func TestInitTracerDisabled(t *testing.T) {
	p, err := InitTracer(Config{Enabled: false}, nil)
	require.NoError(t, err)

	_, span := p.StartSpan(context.Background(), "noop")
	assert.False(t, span.IsRecording())
	span.End()
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNilProvider(t *testing.T) {
	var p *Provider
	ctx, span := p.StartSpan(context.Background(), "nothing")
	assert.NotNil(t, ctx)
	assert.False(t, span.IsRecording())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestSpanHelpers(t *testing.T) {
	p, sr := recordingProvider()

	ctx, span := p.StartSpan(context.Background(), "task.attempt", attribute.String("task.id", "t1"))
	AddEvent(ctx, "dequeued")
	SetError(ctx, errors.New("network: connection reset"))
	span.End()

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "task.attempt", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Contains(t, spans[0].Attributes(), attribute.String("task.id", "t1"))

	var names []string
	for _, ev := range spans[0].Events() {
		names = append(names, ev.Name)
	}
	assert.Contains(t, names, "dequeued")
	assert.Contains(t, names, "exception")
}

func TestHTTPMiddlewareNamesSpanByRoute(t *testing.T) {
	p, sr := recordingProvider()

	r := mux.NewRouter()
	r.Use(HTTPMiddleware(p))
	r.HandleFunc("/checkpoints/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/checkpoints/abc", nil))

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /checkpoints/{id}", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}
