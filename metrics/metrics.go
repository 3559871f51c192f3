package metrics

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	metricsApi "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

type AppMetrics struct {
	ReqCounter       metricsApi.Int64Counter
	ReqDuration      metricsApi.Int64Histogram
	ErrCounter       metricsApi.Int64Counter
	OutcomeCounter   metricsApi.Int64Counter
	PipelineDuration metricsApi.Int64Histogram
}

func NewAppMetrics(meter metricsApi.Meter) (*AppMetrics, error) {
	reqCounter, err := meter.Int64Counter("req_cnt", metricsApi.WithDescription("request counter"))
	if err != nil {
		return nil, err
	}
	reqDuration, err := meter.Int64Histogram(
		"req_duration",
		metricsApi.WithDescription("Requests handler end to end duration"),
		metricsApi.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	errCounter, err := meter.Int64Counter("err_cnt", metricsApi.WithDescription("service error counter"))
	if err != nil {
		return nil, err
	}
	outcomeCounter, err := meter.Int64Counter(
		"proof_req_outcome",
		metricsApi.WithDescription("proof requests by terminal state and error kind"),
	)
	if err != nil {
		return nil, err
	}
	pipelineDuration, err := meter.Int64Histogram(
		"pipeline_duration",
		metricsApi.WithDescription("Time spent in the execution pipeline"),
		metricsApi.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	m := AppMetrics{
		ReqCounter:       reqCounter,
		ReqDuration:      reqDuration,
		ErrCounter:       errCounter,
		OutcomeCounter:   outcomeCounter,
		PipelineDuration: pipelineDuration,
	}
	return &m, nil
}

// RecordOutcome counts a finished proof request. kind is empty on success.
func (m *AppMetrics) RecordOutcome(ctx context.Context, state string, kind string) {
	m.OutcomeCounter.Add(ctx, 1,
		metricsApi.WithAttributes(
			attribute.String("state", state),
			attribute.String("error", kind)))
}

func NewMeterProvider(serviceName string) (metricsApi.Meter, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, err
	}

	resources := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
	)

	provider := metric.NewMeterProvider(
		metric.WithResource(resources),
		metric.WithReader(exporter))

	return provider.Meter(serviceName), nil
}

type CustomResponseWriter struct {
	responseWriter http.ResponseWriter
	StatusCode     int
}

func ExtendResponseWriter(w http.ResponseWriter) *CustomResponseWriter {
	return &CustomResponseWriter{w, 0}
}

func (w *CustomResponseWriter) Write(b []byte) (int, error) {
	if w.StatusCode == 0 {
		w.StatusCode = http.StatusOK
	}
	return w.responseWriter.Write(b)
}

func (w *CustomResponseWriter) Header() http.Header {
	return w.responseWriter.Header()
}

func (w *CustomResponseWriter) WriteHeader(statusCode int) {
	if w.StatusCode != 0 {
		// status code already set by some handler
		return
	}
	w.StatusCode = statusCode
	w.responseWriter.WriteHeader(statusCode)
}

func (w *CustomResponseWriter) Unwrap() http.ResponseWriter {
	return w.responseWriter
}

func (w *CustomResponseWriter) Done() {
	// if the `w.WriteHeader` wasn't called, set status code to 200 OK
	if w.StatusCode == 0 {
		w.StatusCode = http.StatusOK
	}
}

func WithMetrics(metrics *AppMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestStartTime := time.Now()

			ew := ExtendResponseWriter(w)
			next.ServeHTTP(ew, r)
			ew.Done()

			attrs := metricsApi.WithAttributes(
				attribute.Int("status", ew.StatusCode),
				attribute.String("path", r.URL.Path))

			if ew.StatusCode >= http.StatusBadRequest {
				metrics.ErrCounter.Add(ctx, 1, attrs)
			}
			metrics.ReqCounter.Add(ctx, 1, attrs)

			elapsedTime := time.Since(requestStartTime).Milliseconds()
			metrics.ReqDuration.Record(ctx, elapsedTime)
		})
	}
}
