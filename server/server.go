// Package server is the HTTP front end that admits proof requests, resolves
// their configuration and hands them to the execution pipeline.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/justinas/alice"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	mdlogger "github.com/valri11/go-servicepack/logger"
	"github.com/valri11/go-servicepack/middleware/cors"

	appmetrics "github.com/valri11/proofgate/metrics"
	"github.com/valri11/proofgate/pipeline"
	"github.com/valri11/proofgate/ratelimit"
	"github.com/valri11/proofgate/resolver"
)

const (
	serviceName     = "proofgate"
	maxRequestBytes = 8 << 20
)

// Request lifecycle states, logged as each request moves through them.
const (
	stateAccepted      = "Accepted"
	statePermitPending = "PermitPending"
	stateResolving     = "Resolving"
	stateDispatched    = "Dispatched"
	stateCompleted     = "Completed"
	stateFailed        = "Failed"
)

type Options struct {
	Resolver  *resolver.Resolver
	Admission *ratelimit.Admission
	Executor  pipeline.Executor
	Metrics   *appmetrics.AppMetrics
	Meter     metric.Meter
	Tracer    trace.Tracer
	Logger    *zap.Logger
	// LimitStore enables request rate limiting in front of admission.
	LimitStore ratelimit.LimitStore
	// DispatchTimeout is the write deadline granted to a request once it
	// holds a permit. Zero keeps the server's WriteTimeout.
	DispatchTimeout time.Duration
}

type srvHandler struct {
	resolver  *resolver.Resolver
	admission *ratelimit.Admission
	executor  pipeline.Executor
	metrics   *appmetrics.AppMetrics
	tracer    trace.Tracer

	dispatchTimeout time.Duration
}

// NewHandler wires the routes and the middleware chain.
func NewHandler(opts Options) (http.Handler, error) {
	if opts.Resolver == nil || opts.Admission == nil || opts.Executor == nil || opts.Metrics == nil {
		return nil, errors.New("server: resolver, admission, executor and metrics are required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = tracenoop.NewTracerProvider().Tracer(serviceName)
	}
	if opts.Meter == nil {
		opts.Meter = metricnoop.NewMeterProvider().Meter(serviceName)
	}

	h := &srvHandler{
		resolver:  opts.Resolver,
		admission: opts.Admission,
		executor:  opts.Executor,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,

		dispatchTimeout: opts.DispatchTimeout,
	}

	base := []alice.Constructor{
		WithLogger(opts.Logger),
		cors.CORS,
		appmetrics.WithMetrics(h.metrics),
		WithOtelTracerContext(h.tracer),
	}
	rpcChain := alice.New(base...)
	if opts.LimitStore != nil {
		limiter, err := ratelimit.WithRequestRateLimiter(opts.Meter, opts.LimitStore, rejectResponse)
		if err != nil {
			return nil, err
		}
		rpcChain = rpcChain.Append(limiter)
	}

	rpc := rpcChain.Then(otelhttp.NewHandler(http.HandlerFunc(h.proofHandler), "proof"))

	mux := http.NewServeMux()
	mux.Handle("/", rpc)
	mux.Handle("/rpc", rpc)
	mux.Handle("/livez", alice.New(base...).ThenFunc(h.livezHandler))
	mux.Handle("/readyz", alice.New(base...).ThenFunc(h.readyzHandler))
	mux.Handle("/metrics", promhttp.Handler())

	return mux, nil
}

func (h *srvHandler) proofHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, nil, http.StatusMethodNotAllowed,
			&rpcError{Code: codeInvalidRequest, Message: "only POST is supported"})
		return
	}

	ctx := r.Context()
	logger := mdlogger.FromContext(ctx)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		writeError(w, nil, http.StatusRequestEntityTooLarge,
			&rpcError{Code: codeInvalidRequest, Message: err.Error()})
		return
	}

	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '[' {
		writeError(w, nil, http.StatusBadRequest,
			&rpcError{Code: codeInvalidRequest, Message: "batch requests are not supported"})
		return
	}

	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, nil, http.StatusBadRequest,
			&rpcError{Code: codeParseError, Message: "parse error: " + err.Error()})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeError(w, req.ID, http.StatusBadRequest,
			&rpcError{Code: codeInvalidRequest, Message: "invalid request"})
		return
	}
	if req.Method != methodProof {
		writeError(w, req.ID, http.StatusNotFound,
			&rpcError{Code: codeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)})
		return
	}

	logger = logger.With(zap.String("method", req.Method))
	ctx = mdlogger.NewContext(ctx, logger)

	// the queue wait counts against the server's WriteTimeout, so the
	// deadline restarts once the request is admitted
	admitted := func() {
		if h.dispatchTimeout <= 0 {
			return
		}
		rc := http.NewResponseController(w)
		if err := rc.SetWriteDeadline(time.Now().Add(h.dispatchTimeout)); err != nil {
			logger.Warn("cannot extend write deadline", zap.Error(err))
		}
	}

	result, err := h.handleProof(ctx, req.Params, admitted)

	// notifications get no response body
	if req.ID == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err != nil {
		status, rerr := errorResponse(err)
		if rerr.Code == codeCapacity {
			w.Header().Set("Retry-After", "1")
		}
		writeError(w, req.ID, status, rerr)
		return
	}

	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	writeResponse(w, http.StatusOK, rpcResponse{ID: req.ID, Result: result})
}

// handleProof runs one request from Accepted to a terminal state. The
// permit, once held, is released on every path out of here.
func (h *srvHandler) handleProof(ctx context.Context, params json.RawMessage, admitted func()) (json.RawMessage, error) {
	logger := mdlogger.FromContext(ctx)
	state := stateAccepted
	enter := func(next string) {
		logger.Debug("proof request state", zap.String("from", state), zap.String("to", next))
		state = next
	}

	ctx, span := h.tracer.Start(ctx, "proof.handle")
	defer span.End()

	result, err := func() (json.RawMessage, error) {
		payload, err := proofParams(params)
		if err != nil {
			return nil, err
		}

		enter(statePermitPending)
		permit, err := h.admission.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		defer permit.Release()
		admitted()
		span.SetAttributes(attribute.Int64("in_flight", h.admission.InFlight()))

		enter(stateResolving)
		override, err := resolver.ParseOverride(payload)
		if err != nil {
			return nil, err
		}
		cfg, err := h.resolver.Resolve(ctx, override)
		if err != nil {
			return nil, err
		}

		enter(stateDispatched)
		dispatchStart := time.Now()
		result, err := h.executor.Execute(ctx, cfg, payload)
		h.metrics.PipelineDuration.Record(ctx, time.Since(dispatchStart).Milliseconds())
		if err != nil {
			var pErr *pipeline.PipelineError
			if !errors.As(err, &pErr) && ctx.Err() == nil {
				err = &pipeline.PipelineError{Message: err.Error(), Err: err}
			}
			return nil, err
		}
		return result, nil
	}()

	if err != nil {
		from := state
		enter(stateFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.metrics.RecordOutcome(ctx, stateFailed, errorKind(err))
		logger.Warn("proof request failed", zap.String("in_state", from), zap.Error(err))
		return nil, err
	}

	enter(stateCompleted)
	h.metrics.RecordOutcome(ctx, stateCompleted, "")
	logger.Info("proof request completed")
	return result, nil
}

func errorKind(err error) string {
	var (
		readErr  *resolver.ConfigReadError
		parseErr *resolver.ConfigParseError
		capErr   *ratelimit.CapacityError
		pErr     *pipeline.PipelineError
	)
	switch {
	case errors.As(err, &parseErr):
		return "ConfigParseError"
	case errors.As(err, &readErr):
		return "ConfigReadError"
	case errors.As(err, &capErr):
		return "CapacityError"
	case errors.As(err, &pErr):
		return "PipelineError"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Canceled"
	}
	return "Internal"
}

func errorResponse(err error) (int, *rpcError) {
	var (
		readErr  *resolver.ConfigReadError
		parseErr *resolver.ConfigParseError
		capErr   *ratelimit.CapacityError
		pErr     *pipeline.PipelineError
	)
	switch {
	case errors.As(err, &parseErr):
		return http.StatusBadRequest, &rpcError{Code: codeInvalidParams, Message: err.Error()}
	case errors.As(err, &readErr):
		return http.StatusInternalServerError, &rpcError{Code: codeConfigRead, Message: err.Error()}
	case errors.As(err, &capErr):
		return http.StatusServiceUnavailable, &rpcError{
			Code:    codeCapacity,
			Message: err.Error(),
			Data:    map[string]any{"retryable": capErr.Retryable()},
		}
	case errors.As(err, &pErr):
		rerr := &rpcError{Code: codePipelineError, Message: pErr.Message}
		if pErr.Code != 0 {
			rerr.Data = map[string]any{"code": pErr.Code}
		}
		return http.StatusBadGateway, rerr
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, &rpcError{Code: codeCanceled, Message: err.Error()}
	}
	return http.StatusInternalServerError, &rpcError{Code: codePipelineError, Message: err.Error()}
}

func (h *srvHandler) livezHandler(w http.ResponseWriter, r *http.Request) {
	res := struct {
		Status string `json:"status"`
	}{
		Status: "ok",
	}

	writeJSON(w, res)
}

func (h *srvHandler) readyzHandler(w http.ResponseWriter, r *http.Request) {
	res := struct {
		Status   string `json:"status"`
		InFlight int64  `json:"in_flight"`
		Capacity int64  `json:"capacity"`
		Policy   string `json:"admission_policy"`
	}{
		Status:   "ok",
		InFlight: h.admission.InFlight(),
		Capacity: h.admission.Capacity(),
		Policy:   h.admission.Policy(),
	}

	writeJSON(w, res)
}

func writeJSON(w http.ResponseWriter, v any) {
	out, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(out)))
	w.Write(out)
}
