package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/valri11/proofgate/config"
	"github.com/valri11/proofgate/structval"
)

type executeRequest struct {
	Config  structval.Value `json:"config"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type executeResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *executeError   `json:"error"`
}

type executeError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// HTTPExecutor forwards the effective config and the request payload to a
// remote execution service.
type HTTPExecutor struct {
	url    string
	client *resty.Client
	logger *zap.Logger
}

func NewHTTPExecutor(cfg config.Pipeline, logger *zap.Logger) (*HTTPExecutor, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("pipeline url must not be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}

	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(retryCondition)

	return &HTTPExecutor{url: cfg.URL, client: client, logger: logger}, nil
}

// proof jobs are not idempotent, so only gateway failures are retried
func retryCondition(r *resty.Response, err error) bool {
	if err != nil || r == nil {
		return false
	}
	switch r.StatusCode() {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func (e *HTTPExecutor) Execute(ctx context.Context, cfg structval.Value, payload json.RawMessage) (json.RawMessage, error) {
	var out executeResponse

	resp, err := e.client.R().
		SetContext(ctx).
		SetBody(executeRequest{Config: cfg, Payload: payload}).
		SetResult(&out).
		SetError(&out).
		Post(e.url)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &PipelineError{Message: "execution service unreachable", Err: err}
	}

	e.logger.Debug("pipeline call finished",
		zap.Int("status", resp.StatusCode()),
		zap.Duration("took", resp.Time()))

	if out.Error != nil {
		return nil, &PipelineError{Code: out.Error.Code, Message: out.Error.Message}
	}
	if resp.IsError() {
		return nil, &PipelineError{
			Code:    resp.StatusCode(),
			Message: fmt.Sprintf("execution service returned %s", resp.Status()),
		}
	}
	if len(out.Result) == 0 {
		return json.RawMessage("null"), nil
	}
	return out.Result, nil
}
