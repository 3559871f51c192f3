// Package pipeline is the boundary to the execution subsystem that runs a
// proof job once its configuration is resolved.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/valri11/proofgate/structval"
)

type Executor interface {
	Execute(ctx context.Context, cfg structval.Value, payload json.RawMessage) (json.RawMessage, error)
}

type ExecutorFunc func(ctx context.Context, cfg structval.Value, payload json.RawMessage) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, cfg structval.Value, payload json.RawMessage) (json.RawMessage, error) {
	return f(ctx, cfg, payload)
}

// PipelineError is a failure reported by the execution subsystem. Code and
// Message are passed to the caller as they are.
type PipelineError struct {
	Code    int
	Message string
	Err     error
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pipeline: %s: %v", e.Message, e.Err)
	}
	return "pipeline: " + e.Message
}

func (e *PipelineError) Unwrap() error { return e.Err }

// DryRunExecutor runs nothing and answers with the effective config.
type DryRunExecutor struct{}

func (DryRunExecutor) Execute(ctx context.Context, cfg structval.Value, payload json.RawMessage) (json.RawMessage, error) {
	out, err := json.Marshal(struct {
		DryRun bool            `json:"dry_run"`
		Config structval.Value `json:"config"`
	}{
		DryRun: true,
		Config: cfg,
	})
	if err != nil {
		return nil, &PipelineError{Message: "encode dry run result", Err: err}
	}
	return out, nil
}
