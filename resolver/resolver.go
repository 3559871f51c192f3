// Package resolver produces the effective configuration of a request by
// layering the config file, the process settings and the request override.
package resolver

import (
	"bytes"
	"context"
	"fmt"

	"github.com/valri11/proofgate/structval"
)

type Resolver struct {
	source  Source
	process structval.Value
}

// New builds a resolver over a file source and the serialized process
// settings. The process layer is fixed for the resolver's lifetime.
func New(source Source, process structval.Value) *Resolver {
	return &Resolver{
		source:  source,
		process: process,
	}
}

// Resolve merges, lowest precedence first: the file layer, the process
// layer and override when it is not nil.
func (r *Resolver) Resolve(ctx context.Context, override *structval.Value) (structval.Value, error) {
	file, err := r.source.Load(ctx)
	if err != nil {
		return structval.Value{}, err
	}

	cfg := structval.Merge(structval.EmptyMapping(), file)
	cfg = structval.Merge(cfg, r.process)
	if override != nil {
		cfg = structval.Merge(cfg, *override)
	}
	return cfg, nil
}

// ParseOverride validates a request override. Empty input and JSON null
// mean no override and yield nil.
func ParseOverride(raw []byte) (*structval.Value, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	v, err := structval.ParseJSON(trimmed)
	if err != nil {
		return nil, &ConfigParseError{Source: "request", Err: err}
	}
	if v.Kind() != structval.KindMapping {
		return nil, &ConfigParseError{
			Source: "request",
			Err:    fmt.Errorf("override must be an object, got %s", v.Kind()),
		}
	}
	return &v, nil
}
