package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/valri11/proofgate/resolver"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codePipelineError  = -32000
	codeConfigRead     = -32001
	codeCanceled       = -32002
	codeCapacity       = -32003
)

const methodProof = "proof"

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// proofParams unwraps the params member: an object, or an array holding
// exactly one object. Absent or null params yield nil. The object is both
// the config override and the payload forwarded to the pipeline.
func proofParams(params json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(params)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] != '[' {
		return trimmed, nil
	}

	var list []json.RawMessage
	if err := json.Unmarshal(trimmed, &list); err != nil {
		return nil, &resolver.ConfigParseError{Source: "request", Err: err}
	}
	switch len(list) {
	case 0:
		return nil, nil
	case 1:
		return list[0], nil
	}
	return nil, &resolver.ConfigParseError{
		Source: "request",
		Err:    fmt.Errorf("params must hold one object, got %d", len(list)),
	}
}

func writeResponse(w http.ResponseWriter, status int, resp rpcResponse) {
	resp.JSONRPC = "2.0"
	if len(resp.ID) == 0 {
		resp.ID = json.RawMessage("null")
	}

	out, err := json.Marshal(resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(out)
}

func writeError(w http.ResponseWriter, id json.RawMessage, status int, rerr *rpcError) {
	writeResponse(w, status, rpcResponse{ID: id, Error: rerr})
}

type retryable interface {
	Retryable() bool
}

// rejectResponse answers requests refused before they reach the handler.
func rejectResponse(w http.ResponseWriter, r *http.Request, status int, err error) {
	rerr := &rpcError{Code: codeCapacity, Message: err.Error()}
	var re retryable
	if errors.As(err, &re) && re.Retryable() {
		rerr.Data = map[string]any{"retryable": true}
	}
	writeError(w, nil, status, rerr)
}
