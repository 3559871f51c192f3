package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valri11/proofgate/config"
	"github.com/valri11/proofgate/structval"
)

func mustValue(t *testing.T, s string) structval.Value {
	t.Helper()
	v, err := structval.ParseJSON([]byte(s))
	require.NoError(t, err)
	return v
}

func Test_DryRunExecutor(t *testing.T) {
	out, err := DryRunExecutor{}.Execute(context.Background(), mustValue(t, `{"network":"mainnet"}`), nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"dry_run":true,"config":{"network":"mainnet"}}`, string(out))
}

func Test_HTTPExecutor_ForwardsConfigAndPayload(t *testing.T) {
	var got map[string]json.RawMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result":{"proof":"0xabc"}}`))
	}))
	defer srv.Close()

	ex, err := NewHTTPExecutor(config.Pipeline{URL: srv.URL, Timeout: 5 * time.Second}, nil)
	require.NoError(t, err)

	out, err := ex.Execute(context.Background(), mustValue(t, `{"block_number":42}`), json.RawMessage(`{"block_number":42}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"proof":"0xabc"}`, string(out))
	assert.JSONEq(t, `{"block_number":42}`, string(got["config"]))
	assert.JSONEq(t, `{"block_number":42}`, string(got["payload"]))
}

func Test_HTTPExecutor_ErrorBodyPassedThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":{"code":7,"message":"block not found"}}`))
	}))
	defer srv.Close()

	ex, err := NewHTTPExecutor(config.Pipeline{URL: srv.URL}, nil)
	require.NoError(t, err)

	_, err = ex.Execute(context.Background(), structval.EmptyMapping(), nil)

	var pErr *PipelineError
	require.True(t, errors.As(err, &pErr))
	assert.Equal(t, 7, pErr.Code)
	assert.Equal(t, "block not found", pErr.Message)
}

func Test_HTTPExecutor_NoRetryOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ex, err := NewHTTPExecutor(config.Pipeline{URL: srv.URL}, nil)
	require.NoError(t, err)

	_, err = ex.Execute(context.Background(), structval.EmptyMapping(), nil)

	var pErr *PipelineError
	require.True(t, errors.As(err, &pErr))
	assert.Equal(t, http.StatusInternalServerError, pErr.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func Test_HTTPExecutor_RetriesGatewayErrors(t *testing.T) {
	for _, status := range []int{http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if calls.Add(1) == 1 {
					w.WriteHeader(status)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(`{"result":"ok"}`))
			}))
			defer srv.Close()

			ex, err := NewHTTPExecutor(config.Pipeline{URL: srv.URL}, nil)
			require.NoError(t, err)

			res, err := ex.Execute(context.Background(), structval.EmptyMapping(), nil)
			require.NoError(t, err)
			assert.JSONEq(t, `"ok"`, string(res))
			assert.Equal(t, int32(2), calls.Load())
		})
	}
}

func Test_NewHTTPExecutor_RequiresURL(t *testing.T) {
	_, err := NewHTTPExecutor(config.Pipeline{}, nil)
	assert.Error(t, err)
}
