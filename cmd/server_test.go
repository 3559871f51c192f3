package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/valri11/proofgate/config"
	"github.com/valri11/proofgate/resolver"
)

func setViper(t *testing.T, key string, value any) {
	t.Helper()
	prev := viper.Get(key)
	viper.Set(key, value)
	t.Cleanup(func() { viper.Set(key, prev) })
}

func Test_LoadConfiguration_Defaults(t *testing.T) {
	cfg, err := loadConfiguration()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Process.Address)
	assert.Equal(t, 16, cfg.Process.ConcurrencyLimit)
	assert.Equal(t, "host/config/config.json", cfg.Process.ConfigPath)
	assert.Equal(t, "", cfg.Process.Cache)
	assert.Equal(t, config.AdmissionPolicyQueue, cfg.Admission.Policy)
	assert.Equal(t, 15*time.Minute, cfg.Pipeline.Timeout)
	assert.False(t, cfg.Server.ReloadConfig)
}

func Test_LoadConfiguration_Overrides(t *testing.T) {
	setViper(t, "concurrency-limit", 2)
	setViper(t, "cache", "/tmp/proofgate-cache")
	setViper(t, "admission-policy", config.AdmissionPolicyReject)

	cfg, err := loadConfiguration()
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Process.ConcurrencyLimit)
	assert.Equal(t, "/tmp/proofgate-cache", cfg.Process.Cache)
	assert.Equal(t, config.AdmissionPolicyReject, cfg.Admission.Policy)
}

func Test_LoadConfiguration_Invalid(t *testing.T) {
	setViper(t, "concurrency-limit", 0)

	_, err := loadConfiguration()
	assert.Error(t, err)
}

func Test_StartupResolve_MalformedConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"x":`), 0o600))

	cfg, err := loadConfiguration()
	require.NoError(t, err)
	cfg.Process.ConfigPath = path

	res, err := newResolver(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	_, err = res.Resolve(context.Background(), nil)
	var parseErr *resolver.ConfigParseError
	assert.ErrorAs(t, err, &parseErr)
}

func Test_StartupResolve_ProcessLayer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"address":"file","proof_type":"groth16"}`), 0o600))

	cfg, err := loadConfiguration()
	require.NoError(t, err)
	cfg.Process.ConfigPath = path

	res, err := newResolver(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	v, err := res.Resolve(context.Background(), nil)
	require.NoError(t, err)

	addr, _ := v.Get("address")
	s, _ := addr.AsString()
	assert.Equal(t, "0.0.0.0:8080", s)
	pt, _ := v.Get("proof_type")
	s, _ = pt.AsString()
	assert.Equal(t, "groth16", s)
	_, ok := v.Get("cache")
	assert.False(t, ok)
}
