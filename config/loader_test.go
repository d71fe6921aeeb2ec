/*
Copyright © 2025 Hausly Ltd.

Released under MIT license.
*/

package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testLimiterConfig struct {
	Rate          string
	SweepInterval time.Duration
}

func (c *testLimiterConfig) SetProviderDefaults(dp DataProvider) {
	dp.SetDefault("rate", "100/m")
	dp.SetDefault("sweepInterval", "5m")
}

func (c *testLimiterConfig) Set(dp DataProvider) error {
	var err error
	if c.Rate, err = dp.GetString("rate"); err != nil {
		return err
	}
	if c.SweepInterval, err = dp.GetDuration("sweepInterval"); err != nil {
		return err
	}
	return nil
}

type testPrefixedLimiterConfig struct {
	testLimiterConfig
}

func (c *testPrefixedLimiterConfig) KeyPrefix() string {
	return "rateLimit"
}

func TestLoaderLoadFromReader(t *testing.T) {
	t.Run("load config, use defaults", func(t *testing.T) {
		cfg := &testLimiterConfig{}
		err := NewLoader(NewViperAdapter()).LoadFromReader(bytes.NewBufferString(`{}`), DataTypeJSON, cfg)
		require.NoError(t, err)
		require.Equal(t, "100/m", cfg.Rate)
		require.Equal(t, 5*time.Minute, cfg.SweepInterval)
	})

	t.Run("load config", func(t *testing.T) {
		cfg := &testLimiterConfig{}
		err := NewLoader(NewViperAdapter()).LoadFromReader(
			bytes.NewBufferString("rate: 5/15m\nsweepInterval: 1m\n"), DataTypeYAML, cfg)
		require.NoError(t, err)
		require.Equal(t, "5/15m", cfg.Rate)
		require.Equal(t, time.Minute, cfg.SweepInterval)
	})

	t.Run("load config, use key prefix", func(t *testing.T) {
		cfg := &testPrefixedLimiterConfig{}
		err := NewLoader(NewViperAdapter()).LoadFromReader(
			bytes.NewBufferString("rateLimit:\n  rate: 3/m\n  sweepInterval: 30s\n"), DataTypeYAML, cfg)
		require.NoError(t, err)
		require.Equal(t, "3/m", cfg.Rate)
		require.Equal(t, 30*time.Second, cfg.SweepInterval)
	})

	t.Run("load config, invalid duration", func(t *testing.T) {
		cfg := &testLimiterConfig{}
		err := NewLoader(NewViperAdapter()).LoadFromReader(
			bytes.NewBufferString("sweepInterval: forever\n"), DataTypeYAML, cfg)
		require.ErrorContains(t, err, "sweepInterval")
	})
}

func TestLoaderLoadFromFile(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("rate: 5/15m\n"), 0o600))

	cfg := &testLimiterConfig{}
	err := NewLoader(NewViperAdapter()).LoadFromFile(cfgPath, DataTypeYAML, cfg)
	require.NoError(t, err)
	require.Equal(t, "5/15m", cfg.Rate)
	require.Equal(t, 5*time.Minute, cfg.SweepInterval)
}

func TestDefaultLoaderEnvVars(t *testing.T) {
	t.Setenv("HSL_RATE", "10/h")

	cfg := &testLimiterConfig{}
	err := NewDefaultLoader("hsl").LoadFromReader(bytes.NewBufferString(`{}`), DataTypeJSON, cfg)
	require.NoError(t, err)
	require.Equal(t, "10/h", cfg.Rate)
}
