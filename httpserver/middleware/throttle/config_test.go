/*
Copyright © 2025 Hausly Ltd.

Released under MIT license.
*/

package throttle

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/hausly/go-ratelimit/config"
	"github.com/hausly/go-ratelimit/restapi"
)

func TestConfigSet(t *testing.T) {
	t.Run("read values", func(t *testing.T) {
		cfgData := bytes.NewBufferString(`
zones:
  auth_limits:
    rateLimit: 5/15m
    responseRetryAfter: auto
    key:
      type: addr_user_agent

  api_limits:
    rateLimit: 100/m
    sweepInterval: 10m
    responseStatusCode: 503
    responseRetryAfter: 30s
    dryRun: true
    key:
      type: header
      headerName: X-Client-ID
      noBypassEmpty: true
    excludedKeys:
      - "trusted-*"
      - " monitoring "

rules:
  - alias: auth
    routes:
      - path: /api/auth
    rateLimits:
      - zone: auth_limits

  - routes:
      - path: /api
        methods: [GET, POST]
    excludedRoutes:
      - path: /api/healthz
    rateLimits:
      - zone: api_limits
`)
		cfg := NewConfig()
		err := config.NewLoader(config.NewViperAdapter()).LoadFromReader(cfgData, config.DataTypeYAML, cfg)
		require.NoError(t, err)

		authZone := cfg.Zones["auth_limits"]
		require.Equal(t, RateLimitValue{Count: 5, Duration: 15 * time.Minute}, authZone.RateLimit)
		require.True(t, authZone.ResponseRetryAfter.IsAuto)
		require.Equal(t, ZoneKeyTypeAddrUserAgent, authZone.Key.Type)
		require.Equal(t, http.StatusTooManyRequests, authZone.getResponseStatusCode())

		apiZone := cfg.Zones["api_limits"]
		require.Equal(t, RateLimitValue{Count: 100, Duration: time.Minute}, apiZone.RateLimit)
		require.Equal(t, config.TimeDuration(10*time.Minute), apiZone.SweepInterval)
		require.Equal(t, http.StatusServiceUnavailable, apiZone.getResponseStatusCode())
		require.Equal(t, RateLimitRetryAfterValue{Duration: 30 * time.Second}, apiZone.ResponseRetryAfter)
		require.True(t, apiZone.DryRun)
		require.Equal(t, ZoneKeyTypeHTTPHeader, apiZone.Key.Type)
		require.Equal(t, "X-Client-ID", apiZone.Key.HeaderName)
		require.True(t, apiZone.Key.NoBypassEmpty)
		require.Equal(t, []string{"trusted-*", "monitoring"}, apiZone.ExcludedKeys)

		require.Len(t, cfg.Rules, 2)
		require.Equal(t, "auth", cfg.Rules[0].Name())
		require.Equal(t, "/api/auth", cfg.Rules[0].Routes[0].Path.Raw)
		require.Equal(t, "GET|POST /api", cfg.Rules[1].Name())
		require.Equal(t, []string{"GET", "POST"}, cfg.Rules[1].Routes[0].MethodsInUpperCase())
		require.Equal(t, "/api/healthz", cfg.Rules[1].ExcludedRoutes[0].Path.Raw)
	})

	t.Run("read values with key prefix", func(t *testing.T) {
		cfgData := bytes.NewBufferString(`
rateLimit:
  zones:
    api_limits:
      rateLimit: 10/s
  rules:
    - routes:
        - path: /api
      rateLimits:
        - zone: api_limits
`)
		cfg := NewConfig(WithKeyPrefix("rateLimit"))
		err := config.NewLoader(config.NewViperAdapter()).LoadFromReader(cfgData, config.DataTypeYAML, cfg)
		require.NoError(t, err)
		require.Equal(t, RateLimitValue{Count: 10, Duration: time.Second}, cfg.Zones["api_limits"].RateLimit)
	})

	t.Run("validation error is returned", func(t *testing.T) {
		cfgData := bytes.NewBufferString(`
zones:
  api_limits:
    rateLimit: 10/s
rules:
  - routes:
      - path: /api
    rateLimits:
      - zone: missing_zone
`)
		cfg := NewConfig()
		err := config.NewLoader(config.NewViperAdapter()).LoadFromReader(cfgData, config.DataTypeYAML, cfg)
		require.ErrorContains(t, err, `zone "missing_zone" is undefined`)
	})
}

func TestConfigValidate(t *testing.T) {
	t.Run("zone rate limit should be positive", func(t *testing.T) {
		cfg := &Config{Zones: map[string]ZoneConfig{"z": {}}}
		require.ErrorContains(t, cfg.Validate(), "rate limit should be >= 1")
	})

	t.Run("zone sweep interval should not be negative", func(t *testing.T) {
		cfg := &Config{Zones: map[string]ZoneConfig{"z": {
			RateLimit:     RateLimitValue{Count: 1, Duration: time.Second},
			SweepInterval: config.TimeDuration(-time.Second),
		}}}
		require.ErrorContains(t, cfg.Validate(), "sweep interval should be >= 0")
	})

	t.Run("zone key type should be known", func(t *testing.T) {
		cfg := &Config{Zones: map[string]ZoneConfig{"z": {
			Key:       ZoneKeyConfig{Type: "cookie"},
			RateLimit: RateLimitValue{Count: 1, Duration: time.Second},
		}}}
		require.ErrorContains(t, cfg.Validate(), `unknown key zone type "cookie"`)
	})

	t.Run("header key type requires header name", func(t *testing.T) {
		cfg := &Config{Zones: map[string]ZoneConfig{"z": {
			Key:       ZoneKeyConfig{Type: ZoneKeyTypeHTTPHeader},
			RateLimit: RateLimitValue{Count: 1, Duration: time.Second},
		}}}
		require.ErrorContains(t, cfg.Validate(), "header name should be specified")
	})

	t.Run("included and excluded keys are mutually exclusive", func(t *testing.T) {
		cfg := &Config{Zones: map[string]ZoneConfig{"z": {
			RateLimit:    RateLimitValue{Count: 1, Duration: time.Second},
			IncludedKeys: []string{"a"},
			ExcludedKeys: []string{"b"},
		}}}
		require.ErrorContains(t, cfg.Validate(), "included and excluded lists cannot be specified at the same time")
	})

	t.Run("rule routes are required", func(t *testing.T) {
		cfg := &Config{
			Zones: map[string]ZoneConfig{"z": {RateLimit: RateLimitValue{Count: 1, Duration: time.Second}}},
			Rules: []RuleConfig{{Alias: "r", RateLimits: []RuleRateLimit{{Zone: "z"}}}},
		}
		require.ErrorContains(t, cfg.Validate(), "routes is missing")
	})

	t.Run("rule route method should be known", func(t *testing.T) {
		routePath, err := restapi.ParseRoutePath("/api")
		require.NoError(t, err)
		cfg := &Config{
			Zones: map[string]ZoneConfig{"z": {RateLimit: RateLimitValue{Count: 1, Duration: time.Second}}},
			Rules: []RuleConfig{{
				Alias:      "r",
				Routes:     []restapi.RouteConfig{{Path: routePath, Methods: []string{"FETCH"}}},
				RateLimits: []RuleRateLimit{{Zone: "z"}},
			}},
		}
		require.ErrorContains(t, cfg.Validate(), `unknown method "FETCH"`)
	})
}

func TestRateLimitValueUnmarshal(t *testing.T) {
	tests := []struct {
		text    string
		want    RateLimitValue
		wantErr bool
	}{
		{text: "", want: RateLimitValue{}},
		{text: "10/s", want: RateLimitValue{Count: 10, Duration: time.Second}},
		{text: "100/m", want: RateLimitValue{Count: 100, Duration: time.Minute}},
		{text: "1/h", want: RateLimitValue{Count: 1, Duration: time.Hour}},
		{text: "5/15m", want: RateLimitValue{Count: 5, Duration: 15 * time.Minute}},
		{text: "3/1h30m", want: RateLimitValue{Count: 3, Duration: 90 * time.Minute}},
		{text: "10", wantErr: true},
		{text: "abc/s", wantErr: true},
		{text: "10/d", wantErr: true},
		{text: "10/-5m", wantErr: true},
		{text: "10/0s", wantErr: true},
	}
	for _, tt := range tests {
		t.Run("text "+tt.text, func(t *testing.T) {
			var rl RateLimitValue
			err := rl.UnmarshalText([]byte(tt.text))
			if tt.wantErr {
				require.ErrorContains(t, err, "should be N/(s|m|h) or N/duration")
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, rl)
		})
	}

	t.Run("json", func(t *testing.T) {
		var rl RateLimitValue
		require.NoError(t, json.Unmarshal([]byte(`"5/15m"`), &rl))
		require.Equal(t, RateLimitValue{Count: 5, Duration: 15 * time.Minute}, rl)
	})

	t.Run("yaml", func(t *testing.T) {
		var rl RateLimitValue
		require.NoError(t, yaml.Unmarshal([]byte(`100/m`), &rl))
		require.Equal(t, RateLimitValue{Count: 100, Duration: time.Minute}, rl)
	})
}

func TestRateLimitValueString(t *testing.T) {
	require.Equal(t, "", RateLimitValue{}.String())
	require.Equal(t, "10/s", RateLimitValue{Count: 10, Duration: time.Second}.String())
	require.Equal(t, "100/m", RateLimitValue{Count: 100, Duration: time.Minute}.String())
	require.Equal(t, "1/h", RateLimitValue{Count: 1, Duration: time.Hour}.String())
	require.Equal(t, "5/15m0s", RateLimitValue{Count: 5, Duration: 15 * time.Minute}.String())
}

func TestRateLimitRetryAfterValueUnmarshal(t *testing.T) {
	t.Run("auto", func(t *testing.T) {
		var ra RateLimitRetryAfterValue
		require.NoError(t, ra.UnmarshalText([]byte("auto")))
		require.Equal(t, RateLimitRetryAfterValue{IsAuto: true}, ra)
		require.Equal(t, "auto", ra.String())
	})

	t.Run("duration", func(t *testing.T) {
		var ra RateLimitRetryAfterValue
		require.NoError(t, ra.UnmarshalText([]byte("30s")))
		require.Equal(t, RateLimitRetryAfterValue{Duration: 30 * time.Second}, ra)
	})

	t.Run("empty", func(t *testing.T) {
		var ra RateLimitRetryAfterValue
		require.NoError(t, ra.UnmarshalText([]byte("")))
		require.Equal(t, RateLimitRetryAfterValue{}, ra)
	})

	t.Run("invalid", func(t *testing.T) {
		var ra RateLimitRetryAfterValue
		require.Error(t, ra.UnmarshalText([]byte("soon")))
	})
}

func TestPresets(t *testing.T) {
	cfg := Presets()
	require.NoError(t, cfg.Validate())

	require.Equal(t, RateLimitValue{Count: 5, Duration: 15 * time.Minute}, cfg.Zones[ZoneAuth].RateLimit)
	require.Equal(t, ZoneKeyTypeAddrUserAgent, cfg.Zones[ZoneAuth].Key.Type)
	require.Equal(t, RateLimitValue{Count: 3, Duration: time.Minute}, cfg.Zones[ZoneFormSubmission].RateLimit)
	require.Equal(t, ZoneKeyTypeForwardedAddr, cfg.Zones[ZoneFormSubmission].Key.Type)
	require.Equal(t, RateLimitValue{Count: 100, Duration: time.Minute}, cfg.Zones[ZoneAPI].RateLimit)

	require.Len(t, cfg.Rules, 3)
	require.Equal(t, "/api/auth", cfg.Rules[0].Routes[0].Path.Raw)
	require.Equal(t, []string{"POST"}, cfg.Rules[1].Routes[0].Methods)
	require.Equal(t, "/api", cfg.Rules[2].Routes[0].Path.Raw)
}
