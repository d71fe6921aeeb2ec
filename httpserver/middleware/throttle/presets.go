/*
Copyright © 2025 Hausly Ltd.

Released under MIT license.
*/

package throttle

import (
	"time"

	"github.com/hausly/go-ratelimit/restapi"
)

// Preset zone names.
const (
	ZoneAuth           = "auth"
	ZoneFormSubmission = "form_submission"
	ZoneAPI            = "api"
)

// Presets returns a ready-to-use configuration with three rate limiting zones:
//
//   - "auth": 5 requests per 15 minutes keyed by the client's address and User-Agent.
//     Meant for authentication endpoints (login, registration, password reset)
//     where brute-forcing must be slowed down aggressively.
//   - "form_submission": 3 requests per minute keyed by the client's forwarded address.
//     Meant for form-like endpoints (inquiries, contact forms) that produce writes or emails.
//   - "api": 100 requests per minute keyed by the client's forwarded address.
//     A general ceiling for the whole API surface.
//
// The returned configuration is a regular Config: callers may adjust zones and routes
// before passing it to Middleware.
func Presets() *Config {
	mustRoute := func(path string, methods ...string) restapi.RouteConfig {
		rp, err := restapi.ParseRoutePath(path)
		if err != nil {
			panic(err)
		}
		return restapi.RouteConfig{Path: rp, Methods: methods}
	}

	return &Config{
		Zones: map[string]ZoneConfig{
			ZoneAuth: {
				Key:       ZoneKeyConfig{Type: ZoneKeyTypeAddrUserAgent},
				RateLimit: RateLimitValue{Count: 5, Duration: 15 * time.Minute},
			},
			ZoneFormSubmission: {
				Key:       ZoneKeyConfig{Type: ZoneKeyTypeForwardedAddr},
				RateLimit: RateLimitValue{Count: 3, Duration: time.Minute},
			},
			ZoneAPI: {
				Key:       ZoneKeyConfig{Type: ZoneKeyTypeForwardedAddr},
				RateLimit: RateLimitValue{Count: 100, Duration: time.Minute},
			},
		},
		Rules: []RuleConfig{
			{
				Alias:      ZoneAuth,
				Routes:     []restapi.RouteConfig{mustRoute("/api/auth")},
				RateLimits: []RuleRateLimit{{Zone: ZoneAuth}},
			},
			{
				Alias:      ZoneFormSubmission,
				Routes:     []restapi.RouteConfig{mustRoute("/api/inquiries", "POST")},
				RateLimits: []RuleRateLimit{{Zone: ZoneFormSubmission}},
			},
			{
				Alias:      ZoneAPI,
				Routes:     []restapi.RouteConfig{mustRoute("/api")},
				RateLimits: []RuleRateLimit{{Zone: ZoneAPI}},
			},
		},
	}
}
