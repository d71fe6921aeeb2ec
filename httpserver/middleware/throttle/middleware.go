/*
Copyright © 2025 Hausly Ltd.

Released under MIT license.
*/

package throttle

import (
	"fmt"
	"net/http"
	"time"

	"github.com/vasayxtx/go-glob"

	"github.com/hausly/go-ratelimit/httpserver/middleware"
	"github.com/hausly/go-ratelimit/log"
	"github.com/hausly/go-ratelimit/restapi"
)

// RuleLogFieldName is a logged field that contains the name of the throttling rule.
const RuleLogFieldName = "throttle_rule"

// MiddlewareOpts represents an options for Middleware.
type MiddlewareOpts struct {
	// GetKeyIdentity is a function that returns identity string representation.
	// The returned string is used as a key for zone when key.type is "identity".
	GetKeyIdentity func(r *http.Request) (key string, bypass bool, err error)

	// RateLimitOnReject is a callback called for rejecting HTTP request when the rate limit is exceeded.
	RateLimitOnReject middleware.RateLimitOnRejectFunc

	// RateLimitOnRejectInDryRun is a callback called for rejecting HTTP request in the dry-run mode
	// when the rate limit is exceeded.
	RateLimitOnRejectInDryRun middleware.RateLimitOnRejectFunc

	// RateLimitOnError is a callback called in case of any error that may occur during the rate limiting.
	RateLimitOnError middleware.RateLimitOnErrorFunc

	// BuildHandlerAtInit determines where the final handler will be constructed.
	// If true, it will be done at the initialization step (i.e., in the constructor),
	// false (default) - right in the ServeHTTP() method (gorilla/mux case).
	BuildHandlerAtInit bool
}

// Middleware is a middleware that rate limits incoming HTTP requests based on the passed configuration.
func Middleware(cfg *Config, errDomain string, mc MetricsCollector) (func(next http.Handler) http.Handler, error) {
	return MiddlewareWithOpts(cfg, errDomain, mc, MiddlewareOpts{})
}

// MustMiddleware is a version of Middleware that panics if an error occurs.
func MustMiddleware(cfg *Config, errDomain string, mc MetricsCollector) func(next http.Handler) http.Handler {
	mw, err := Middleware(cfg, errDomain, mc)
	if err != nil {
		panic(err)
	}
	return mw
}

// MiddlewareWithOpts is a more configurable version of Middleware.
func MiddlewareWithOpts(
	cfg *Config, errDomain string, mc MetricsCollector, opts MiddlewareOpts,
) (func(next http.Handler) http.Handler, error) {
	if mc == nil {
		mc = disabledMetrics{}
	}

	routes, err := makeRoutes(cfg, errDomain, mc, opts)
	if err != nil {
		return nil, err
	}

	if opts.BuildHandlerAtInit {
		return func(next http.Handler) http.Handler {
			for i := range routes {
				route := &routes[i]
				route.Handler = next
				for j := len(route.Middlewares) - 1; j >= 0; j-- {
					route.Handler = route.Middlewares[j](route.Handler)
				}
			}
			return &handler{next: next, routesManager: restapi.NewRoutesManager(routes)}
		}, nil
	}

	return func(next http.Handler) http.Handler {
		return &handler{next: next, routesManager: restapi.NewRoutesManager(routes)}
	}, nil
}

type handler struct {
	next          http.Handler
	routesManager *restapi.RoutesManager
}

func (h *handler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	matchedRoute, ok := h.routesManager.SearchMatchedRouteForRequest(r)
	if !ok {
		h.next.ServeHTTP(rw, r)
		return
	}

	if matchedRoute.Handler != nil {
		matchedRoute.Handler.ServeHTTP(rw, r)
		return
	}

	// We build a final handler here and not in the constructor because it is how the gorilla/mux works:
	// all middlewares apply only after the matched route is found
	// (https://github.com/gorilla/mux/blob/d07530f46e1eec4e40346e24af34dcc6750ad39f/mux.go#L138-L146).
	nextHandler := h.next
	for i := len(matchedRoute.Middlewares) - 1; i >= 0; i-- {
		nextHandler = matchedRoute.Middlewares[i](nextHandler)
	}
	nextHandler.ServeHTTP(rw, r)
}

func makeRoutes(
	cfg *Config, errDomain string, mc MetricsCollector, opts MiddlewareOpts,
) (routes []restapi.Route, err error) {
	for _, rule := range cfg.Rules {
		if len(rule.RateLimits) == 0 {
			continue
		}

		var middlewares []func(http.Handler) http.Handler
		for i := 0; i < len(rule.RateLimits); i++ {
			zoneName := rule.RateLimits[i].Zone
			cfgZone, ok := cfg.Zones[zoneName]
			if !ok {
				return nil, fmt.Errorf("zone %q is not defined", zoneName)
			}
			var rateLimitMw func(next http.Handler) http.Handler
			rateLimitMw, err = makeRateLimitMiddleware(&cfgZone, errDomain, rule.Name(), mc, opts)
			if err != nil {
				return nil, fmt.Errorf("make rate limit middleware for zone %q: %w", zoneName, err)
			}
			middlewares = append(middlewares, rateLimitMw)
		}

		for _, cfgRoute := range rule.Routes {
			routes = append(routes, restapi.NewRoute(cfgRoute, nil, middlewares))
		}
		for _, exclCfgRoute := range rule.ExcludedRoutes {
			routes = append(routes, restapi.NewExcludedRoute(exclCfgRoute))
		}
	}

	return routes, nil
}

func makeRateLimitMiddleware(
	cfg *ZoneConfig,
	errDomain string,
	ruleName string,
	mc MetricsCollector,
	opts MiddlewareOpts,
) (func(next http.Handler) http.Handler, error) {
	if cfg.Key.Type == ZoneKeyTypeIdentity && opts.GetKeyIdentity == nil {
		return nil, fmt.Errorf("GetKeyIdentity is required for identity key type")
	}

	getKey, err := makeGetKeyFunc(cfg.Key, opts.GetKeyIdentity, cfg.ExcludedKeys, cfg.IncludedKeys)
	if err != nil {
		return nil, err
	}

	var getRetryAfter middleware.RateLimitGetRetryAfterFunc
	switch {
	case cfg.ResponseRetryAfter.IsAuto:
		getRetryAfter = middleware.GetRetryAfterEstimatedTime
	case cfg.ResponseRetryAfter.Duration == 0:
		getRetryAfter = middleware.GetRetryAfterEstimatedTime
	default:
		getRetryAfter = func(_ *http.Request, _ time.Duration) time.Duration {
			return cfg.ResponseRetryAfter.Duration
		}
	}

	onReject := opts.RateLimitOnReject
	if onReject == nil {
		onReject = middleware.DefaultRateLimitOnReject
	}
	onRejectWithMetrics := func(
		rw http.ResponseWriter, r *http.Request, params middleware.RateLimitParams, next http.Handler, logger log.FieldLogger,
	) {
		mc.IncRateLimitRejects(ruleName, false)
		if logger != nil {
			logger = logger.With(log.String(RuleLogFieldName, ruleName))
		}
		onReject(rw, r, params, next, logger)
	}

	onRejectInDryRun := opts.RateLimitOnRejectInDryRun
	if onRejectInDryRun == nil {
		onRejectInDryRun = middleware.DefaultRateLimitOnRejectInDryRun
	}
	onRejectInDryRunWithMetrics := func(
		rw http.ResponseWriter, r *http.Request, params middleware.RateLimitParams, next http.Handler, logger log.FieldLogger,
	) {
		mc.IncRateLimitRejects(ruleName, true)
		if logger != nil {
			logger = logger.With(log.String(RuleLogFieldName, ruleName))
		}
		onRejectInDryRun(rw, r, params, next, logger)
	}

	rate := middleware.Rate{Count: cfg.RateLimit.Count, Duration: cfg.RateLimit.Duration}
	return middleware.RateLimitWithOpts(rate, errDomain, middleware.RateLimitOpts{
		GetKey:             getKey,
		SweepInterval:      time.Duration(cfg.SweepInterval),
		ResponseStatusCode: cfg.getResponseStatusCode(),
		GetRetryAfter:      getRetryAfter,
		DryRun:             cfg.DryRun,
		OnReject:           onRejectWithMetrics,
		OnRejectInDryRun:   onRejectInDryRunWithMetrics,
		OnError:            opts.RateLimitOnError,
	})
}

func makeGetKeyFunc(
	cfg ZoneKeyConfig,
	getKeyIdentity func(r *http.Request) (string, bool, error),
	excludedKeys []string,
	includedKeys []string,
) (middleware.RateLimitGetKeyFunc, error) {
	makeByType := func() (middleware.RateLimitGetKeyFunc, error) {
		switch cfg.Type {
		case ZoneKeyTypeIdentity:
			return getKeyIdentity, nil
		case ZoneKeyTypeHTTPHeader:
			headerGetKey := middleware.RateLimitGetKeyByHeader(cfg.HeaderName)
			if !cfg.NoBypassEmpty {
				return headerGetKey, nil
			}
			return func(r *http.Request) (string, bool, error) {
				key, _, err := headerGetKey(r)
				return key, false, err
			}, nil
		case ZoneKeyTypeRemoteAddr:
			return middleware.RateLimitGetKeyByRemoteAddr, nil
		case ZoneKeyTypeAddrUserAgent:
			return middleware.RateLimitGetKeyByAddrAndUserAgent, nil
		case ZoneKeyTypeNoKey, ZoneKeyTypeForwardedAddr:
			return middleware.RateLimitGetKeyByForwardedAddr, nil
		}
		return nil, fmt.Errorf("unknown key type %q", cfg.Type)
	}

	getKey, err := makeByType()
	if err != nil || getKey == nil {
		return nil, err
	}
	if len(excludedKeys) == 0 && len(includedKeys) == 0 {
		return getKey, nil
	}

	if len(excludedKeys) != 0 && len(includedKeys) != 0 {
		return nil, fmt.Errorf("excluded and included keys cannot be used together")
	}

	makeWithPredefinedKeys := func(keys []string, exclude bool) middleware.RateLimitGetKeyFunc {
		compiledKeys := make([]func(s string) bool, 0, len(keys))
		for _, key := range keys {
			compiledKeys = append(compiledKeys, glob.Compile(key))
		}
		return func(r *http.Request) (string, bool, error) {
			key, bypass, getKeyErr := getKey(r)
			if getKeyErr != nil {
				return key, bypass, getKeyErr
			}
			if bypass {
				return key, bypass, nil
			}
			keyFound := false
			for i := range compiledKeys {
				if compiledKeys[i](key) {
					keyFound = true
					break
				}
			}
			return key, keyFound == exclude, nil
		}
	}

	if len(excludedKeys) != 0 {
		return makeWithPredefinedKeys(excludedKeys, true), nil
	}
	return makeWithPredefinedKeys(includedKeys, false), nil
}
