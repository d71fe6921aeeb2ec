/*
Copyright © 2025 Hausly Ltd.

Released under MIT license.
*/

package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hausly/go-ratelimit/log"
	"github.com/hausly/go-ratelimit/ratelimit"
	"github.com/hausly/go-ratelimit/restapi"
)

// RateLimitErrCode is an error code that is used in a response body
// if the request is rejected by the middleware that limits the rate of HTTP requests.
const RateLimitErrCode = "tooManyRequests"

// RateLimitLogFieldKey it is the name of the logged field that contains a key for the requests rate limiter.
const RateLimitLogFieldKey = "rate_limit_key"

// RateLimitUnknownKey is used as a rate limiting key when the client address cannot be determined.
const RateLimitUnknownKey = "unknown"

// HTTP headers that carry rate limiting info to the client.
const (
	HeaderRetryAfter         = "Retry-After"
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
)

// Rate describes the frequency of requests.
type Rate = ratelimit.Rate

// RateLimitParams contains data that relates to the rate limiting procedure
// and could be used for rejecting or handling an occurred error.
type RateLimitParams struct {
	ErrDomain           string
	ResponseStatusCode  int
	GetRetryAfter       RateLimitGetRetryAfterFunc
	Key                 string
	Decision            ratelimit.Decision
	EstimatedRetryAfter time.Duration
}

// RateLimitGetRetryAfterFunc is a function that is called to get a value for Retry-After response HTTP header
// when the rate limit is exceeded.
type RateLimitGetRetryAfterFunc func(r *http.Request, estimatedTime time.Duration) time.Duration

// RateLimitOnRejectFunc is a function that is called for rejecting HTTP request when the rate limit is exceeded.
type RateLimitOnRejectFunc func(
	rw http.ResponseWriter, r *http.Request, params RateLimitParams, next http.Handler, logger log.FieldLogger)

// RateLimitOnErrorFunc is a function that is called in case of any error that may occur during the rate limiting.
type RateLimitOnErrorFunc func(
	rw http.ResponseWriter, r *http.Request, params RateLimitParams, err error, next http.Handler, logger log.FieldLogger)

// RateLimitGetKeyFunc is a function that is called for getting key for rate limiting.
type RateLimitGetKeyFunc func(r *http.Request) (key string, bypass bool, err error)

// RateLimitOpts represents an options for the RateLimit middleware.
type RateLimitOpts struct {
	// GetKey is a function for getting the rate limiting key from the request.
	// If not set, RateLimitGetKeyByForwardedAddr is used.
	GetKey RateLimitGetKeyFunc

	// Limiter overrides the limiter that the middleware constructs.
	// When set, the caller owns the limiter's lifecycle and SweepInterval is ignored.
	Limiter ratelimit.Limiter

	// SweepInterval determines how often expired counters are removed.
	// Zero means ratelimit.DefaultSweepInterval.
	SweepInterval time.Duration

	ResponseStatusCode int
	GetRetryAfter      RateLimitGetRetryAfterFunc
	DryRun             bool

	OnReject         RateLimitOnRejectFunc
	OnRejectInDryRun RateLimitOnRejectFunc
	OnError          RateLimitOnErrorFunc
}

type rateLimitHandler struct {
	next           http.Handler
	limiter        ratelimit.Limiter
	getKey         RateLimitGetKeyFunc
	errDomain      string
	respStatusCode int
	getRetryAfter  RateLimitGetRetryAfterFunc

	onReject RateLimitOnRejectFunc
	onError  RateLimitOnErrorFunc
}

// RateLimit is a middleware that limits the rate of HTTP requests using the fixed-window counter algorithm.
// Requests are counted separately for each key (the client's forwarded address by default).
func RateLimit(maxRate Rate, errDomain string) (func(next http.Handler) http.Handler, error) {
	return RateLimitWithOpts(maxRate, errDomain, RateLimitOpts{GetRetryAfter: GetRetryAfterEstimatedTime})
}

// MustRateLimit is a version of RateLimit that panics if an error occurs.
func MustRateLimit(maxRate Rate, errDomain string) func(next http.Handler) http.Handler {
	mw, err := RateLimit(maxRate, errDomain)
	if err != nil {
		panic(err)
	}
	return mw
}

// RateLimitWithOpts is a configurable version of a middleware to limit the rate of HTTP requests.
func RateLimitWithOpts(maxRate Rate, errDomain string, opts RateLimitOpts) (func(next http.Handler) http.Handler, error) {
	respStatusCode := opts.ResponseStatusCode
	if respStatusCode == 0 {
		respStatusCode = http.StatusTooManyRequests
	}

	getKey := opts.GetKey
	if getKey == nil {
		getKey = RateLimitGetKeyByForwardedAddr
	}

	getRetryAfter := opts.GetRetryAfter
	if getRetryAfter == nil {
		getRetryAfter = GetRetryAfterEstimatedTime
	}

	limiter := opts.Limiter
	if limiter == nil {
		var limiterOpts []ratelimit.FixedWindowOption
		if opts.SweepInterval != 0 {
			limiterOpts = append(limiterOpts, ratelimit.WithSweepInterval(opts.SweepInterval))
		}
		var err error
		if limiter, err = ratelimit.NewFixedWindowLimiter(maxRate, limiterOpts...); err != nil {
			return nil, err
		}
	}

	return func(next http.Handler) http.Handler {
		return &rateLimitHandler{
			next:           next,
			limiter:        limiter,
			getKey:         getKey,
			errDomain:      errDomain,
			respStatusCode: respStatusCode,
			getRetryAfter:  getRetryAfter,
			onReject:       makeRateLimitOnRejectFunc(opts),
			onError:        makeRateLimitOnErrorFunc(opts),
		}
	}, nil
}

// MustRateLimitWithOpts is a version of RateLimitWithOpts that panics if an error occurs.
func MustRateLimitWithOpts(maxRate Rate, errDomain string, opts RateLimitOpts) func(next http.Handler) http.Handler {
	mw, err := RateLimitWithOpts(maxRate, errDomain, opts)
	if err != nil {
		panic(err)
	}
	return mw
}

func (h *rateLimitHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	key, bypass, err := h.getKey(r)
	if err != nil {
		h.onError(rw, r, h.makeParams(key, ratelimit.Decision{}), err, h.next, GetLoggerFromContext(r.Context()))
		return
	}
	if bypass {
		h.next.ServeHTTP(rw, r)
		return
	}

	decision, err := h.limiter.Check(r.Context(), key)
	if err != nil {
		h.onError(rw, r, h.makeParams(key, decision), err, h.next, GetLoggerFromContext(r.Context()))
		return
	}

	rw.Header().Set(HeaderRateLimitLimit, strconv.Itoa(decision.Limit))
	rw.Header().Set(HeaderRateLimitRemaining, strconv.Itoa(decision.Remaining))
	rw.Header().Set(HeaderRateLimitReset, decision.ResetAt.UTC().Format(time.RFC3339))

	if decision.Allowed {
		h.next.ServeHTTP(rw, r)
		return
	}

	h.onReject(rw, r, h.makeParams(key, decision), h.next, GetLoggerFromContext(r.Context()))
}

func (h *rateLimitHandler) makeParams(key string, decision ratelimit.Decision) RateLimitParams {
	return RateLimitParams{
		ErrDomain:           h.errDomain,
		ResponseStatusCode:  h.respStatusCode,
		GetRetryAfter:       h.getRetryAfter,
		Key:                 key,
		Decision:            decision,
		EstimatedRetryAfter: decision.RetryAfter,
	}
}

// GetRetryAfterEstimatedTime returns estimated time after that the client may retry the request.
func GetRetryAfterEstimatedTime(_ *http.Request, estimatedTime time.Duration) time.Duration {
	return estimatedTime
}

// DefaultRateLimitOnReject sends an error response with the Retry-After header when the rate limit is exceeded.
func DefaultRateLimitOnReject(
	rw http.ResponseWriter, r *http.Request, params RateLimitParams, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger = logger.With(
			log.String(RateLimitLogFieldKey, params.Key),
			log.String(userAgentLogFieldKey, r.UserAgent()),
		)
	}
	retryAfterSecs := 0
	if params.GetRetryAfter != nil {
		retryAfterSecs = int(math.Ceil(params.GetRetryAfter(r, params.EstimatedRetryAfter).Seconds()))
		rw.Header().Set(HeaderRetryAfter, strconv.Itoa(retryAfterSecs))
	}
	apiErr := restapi.NewTooManyRequestsError(params.ErrDomain)
	if retryAfterSecs > 0 {
		apiErr.AddContext("retryAfterSeconds", retryAfterSecs)
	}
	restapi.RespondError(rw, params.ResponseStatusCode, apiErr, logger)
}

// DefaultRateLimitOnError sends an error response in case when the error occurs during the rate limiting.
func DefaultRateLimitOnError(
	rw http.ResponseWriter, r *http.Request, params RateLimitParams, err error, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger.Error(err.Error(), log.String(RateLimitLogFieldKey, params.Key))
	}
	restapi.RespondInternalError(rw, params.ErrDomain, logger)
}

// DefaultRateLimitOnRejectInDryRun continues serving the request when the rate limit is exceeded in the dry-run mode.
func DefaultRateLimitOnRejectInDryRun(
	rw http.ResponseWriter, r *http.Request, params RateLimitParams, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger.Warn("too many requests, serving will be continued because of dry run mode",
			log.String(RateLimitLogFieldKey, params.Key),
			log.String(userAgentLogFieldKey, r.UserAgent()),
		)
	}
	next.ServeHTTP(rw, r)
}

func makeRateLimitOnRejectFunc(opts RateLimitOpts) RateLimitOnRejectFunc {
	if opts.DryRun {
		if opts.OnRejectInDryRun != nil {
			return opts.OnRejectInDryRun
		}
		return DefaultRateLimitOnRejectInDryRun
	}
	if opts.OnReject != nil {
		return opts.OnReject
	}
	return DefaultRateLimitOnReject
}

func makeRateLimitOnErrorFunc(opts RateLimitOpts) RateLimitOnErrorFunc {
	if opts.OnError != nil {
		return opts.OnError
	}
	return DefaultRateLimitOnError
}

// RateLimitGetKeyByForwardedAddr returns the first address from the X-Forwarded-For request header.
// When the header is absent or empty, the literal "unknown" is used as a key,
// so such requests still share a single rate limiting bucket instead of bypassing the limiter.
func RateLimitGetKeyByForwardedAddr(r *http.Request) (key string, bypass bool, err error) {
	if addr := getOriginAddr(r); addr != "" {
		return addr, false, nil
	}
	return RateLimitUnknownKey, false, nil
}

// RateLimitGetKeyByRemoteAddr returns the IP part of the request's remote address.
func RateLimitGetKeyByRemoteAddr(r *http.Request) (key string, bypass bool, err error) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	return host, false, err
}

// RateLimitGetKeyByAddrAndUserAgent returns the client's forwarded address combined with the User-Agent
// request header. Useful for zones like authentication where a shared proxy address alone is too coarse.
func RateLimitGetKeyByAddrAndUserAgent(r *http.Request) (key string, bypass bool, err error) {
	addr, _, err := RateLimitGetKeyByForwardedAddr(r)
	if err != nil {
		return "", false, err
	}
	return addr + "|" + r.UserAgent(), false, nil
}

// RateLimitGetKeyByHeader makes a function that returns the value of the passed request header as a key.
// Requests without the header bypass rate limiting.
func RateLimitGetKeyByHeader(headerName string) RateLimitGetKeyFunc {
	return func(r *http.Request) (key string, bypass bool, err error) {
		headerVal := strings.TrimSpace(r.Header.Get(headerName))
		return headerVal, headerVal == "", nil
	}
}
