/*
Copyright © 2025 Hausly Ltd.

Released under MIT license.
*/

package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/hausly/go-ratelimit/log"
	"github.com/hausly/go-ratelimit/ratelimit"
	"github.com/hausly/go-ratelimit/restapi"
	"github.com/hausly/go-ratelimit/testutil"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, time.March, 14, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestRateLimitHandler_ServeHTTP(t *testing.T) {
	const errDomain = "MyService"

	makeNext := func() (next http.HandlerFunc, servedCount *atomic.Int32) {
		servedCount = atomic.NewInt32(0)
		next = func(rw http.ResponseWriter, r *http.Request) {
			servedCount.Inc()
			rw.WriteHeader(http.StatusOK)
		}
		return
	}

	sendReq := func(handler http.Handler, forwardedAddr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if forwardedAddr != "" {
			req.Header.Set("X-Forwarded-For", forwardedAddr)
		}
		respRec := httptest.NewRecorder()
		handler.ServeHTTP(respRec, req)
		return respRec
	}

	t.Run("allows up to the limit, then rejects with 429", func(t *testing.T) {
		next, nextServedCount := makeNext()
		handler := MustRateLimit(Rate{Count: 3, Duration: time.Minute}, errDomain)(next)

		for i, wantRemaining := range []int{2, 1, 0} {
			respRec := sendReq(handler, "192.0.2.1")
			require.Equal(t, http.StatusOK, respRec.Code, "request #%d", i+1)
			testutil.RequireRateLimitHeadersInRecorder(t, respRec, 3, wantRemaining)
		}

		respRec := sendReq(handler, "192.0.2.1")
		testutil.RequireErrorInRecorder(t, respRec, http.StatusTooManyRequests, errDomain, RateLimitErrCode)
		testutil.RequireRateLimitHeadersInRecorder(t, respRec, 3, 0)
		testutil.RequireRetryAfterInRecorder(t, respRec, 60)
		require.Equal(t, 3, int(nextServedCount.Load()))
	})

	t.Run("keys are limited independently", func(t *testing.T) {
		next, nextServedCount := makeNext()
		handler := MustRateLimit(Rate{Count: 1, Duration: time.Minute}, errDomain)(next)

		require.Equal(t, http.StatusOK, sendReq(handler, "192.0.2.1").Code)
		require.Equal(t, http.StatusTooManyRequests, sendReq(handler, "192.0.2.1").Code)
		require.Equal(t, http.StatusOK, sendReq(handler, "192.0.2.2").Code)
		require.Equal(t, 2, int(nextServedCount.Load()))
	})

	t.Run("requests without forwarded address share the unknown bucket", func(t *testing.T) {
		next, _ := makeNext()
		handler := MustRateLimit(Rate{Count: 1, Duration: time.Minute}, errDomain)(next)

		require.Equal(t, http.StatusOK, sendReq(handler, "").Code)
		require.Equal(t, http.StatusTooManyRequests, sendReq(handler, "").Code)
	})

	t.Run("new window starts after the previous one expires", func(t *testing.T) {
		clock := newTestClock()
		limiter := ratelimit.MustNewFixedWindowLimiter(
			Rate{Count: 1, Duration: time.Minute}, ratelimit.WithNowProvider(clock.Now), ratelimit.WithSweepDisabled())

		next, _ := makeNext()
		handler := MustRateLimitWithOpts(Rate{Count: 1, Duration: time.Minute}, errDomain, RateLimitOpts{Limiter: limiter})(next)

		require.Equal(t, http.StatusOK, sendReq(handler, "192.0.2.1").Code)
		require.Equal(t, http.StatusTooManyRequests, sendReq(handler, "192.0.2.1").Code)

		clock.Advance(time.Minute + time.Second)
		require.Equal(t, http.StatusOK, sendReq(handler, "192.0.2.1").Code)
	})

	t.Run("bypass when key is empty", func(t *testing.T) {
		next, nextServedCount := makeNext()
		handler := MustRateLimitWithOpts(Rate{Count: 1, Duration: time.Minute}, errDomain, RateLimitOpts{
			GetKey: RateLimitGetKeyByHeader("X-Client-ID"),
		})(next)

		for i := 0; i < 5; i++ {
			require.Equal(t, http.StatusOK, sendReq(handler, "").Code)
		}
		require.Equal(t, 5, int(nextServedCount.Load()))
	})

	t.Run("dry run serves rejected requests", func(t *testing.T) {
		next, nextServedCount := makeNext()
		handler := MustRateLimitWithOpts(Rate{Count: 1, Duration: time.Minute}, errDomain, RateLimitOpts{DryRun: true})(next)

		for i := 0; i < 5; i++ {
			require.Equal(t, http.StatusOK, sendReq(handler, "192.0.2.1").Code)
		}
		require.Equal(t, 5, int(nextServedCount.Load()))
	})

	t.Run("custom on reject callback", func(t *testing.T) {
		next, _ := makeNext()
		var gotKey string
		var gotRetryAfter time.Duration
		handler := MustRateLimitWithOpts(Rate{Count: 1, Duration: time.Minute}, errDomain, RateLimitOpts{
			OnReject: func(
				rw http.ResponseWriter, r *http.Request, params RateLimitParams, next http.Handler, logger log.FieldLogger,
			) {
				gotKey = params.Key
				gotRetryAfter = params.EstimatedRetryAfter
				rw.WriteHeader(http.StatusTeapot)
			},
		})(next)

		require.Equal(t, http.StatusOK, sendReq(handler, "192.0.2.1").Code)
		require.Equal(t, http.StatusTeapot, sendReq(handler, "192.0.2.1").Code)
		require.Equal(t, "192.0.2.1", gotKey)
		require.Equal(t, time.Minute, gotRetryAfter)
	})

	t.Run("get key error leads to internal error response", func(t *testing.T) {
		next, nextServedCount := makeNext()
		handler := MustRateLimitWithOpts(Rate{Count: 1, Duration: time.Minute}, errDomain, RateLimitOpts{
			GetKey: func(r *http.Request) (string, bool, error) {
				return "", false, fmt.Errorf("malformed client address")
			},
		})(next)

		respRec := sendReq(handler, "192.0.2.1")
		testutil.RequireErrorInRecorder(t, respRec, http.StatusInternalServerError, errDomain, restapi.ErrCodeInternal)
		require.Equal(t, 0, int(nextServedCount.Load()))
	})

	t.Run("custom response status code", func(t *testing.T) {
		next, _ := makeNext()
		handler := MustRateLimitWithOpts(Rate{Count: 1, Duration: time.Minute}, errDomain, RateLimitOpts{
			ResponseStatusCode: http.StatusServiceUnavailable,
		})(next)

		require.Equal(t, http.StatusOK, sendReq(handler, "192.0.2.1").Code)
		require.Equal(t, http.StatusServiceUnavailable, sendReq(handler, "192.0.2.1").Code)
	})

	t.Run("concurrent requests, limit is not overrun", func(t *testing.T) {
		const limit = 50
		const reqsNum = 200

		next, nextServedCount := makeNext()
		handler := MustRateLimit(Rate{Count: limit, Duration: time.Minute}, errDomain)(next)

		var okCount, tooManyReqsCount, unexpectedCodeCount atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < reqsNum; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				switch sendReq(handler, "192.0.2.1").Code {
				case http.StatusOK:
					okCount.Inc()
				case http.StatusTooManyRequests:
					tooManyReqsCount.Inc()
				default:
					unexpectedCodeCount.Inc()
				}
			}()
		}
		wg.Wait()

		require.Equal(t, limit, int(okCount.Load()))
		require.Equal(t, reqsNum-limit, int(tooManyReqsCount.Load()))
		require.Equal(t, 0, int(unexpectedCodeCount.Load()))
		require.Equal(t, limit, int(nextServedCount.Load()))
	})
}

func TestMustRateLimitWithOptsPanics(t *testing.T) {
	require.Panics(t, func() {
		MustRateLimit(Rate{Count: 0, Duration: time.Minute}, "MyService")
	})
	require.Panics(t, func() {
		MustRateLimit(Rate{Count: 10, Duration: 0}, "MyService")
	})
}

func TestRateLimitGetKeyFuncs(t *testing.T) {
	t.Run("by forwarded addr, first hop", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1, 10.0.0.2")
		key, bypass, err := RateLimitGetKeyByForwardedAddr(req)
		require.NoError(t, err)
		require.False(t, bypass)
		require.Equal(t, "203.0.113.7", key)
	})

	t.Run("by forwarded addr, missing header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		key, bypass, err := RateLimitGetKeyByForwardedAddr(req)
		require.NoError(t, err)
		require.False(t, bypass)
		require.Equal(t, RateLimitUnknownKey, key)
	})

	t.Run("by forwarded addr, real ip fallback", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Real-IP", "203.0.113.7")
		key, bypass, err := RateLimitGetKeyByForwardedAddr(req)
		require.NoError(t, err)
		require.False(t, bypass)
		require.Equal(t, "203.0.113.7", key)
	})

	t.Run("by remote addr", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "192.0.2.1:54321"
		key, bypass, err := RateLimitGetKeyByRemoteAddr(req)
		require.NoError(t, err)
		require.False(t, bypass)
		require.Equal(t, "192.0.2.1", key)
	})

	t.Run("by addr and user agent", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Forwarded-For", "203.0.113.7")
		req.Header.Set("User-Agent", "Mozilla/5.0")
		key, bypass, err := RateLimitGetKeyByAddrAndUserAgent(req)
		require.NoError(t, err)
		require.False(t, bypass)
		require.Equal(t, "203.0.113.7|Mozilla/5.0", key)
	})

	t.Run("by header", func(t *testing.T) {
		getKey := RateLimitGetKeyByHeader("X-Client-ID")

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Client-ID", "  client-42  ")
		key, bypass, err := getKey(req)
		require.NoError(t, err)
		require.False(t, bypass)
		require.Equal(t, "client-42", key)

		req = httptest.NewRequest(http.MethodGet, "/", nil)
		_, bypass, err = getKey(req)
		require.NoError(t, err)
		require.True(t, bypass)
	})
}
