/*
Copyright © 2025 Hausly Ltd.

Released under MIT license.
*/

// Package testutil provides helpers for testing HTTP handlers that use rate limiting.
package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"

	"github.com/stretchr/testify/require"
)

const contentTypeAppJSON = "application/json"

type tHelper interface {
	Helper()
}

type errorRespData struct {
	Domain string `json:"domain"`
	Code   string `json:"code"`
}

type wrappedErrorRespData struct {
	Error errorRespData `json:"error"`
}

// RequireErrorInRecorder asserts that passing httptest.ResponseRecorder contains error.
func RequireErrorInRecorder(t require.TestingT, resp *httptest.ResponseRecorder, wantHTTPCode int, wantErrDomain, wantErrCode string) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	requireErrorInResponse(t, resp.Code, resp.Header(), resp.Body, wantHTTPCode, wantErrDomain, wantErrCode)
}

// RequireErrorInResponse asserts that passing http.Response contains the error.
func RequireErrorInResponse(t require.TestingT, resp *http.Response, wantHTTPCode int, wantErrDomain, wantErrCode string) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	requireErrorInResponse(t, resp.StatusCode, resp.Header, resp.Body, wantHTTPCode, wantErrDomain, wantErrCode)
}

func requireErrorInResponse(
	t require.TestingT, code int, header http.Header, body io.Reader, wantHTTPCode int, wantErrDomain, wantErrCode string,
) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	require.Equal(t, wantHTTPCode, code)
	require.Equal(t, contentTypeAppJSON, header.Get("Content-Type"))
	var wrappedErrResp wrappedErrorRespData
	require.NoError(t, json.NewDecoder(body).Decode(&wrappedErrResp))
	require.Equal(t, wantErrDomain, wrappedErrResp.Error.Domain)
	require.Equal(t, wantErrCode, wrappedErrResp.Error.Code)
}

// RequireRateLimitHeadersInRecorder asserts that passing httptest.ResponseRecorder contains
// the X-RateLimit-Limit, X-RateLimit-Remaining and X-RateLimit-Reset headers with the wanted quota values.
func RequireRateLimitHeadersInRecorder(t require.TestingT, resp *httptest.ResponseRecorder, wantLimit, wantRemaining int) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	require.Equal(t, strconv.Itoa(wantLimit), resp.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, strconv.Itoa(wantRemaining), resp.Header().Get("X-RateLimit-Remaining"))
	require.NotEmpty(t, resp.Header().Get("X-RateLimit-Reset"))
}

// RequireRetryAfterInRecorder asserts that passing httptest.ResponseRecorder contains
// the Retry-After header with the wanted number of seconds.
func RequireRetryAfterInRecorder(t require.TestingT, resp *httptest.ResponseRecorder, wantSeconds int) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	require.Equal(t, strconv.Itoa(wantSeconds), resp.Header().Get("Retry-After"))
}
