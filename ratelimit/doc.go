/*
Copyright © 2025 Hausly Ltd.

Released under MIT license.
*/

// Package ratelimit provides an in-process, best-effort request rate limiter
// based on the fixed-window counter algorithm: request counts accumulate per
// key and reset wholesale at window boundaries.
//
// The limiter keeps a single live entry per key. An entry whose window has
// passed is treated as absent by Check, and is physically removed by the
// periodic sweep that bounds memory growth for keys that stop sending
// requests. State lives only in process memory and is never persisted;
// on restart the limiter simply starts over.
package ratelimit
