/*
Copyright © 2025 Hausly Ltd.

Released under MIT license.
*/

// Package throttle provides a middleware for rate limiting incoming HTTP requests
// based on a declarative configuration.
//
// The configuration consists of zones and rules. A zone defines how requests are
// counted: the rate (e.g. "100/m" or "5/15m"), the key by which requests are
// grouped (client address, address + User-Agent, a header value, or an
// application-provided identity), and the rejection behavior. A rule binds one or
// more zones to a set of routes.
//
// The Presets function returns a typical configuration for a public web API:
// a strict zone for authentication endpoints, a moderate one for form submissions,
// and a general ceiling for everything else.
package throttle
