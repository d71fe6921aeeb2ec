/*
Copyright © 2025 Hausly Ltd.

Released under MIT license.
*/

package restapi

import (
	"fmt"
	"net/http"
	"path"
	"sort"
	"strings"
)

// RoutePath represents route's path.
type RoutePath struct {
	Raw            string
	NormalizedPath string
	ExactMatch     bool
}

// ParseRoutePath parses string representation of route's path.
// Syntax: [ = ] urlPath
// A path without a modifier matches requests by prefix on segment boundaries
// (i.e. "/api/auth" matches "/api/auth" and "/api/auth/login", but not "/api/authors").
// The "=" modifier requires an exact match.
func ParseRoutePath(rp string) (RoutePath, error) {
	rp = strings.TrimSpace(rp)
	if rp == "" {
		return RoutePath{}, fmt.Errorf("path is missing")
	}
	if strings.HasPrefix(rp, "=") {
		p := strings.TrimSpace(rp[1:])
		if !strings.HasPrefix(p, "/") {
			return RoutePath{}, fmt.Errorf("path should be started with \"/\" in case of exact matching")
		}
		return RoutePath{Raw: rp, NormalizedPath: NormalizeURLPath(p), ExactMatch: true}, nil
	}
	if !strings.HasPrefix(rp, "/") {
		return RoutePath{}, fmt.Errorf("path should be started with \"/\" in case of prefixed matching")
	}
	return RoutePath{Raw: rp, NormalizedPath: NormalizeURLPath(rp)}, nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (rp *RoutePath) UnmarshalText(text []byte) (err error) {
	*rp, err = ParseRoutePath(string(text))
	return
}

// MatchesPath reports whether the normalized request path matches the route's path.
func (rp *RoutePath) MatchesPath(normalizedPath string) bool {
	if rp.ExactMatch {
		return normalizedPath == rp.NormalizedPath
	}
	if normalizedPath == rp.NormalizedPath {
		return true
	}
	prefix := rp.NormalizedPath
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return strings.HasPrefix(normalizedPath, prefix)
}

// Route represents route for handling.
type Route struct {
	Path        RoutePath
	Methods     []string
	Handler     http.Handler
	Middlewares []func(http.Handler) http.Handler
	Excluded    bool // Set to true for routes that are matched to be excluded.
}

// NewRoute returns a new route.
func NewRoute(cfg RouteConfig, handler http.Handler, middlewares []func(http.Handler) http.Handler) Route {
	return Route{
		Path:        cfg.Path,
		Methods:     cfg.MethodsInUpperCase(),
		Handler:     handler,
		Middlewares: middlewares,
	}
}

// NewExcludedRoute returns a new route that will be used as exclusion in matching.
func NewExcludedRoute(cfg RouteConfig) Route {
	return Route{
		Path:     cfg.Path,
		Methods:  cfg.MethodsInUpperCase(),
		Excluded: true,
	}
}

// RoutesManager contains routes for handling and allows to search among them.
type RoutesManager struct {
	exactRoutes              map[string][]Route
	descSortedPrefixedRoutes []Route
}

// NewRoutesManager create new RoutesManager.
func NewRoutesManager(routes []Route) *RoutesManager {
	exactRoutes := make(map[string][]Route)
	var prefixedRoutes []Route
	for _, route := range routes {
		if route.Path.ExactMatch {
			exactRoutes[route.Path.NormalizedPath] = append(exactRoutes[route.Path.NormalizedPath], route)
			continue
		}
		prefixedRoutes = append(prefixedRoutes, route)
	}

	// For further searching in each slice first must go routes for which methods are specified.
	// That's why we sort all slices here.

	for i := range exactRoutes {
		pathRoutes := exactRoutes[i]
		sort.SliceStable(pathRoutes, func(i, j int) bool {
			return len(pathRoutes[i].Methods) != 0 && len(pathRoutes[j].Methods) == 0
		})
	}

	// Sort prefixed routes in desc order, so the longest prefix wins.
	sort.SliceStable(prefixedRoutes, func(i, j int) bool {
		if prefixedRoutes[i].Path.NormalizedPath == prefixedRoutes[j].Path.NormalizedPath {
			return len(prefixedRoutes[i].Methods) != 0 && len(prefixedRoutes[j].Methods) == 0
		}
		return prefixedRoutes[i].Path.NormalizedPath > prefixedRoutes[j].Path.NormalizedPath
	})

	return &RoutesManager{exactRoutes, prefixedRoutes}
}

// SearchMatchedRouteForRequest searches Route that matches the passing http.Request.
// Excluded routes has priority.
func (r *RoutesManager) SearchMatchedRouteForRequest(req *http.Request) (Route, bool) {
	normalizedReqURLPath := NormalizeURLPath(req.URL.Path)
	if _, ok := r.SearchRoute(normalizedReqURLPath, req.Method, true); ok {
		return Route{}, false
	}
	return r.SearchRoute(normalizedReqURLPath, req.Method, false)
}

// SearchRoute searches Route by passed path and method.
// Path should be normalized (see NormalizeURLPath for this).
// If the excluded arg is true, search will be done only among excluded routes. If false - only among included routes.
func (r *RoutesManager) SearchRoute(normalizedPath string, method string, excluded bool) (Route, bool) {
	reqMethodMatchesRoute := func(route *Route) bool {
		if len(route.Methods) == 0 {
			return true
		}
		for i := range route.Methods {
			if route.Methods[i] == method {
				return true
			}
		}
		return false
	}

	if exactRoutes, ok := r.exactRoutes[normalizedPath]; ok {
		for i := range exactRoutes {
			if exactRoutes[i].Excluded == excluded && reqMethodMatchesRoute(&exactRoutes[i]) {
				return exactRoutes[i], true
			}
		}
	}

	for i := range r.descSortedPrefixedRoutes {
		route := &r.descSortedPrefixedRoutes[i]
		if route.Excluded == excluded && route.Path.MatchesPath(normalizedPath) && reqMethodMatchesRoute(route) {
			return *route, true
		}
	}

	return Route{}, false
}

// RouteConfig represents route's configuration.
type RouteConfig struct {
	// Path is a struct that contains info about route path.
	// ParseRoutePath function should be used for constructing it from the string representation.
	Path RoutePath `mapstructure:"path" yaml:"path" json:"path"`

	// Methods is a list of case-insensitive HTTP verbs/methods.
	Methods []string `mapstructure:"methods" yaml:"methods" json:"methods"`
}

// MethodsInUpperCase returns list of route's methods in upper-case.
func (r *RouteConfig) MethodsInUpperCase() []string {
	upperMethods := make([]string, 0, len(r.Methods))
	for _, m := range r.Methods {
		upperMethods = append(upperMethods, strings.ToUpper(m))
	}
	return upperMethods
}

var availableHTTPMethods = []string{
	http.MethodGet,
	http.MethodHead,
	http.MethodPost,
	http.MethodPut,
	http.MethodPatch,
	http.MethodDelete,
	http.MethodConnect,
	http.MethodOptions,
	http.MethodTrace,
}

// Validate validates RouteConfig
func (r *RouteConfig) Validate() error {
	validateMethod := func(method string) error {
		for _, am := range availableHTTPMethods {
			if method == am {
				return nil
			}
		}
		return fmt.Errorf("unknown method %q", method)
	}

	if r.Path.Raw == "" {
		return fmt.Errorf("path is missing")
	}
	for _, method := range r.MethodsInUpperCase() {
		if err := validateMethod(method); err != nil {
			return err
		}
	}
	return nil
}

// NormalizeURLPath normalizes URL path (i.e. for example, it convert /foo///bar/.. to /foo).
func NormalizeURLPath(urlPath string) string {
	res := path.Clean("/" + urlPath)
	if strings.HasSuffix(urlPath, "/") && res != "/" {
		res += "/"
	}
	return res
}
