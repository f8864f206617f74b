package rtapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// DefaultAPIVersion is the runtime API version segment all routes sit under.
const DefaultAPIVersion = "2018-06-01"

// Op identifies one of the runtime API operations.
type Op int

const (
	OpNone Op = iota
	// OpNextInvocation is the long poll for the next unit of work.
	OpNextInvocation
	// OpPostResult reports a successful invocation result.
	OpPostResult
	// OpPostError reports a failed invocation.
	OpPostError
	// OpPostInitError reports a startup failure, before any invocation exists.
	OpPostInitError
)

func (o Op) String() string {
	switch o {
	case OpNextInvocation:
		return "next-invocation"
	case OpPostResult:
		return "post-result"
	case OpPostError:
		return "post-error"
	case OpPostInitError:
		return "post-init-error"
	default:
		return "none"
	}
}

// RouteError reports a method/path pair that matches no runtime API operation.
type RouteError struct {
	Method string
	Path   string
}

func (e *RouteError) Error() string {
	return fmt.Sprintf("no runtime API route for %s %s", e.Method, e.Path)
}

// Route is the result of matching one request against the runtime API:
// the operation, plus the correlation id for the two id-scoped posts.
type Route struct {
	Op            Op
	CorrelationID string
}

// Matcher maps (method, path) pairs onto runtime API operations.  It wraps a
// chi mux used purely for matching; no handlers ever run.  Matchers are
// stateless and safe for concurrent use.
type Matcher struct {
	mux *chi.Mux
}

func NewMatcher(apiVersion string) *Matcher {
	if apiVersion == "" {
		apiVersion = DefaultAPIVersion
	}
	noop := func(http.ResponseWriter, *http.Request) {}
	mux := chi.NewRouter()
	mux.Get("/"+apiVersion+"/runtime/invocation/next", noop)
	mux.Post("/"+apiVersion+"/runtime/invocation/{correlationID}/response", noop)
	mux.Post("/"+apiVersion+"/runtime/invocation/{correlationID}/error", noop)
	mux.Post("/"+apiVersion+"/runtime/init/error", noop)
	return &Matcher{mux: mux}
}

// Match resolves method and path to a Route, or a *RouteError if the pair
// matches no operation.
func (m *Matcher) Match(method, path string) (Route, error) {
	rctx := chi.NewRouteContext()
	if !m.mux.Match(rctx, method, path) {
		return Route{}, &RouteError{Method: method, Path: path}
	}

	r := Route{CorrelationID: rctx.URLParam("correlationID")}
	pattern := rctx.RoutePattern()
	switch {
	case strings.HasSuffix(pattern, "/invocation/next"):
		r.Op = OpNextInvocation
	case strings.HasSuffix(pattern, "/init/error"):
		r.Op = OpPostInitError
	case strings.HasSuffix(pattern, "/response"):
		r.Op = OpPostResult
	case strings.HasSuffix(pattern, "/error"):
		r.Op = OpPostError
	default:
		return Route{}, &RouteError{Method: method, Path: path}
	}
	return r, nil
}
