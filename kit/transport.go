package kit

import "context"

// Endpoint is the transport-agnostic unit of business logic, in the
// go-kit sense: every HTTP handler and proxy call in this service is
// ultimately an Endpoint wrapped in Middleware.
type Endpoint func(ctx context.Context, request any) (response any, err error)

// Middleware wraps an Endpoint with cross-cutting behavior (logging,
// auth, rate limiting) without the Endpoint itself knowing about it.
type Middleware func(Endpoint) Endpoint

// Chain composes Middlewares into one, applying them in the order given:
// the first Middleware passed is the outermost.
func Chain(outer Middleware, others ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(others) - 1; i >= 0; i-- {
			next = others[i](next)
		}
		return outer(next)
	}
}
