// Package kit holds the small set of request-scoped context keys shared by
// tsdgate's HTTP middleware stack (shield), its tracing driver, and the
// Bearer-token Tenant Gate (auth). There is exactly one transport (HTTP), so
// the keys here are the ones that transport actually carries: the caller's
// identity and role from the Tenant Gate, a trace ID and request ID for log
// correlation, and the remote address for audit entries.
package kit

import "context"

type contextKey string

const (
	UserIDKey     contextKey = "kit_user_id"
	RequestIDKey  contextKey = "kit_request_id"
	TraceIDKey    contextKey = "kit_trace_id"
	RemoteAddrKey contextKey = "kit_remote_addr"
	RoleKey       contextKey = "kit_role"
)

// WithUserID stores the authenticated requestor (the Tenant Gate's
// claims.Requestor) for downstream audit and event logging.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, UserIDKey, id)
}
func GetUserID(ctx context.Context) string {
	v, _ := ctx.Value(UserIDKey).(string)
	return v
}

// WithRequestID stores the per-request correlation ID. Distinct from the
// trace ID: a client-supplied X-Request-ID survives a retried request across
// trace IDs, while the trace ID is minted fresh on every hop.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}
func GetRequestID(ctx context.Context) string {
	v, _ := ctx.Value(RequestIDKey).(string)
	return v
}

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey, id)
}
func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(TraceIDKey).(string)
	return v
}

func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, RemoteAddrKey, addr)
}
func GetRemoteAddr(ctx context.Context) string {
	v, _ := ctx.Value(RemoteAddrKey).(string)
	return v
}

func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, RoleKey, role)
}
func GetRole(ctx context.Context) string {
	v, _ := ctx.Value(RoleKey).(string)
	return v
}
