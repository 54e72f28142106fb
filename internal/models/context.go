package models

import "context"

type requestContextKey struct{}

// RequestContext carries caller correlation data through the orchestrator so
// log lines and mirrored journal entries can be tied back to the request.
type RequestContext struct {
	RequestId string
	Source    string // "api", "webhook", "reconcile", "cli"
}

// WithRequestContext attaches request data to a context.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// GetRequestContext retrieves request data from context, or nil if absent.
func GetRequestContext(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc
}

// RequestIdFrom returns the request id or an empty string.
func RequestIdFrom(ctx context.Context) string {
	if rc := GetRequestContext(ctx); rc != nil {
		return rc.RequestId
	}
	return ""
}
