package analyses

import "context"

type ctxKey int

const requestIDCtxKey ctxKey = iota

// WithRequestID tags ctx with the id of the HTTP request or queue message
// that caused the work. Log lines of the job carry it as request_id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDCtxKey, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDCtxKey).(string)
	return id
}

// detach keeps the request id but not the deadline of an HTTP request, so an
// in-process run outlives the response.
func detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
