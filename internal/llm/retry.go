package llm

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"contract-backend/internal/shared/telemetry"
)

const retryBaseDelay = 300 * time.Millisecond

// Retrying retries a failed call once when the error looks transient.
type Retrying struct {
	Base  ChatClient
	Delay time.Duration
}

// WithRetry wraps base. A nil base stays nil.
func WithRetry(base ChatClient) ChatClient {
	if base == nil {
		return nil
	}
	return Retrying{Base: base, Delay: retryBaseDelay}
}

func (r Retrying) Chat(ctx context.Context, model string, messages []Message) (Response, error) {
	resp, err := r.Base.Chat(ctx, model, messages)
	if err == nil || !ShouldRetry(err) || ctx.Err() != nil {
		return resp, err
	}

	telemetry.Warn("llm.retry", map[string]any{
		"attempt": 1,
		"model":   model,
		"error":   err,
	})
	select {
	case <-time.After(r.Delay):
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
	return r.Base.Chat(ctx, model, messages)
}

// ShouldRetry classifies timeouts, 5xx responses and dropped connections as transient.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrProviderNotConfigured) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "http status 5") || strings.Contains(msg, "server_error") || strings.Contains(msg, "http status 429") {
		return true
	}
	if strings.Contains(msg, "timeout") {
		return true
	}
	for _, marker := range []string{"connection reset", "connection refused", "connection closed", "broken pipe", "unexpected eof"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
