package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Roles understood by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a chat request.
type Message struct {
	Role    string
	Content string
}

// Response carries the assistant text. Raw is the provider payload when available.
type Response struct {
	Content string
	Raw     []byte
}

// ChatClient abstracts LLM providers for contract summarization.
type ChatClient interface {
	Chat(ctx context.Context, model string, messages []Message) (Response, error)
}

var (
	ErrProviderNotConfigured = errors.New("llm provider not configured")
	ErrEmptyResponse         = errors.New("llm returned empty content")
)

// Router sends every call to the client registered for the active provider.
type Router struct {
	provider string
	clients  map[string]ChatClient
}

// NewRouter returns a Router using provider. Nil clients are ignored.
func NewRouter(provider string, clients map[string]ChatClient) *Router {
	r := &Router{provider: strings.ToLower(strings.TrimSpace(provider)), clients: map[string]ChatClient{}}
	for name, c := range clients {
		if c != nil {
			r.clients[strings.ToLower(name)] = c
		}
	}
	return r
}

// Provider returns the active provider name.
func (r *Router) Provider() string { return r.provider }

func (r *Router) Chat(ctx context.Context, model string, messages []Message) (Response, error) {
	client, ok := r.clients[r.provider]
	if !ok {
		return Response{}, fmt.Errorf("%w: %q", ErrProviderNotConfigured, r.provider)
	}
	return client.Chat(ctx, model, messages)
}

// SplitSystem separates system messages from the conversation turns.
func SplitSystem(messages []Message) (system string, turns []Message) {
	var sys []string
	for _, m := range messages {
		if m.Role == RoleSystem {
			if s := strings.TrimSpace(m.Content); s != "" {
				sys = append(sys, s)
			}
			continue
		}
		turns = append(turns, m)
	}
	return strings.Join(sys, "\n\n"), turns
}

var _ ChatClient = (*Router)(nil)
