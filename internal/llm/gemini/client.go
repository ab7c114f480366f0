// Package gemini implements llm.ChatClient on top of the Google Gemini SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"contract-backend/internal/llm"
	"contract-backend/internal/shared/telemetry"
)

type generateFunc func(ctx context.Context, model, system string, history []*genai.Content, last []genai.Part) (*genai.GenerateContentResponse, error)

// Client implements llm.ChatClient for Google Gemini.
type Client struct {
	generate generateFunc
	closeFn  func() error
}

// NewClient creates a Gemini client authenticated with apiKey.
func NewClient(ctx context.Context, apiKey string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &Client{
		generate: func(ctx context.Context, model, system string, history []*genai.Content, last []genai.Part) (*genai.GenerateContentResponse, error) {
			gm := client.GenerativeModel(model)
			gm.SetTemperature(0.2)
			if system != "" {
				gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
			}
			cs := gm.StartChat()
			cs.History = history
			return cs.SendMessage(ctx, last...)
		},
		closeFn: client.Close,
	}, nil
}

// Close releases resources held by the client.
func (c *Client) Close() error {
	if c == nil || c.closeFn == nil {
		return nil
	}
	return c.closeFn()
}

func (c *Client) Chat(ctx context.Context, model string, messages []llm.Message) (llm.Response, error) {
	if strings.TrimSpace(model) == "" {
		return llm.Response{}, fmt.Errorf("LLM_MODEL is required for Gemini")
	}
	system, turns := llm.SplitSystem(messages)
	if len(turns) == 0 {
		return llm.Response{}, errors.New("gemini chat needs at least one user message")
	}
	history := make([]*genai.Content, 0, len(turns)-1)
	for _, m := range turns[:len(turns)-1] {
		history = append(history, &genai.Content{Role: geminiRole(m.Role), Parts: []genai.Part{genai.Text(m.Content)}})
	}
	last := []genai.Part{genai.Text(turns[len(turns)-1].Content)}

	resp, err := c.generate(ctx, model, system, history, last)
	if err != nil {
		return llm.Response{}, fmt.Errorf("gemini generate: %w", err)
	}
	text, err := extractText(resp)
	if err != nil {
		return llm.Response{}, err
	}
	fields := map[string]any{"model": model, "provider": "gemini"}
	if resp.UsageMetadata != nil {
		fields["total_tokens"] = resp.UsageMetadata.TotalTokenCount
	}
	telemetry.Info("llm.response", fields)
	return llm.Response{Content: text}, nil
}

func geminiRole(role string) string {
	if role == llm.RoleAssistant {
		return "model"
	}
	return "user"
}

func extractText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("no candidates in response")
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil {
		return "", llm.ErrEmptyResponse
	}
	var parts []string
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			parts = append(parts, string(text))
		}
	}
	text := strings.TrimSpace(strings.Join(parts, ""))
	if text == "" {
		return "", llm.ErrEmptyResponse
	}
	return text, nil
}

var _ llm.ChatClient = (*Client)(nil)
