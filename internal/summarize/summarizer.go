// Package summarize produces a numbered digest of a contract through the
// configured LLM, splitting long documents into overlapping chunks.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"contract-backend/internal/chunker"
	"contract-backend/internal/llm"
	"contract-backend/internal/settings"
	"contract-backend/internal/shared/metrics"
	"contract-backend/internal/shared/telemetry"
)

const (
	// PartialSeparator joins partial digests when the merge call fails.
	PartialSeparator    = "\n\n---\n\n"
	mergeTruncationNote = "\n\n[Часть текста опущена при объединении.]"
)

var (
	ErrSummarizationFailed = errors.New("summarization failed")
	ErrModelNotConfigured  = fmt.Errorf("%w: model not configured", ErrSummarizationFailed)
	ErrEmptyInput          = fmt.Errorf("%w: document text is empty", ErrSummarizationFailed)
)

// Summary is the digest of one document.
type Summary struct {
	Text  string
	Items []Item

	Chunks   int
	Partials int
	Merged   bool
}

// Summarizer calls exactly one chat backend with the prompts from its snapshot.
type Summarizer struct {
	client llm.ChatClient
	cfg    settings.Snapshot
}

func New(client llm.ChatClient, cfg settings.Snapshot) *Summarizer {
	return &Summarizer{client: client, cfg: cfg}
}

// Summarize digests text in one call when it fits MaxCharsPerRequest, else by chunks.
func (s *Summarizer) Summarize(ctx context.Context, text string) (Summary, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Summary{}, ErrEmptyInput
	}
	if strings.TrimSpace(s.cfg.Model) == "" || s.client == nil {
		return Summary{}, ErrModelNotConfigured
	}

	if len([]rune(text)) <= s.cfg.MaxCharsPerRequest {
		out, err := s.SummarizeChunk(ctx, text, s.cfg.SystemPrompt)
		if err != nil {
			return Summary{}, fmt.Errorf("%w: %v", ErrSummarizationFailed, err)
		}
		return Summary{Text: out, Items: ParseItems(out), Chunks: 1, Partials: 1}, nil
	}
	return s.summarizeChunks(ctx, text)
}

func (s *Summarizer) summarizeChunks(ctx context.Context, text string) (Summary, error) {
	chunks := chunker.Split(text, s.cfg.ChunkSize, s.cfg.ChunkOverlap)
	if len(chunks) == 0 {
		return Summary{}, fmt.Errorf("%w: document could not be split", ErrSummarizationFailed)
	}

	results := make([]string, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	limit := s.cfg.ChunkConcurrency
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			out, err := s.SummarizeChunk(gctx, chunk, s.cfg.SystemPrompt)
			if err != nil {
				metrics.IncChunkEmpty()
				telemetry.Warn("summarize.chunk_dropped", map[string]any{
					"chunk":  i + 1,
					"chunks": len(chunks),
					"error":  err,
				})
				return nil
			}
			results[i] = out
			return nil
		})
	}
	_ = g.Wait()

	partials := make([]string, 0, len(results))
	for _, r := range results {
		if r != "" {
			partials = append(partials, r)
		}
	}
	switch len(partials) {
	case 0:
		return Summary{}, fmt.Errorf("%w: all %d chunks returned nothing", ErrSummarizationFailed, len(chunks))
	case 1:
		return Summary{Text: partials[0], Items: ParseItems(partials[0]), Chunks: len(chunks), Partials: 1}, nil
	}

	merged, err := s.MergePartials(ctx, partials, s.cfg.MergePrompt)
	if err != nil {
		metrics.IncMergeFallbacks()
		telemetry.Warn("summarize.merge_fallback", map[string]any{
			"partials": len(partials),
			"error":    err,
		})
		merged = strings.Join(partials, PartialSeparator)
	}
	return Summary{
		Text:     merged,
		Items:    ParseItems(merged),
		Chunks:   len(chunks),
		Partials: len(partials),
		Merged:   err == nil,
	}, nil
}

// SummarizeChunk sends one system and one user message. Empty content is an error.
func (s *Summarizer) SummarizeChunk(ctx context.Context, text, systemPrompt string) (string, error) {
	metrics.IncChunkCalls()
	return s.call(ctx, systemPrompt, text)
}

// MergePartials combines partial digests into one, labelling each fragment.
func (s *Summarizer) MergePartials(ctx context.Context, partials []string, mergePrompt string) (string, error) {
	metrics.IncMergeCalls()
	return s.call(ctx, mergePrompt, BuildMergeInput(partials, s.cfg.MaxMergeInputChars))
}

// BuildMergeInput renders "--- Фрагмент N ---" blocks, cut at maxChars runes
// with a truncation note.
func BuildMergeInput(partials []string, maxChars int) string {
	blocks := make([]string, 0, len(partials))
	for i, p := range partials {
		blocks = append(blocks, fmt.Sprintf("--- Фрагмент %d ---\n\n%s", i+1, p))
	}
	combined := strings.TrimSpace(strings.Join(blocks, "\n\n"))
	if maxChars > 0 {
		if runes := []rune(combined); len(runes) > maxChars {
			combined = string(runes[:maxChars]) + mergeTruncationNote
		}
	}
	return combined
}

func (s *Summarizer) call(ctx context.Context, systemPrompt, user string) (string, error) {
	timeout := s.cfg.CallTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := s.client.Chat(callCtx, s.cfg.Model, []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: user},
	})
	if err != nil {
		return "", err
	}
	out := strings.TrimSpace(resp.Content)
	if out == "" {
		return "", llm.ErrEmptyResponse
	}
	return out, nil
}
