package analyses

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"contract-backend/internal/llm"
	"contract-backend/internal/shared/telemetry"
)

const (
	maxQuestionRunes = 16000
	maxDigestRunes   = 12000
	noAnswerReply    = "Не удалось получить ответ."
)

// Ask answers a follow-up question about a ready analysis. The model sees
// the digest and the earlier conversation; both new turns are stored only
// when an answer was produced.
func (s *Service) Ask(ctx context.Context, userID, analysisID, question string) ([]Message, error) {
	question = strings.TrimSpace(question)
	if question == "" || utf8.RuneCountInString(question) > maxQuestionRunes {
		return nil, ErrInvalidQuestion
	}
	if s.Messages == nil || s.Chat == nil {
		return nil, ErrChatNotConfigured
	}
	analysis, err := s.Get(ctx, userID, analysisID)
	if err != nil {
		return nil, err
	}
	if analysis.Status != StatusReady {
		return nil, ErrNotReady
	}
	history, err := s.Messages.ListMessages(ctx, analysis.ID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}

	askedAt := s.now()
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if s.Settings.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, s.Settings.CallTimeout)
	}
	resp, err := s.Chat.Chat(callCtx, s.Settings.Model, followUpPrompt(s.Settings.FollowUpPrompt, analysis.SummaryText, history, question))
	cancel()
	if err != nil {
		telemetry.Warn("analysis.followup_failed", map[string]any{
			"request_id":  requestIDFromContext(ctx),
			"analysis_id": analysis.ID,
			"error":       sanitizeError(err),
		})
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrAnswerUnavailable, err)
	}
	answer := strings.TrimSpace(resp.Content)
	if answer == "" {
		answer = noAnswerReply
	}

	turns := []Message{
		{ID: uuid.NewString(), AnalysisID: analysis.ID, Role: RoleUser, Content: question, CreatedAt: askedAt},
		{ID: uuid.NewString(), AnalysisID: analysis.ID, Role: RoleAssistant, Content: answer, CreatedAt: s.now()},
	}
	if err := s.Messages.AddMessages(ctx, turns...); err != nil {
		return nil, fmt.Errorf("store conversation: %w", err)
	}
	telemetry.Info("analysis.followup", map[string]any{
		"request_id":     requestIDFromContext(ctx),
		"user_id":        userID,
		"analysis_id":    analysis.ID,
		"history":        len(history),
		"question_chars": utf8.RuneCountInString(question),
		"answer_chars":   utf8.RuneCountInString(answer),
	})
	return turns, nil
}

// Conversation returns the follow-up messages of an analysis oldest first.
func (s *Service) Conversation(ctx context.Context, userID, analysisID string) ([]Message, error) {
	if s.Messages == nil {
		return nil, ErrChatNotConfigured
	}
	analysis, err := s.Get(ctx, userID, analysisID)
	if err != nil {
		return nil, err
	}
	return s.Messages.ListMessages(ctx, analysis.ID)
}

// followUpPrompt builds the system turn with the digest, then the history and the question.
func followUpPrompt(system, digest string, history []Message, question string) []llm.Message {
	if runes := []rune(digest); len(runes) > maxDigestRunes {
		digest = string(runes[:maxDigestRunes])
	}
	out := make([]llm.Message, 0, len(history)+2)
	out = append(out, llm.Message{
		Role:    llm.RoleSystem,
		Content: system + "\n\n--- Выжимка договора ---\n\n" + digest,
	})
	for _, m := range history {
		role := llm.RoleUser
		if m.Role == RoleAssistant {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: m.Content})
	}
	return append(out, llm.Message{Role: llm.RoleUser, Content: question})
}
