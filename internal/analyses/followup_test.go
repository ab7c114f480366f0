package analyses

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"contract-backend/internal/llm"
)

// recordingChat returns replies in order and keeps the prompts it was given.
type recordingChat struct {
	mu      sync.Mutex
	replies []string
	err     error
	prompts [][]llm.Message
	models  []string
}

func (r *recordingChat) Chat(ctx context.Context, model string, messages []llm.Message) (llm.Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompts = append(r.prompts, append([]llm.Message(nil), messages...))
	r.models = append(r.models, model)
	if r.err != nil {
		return llm.Response{}, r.err
	}
	reply := ""
	if len(r.replies) > 0 {
		reply, r.replies = r.replies[0], r.replies[1:]
	}
	return llm.Response{Content: reply}, nil
}

func readyAnalysis(t *testing.T, repo *MemoryRepo, id, userID, digest string) {
	t.Helper()
	ctx := context.Background()
	if err := repo.Create(ctx, Analysis{ID: id, UserID: userID, CreatedAt: time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := repo.SetStaged(ctx, id, "/tmp/unused", []string{"001_contract.pdf"}); err != nil {
		t.Fatalf("SetStaged: %v", err)
	}
	claimed, err := repo.ClaimForProcessing(ctx, id, 0)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := repo.Complete(ctx, id, claimed.Attempts, Result{Title: "ИНН 7707083893 · 03.03.2025", SummaryText: digest}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
}

func TestAskSendsDigestAndHistory(t *testing.T) {
	svc, repo, _ := setupService(t)
	chat := &recordingChat{replies: []string{"Оплата в течение 10 рабочих дней.", "  "}}
	svc.Messages, svc.Chat = repo, chat
	ctx := context.Background()
	digest := strings.Repeat("ц", maxDigestRunes+500)
	readyAnalysis(t, repo, "a-1", "user-1", digest)

	first, err := svc.Ask(ctx, "user-1", "a-1", "  Какой срок оплаты?  ")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if len(first) != 2 || first[0].Role != RoleUser || first[0].Content != "Какой срок оплаты?" ||
		first[1].Role != RoleAssistant || first[1].Content != "Оплата в течение 10 рабочих дней." {
		t.Fatalf("unexpected turns %+v", first)
	}

	second, err := svc.Ask(ctx, "user-1", "a-1", "А неустойка?")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if second[1].Content != noAnswerReply {
		t.Fatalf("blank reply should fall back, got %q", second[1].Content)
	}

	prompt := chat.prompts[1]
	if len(prompt) != 4 {
		t.Fatalf("expected system, two history turns and the question, got %d messages", len(prompt))
	}
	if prompt[0].Role != llm.RoleSystem || !strings.HasPrefix(prompt[0].Content, svc.Settings.FollowUpPrompt) {
		t.Fatalf("system turn must carry the follow-up prompt: %q", prompt[0].Content[:80])
	}
	if got := strings.Count(prompt[0].Content, "ц"); got != maxDigestRunes {
		t.Fatalf("digest should be cut to %d runes, got %d", maxDigestRunes, got)
	}
	if prompt[1].Role != llm.RoleUser || prompt[2].Role != llm.RoleAssistant || prompt[3].Content != "А неустойка?" {
		t.Fatalf("unexpected history order %+v", prompt[1:])
	}
	if chat.models[0] != svc.Settings.Model {
		t.Fatalf("expected configured model, got %q", chat.models[0])
	}

	all, err := svc.Conversation(ctx, "user-1", "a-1")
	if err != nil {
		t.Fatalf("Conversation: %v", err)
	}
	if len(all) != 4 || all[0].Content != "Какой срок оплаты?" || all[3].Content != noAnswerReply {
		t.Fatalf("unexpected conversation %+v", all)
	}
}

func TestAskRejections(t *testing.T) {
	svc, repo, _ := setupService(t)
	svc.Messages, svc.Chat = repo, &recordingChat{replies: []string{"ok"}}
	ctx := context.Background()
	readyAnalysis(t, repo, "ready-1", "user-1", "1. Предмет: поставка")
	draft, _ := svc.Create(ctx, "user-1")

	cases := []struct {
		name     string
		userID   string
		id       string
		question string
		want     error
	}{
		{"blank question", "user-1", "ready-1", "   ", ErrInvalidQuestion},
		{"too long", "user-1", "ready-1", strings.Repeat("в", maxQuestionRunes+1), ErrInvalidQuestion},
		{"not ready", "user-1", draft.ID, "Что по цене?", ErrNotReady},
		{"foreign job", "intruder", "ready-1", "Что по цене?", ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Ask(ctx, tc.userID, tc.id, tc.question); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if msgs, _ := repo.ListMessages(ctx, "ready-1"); len(msgs) != 0 {
		t.Fatalf("rejected questions must not be stored: %+v", msgs)
	}
}

func TestAskModelFailureStoresNothing(t *testing.T) {
	svc, repo, _ := setupService(t)
	svc.Messages, svc.Chat = repo, &recordingChat{err: errors.New("503 from provider")}
	ctx := context.Background()
	readyAnalysis(t, repo, "a-1", "user-1", "1. Цена: 100 000 руб.")

	if _, err := svc.Ask(ctx, "user-1", "a-1", "Какая цена?"); !errors.Is(err, ErrAnswerUnavailable) {
		t.Fatalf("expected ErrAnswerUnavailable, got %v", err)
	}
	if msgs, _ := repo.ListMessages(ctx, "a-1"); len(msgs) != 0 {
		t.Fatalf("failed exchange must not be stored: %+v", msgs)
	}
}

func TestSweepDropsConversation(t *testing.T) {
	svc, repo, _ := setupService(t)
	svc.Messages, svc.Chat = repo, &recordingChat{replies: []string{"ok"}}
	ctx := context.Background()
	readyAnalysis(t, repo, "old-1", "user-1", "1. Предмет: поставка")
	if _, err := svc.Ask(ctx, "user-1", "old-1", "Кто поставщик?"); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if _, err := svc.Sweep(ctx, 1); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if msgs, _ := repo.ListMessages(ctx, "old-1"); len(msgs) != 0 {
		t.Fatalf("conversation should go with the analysis: %+v", msgs)
	}
}

func TestMessagesOverHTTP(t *testing.T) {
	f := setupAnalysisRouter(t)
	f.svc.Messages, f.svc.Chat = f.repo, &recordingChat{replies: []string{"Поставщик: ООО «Вектор»."}}
	readyAnalysis(t, f.repo, "a-9", "user-1", "1. Стороны: ООО «Вектор»")

	resp := f.do(t, http.MethodPost, "/api/v1/analyses/a-9/messages", "user-1",
		bytes.NewBufferString(`{"content":"Кто поставщик?"}`), "application/json")
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	turns, _ := decode(t, resp)["messages"].([]any)
	if len(turns) != 2 {
		t.Fatalf("expected question and answer, got %v", turns)
	}
	if answer, _ := turns[1].(map[string]any); answer["role"] != RoleAssistant || answer["content"] != "Поставщик: ООО «Вектор»." {
		t.Fatalf("unexpected answer %v", answer)
	}

	resp = f.do(t, http.MethodGet, "/api/v1/analyses/a-9/messages", "user-1", nil, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if history, _ := decode(t, resp)["messages"].([]any); len(history) != 2 {
		t.Fatalf("expected stored conversation, got %v", history)
	}

	resp = f.do(t, http.MethodGet, "/api/v1/analyses/a-9/messages", "user-2", nil, "")
	if resp.Code != http.StatusNotFound {
		t.Fatalf("foreign conversation must be hidden, got %d", resp.Code)
	}

	resp = f.do(t, http.MethodPost, "/api/v1/analyses/a-9/messages", "user-1",
		bytes.NewBufferString(`{"content":""}`), "application/json")
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty question, got %d", resp.Code)
	}
}
