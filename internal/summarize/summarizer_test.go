package summarize

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"contract-backend/internal/llm"
	"contract-backend/internal/settings"
)

// fakeChat answers chunk calls through chunkFn and merge calls through mergeFn,
// telling them apart by the system prompt.
type fakeChat struct {
	mu         sync.Mutex
	chunkCalls int
	mergeCalls int
	mergeInput string
	chunkFn    func(n int, user string) (string, error)
	mergeFn    func(user string) (string, error)
}

func (f *fakeChat) Chat(ctx context.Context, model string, messages []llm.Message) (llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(messages) != 2 || messages[0].Role != llm.RoleSystem || messages[1].Role != llm.RoleUser {
		return llm.Response{}, errors.New("unexpected message shape")
	}
	if messages[0].Content == testMergePrompt {
		f.mergeCalls++
		f.mergeInput = messages[1].Content
		if f.mergeFn == nil {
			return llm.Response{Content: "1. Итог: объединено"}, nil
		}
		out, err := f.mergeFn(messages[1].Content)
		return llm.Response{Content: out}, err
	}
	f.chunkCalls++
	if f.chunkFn == nil {
		return llm.Response{Content: "1. Предмет: поставка"}, nil
	}
	out, err := f.chunkFn(f.chunkCalls, messages[1].Content)
	return llm.Response{Content: out}, err
}

const testMergePrompt = "merge"

func testSettings() settings.Snapshot {
	s := settings.Defaults()
	s.Model = "gpt-4o-mini"
	s.MergePrompt = testMergePrompt
	s.ChunkConcurrency = 1
	s.CallTimeout = time.Second
	return s
}

func paragraphs(total int) string {
	line := strings.Repeat("а", 99) + "\n"
	all := []rune(strings.Repeat(line, total/100+1))
	return string(all[:total])
}

func TestSummarizeSingleCallShortcut(t *testing.T) {
	fake := &fakeChat{}
	s := New(fake, testSettings())
	out, err := s.Summarize(context.Background(), "Договор поставки № 1")
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if fake.chunkCalls != 1 || fake.mergeCalls != 0 {
		t.Fatalf("expected 1 call and no merge, got %d/%d", fake.chunkCalls, fake.mergeCalls)
	}
	if out.Text != "1. Предмет: поставка" || len(out.Items) != 1 || out.Items[0].Label != "Предмет" {
		t.Fatalf("unexpected summary %+v", out)
	}
}

func TestSummarizeSingleCallEmptyFails(t *testing.T) {
	fake := &fakeChat{chunkFn: func(int, string) (string, error) { return "  ", nil }}
	_, err := New(fake, testSettings()).Summarize(context.Background(), "текст")
	if !errors.Is(err, ErrSummarizationFailed) {
		t.Fatalf("expected ErrSummarizationFailed, got %v", err)
	}
}

func TestSummarizeTwoChunksMergesOnce(t *testing.T) {
	fake := &fakeChat{chunkFn: func(n int, user string) (string, error) {
		if n == 1 {
			return "1. Цена: 100", nil
		}
		return "1. Срок: 2025", nil
	}}
	out, err := New(fake, testSettings()).Summarize(context.Background(), paragraphs(45000))
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if fake.chunkCalls != 2 || fake.mergeCalls != 1 {
		t.Fatalf("expected 2 chunk calls and 1 merge, got %d/%d", fake.chunkCalls, fake.mergeCalls)
	}
	if !out.Merged || out.Chunks != 2 || out.Partials != 2 {
		t.Fatalf("unexpected summary %+v", out)
	}
	if !strings.HasPrefix(fake.mergeInput, "--- Фрагмент 1 ---\n\n1. Цена: 100\n\n--- Фрагмент 2 ---") {
		t.Fatalf("unexpected merge input %q", fake.mergeInput)
	}
}

func TestSummarizeOneSurvivingChunkSkipsMerge(t *testing.T) {
	fake := &fakeChat{chunkFn: func(n int, user string) (string, error) {
		if n == 1 {
			return "", nil
		}
		return "1. Подсудность: Москва", nil
	}}
	out, err := New(fake, testSettings()).Summarize(context.Background(), paragraphs(45000))
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if fake.mergeCalls != 0 {
		t.Fatalf("merge must not be called for one partial")
	}
	if out.Text != "1. Подсудность: Москва" {
		t.Fatalf("unexpected text %q", out.Text)
	}
}

func TestSummarizeAllChunksFail(t *testing.T) {
	fake := &fakeChat{chunkFn: func(n int, user string) (string, error) {
		if n%2 == 0 {
			return "", errors.New("timeout")
		}
		return "", nil
	}}
	_, err := New(fake, testSettings()).Summarize(context.Background(), paragraphs(45000))
	if !errors.Is(err, ErrSummarizationFailed) {
		t.Fatalf("expected ErrSummarizationFailed, got %v", err)
	}
	if fake.mergeCalls != 0 {
		t.Fatalf("merge must not be called")
	}
}

func TestSummarizeMergeFailureJoinsPartials(t *testing.T) {
	fake := &fakeChat{
		chunkFn: func(n int, user string) (string, error) {
			if n == 1 {
				return "A", nil
			}
			return "B", nil
		},
		mergeFn: func(string) (string, error) { return "", errors.New("openai http status 500") },
	}
	out, err := New(fake, testSettings()).Summarize(context.Background(), paragraphs(45000))
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if out.Text != "A"+PartialSeparator+"B" || out.Merged {
		t.Fatalf("unexpected fallback %+v", out)
	}
}

func TestSummarizeParallelKeepsOrder(t *testing.T) {
	cfg := testSettings()
	cfg.ChunkConcurrency = 4
	cfg.ChunkSize = 1000
	cfg.ChunkOverlap = 0
	cfg.MaxCharsPerRequest = 1000

	var mu sync.Mutex
	seen := map[string]int{}
	fake := &fakeChat{chunkFn: func(n int, user string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		seen[user[:4]]++
		return "часть " + user[:4], nil
	}}
	var b strings.Builder
	for _, prefix := range []string{"AAAA", "BBBB", "CCCC", "DDDD"} {
		b.WriteString(prefix + strings.Repeat("x", 995) + "\n")
	}
	out, err := New(fake, cfg).Summarize(context.Background(), b.String())
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	want := "--- Фрагмент 1 ---\n\nчасть AAAA\n\n--- Фрагмент 2 ---\n\nчасть BBBB"
	if !strings.HasPrefix(fake.mergeInput, want) {
		t.Fatalf("partials out of order: %q", fake.mergeInput)
	}
	if out.Chunks != 4 || out.Partials != 4 {
		t.Fatalf("unexpected counts %+v", out)
	}
}

func TestSummarizeModelNotConfigured(t *testing.T) {
	cfg := testSettings()
	cfg.Model = ""
	_, err := New(&fakeChat{}, cfg).Summarize(context.Background(), "text")
	if !errors.Is(err, ErrModelNotConfigured) || !errors.Is(err, ErrSummarizationFailed) {
		t.Fatalf("expected ErrModelNotConfigured, got %v", err)
	}
}

func TestSummarizeEmptyInput(t *testing.T) {
	_, err := New(&fakeChat{}, testSettings()).Summarize(context.Background(), "  \n ")
	if !errors.Is(err, ErrSummarizationFailed) {
		t.Fatalf("expected ErrSummarizationFailed, got %v", err)
	}
}

func TestBuildMergeInputTruncates(t *testing.T) {
	got := BuildMergeInput([]string{strings.Repeat("я", 50), "b"}, 40)
	if !strings.HasSuffix(got, mergeTruncationNote) {
		t.Fatalf("missing truncation note: %q", got)
	}
	if n := len([]rune(strings.TrimSuffix(got, mergeTruncationNote))); n != 40 {
		t.Fatalf("expected 40 runes before note, got %d", n)
	}
}

func TestSummarizeCallTimeout(t *testing.T) {
	cfg := testSettings()
	cfg.CallTimeout = 20 * time.Millisecond
	client := chatFunc(func(ctx context.Context) (llm.Response, error) {
		<-ctx.Done()
		return llm.Response{}, ctx.Err()
	})
	_, err := New(client, cfg).Summarize(context.Background(), "short")
	if !errors.Is(err, ErrSummarizationFailed) {
		t.Fatalf("expected ErrSummarizationFailed, got %v", err)
	}
}

type chatFunc func(ctx context.Context) (llm.Response, error)

func (f chatFunc) Chat(ctx context.Context, model string, messages []llm.Message) (llm.Response, error) {
	return f(ctx)
}
