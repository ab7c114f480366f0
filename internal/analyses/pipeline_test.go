package analyses

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"contract-backend/internal/extract"
	"contract-backend/internal/llm"
	"contract-backend/internal/report"
	"contract-backend/internal/settings"
	"contract-backend/internal/shared/telemetry"
	"contract-backend/internal/staging"
	"contract-backend/internal/summarize"
)

type fakeExtractor struct {
	mu    sync.Mutex
	calls int
	text  string
	err   error
}

func (f *fakeExtractor) ExtractMany(ctx context.Context, paths []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.text, f.err
}

type fakeSummarizer struct {
	out   summarize.Summary
	err   error
	panic bool
}

func (f *fakeSummarizer) Summarize(ctx context.Context, text string) (summarize.Summary, error) {
	if f.panic {
		panic("summarizer exploded")
	}
	return f.out, f.err
}

type fakeReportWriter struct {
	mu     sync.Mutex
	inputs []report.Input
	err    error
}

func (f *fakeReportWriter) Write(ctx context.Context, in report.Input) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return "", f.err
	}
	return report.Key(in.AnalysisID), nil
}

// countingChat answers chunk and merge prompts and counts both.
type countingChat struct {
	mu          sync.Mutex
	mergePrompt string
	chunkCalls  int
	mergeCalls  int
}

func (c *countingChat) Chat(ctx context.Context, model string, messages []llm.Message) (llm.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if messages[0].Content == c.mergePrompt {
		c.mergeCalls++
		return llm.Response{Content: "1. Стороны: ООО «Вектор», ИНН 7707083893\n2. Цена: 100 000 руб."}, nil
	}
	c.chunkCalls++
	return llm.Response{Content: "1. Предмет: поставка оборудования"}, nil
}

type pipelineFixture struct {
	repo     *MemoryRepo
	stager   *staging.Stager
	extract  *fakeExtractor
	sum      *fakeSummarizer
	reports  *fakeReportWriter
	pipeline *Pipeline
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	stager, err := staging.New(filepath.Join(t.TempDir(), "staging"), 1<<20)
	if err != nil {
		t.Fatalf("staging.New: %v", err)
	}
	f := &pipelineFixture{
		repo:    NewMemoryRepo(),
		stager:  stager,
		extract: &fakeExtractor{text: "Договор поставки № 7 от 03.03.2025"},
		sum: &fakeSummarizer{out: summarize.Summary{
			Text:  "1. Реквизиты: Договор поставки № 7 от 03.03.2025",
			Items: []summarize.Item{{Label: "Реквизиты", Value: "Договор поставки № 7 от 03.03.2025"}},
		}},
		reports: &fakeReportWriter{},
	}
	cfg := settings.Defaults()
	cfg.Model = "gpt-4o-mini"
	cfg.MaxAttempts = 3
	f.pipeline = &Pipeline{
		Repo:       f.repo,
		Stager:     stager,
		Extractor:  f.extract,
		Summarizer: f.sum,
		Reports:    f.reports,
		Settings:   cfg,
	}
	return f
}

// stagedDraft creates a draft with one staged PDF and returns it.
func (f *pipelineFixture) stagedDraft(t *testing.T, id string) Analysis {
	t.Helper()
	ctx := context.Background()
	created := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	if err := f.repo.Create(ctx, Analysis{ID: id, UserID: "user-1", Status: StatusDraft, CreatedAt: created}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	ws, err := f.stager.Stage(ctx, id, []staging.Upload{{Name: "contract.pdf", Reader: strings.NewReader("%PDF-1.4")}})
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if err := f.repo.SetStaged(ctx, id, ws.Dir, ws.Files); err != nil {
		t.Fatalf("SetStaged: %v", err)
	}
	a, err := f.repo.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	return a
}

func assertGone(t *testing.T, dir string) {
	t.Helper()
	if _, err := os.Stat(dir); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("workspace %s should be removed, stat err=%v", dir, err)
	}
}

func assertDraft(t *testing.T, repo *MemoryRepo, id string) Analysis {
	t.Helper()
	a, err := repo.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if a.Status != StatusDraft || a.Step != nil || a.StagedPath != nil {
		t.Fatalf("expected clean draft, got status=%s step=%v staged=%v", a.Status, a.Step, a.StagedPath)
	}
	return a
}

func TestProcessAnalysisLongDocumentReachesReady(t *testing.T) {
	f := newPipelineFixture(t)
	chat := &countingChat{mergePrompt: f.pipeline.Settings.MergePrompt}
	cfg := f.pipeline.Settings
	cfg.ChunkConcurrency = 1
	cfg.CallTimeout = time.Second
	f.pipeline.Summarizer = summarize.New(chat, cfg)

	line := strings.Repeat("д", 99) + "\n"
	f.extract.text = string([]rune(strings.Repeat(line, 451))[:45000])
	a := f.stagedDraft(t, "long-1")

	if err := f.pipeline.ProcessAnalysis(context.Background(), a.ID); err != nil {
		t.Fatalf("ProcessAnalysis: %v", err)
	}
	if chat.chunkCalls != 2 || chat.mergeCalls != 1 {
		t.Fatalf("expected 2 chunk calls and 1 merge, got %d/%d", chat.chunkCalls, chat.mergeCalls)
	}

	got, _ := f.repo.GetByID(context.Background(), a.ID)
	if got.Status != StatusReady || got.Step != nil || got.StagedPath != nil {
		t.Fatalf("unexpected final state %+v", got)
	}
	if got.Title != "ИНН 7707083893 · 03.03.2025" {
		t.Fatalf("unexpected title %q", got.Title)
	}
	if len(got.SummaryItems) != 2 || len(got.Counterparty) == 0 {
		t.Fatalf("expected items and counterparty rows, got %+v", got)
	}
	if got.ReportKey != report.Key(a.ID) {
		t.Fatalf("expected report key, got %q", got.ReportKey)
	}
	if got.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", got.Attempts)
	}
	assertGone(t, *a.StagedPath)
}

func TestProcessAnalysisEmptyWorkspaceReturnsToDraft(t *testing.T) {
	f := newPipelineFixture(t)
	a := f.stagedDraft(t, "empty-1")
	entries, _ := os.ReadDir(*a.StagedPath)
	for _, e := range entries {
		_ = os.Remove(filepath.Join(*a.StagedPath, e.Name()))
	}

	core, logs := observer.New(zapcore.InfoLevel)
	defer telemetry.SetLogger(zap.New(core))()

	if err := f.pipeline.ProcessAnalysis(context.Background(), a.ID); err != nil {
		t.Fatalf("ProcessAnalysis: %v", err)
	}
	assertDraft(t, f.repo, a.ID)
	assertGone(t, *a.StagedPath)
	if f.extract.calls != 0 {
		t.Fatalf("extractor should not run, got %d calls", f.extract.calls)
	}
	failed := logs.FilterMessage("analysis.failed").All()
	if len(failed) != 1 || failed[0].ContextMap()["reason"] != ErrNoFiles.Error() {
		t.Fatalf("expected one no-files failure log, got %+v", failed)
	}
}

func TestProcessAnalysisMissingWorkspace(t *testing.T) {
	f := newPipelineFixture(t)
	a := f.stagedDraft(t, "missing-1")
	if err := os.RemoveAll(*a.StagedPath); err != nil {
		t.Fatal(err)
	}
	if err := f.pipeline.ProcessAnalysis(context.Background(), a.ID); err != nil {
		t.Fatalf("ProcessAnalysis: %v", err)
	}
	assertDraft(t, f.repo, a.ID)
}

func TestProcessAnalysisNoTextReturnsToDraft(t *testing.T) {
	cases := map[string]*fakeExtractor{
		"blank text": {text: "  \n "},
		"ocr failed": {err: &extract.Error{Kind: extract.ErrOcrFailed, File: "scan.png"}},
	}
	for name, ex := range cases {
		t.Run(name, func(t *testing.T) {
			f := newPipelineFixture(t)
			f.pipeline.Extractor = ex
			a := f.stagedDraft(t, "notext-1")

			if err := f.pipeline.ProcessAnalysis(context.Background(), a.ID); err != nil {
				t.Fatalf("ProcessAnalysis: %v", err)
			}
			got := assertDraft(t, f.repo, a.ID)
			if got.Title != "" || got.SummaryText != "" {
				t.Fatalf("draft should carry no results, got %+v", got)
			}
			assertGone(t, *a.StagedPath)
			if len(f.reports.inputs) != 0 {
				t.Fatalf("no report expected for a failed run")
			}
		})
	}
}

func TestProcessAnalysisSummarizationFailure(t *testing.T) {
	f := newPipelineFixture(t)
	f.sum.err = summarize.ErrSummarizationFailed
	a := f.stagedDraft(t, "sumfail-1")

	if err := f.pipeline.ProcessAnalysis(context.Background(), a.ID); err != nil {
		t.Fatalf("ProcessAnalysis: %v", err)
	}
	assertDraft(t, f.repo, a.ID)
}

func TestProcessAnalysisSkipsNonClaimable(t *testing.T) {
	f := newPipelineFixture(t)
	a := f.stagedDraft(t, "ready-1")
	if err := f.pipeline.ProcessAnalysis(context.Background(), a.ID); err != nil {
		t.Fatalf("first run: %v", err)
	}
	before, _ := f.repo.GetByID(context.Background(), a.ID)

	if err := f.pipeline.ProcessAnalysis(context.Background(), a.ID); err != nil {
		t.Fatalf("second run: %v", err)
	}
	after, _ := f.repo.GetByID(context.Background(), a.ID)
	if after.Status != StatusReady || after.Attempts != before.Attempts || f.extract.calls != 1 {
		t.Fatalf("ready job must be left untouched: %+v", after)
	}
	if err := f.pipeline.ProcessAnalysis(context.Background(), "unknown"); err != nil {
		t.Fatalf("unknown id should be skipped, got %v", err)
	}
}

func TestProcessAnalysisConcurrentInvocationsClaimOnce(t *testing.T) {
	f := newPipelineFixture(t)
	a := f.stagedDraft(t, "race-1")

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.pipeline.ProcessAnalysis(context.Background(), a.ID)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			t.Fatalf("ProcessAnalysis: %v", err)
		}
	}
	if f.extract.calls != 1 {
		t.Fatalf("expected a single claimed run, got %d", f.extract.calls)
	}
	got, _ := f.repo.GetByID(context.Background(), a.ID)
	if got.Status != StatusReady || got.Attempts != 1 {
		t.Fatalf("unexpected state %+v", got)
	}
}

func TestProcessAnalysisRecoversPanic(t *testing.T) {
	f := newPipelineFixture(t)
	f.sum.panic = true
	a := f.stagedDraft(t, "panic-1")

	core, logs := observer.New(zapcore.InfoLevel)
	defer telemetry.SetLogger(zap.New(core))()

	if err := f.pipeline.ProcessAnalysis(context.Background(), a.ID); err != nil {
		t.Fatalf("ProcessAnalysis: %v", err)
	}
	assertDraft(t, f.repo, a.ID)
	assertGone(t, *a.StagedPath)
	if logs.FilterMessage("analysis.panic").Len() != 1 {
		t.Fatalf("expected panic log")
	}
}

func TestProcessAnalysisReportFailureKeepsReady(t *testing.T) {
	f := newPipelineFixture(t)
	f.reports.err = errors.New("bucket unavailable")
	a := f.stagedDraft(t, "report-1")

	if err := f.pipeline.ProcessAnalysis(context.Background(), a.ID); err != nil {
		t.Fatalf("ProcessAnalysis: %v", err)
	}
	got, _ := f.repo.GetByID(context.Background(), a.ID)
	if got.Status != StatusReady || got.ReportKey != "" {
		t.Fatalf("expected ready without report, got %+v", got)
	}
	if len(f.reports.inputs) != 1 || f.reports.inputs[0].Title != got.Title {
		t.Fatalf("report input mismatch: %+v", f.reports.inputs)
	}
}

func TestProcessAnalysisCancelledContextStillReturnsToDraft(t *testing.T) {
	f := newPipelineFixture(t)
	a := f.stagedDraft(t, "cancel-1")
	ctx, cancel := context.WithCancel(context.Background())
	f.pipeline.Extractor = extractorFunc(func(context.Context, []string) (string, error) {
		cancel()
		return "", context.Canceled
	})

	if err := f.pipeline.ProcessAnalysis(ctx, a.ID); err != nil {
		t.Fatalf("ProcessAnalysis: %v", err)
	}
	assertDraft(t, f.repo, a.ID)
}

func TestProcessAnalysisAttemptsExhausted(t *testing.T) {
	f := newPipelineFixture(t)
	f.pipeline.Settings.MaxAttempts = 1
	f.sum.err = summarize.ErrSummarizationFailed
	a := f.stagedDraft(t, "attempts-1")

	if err := f.pipeline.ProcessAnalysis(context.Background(), a.ID); err != nil {
		t.Fatalf("first run: %v", err)
	}
	ws, err := f.stager.Stage(context.Background(), a.ID, []staging.Upload{{Name: "contract.pdf", Reader: strings.NewReader("%PDF")}})
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if err := f.repo.SetStaged(context.Background(), a.ID, ws.Dir, ws.Files); err != nil {
		t.Fatalf("SetStaged: %v", err)
	}

	if err := f.pipeline.ProcessAnalysis(context.Background(), a.ID); err != nil {
		t.Fatalf("second run: %v", err)
	}
	got, _ := f.repo.GetByID(context.Background(), a.ID)
	if got.Status != StatusDraft || got.Attempts != 1 {
		t.Fatalf("exhausted job must stay a draft, got %+v", got)
	}
	if f.extract.calls != 1 {
		t.Fatalf("second run must not extract, got %d calls", f.extract.calls)
	}
}

type extractorFunc func(ctx context.Context, paths []string) (string, error)

func (fn extractorFunc) ExtractMany(ctx context.Context, paths []string) (string, error) {
	return fn(ctx, paths)
}

// blockingSummarizer holds the run in the report step until released or cancelled.
type blockingSummarizer struct {
	entered chan struct{}
	release chan struct{}
	out     summarize.Summary

	mu    sync.Mutex
	cause error
}

func newBlockingSummarizer() *blockingSummarizer {
	return &blockingSummarizer{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
		out: summarize.Summary{
			Text:  "1. Стороны: ИНН 7707083893",
			Items: []summarize.Item{{Label: "Стороны", Value: "ИНН 7707083893"}},
		},
	}
}

func (b *blockingSummarizer) Summarize(ctx context.Context, text string) (summarize.Summary, error) {
	b.entered <- struct{}{}
	select {
	case <-b.release:
		return b.out, nil
	case <-ctx.Done():
		b.mu.Lock()
		b.cause = context.Cause(ctx)
		b.mu.Unlock()
		return summarize.Summary{}, ctx.Err()
	}
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func waitRun(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ProcessAnalysis: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not finish")
	}
}

func TestProcessAnalysisHeartbeatKeepsLiveRunFromStaleReset(t *testing.T) {
	f := newPipelineFixture(t)
	clock := &manualClock{now: time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)}
	f.repo.now = clock.Now
	sum := newBlockingSummarizer()
	f.pipeline.Summarizer = sum
	f.pipeline.Heartbeat = time.Millisecond
	a := f.stagedDraft(t, "live-1")

	done := make(chan error, 1)
	go func() { done <- f.pipeline.ProcessAnalysis(context.Background(), a.ID) }()
	<-sum.entered

	// An hour passes inside the report step; heartbeats must follow the clock.
	clock.Advance(time.Hour)
	deadline := time.After(5 * time.Second)
	for {
		got, err := f.repo.GetByID(context.Background(), a.ID)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if !got.UpdatedAt.Before(clock.Now()) {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("heartbeat never refreshed updated_at, last %s", got.UpdatedAt)
		case <-time.After(time.Millisecond):
		}
	}

	reset, err := f.repo.ResetStale(context.Background(), clock.Now().Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("ResetStale: %v", err)
	}
	if len(reset) != 0 {
		t.Fatalf("live run must not be reset, got %+v", reset)
	}

	close(sum.release)
	waitRun(t, done)
	got, _ := f.repo.GetByID(context.Background(), a.ID)
	if got.Status != StatusReady {
		t.Fatalf("expected ready, got %s", got.Status)
	}
}

func TestProcessAnalysisSupersededRunDoesNotOverwriteNewerRun(t *testing.T) {
	f := newPipelineFixture(t)
	sum := newBlockingSummarizer()
	f.pipeline.Summarizer = sum
	f.pipeline.Heartbeat = time.Hour
	a := f.stagedDraft(t, "stale-1")
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- f.pipeline.ProcessAnalysis(ctx, a.ID) }()
	<-sum.entered

	reset, err := f.repo.ResetStale(ctx, time.Now().UTC().Add(time.Hour))
	if err != nil || len(reset) != 1 {
		t.Fatalf("ResetStale: %v %+v", err, reset)
	}
	ws, err := f.stager.Stage(ctx, a.ID, []staging.Upload{{Name: "contract-v2.pdf", Reader: strings.NewReader("%PDF-1.4")}})
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if err := f.repo.SetStaged(ctx, a.ID, ws.Dir, ws.Files); err != nil {
		t.Fatalf("SetStaged: %v", err)
	}
	if _, err := f.repo.ClaimForProcessing(ctx, a.ID, 0); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	close(sum.release)
	waitRun(t, done)

	got, _ := f.repo.GetByID(ctx, a.ID)
	if got.Status != StatusProcessing || got.Attempts != 2 || got.Title != "" {
		t.Fatalf("newer run was overwritten: %+v", got)
	}
	if got.StagedPath == nil || *got.StagedPath != ws.Dir {
		t.Fatalf("newer workspace path lost: %v", got.StagedPath)
	}
	if _, err := os.Stat(ws.Dir); err != nil {
		t.Fatalf("newer workspace must survive the old run: %v", err)
	}
	if len(f.reports.inputs) != 0 {
		t.Fatalf("superseded run must not write a report")
	}
}

func TestProcessAnalysisHeartbeatCancelsResetRun(t *testing.T) {
	f := newPipelineFixture(t)
	sum := newBlockingSummarizer()
	f.pipeline.Summarizer = sum
	f.pipeline.Heartbeat = time.Millisecond
	a := f.stagedDraft(t, "stale-2")
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- f.pipeline.ProcessAnalysis(ctx, a.ID) }()
	<-sum.entered

	if reset, err := f.repo.ResetStale(ctx, time.Now().UTC().Add(time.Hour)); err != nil || len(reset) != 1 {
		t.Fatalf("ResetStale: %v %+v", err, reset)
	}
	waitRun(t, done)

	sum.mu.Lock()
	cause := sum.cause
	sum.mu.Unlock()
	if !errors.Is(cause, ErrRunSuperseded) {
		t.Fatalf("expected run cancelled as superseded, got %v", cause)
	}
	got := assertDraft(t, f.repo, a.ID)
	if got.Attempts != 1 {
		t.Fatalf("expected attempts to stay 1, got %d", got.Attempts)
	}
}
