package analyses

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"contract-backend/internal/counterparty"
	"contract-backend/internal/extract"
	"contract-backend/internal/report"
	"contract-backend/internal/settings"
	"contract-backend/internal/shared/metrics"
	"contract-backend/internal/shared/telemetry"
	"contract-backend/internal/staging"
	"contract-backend/internal/summarize"
)

// TextExtractor turns staged files into one document text.
type TextExtractor interface {
	ExtractMany(ctx context.Context, paths []string) (string, error)
}

// DocumentSummarizer produces the digest of a document text.
type DocumentSummarizer interface {
	Summarize(ctx context.Context, text string) (summarize.Summary, error)
}

// ReportWriter stores the report artifact of a finished job and returns its key.
type ReportWriter interface {
	Write(ctx context.Context, in report.Input) (string, error)
}

// Processor runs one analysis job; queue consumers depend on this.
type Processor interface {
	ProcessAnalysis(ctx context.Context, analysisID string) error
}

// Pipeline drives a staged job through extracting, report and counterparty
// to ready. Failures return the job to draft.
type Pipeline struct {
	Repo       Repo
	Stager     *staging.Stager
	Extractor  TextExtractor
	Summarizer DocumentSummarizer
	Checker    counterparty.Checker
	Reports    ReportWriter
	Settings   settings.Snapshot
	Now        func() time.Time
	// Heartbeat is how often a running job refreshes updated_at. Zero means
	// defaultHeartbeat. It must stay well below the stale-reset age.
	Heartbeat time.Duration
}

const defaultHeartbeat = time.Minute

// failure carries the reason logged for a run returned to draft.
type failure struct {
	reason   error
	cause    error
	expected bool
}

func (f *failure) Error() string {
	if f.cause == nil || f.cause == f.reason {
		return f.reason.Error()
	}
	return f.reason.Error() + ": " + f.cause.Error()
}

func (f *failure) Unwrap() []error { return []error{f.reason, f.cause} }

func expectedFailure(reason, cause error) *failure {
	return &failure{reason: reason, cause: cause, expected: true}
}

func unexpectedFailure(cause error) *failure {
	return &failure{reason: ErrUnexpected, cause: cause}
}

// ProcessAnalysis runs the job once. Jobs that are not a staged draft are
// left untouched. Handled failures are logged, the job goes back to draft and
// nil is returned so the delivering queue can drop the message.
func (p *Pipeline) ProcessAnalysis(ctx context.Context, analysisID string) (err error) {
	if p == nil || p.Repo == nil || p.Stager == nil || p.Extractor == nil || p.Summarizer == nil {
		return errors.New("analysis pipeline not configured")
	}
	analysisID = strings.TrimSpace(analysisID)
	if analysisID == "" {
		return errors.New("analysisID is required")
	}

	a, err := p.Repo.ClaimForProcessing(ctx, analysisID, p.Settings.MaxAttempts)
	switch {
	case errors.Is(err, ErrNotClaimable), errors.Is(err, ErrNotFound):
		metrics.IncJobsSkipped()
		telemetry.Info("analysis.skipped", map[string]any{
			"request_id":  requestIDFromContext(ctx),
			"analysis_id": analysisID,
			"reason":      err.Error(),
		})
		return nil
	case errors.Is(err, ErrAttemptsExhausted):
		metrics.IncJobsSkipped()
		telemetry.Warn("analysis.attempts_exhausted", map[string]any{
			"request_id":   requestIDFromContext(ctx),
			"analysis_id":  analysisID,
			"max_attempts": p.Settings.MaxAttempts,
		})
		return nil
	case err != nil:
		return fmt.Errorf("claim analysis %s: %w", analysisID, err)
	}

	startedAt := p.now()
	workspace := ""
	if a.StagedPath != nil {
		workspace = *a.StagedPath
	}
	metrics.IncJobsStarted()
	p.logStatus(ctx, a, StatusProcessing, "draft->processing", nil)

	runCtx, cancel := context.WithCancelCause(ctx)
	stopHeartbeat := p.startHeartbeat(runCtx, a, cancel)
	defer func() {
		stopHeartbeat()
		cancel(nil)
		if r := recover(); r != nil {
			telemetry.Error("analysis.panic", map[string]any{
				"request_id":  requestIDFromContext(ctx),
				"analysis_id": a.ID,
				"panic":       fmt.Sprint(r),
				"stack":       string(debug.Stack()),
			})
			err = p.fail(ctx, a, unexpectedFailure(fmt.Errorf("panic: %v", r)), startedAt)
		}
		p.removeWorkspace(ctx, a.ID, workspace)
	}()

	if f := p.run(runCtx, &a, workspace); f != nil {
		if errors.Is(f, ErrRunSuperseded) || errors.Is(context.Cause(runCtx), ErrRunSuperseded) {
			p.logSuperseded(ctx, a)
			return nil
		}
		return p.fail(ctx, a, f, startedAt)
	}

	metrics.IncJobsReady()
	metrics.ObserveJobDurationMs(durationMs(startedAt, p.now()))
	p.logStatus(ctx, a, StatusReady, "processing->ready", map[string]any{
		"duration_ms": durationMs(startedAt, p.now()),
	})
	p.writeReport(ctx, a)
	return nil
}

func (p *Pipeline) run(ctx context.Context, a *Analysis, workspace string) *failure {
	files, err := staging.ListFiles(workspace)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || workspace == "" {
			return expectedFailure(ErrStagedFilesMissing, err)
		}
		return unexpectedFailure(fmt.Errorf("list staged files: %w", err))
	}
	if len(files) == 0 {
		return expectedFailure(ErrNoFiles, nil)
	}

	text, err := p.Extractor.ExtractMany(ctx, files)
	if err != nil {
		if extract.IsInputError(err) {
			return expectedFailure(ErrNoText, err)
		}
		return unexpectedFailure(fmt.Errorf("extract text: %w", err))
	}
	if strings.TrimSpace(text) == "" {
		return expectedFailure(ErrNoText, nil)
	}

	if err := p.step(ctx, a, StepReport); err != nil {
		return unexpectedFailure(err)
	}
	summary, err := p.Summarizer.Summarize(ctx, text)
	if err != nil {
		if errors.Is(err, summarize.ErrSummarizationFailed) {
			return expectedFailure(summarize.ErrSummarizationFailed, err)
		}
		return unexpectedFailure(fmt.Errorf("summarize: %w", err))
	}

	identifier := ExtractIdentifier(summary.Text, summary.Items)

	if err := p.step(ctx, a, StepCounterparty); err != nil {
		return unexpectedFailure(err)
	}
	checker := p.Checker
	if checker == nil {
		checker = counterparty.NewStubChecker()
	}
	annotations := checker.Check(ctx, identifier)

	result := Result{
		Title:        BuildTitle(identifier, a.CreatedAt),
		SummaryText:  summary.Text,
		SummaryItems: summary.Items,
		Counterparty: annotations,
	}
	if err := p.Repo.Complete(ctx, a.ID, a.Attempts, result); err != nil {
		return unexpectedFailure(fmt.Errorf("complete analysis: %w", err))
	}
	a.Status = StatusReady
	a.Step = nil
	a.StagedPath = nil
	a.Title = result.Title
	a.SummaryText = result.SummaryText
	a.SummaryItems = result.SummaryItems
	a.Counterparty = result.Counterparty

	telemetry.Info("analysis.summarized", map[string]any{
		"request_id":     requestIDFromContext(ctx),
		"analysis_id":    a.ID,
		"files":          len(files),
		"text_chars":     len([]rune(text)),
		"chunks":         summary.Chunks,
		"partials":       summary.Partials,
		"merged":         summary.Merged,
		"items":          len(summary.Items),
		"has_identifier": identifier != "",
	})
	return nil
}

func (p *Pipeline) step(ctx context.Context, a *Analysis, step Step) error {
	if err := p.Repo.UpdateStep(ctx, a.ID, a.Attempts, step); err != nil {
		return fmt.Errorf("set step %s: %w", step, err)
	}
	prev := ""
	if a.Step != nil {
		prev = string(*a.Step)
	}
	a.Step = stepPtr(step)
	telemetry.Info("analysis.step", map[string]any{
		"request_id":  requestIDFromContext(ctx),
		"analysis_id": a.ID,
		"step":        string(step),
		"from":        prev,
	})
	return nil
}

// fail returns the job to draft. The repository write ignores cancellation of
// ctx so an aborted run still leaves the job retryable.
func (p *Pipeline) fail(ctx context.Context, a Analysis, f *failure, startedAt time.Time) error {
	fields := map[string]any{
		"request_id":  requestIDFromContext(ctx),
		"analysis_id": a.ID,
		"user_id":     a.UserID,
		"reason":      f.reason.Error(),
		"attempt":     a.Attempts,
	}
	if a.Step != nil {
		fields["step"] = string(*a.Step)
	}
	if f.cause != nil {
		fields["detail"] = sanitizeError(f.cause)
	}
	if f.expected {
		telemetry.Warn("analysis.failed", fields)
	} else {
		telemetry.Error("analysis.failed", fields)
	}

	completedAt := p.now()
	metrics.IncJobsFailed()
	metrics.ObserveJobDurationMs(durationMs(startedAt, completedAt))

	err := p.Repo.Fail(context.WithoutCancel(ctx), a.ID, a.Attempts)
	if errors.Is(err, ErrRunSuperseded) {
		p.logSuperseded(ctx, a)
		return nil
	}
	if err != nil {
		telemetry.Error("analysis.fail_update", map[string]any{
			"request_id":  requestIDFromContext(ctx),
			"analysis_id": a.ID,
			"error":       err,
		})
		return fmt.Errorf("return analysis %s to draft: %w", a.ID, err)
	}
	p.logStatus(ctx, a, StatusDraft, "processing->draft", map[string]any{
		"duration_ms": durationMs(startedAt, completedAt),
	})
	return nil
}

// startHeartbeat touches the job until the returned stop func is called. A
// superseded run has its context cancelled with ErrRunSuperseded.
func (p *Pipeline) startHeartbeat(ctx context.Context, a Analysis, cancel context.CancelCauseFunc) func() {
	interval := p.Heartbeat
	if interval <= 0 {
		interval = defaultHeartbeat
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			err := p.Repo.Touch(ctx, a.ID, a.Attempts)
			switch {
			case errors.Is(err, ErrRunSuperseded):
				cancel(ErrRunSuperseded)
				return
			case err != nil && ctx.Err() == nil:
				telemetry.Warn("analysis.heartbeat_failed", map[string]any{
					"request_id":  requestIDFromContext(ctx),
					"analysis_id": a.ID,
					"error":       err,
				})
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// logSuperseded records a run whose job was reset or re-claimed meanwhile.
// The job row belongs to the newer state and is not written.
func (p *Pipeline) logSuperseded(ctx context.Context, a Analysis) {
	metrics.IncJobsSkipped()
	telemetry.Warn("analysis.superseded", map[string]any{
		"request_id":  requestIDFromContext(ctx),
		"analysis_id": a.ID,
		"attempt":     a.Attempts,
	})
}

// writeReport stores the report artifact. Errors are logged; the job stays ready.
func (p *Pipeline) writeReport(ctx context.Context, a Analysis) {
	if p.Reports == nil {
		return
	}
	key, err := p.Reports.Write(ctx, report.Input{
		AnalysisID:   a.ID,
		Title:        a.Title,
		SummaryText:  a.SummaryText,
		SummaryItems: a.SummaryItems,
		Counterparty: a.Counterparty,
		FileNames:    a.FileNames,
		FormedAt:     p.now(),
	})
	if err == nil {
		err = p.Repo.SetReportKey(ctx, a.ID, key)
	}
	if err != nil {
		metrics.IncReportFailures()
		telemetry.Warn("analysis.report_failed", map[string]any{
			"request_id":  requestIDFromContext(ctx),
			"analysis_id": a.ID,
			"error":       sanitizeError(err),
		})
		return
	}
	telemetry.Info("analysis.report_stored", map[string]any{
		"request_id":  requestIDFromContext(ctx),
		"analysis_id": a.ID,
		"report_key":  key,
	})
}

func (p *Pipeline) removeWorkspace(ctx context.Context, analysisID, dir string) {
	if dir == "" {
		return
	}
	if err := p.Stager.Remove(dir); err != nil {
		telemetry.Warn("analysis.workspace_cleanup_failed", map[string]any{
			"request_id":  requestIDFromContext(ctx),
			"analysis_id": analysisID,
			"error":       err,
		})
	}
}

func (p *Pipeline) logStatus(ctx context.Context, a Analysis, status Status, transition string, extra map[string]any) {
	fields := map[string]any{
		"request_id":        requestIDFromContext(ctx),
		"user_id":           a.UserID,
		"analysis_id":       a.ID,
		"status":            string(status),
		"status_transition": transition,
	}
	for k, v := range extra {
		fields[k] = v
	}
	telemetry.Info("analysis.status", fields)
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now().UTC()
}

func durationMs(startedAt, completedAt time.Time) float64 {
	if startedAt.IsZero() || completedAt.IsZero() {
		return 0
	}
	return float64(completedAt.Sub(startedAt).Microseconds()) / 1000.0
}

func sanitizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ReplaceAll(err.Error(), "\n", " ")
	msg = strings.ReplaceAll(msg, "\r", " ")
	msg = strings.TrimSpace(msg)
	const maxLen = 500
	if runes := []rune(msg); len(runes) > maxLen {
		msg = string(runes[:maxLen])
	}
	return msg
}

var _ Processor = (*Pipeline)(nil)
