package analyses

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryRepo stores analyses in memory and is safe for concurrent use.
type MemoryRepo struct {
	mu       sync.RWMutex
	byID     map[string]Analysis
	messages map[string][]Message
	now      func() time.Time
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		byID:     make(map[string]Analysis),
		messages: make(map[string][]Message),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create stores the analysis.
func (r *MemoryRepo) Create(ctx context.Context, analysis Analysis) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if analysis.Status == "" {
		analysis.Status = StatusDraft
	}
	if analysis.UpdatedAt.IsZero() {
		analysis.UpdatedAt = analysis.CreatedAt
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[analysis.ID] = clone(analysis)
	return nil
}

// GetByID returns an analysis by its ID.
func (r *MemoryRepo) GetByID(ctx context.Context, analysisID string) (Analysis, error) {
	if err := ctx.Err(); err != nil {
		return Analysis{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	analysis, ok := r.byID[analysisID]
	if !ok {
		return Analysis{}, ErrNotFound
	}
	return clone(analysis), nil
}

// ListByUser returns analyses for a user, newest first, with limit/offset.
func (r *MemoryRepo) ListByUser(ctx context.Context, userID, search string, limit, offset int) ([]Analysis, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}
	if limit < 0 {
		limit = 0
	}

	needle := strings.ToLower(strings.TrimSpace(search))
	r.mu.RLock()
	var analyses []Analysis
	for _, a := range r.byID {
		if a.UserID == userID && strings.Contains(strings.ToLower(a.Title), needle) {
			analyses = append(analyses, clone(a))
		}
	}
	r.mu.RUnlock()

	if len(analyses) == 0 || offset >= len(analyses) {
		return []Analysis{}, nil
	}
	sort.Slice(analyses, func(i, j int) bool {
		return analyses[i].CreatedAt.After(analyses[j].CreatedAt)
	})

	end := len(analyses)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return analyses[offset:end], nil
}

func (r *MemoryRepo) SetStaged(ctx context.Context, analysisID, stagedPath string, fileNames []string) error {
	return r.update(ctx, analysisID, func(a *Analysis) error {
		if a.Status != StatusDraft {
			return ErrInvalidTransition
		}
		a.StagedPath = stringPtr(stagedPath)
		a.FileNames = slices.Clone(fileNames)
		return nil
	})
}

func (r *MemoryRepo) ClaimForProcessing(ctx context.Context, analysisID string, maxAttempts int) (Analysis, error) {
	var claimed Analysis
	err := r.update(ctx, analysisID, func(a *Analysis) error {
		if a.Status != StatusDraft || !a.Staged() {
			return ErrNotClaimable
		}
		if maxAttempts > 0 && a.Attempts >= maxAttempts {
			return ErrAttemptsExhausted
		}
		a.Status = StatusProcessing
		a.Step = stepPtr(StepExtracting)
		a.Attempts++
		claimed = clone(*a)
		return nil
	})
	if err != nil {
		return Analysis{}, err
	}
	claimed.UpdatedAt = r.now()
	return claimed, nil
}

func (r *MemoryRepo) UpdateStep(ctx context.Context, analysisID string, attempt int, step Step) error {
	if !step.Valid() {
		return ErrInvalidTransition
	}
	return r.updateRun(ctx, analysisID, attempt, func(a *Analysis) {
		a.Step = stepPtr(step)
	})
}

func (r *MemoryRepo) Touch(ctx context.Context, analysisID string, attempt int) error {
	return r.updateRun(ctx, analysisID, attempt, func(*Analysis) {})
}

func (r *MemoryRepo) Complete(ctx context.Context, analysisID string, attempt int, result Result) error {
	return r.updateRun(ctx, analysisID, attempt, func(a *Analysis) {
		a.Status = StatusReady
		a.Step = nil
		a.StagedPath = nil
		a.Title = result.Title
		a.SummaryText = result.SummaryText
		a.SummaryItems = slices.Clone(result.SummaryItems)
		a.Counterparty = slices.Clone(result.Counterparty)
	})
}

func (r *MemoryRepo) Fail(ctx context.Context, analysisID string, attempt int) error {
	return r.updateRun(ctx, analysisID, attempt, func(a *Analysis) {
		a.Status = StatusDraft
		a.Step = nil
		a.StagedPath = nil
	})
}

func (r *MemoryRepo) SetReportKey(ctx context.Context, analysisID, key string) error {
	return r.update(ctx, analysisID, func(a *Analysis) error {
		a.ReportKey = key
		return nil
	})
}

func (r *MemoryRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) ([]Analysis, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var deleted []Analysis
	for id, a := range r.byID {
		if a.CreatedAt.Before(cutoff) {
			deleted = append(deleted, clone(a))
			delete(r.byID, id)
			delete(r.messages, id)
		}
	}
	return deleted, nil
}

func (r *MemoryRepo) ResetStale(ctx context.Context, cutoff time.Time) ([]Analysis, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var reset []Analysis
	for id, a := range r.byID {
		if a.Status != StatusProcessing || !a.UpdatedAt.Before(cutoff) {
			continue
		}
		reset = append(reset, clone(a))
		a.Status = StatusDraft
		a.Step = nil
		a.StagedPath = nil
		a.UpdatedAt = r.now()
		r.byID[id] = a
	}
	return reset, nil
}

func (r *MemoryRepo) AddMessages(ctx context.Context, messages ...Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range messages {
		if _, ok := r.byID[m.AnalysisID]; !ok {
			return ErrNotFound
		}
	}
	for _, m := range messages {
		r.messages[m.AnalysisID] = append(r.messages[m.AnalysisID], m)
	}
	return nil
}

func (r *MemoryRepo) ListMessages(ctx context.Context, analysisID string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := slices.Clone(r.messages[analysisID])
	if out == nil {
		out = []Message{}
	}
	return out, nil
}

func (r *MemoryRepo) update(ctx context.Context, analysisID string, fn func(*Analysis) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	analysis, ok := r.byID[analysisID]
	if !ok {
		return ErrNotFound
	}
	if err := fn(&analysis); err != nil {
		return err
	}
	analysis.UpdatedAt = r.now()
	r.byID[analysisID] = analysis
	return nil
}

// updateRun applies fn only while the job is processing under attempt.
func (r *MemoryRepo) updateRun(ctx context.Context, analysisID string, attempt int, fn func(*Analysis)) error {
	return r.update(ctx, analysisID, func(a *Analysis) error {
		if a.Status != StatusProcessing || a.Attempts != attempt {
			return ErrRunSuperseded
		}
		fn(a)
		return nil
	})
}

func clone(a Analysis) Analysis {
	a.SummaryItems = slices.Clone(a.SummaryItems)
	a.Counterparty = slices.Clone(a.Counterparty)
	a.FileNames = slices.Clone(a.FileNames)
	if a.Step != nil {
		a.Step = stepPtr(*a.Step)
	}
	if a.StagedPath != nil {
		a.StagedPath = stringPtr(*a.StagedPath)
	}
	return a
}

var (
	_ Repo        = (*MemoryRepo)(nil)
	_ MessageRepo = (*MemoryRepo)(nil)
)
