package analyses

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"contract-backend/internal/llm"
	"contract-backend/internal/queue"
	"contract-backend/internal/settings"
	"contract-backend/internal/shared/telemetry"
	"contract-backend/internal/staging"
)

// ReportRemover deletes stored report artifacts during retention sweeps.
type ReportRemover interface {
	Delete(ctx context.Context, key string) error
}

// Service contains the user-facing job operations: drafts, uploads, start,
// polling and the maintenance sweeps.
type Service struct {
	Repo Repo
	// Messages and Chat back the follow-up conversation of ready jobs.
	Messages MessageRepo
	Chat     llm.ChatClient
	Stager   *staging.Stager
	Queue    queue.Client
	Reports  ReportRemover
	Settings settings.Snapshot
	// Processor runs jobs in-process when no queue is configured.
	Processor Processor
	Now       func() time.Time
}

// Create stores an empty draft for userID.
func (s *Service) Create(ctx context.Context, userID string) (Analysis, error) {
	if strings.TrimSpace(userID) == "" {
		return Analysis{}, errors.New("userID is required")
	}
	now := s.now()
	analysis := Analysis{
		ID:        uuid.NewString(),
		UserID:    userID,
		Status:    StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Repo.Create(ctx, analysis); err != nil {
		return Analysis{}, err
	}
	telemetry.Info("analysis.created", map[string]any{
		"request_id":  requestIDFromContext(ctx),
		"user_id":     userID,
		"analysis_id": analysis.ID,
	})
	return analysis, nil
}

// Stage replaces the workspace of a draft with uploads.
func (s *Service) Stage(ctx context.Context, userID, analysisID string, uploads []staging.Upload) (Analysis, error) {
	if s.Stager == nil {
		return Analysis{}, errors.New("staging not configured")
	}
	analysis, err := s.Get(ctx, userID, analysisID)
	if err != nil {
		return Analysis{}, err
	}
	if analysis.Status != StatusDraft {
		return Analysis{}, fmt.Errorf("%w: analysis is %s", ErrInvalidTransition, analysis.Status)
	}
	if analysis.Staged() {
		if err := s.Stager.Remove(*analysis.StagedPath); err != nil {
			return Analysis{}, fmt.Errorf("remove previous workspace: %w", err)
		}
	}

	ws, err := s.Stager.Stage(ctx, analysis.ID, uploads)
	if err != nil {
		return Analysis{}, err
	}
	if err := s.Repo.SetStaged(ctx, analysis.ID, ws.Dir, ws.Files); err != nil {
		_ = s.Stager.Remove(ws.Dir)
		return Analysis{}, err
	}
	analysis.StagedPath = stringPtr(ws.Dir)
	analysis.FileNames = ws.Files
	telemetry.Info("analysis.staged", map[string]any{
		"request_id":  requestIDFromContext(ctx),
		"user_id":     userID,
		"analysis_id": analysis.ID,
		"files":       len(ws.Files),
	})
	return analysis, nil
}

// Start hands a staged draft to the queue, or to the in-process Processor.
// The job itself is claimed by the consumer.
func (s *Service) Start(ctx context.Context, userID, analysisID string) (Analysis, error) {
	analysis, err := s.Get(ctx, userID, analysisID)
	if err != nil {
		return Analysis{}, err
	}
	if analysis.Status != StatusDraft || !analysis.Staged() {
		return Analysis{}, ErrNotClaimable
	}
	if limit := s.Settings.MaxAttempts; limit > 0 && analysis.Attempts >= limit {
		return Analysis{}, ErrAttemptsExhausted
	}

	requestID := requestIDFromContext(ctx)
	switch {
	case s.Queue != nil:
		if err := s.Queue.Send(ctx, queue.NewMessage(analysis.ID, requestID, s.now())); err != nil {
			return Analysis{}, fmt.Errorf("enqueue analysis: %w", err)
		}
	case s.Processor != nil:
		go func(ctx context.Context, id string) {
			if err := s.Processor.ProcessAnalysis(ctx, id); err != nil {
				telemetry.Error("analysis.process_error", map[string]any{
					"request_id":  requestIDFromContext(ctx),
					"analysis_id": id,
					"error":       err,
				})
			}
		}(detach(ctx), analysis.ID)
	default:
		return Analysis{}, ErrJobQueueNotConfigured
	}

	telemetry.Info("analysis.enqueued", map[string]any{
		"request_id":  requestID,
		"user_id":     userID,
		"analysis_id": analysis.ID,
		"attempts":    analysis.Attempts,
	})
	return analysis, nil
}

// Get returns a job owned by userID. Jobs of other users are reported as not found.
func (s *Service) Get(ctx context.Context, userID, analysisID string) (Analysis, error) {
	if strings.TrimSpace(analysisID) == "" {
		return Analysis{}, errors.New("analysisID is required")
	}
	analysis, err := s.Repo.GetByID(ctx, analysisID)
	if err != nil {
		return Analysis{}, err
	}
	if userID != "" && analysis.UserID != userID {
		return Analysis{}, ErrNotFound
	}
	return analysis, nil
}

// List returns analyses for a user ordered newest-first, optionally
// filtered by a title substring.
func (s *Service) List(ctx context.Context, userID, search string, limit, offset int) ([]Analysis, error) {
	if userID == "" {
		return nil, errors.New("userID is required")
	}
	return s.Repo.ListByUser(ctx, userID, strings.TrimSpace(search), limit, offset)
}

// Sweep deletes jobs created more than months ago together with their
// workspaces and report artifacts. months <= 0 uses the configured retention.
func (s *Service) Sweep(ctx context.Context, months int) (int, error) {
	if months <= 0 {
		months = s.Settings.RetentionMonths
	}
	if months <= 0 {
		return 0, errors.New("retention months must be positive")
	}
	cutoff := s.now().AddDate(0, -months, 0)
	deleted, err := s.Repo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete analyses before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	for _, a := range deleted {
		s.dropWorkspace(a)
		if a.ReportKey != "" && s.Reports != nil {
			if err := s.Reports.Delete(ctx, a.ReportKey); err != nil {
				telemetry.Warn("analysis.sweep.report_delete_failed", map[string]any{
					"analysis_id": a.ID,
					"report_key":  a.ReportKey,
					"error":       err,
				})
			}
		}
	}
	telemetry.Info("analysis.sweep", map[string]any{
		"cutoff":  cutoff.Format(time.RFC3339),
		"months":  months,
		"deleted": len(deleted),
	})
	return len(deleted), nil
}

// ResetStale returns jobs stuck in processing for longer than age to draft
// and removes their workspaces.
func (s *Service) ResetStale(ctx context.Context, age time.Duration) (int, error) {
	if age <= 0 {
		return 0, errors.New("age must be positive")
	}
	cutoff := s.now().Add(-age)
	reset, err := s.Repo.ResetStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reset stale analyses: %w", err)
	}
	for _, a := range reset {
		s.dropWorkspace(a)
		step := ""
		if a.Step != nil {
			step = string(*a.Step)
		}
		telemetry.Warn("analysis.status", map[string]any{
			"analysis_id":       a.ID,
			"user_id":           a.UserID,
			"status":            string(StatusDraft),
			"status_transition": "processing->draft",
			"step":              step,
			"reason":            "stale",
		})
	}
	return len(reset), nil
}

func (s *Service) dropWorkspace(a Analysis) {
	if !a.Staged() || s.Stager == nil {
		return
	}
	if err := s.Stager.Remove(*a.StagedPath); err != nil {
		telemetry.Warn("analysis.workspace_cleanup_failed", map[string]any{
			"analysis_id": a.ID,
			"error":       err,
		})
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}
