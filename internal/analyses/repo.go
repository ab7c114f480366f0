package analyses

import (
	"context"
	"time"
)

// Repo defines persistence operations for analyses. Implementations enforce
// Status.CanTransitionTo and the staged-path invariant.
type Repo interface {
	Create(ctx context.Context, analysis Analysis) error
	GetByID(ctx context.Context, analysisID string) (Analysis, error)
	// ListByUser pages a user's analyses newest first. A non-empty search keeps
	// only titles containing it, case-insensitively.
	ListByUser(ctx context.Context, userID, search string, limit, offset int) ([]Analysis, error)

	// SetStaged records a workspace on a draft job.
	SetStaged(ctx context.Context, analysisID, stagedPath string, fileNames []string) error
	// ClaimForProcessing atomically moves a staged draft to processing/extracting
	// and increments its attempts. maxAttempts <= 0 means unlimited.
	ClaimForProcessing(ctx context.Context, analysisID string, maxAttempts int) (Analysis, error)

	// The run methods below only apply while the job is still processing under
	// the claimed attempt. A job reset or re-claimed since then yields
	// ErrRunSuperseded and is left as it is.
	UpdateStep(ctx context.Context, analysisID string, attempt int, step Step) error
	// Touch refreshes updated_at so ResetStale leaves a live run alone.
	Touch(ctx context.Context, analysisID string, attempt int) error
	// Complete finalizes a processing job as ready and clears step and workspace.
	Complete(ctx context.Context, analysisID string, attempt int, result Result) error
	// Fail returns a processing job to draft and clears step and workspace.
	Fail(ctx context.Context, analysisID string, attempt int) error
	SetReportKey(ctx context.Context, analysisID, key string) error

	// DeleteOlderThan removes jobs created before cutoff and returns them.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) ([]Analysis, error)
	// ResetStale returns processing jobs untouched since cutoff to draft and returns them
	// as they were before the reset.
	ResetStale(ctx context.Context, cutoff time.Time) ([]Analysis, error)
}

// MessageRepo persists follow-up conversations. Messages are removed together
// with their analysis.
type MessageRepo interface {
	// AddMessages appends messages atomically, keeping their order.
	AddMessages(ctx context.Context, messages ...Message) error
	// ListMessages returns the conversation of an analysis oldest first.
	ListMessages(ctx context.Context, analysisID string) ([]Message, error)
}
