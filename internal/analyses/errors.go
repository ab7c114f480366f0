package analyses

import "errors"

var (
	ErrNotFound              = errors.New("not found")
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrNotClaimable          = errors.New("analysis is not a draft with staged files")
	ErrAttemptsExhausted     = errors.New("analysis attempts exhausted")
	ErrRunSuperseded         = errors.New("analysis run superseded")
	ErrJobQueueNotConfigured = errors.New("job queue not configured")
)

// Follow-up conversation errors.
var (
	ErrNotReady          = errors.New("analysis is not ready")
	ErrInvalidQuestion   = errors.New("question must be 1 to 16000 characters")
	ErrChatNotConfigured = errors.New("follow-up chat not configured")
	ErrAnswerUnavailable = errors.New("answer unavailable")
)

// Failure reasons logged when a run returns the job to draft.
var (
	ErrNoFiles            = errors.New("no files to analyze")
	ErrStagedFilesMissing = errors.New("staged files not found")
	ErrNoText             = errors.New("could not extract text")
	ErrUnexpected         = errors.New("processing failed, please retry")
)
