package analyses

import (
	"time"

	"contract-backend/internal/counterparty"
	"contract-backend/internal/summarize"
)

// Status is the lifecycle state of an analysis job.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusProcessing Status = "processing"
	StatusReady      Status = "ready"
)

// Step marks progress inside StatusProcessing.
type Step string

const (
	StepExtracting   Step = "extracting"
	StepReport       Step = "report"
	StepCounterparty Step = "counterparty"
)

// CanTransitionTo reports whether s may move to next.
// draft -> processing -> {ready, draft}; ready is terminal.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusDraft:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusReady || next == StatusDraft
	default:
		return false
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusProcessing, StatusReady:
		return true
	}
	return false
}

func (s Step) Valid() bool {
	switch s {
	case StepExtracting, StepReport, StepCounterparty:
		return true
	}
	return false
}

// Analysis represents one contract analysis job.
type Analysis struct {
	ID           string                    `json:"id"`
	UserID       string                    `json:"userId"`
	Title        string                    `json:"title,omitempty"`
	Status       Status                    `json:"status"`
	Step         *Step                     `json:"processingStep"`
	SummaryText  string                    `json:"summaryText,omitempty"`
	SummaryItems []summarize.Item          `json:"summaryItems,omitempty"`
	Counterparty []counterparty.Annotation `json:"counterpartyCheck,omitempty"`
	StagedPath   *string                   `json:"-"`
	FileNames    []string                  `json:"fileNames,omitempty"`
	ReportKey    string                    `json:"reportKey,omitempty"`
	Attempts     int                       `json:"attempts"`
	CreatedAt    time.Time                 `json:"createdAt"`
	UpdatedAt    time.Time                 `json:"updatedAt"`
}

// Staged reports whether the job has a workspace awaiting processing.
func (a Analysis) Staged() bool {
	return a.StagedPath != nil && *a.StagedPath != ""
}

// Result is what a successful run writes when it finalizes a job.
type Result struct {
	Title        string
	SummaryText  string
	SummaryItems []summarize.Item
	Counterparty []counterparty.Annotation
}

// Roles of follow-up messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of the follow-up conversation about a ready analysis.
type Message struct {
	ID         string    `json:"id"`
	AnalysisID string    `json:"-"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
}

func stepPtr(s Step) *Step { return &s }

func stringPtr(s string) *string { return &s }
