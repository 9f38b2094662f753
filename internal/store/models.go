package store

import (
	"encoding/json"
	"time"
)

// Submission statuses.
const (
	StatusSubmitted = "submitted"
	StatusPending   = "pending"
	StatusAnalyzing = "analyzing"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// AI analysis statuses.
const (
	AIPending    = "pending"
	AIInProgress = "in_progress"
	AICompleted  = "completed"
	AIFailed     = "failed"
)

type Submission struct {
	ID               string
	SessionID        string
	OverlayID        string
	DocumentName     string
	Content          string
	S3Bucket         string
	S3Key            string
	Status           string
	AIAnalysisStatus string
	SubmittedBy      string
}

type Overlay struct {
	ID              string
	Name            string
	Description     string
	DocumentType    string
	DocumentPurpose string
	WhenUsed        string
	ProcessContext  string
	TargetAudience  string
}

type Criterion struct {
	ID          string  `json:"criterionId"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Type        string  `json:"type"`
	Weight      float64 `json:"weight"`
	MaxScore    float64 `json:"maxScore"`
}

type FeedbackReport struct {
	ID           string
	SubmissionID string
	CreatedBy    string
	ReportType   string
	Title        string
	Content      json.RawMessage
	Severity     string
	Status       string
}

type TokenUsage struct {
	SubmissionID string
	ReportType   string
	Model        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Cached       bool
	UpdatedAt    time.Time
}

type ClarificationQuestion struct {
	ID           string
	SubmissionID string
	Text         string
	Type         string
	Context      string
	Priority     string
	Required     bool
}

// UsageTotals is the per-submission sum over all report types.
type UsageTotals struct {
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	CostUSD      float64 `json:"costUsd"`
}
