package pipeline

import (
	"math"
	"strings"

	"docreview/internal/store"
)

// FallbackScore is used when the model's reply holds no parseable JSON.
const FallbackScore = 50.0

type StructureResult struct {
	IsCompliant     bool     `json:"isCompliant"`
	Score           float64  `json:"score"`
	SectionsFound   []string `json:"sectionsFound"`
	MissingSections []string `json:"missingSections"`
	Issues          []string `json:"issues"`
	Feedback        string   `json:"feedback"`
	Fallback        bool     `json:"fallback,omitempty"`
}

type CriterionScore struct {
	CriterionID string  `json:"criterionId"`
	Name        string  `json:"name"`
	Score       float64 `json:"score"`
	Feedback    string  `json:"feedback"`
}

type ContentResult struct {
	OverallScore    float64          `json:"overallScore"`
	CriterionScores []CriterionScore `json:"criterionScores"`
	Strengths       []string         `json:"strengths"`
	Weaknesses      []string         `json:"weaknesses"`
	Recommendations []string         `json:"recommendations"`
	Summary         string           `json:"summary"`
	Fallback        bool             `json:"fallback,omitempty"`
}

type GrammarIssue struct {
	Text       string `json:"text"`
	Suggestion string `json:"suggestion"`
	Kind       string `json:"kind"`
}

type GrammarResult struct {
	Score    float64        `json:"score"`
	Issues   []GrammarIssue `json:"issues"`
	Summary  string         `json:"summary"`
	Fallback bool           `json:"fallback,omitempty"`
}

type Question struct {
	ID       string `json:"questionId,omitempty"`
	Question string `json:"question"`
	Type     string `json:"type"`
	Context  string `json:"context"`
	Priority string `json:"priority"`
	Required bool   `json:"required"`
}

type ClarificationResult struct {
	Questions []Question `json:"questions"`
	Count     int        `json:"count"`
	Fallback  bool       `json:"fallback,omitempty"`
}

type StageScores struct {
	Structure *float64 `json:"structure,omitempty"`
	Content   *float64 `json:"content,omitempty"`
	Grammar   *float64 `json:"grammar,omitempty"`
}

type SummaryResult struct {
	OverallScore       float64           `json:"overallScore"`
	Scores             StageScores       `json:"scores"`
	ClarificationCount int               `json:"clarificationCount"`
	Usage              store.UsageTotals `json:"usage"`
	Status             string            `json:"status"`
}

func fallbackStructure() StructureResult {
	return StructureResult{Score: FallbackScore, SectionsFound: []string{}, MissingSections: []string{}, Issues: []string{}, Fallback: true}
}

func fallbackContent() ContentResult {
	return ContentResult{OverallScore: FallbackScore, CriterionScores: []CriterionScore{}, Strengths: []string{}, Weaknesses: []string{}, Recommendations: []string{}, Fallback: true}
}

func fallbackGrammar() GrammarResult {
	return GrammarResult{Score: FallbackScore, Issues: []GrammarIssue{}, Fallback: true}
}

func fallbackClarification() ClarificationResult {
	return ClarificationResult{Questions: []Question{}, Fallback: true}
}

func clampScore(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return math.Round(v*10) / 10
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func cleanStrings(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// severityFor maps a 0-100 score to a feedback report severity.
func severityFor(score float64) string {
	switch {
	case score < 50:
		return "high"
	case score < 75:
		return "medium"
	default:
		return "low"
	}
}
