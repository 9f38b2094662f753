package pipeline

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"docreview/internal/llm"
	"docreview/internal/notify"
	"docreview/internal/store"
)

// Keys under which each stage stores its result.
const (
	KeyStructure     = "structureValidation"
	KeyContent       = "contentAnalysis"
	KeyGrammar       = "grammarCheck"
	KeyClarification = "clarification"
	KeySummary       = "summary"
)

// Report types in feedback_reports and token_usage.
const (
	ReportStructure     = "structure"
	ReportContent       = "content"
	ReportGrammar       = "grammar"
	ReportClarification = "clarification"
	ReportSummary       = "summary"
)

const maxQuestions = 10

var (
	StructureValidation = Stage{Name: ReportStructure, Key: KeyStructure, Run: runStructure}
	ContentAnalysis     = Stage{Name: ReportContent, Key: KeyContent, Run: runContent}
	GrammarCheck        = Stage{Name: ReportGrammar, Key: KeyGrammar, Run: runGrammar}
	Clarification       = Stage{Name: ReportClarification, Key: KeyClarification, Run: runClarification}
	Finalize            = Stage{Name: ReportSummary, Key: KeySummary, Run: runFinalize}
)

func runStructure(ctx context.Context, env *Env, id string, _ State) (any, error) {
	if err := env.Store.UpdateSubmissionStatus(ctx, id, store.StatusAnalyzing, store.AIInProgress); err != nil {
		return nil, err
	}

	rc, err := env.loadReviewContext(ctx, id)
	if err != nil {
		return nil, err
	}

	msg, spec, err := env.ask(ctx, id, KeyStructure, ReportStructure, rc.promptData())
	if err != nil {
		return nil, err
	}

	res, ok := llm.DecodeOrDefault(msg.Text, fallbackStructure())
	if !ok {
		env.warnFallback(KeyStructure, msg)
	}
	res.Score = clampScore(res.Score)
	res.SectionsFound = cleanStrings(res.SectionsFound)
	res.MissingSections = cleanStrings(res.MissingSections)
	res.Issues = cleanStrings(res.Issues)

	if err := env.saveReport(ctx, id, ReportStructure, spec.Title, severityFor(res.Score), rc.Submission.SubmittedBy, res); err != nil {
		return nil, err
	}
	return res, nil
}

func runContent(ctx context.Context, env *Env, id string, in State) (any, error) {
	rc, err := env.loadReviewContext(ctx, id)
	if err != nil {
		return nil, err
	}

	data := rc.promptData()
	var structure StructureResult
	if ok, err := in.Decode(KeyStructure, &structure); err != nil {
		return nil, err
	} else if ok {
		data.Structure = &structure
	}

	msg, spec, err := env.ask(ctx, id, KeyContent, ReportContent, data)
	if err != nil {
		return nil, err
	}

	res, ok := llm.DecodeOrDefault(msg.Text, fallbackContent())
	if !ok {
		env.warnFallback(KeyContent, msg)
	}
	res.CriterionScores = nonNil(res.CriterionScores)
	for i := range res.CriterionScores {
		res.CriterionScores[i].Score = clampScore(res.CriterionScores[i].Score)
	}
	if res.OverallScore <= 0 && len(res.CriterionScores) > 0 {
		res.OverallScore = weightedCriteriaScore(res.CriterionScores, rc.Criteria)
	}
	res.OverallScore = clampScore(res.OverallScore)
	res.Strengths = cleanStrings(res.Strengths)
	res.Weaknesses = cleanStrings(res.Weaknesses)
	res.Recommendations = cleanStrings(res.Recommendations)

	if err := env.saveReport(ctx, id, ReportContent, spec.Title, severityFor(res.OverallScore), rc.Submission.SubmittedBy, res); err != nil {
		return nil, err
	}
	return res, nil
}

// weightedCriteriaScore averages criterion scores by their configured weight.
// Scores for unknown criteria count with weight 1.
func weightedCriteriaScore(scores []CriterionScore, criteria []store.Criterion) float64 {
	weights := make(map[string]float64, len(criteria))
	for _, c := range criteria {
		weights[c.ID] = c.Weight
	}
	var sum, total float64
	for _, s := range scores {
		w, ok := weights[s.CriterionID]
		if !ok || w <= 0 {
			w = 1
		}
		sum += s.Score * w
		total += w
	}
	if total == 0 {
		return 0
	}
	return sum / total
}

func runGrammar(ctx context.Context, env *Env, id string, _ State) (any, error) {
	rc, err := env.loadReviewContext(ctx, id)
	if err != nil {
		return nil, err
	}

	msg, spec, err := env.ask(ctx, id, KeyGrammar, ReportGrammar, rc.promptData())
	if err != nil {
		return nil, err
	}

	res, ok := llm.DecodeOrDefault(msg.Text, fallbackGrammar())
	if !ok {
		env.warnFallback(KeyGrammar, msg)
	}
	res.Score = clampScore(res.Score)
	issues := make([]GrammarIssue, 0, len(res.Issues))
	for _, is := range res.Issues {
		if strings.TrimSpace(is.Text) == "" {
			continue
		}
		issues = append(issues, is)
	}
	res.Issues = issues

	if err := env.saveReport(ctx, id, ReportGrammar, spec.Title, severityFor(res.Score), rc.Submission.SubmittedBy, res); err != nil {
		return nil, err
	}
	return res, nil
}

func runClarification(ctx context.Context, env *Env, id string, in State) (any, error) {
	rc, err := env.loadReviewContext(ctx, id)
	if err != nil {
		return nil, err
	}

	data := rc.promptData()
	data.MaxQuestions = maxQuestions
	var (
		structure StructureResult
		content   ContentResult
		grammar   GrammarResult
	)
	if ok, err := in.Decode(KeyStructure, &structure); err != nil {
		return nil, err
	} else if ok {
		data.Structure = &structure
	}
	if ok, err := in.Decode(KeyContent, &content); err != nil {
		return nil, err
	} else if ok {
		data.Content = &content
	}
	if ok, err := in.Decode(KeyGrammar, &grammar); err != nil {
		return nil, err
	} else if ok {
		data.Grammar = &grammar
	}

	msg, _, err := env.ask(ctx, id, KeyClarification, ReportClarification, data)
	if err != nil {
		return nil, err
	}

	res, ok := llm.DecodeOrDefault(msg.Text, fallbackClarification())
	if !ok {
		env.warnFallback(KeyClarification, msg)
	}

	questions := make([]Question, 0, len(res.Questions))
	rows := make([]store.ClarificationQuestion, 0, len(res.Questions))
	for _, q := range res.Questions {
		q.Question = strings.TrimSpace(q.Question)
		if q.Question == "" {
			continue
		}
		if len(questions) == maxQuestions {
			break
		}
		q.ID = uuid.NewString()
		q.Type = defaultString(q.Type, "missing_info")
		q.Priority = normalizePriority(q.Priority)
		questions = append(questions, q)
		rows = append(rows, store.ClarificationQuestion{
			ID:       q.ID,
			Text:     q.Question,
			Type:     q.Type,
			Context:  q.Context,
			Priority: q.Priority,
			Required: q.Required,
		})
	}

	// A fallback reply leaves earlier questions in place.
	if !res.Fallback {
		if err := env.Store.ReplaceClarificationQuestions(ctx, id, rows); err != nil {
			return nil, err
		}
	}

	res.Questions = questions
	res.Count = len(questions)
	return res, nil
}

func normalizePriority(p string) string {
	switch strings.ToLower(strings.TrimSpace(p)) {
	case "high":
		return "high"
	case "low":
		return "low"
	default:
		return "medium"
	}
}

func defaultString(s, def string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return def
}

// Weights of each stage score in the overall score.
var stageWeights = map[string]float64{
	KeyStructure: 0.2,
	KeyContent:   0.6,
	KeyGrammar:   0.2,
}

func runFinalize(ctx context.Context, env *Env, id string, in State) (any, error) {
	sub, err := env.Store.GetSubmission(ctx, id)
	if err != nil {
		return nil, err
	}

	var (
		structure     StructureResult
		content       ContentResult
		grammar       GrammarResult
		clarification ClarificationResult
		scores        StageScores
	)
	present := map[string]float64{}
	if ok, err := in.Decode(KeyStructure, &structure); err != nil {
		return nil, err
	} else if ok {
		scores.Structure = &structure.Score
		present[KeyStructure] = structure.Score
	}
	if ok, err := in.Decode(KeyContent, &content); err != nil {
		return nil, err
	} else if ok {
		scores.Content = &content.OverallScore
		present[KeyContent] = content.OverallScore
	}
	if ok, err := in.Decode(KeyGrammar, &grammar); err != nil {
		return nil, err
	} else if ok {
		scores.Grammar = &grammar.Score
		present[KeyGrammar] = grammar.Score
	}
	if _, err := in.Decode(KeyClarification, &clarification); err != nil {
		return nil, err
	}

	usage, err := env.Store.SumTokenUsage(ctx, id)
	if err != nil {
		return nil, err
	}

	res := SummaryResult{
		OverallScore:       overallScore(present),
		Scores:             scores,
		ClarificationCount: clarification.Count,
		Usage:              usage,
		Status:             store.StatusCompleted,
	}

	if err := env.saveReport(ctx, id, ReportSummary, "Analysis summary", severityFor(res.OverallScore), sub.SubmittedBy, res); err != nil {
		return nil, err
	}
	if err := env.Store.UpdateSubmissionStatus(ctx, id, store.StatusCompleted, store.AICompleted); err != nil {
		return nil, err
	}

	score := res.OverallScore
	if err := env.Notifier.Publish(ctx, notify.Event{
		Type:         notify.AnalysisCompleted,
		SubmissionID: id,
		Status:       store.StatusCompleted,
		OverallScore: &score,
	}); err != nil {
		env.Log.Warn("publish completion", zap.Error(err))
	}
	return res, nil
}

// overallScore renormalises stageWeights over the stages that produced a score.
func overallScore(present map[string]float64) float64 {
	var sum, total float64
	for key, score := range present {
		w := stageWeights[key]
		sum += score * w
		total += w
	}
	if total == 0 {
		return 0
	}
	return clampScore(sum / total)
}
