package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"docreview/internal/llm"
	"docreview/internal/notify"
	"docreview/internal/store"
)

type fakeLLM struct {
	text    string
	err     error
	prompts []string
}

func (f *fakeLLM) SendMessage(_ context.Context, prompt string, _ llm.Options) (*llm.Message, error) {
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Message{Text: f.text, Model: "claude-test", Usage: llm.Usage{InputTokens: 900, OutputTokens: 120}}, nil
}

type staticDocs string

func (d staticDocs) Load(context.Context, *store.Submission) (string, error) { return string(d), nil }

type recordingNotifier struct{ events []notify.Event }

func (r *recordingNotifier) Publish(_ context.Context, ev notify.Event) error {
	r.events = append(r.events, ev)
	return nil
}

func newRunner(t *testing.T, stage Stage, model *fakeLLM) (*Runner, sqlmock.Sqlmock, *int) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)

	prompts, err := DefaultPrompts()
	require.NoError(t, err)

	opened := 0
	r := &Runner{
		Stage: stage,
		OpenDB: func(context.Context) (*sql.DB, error) {
			opened++
			return conn, nil
		},
		LLM:     model,
		Docs:    staticDocs("Section 1. Budget. Section 2. Timeline."),
		Prompts: prompts,
		Log:     zap.NewNop(),
	}
	return r, mock, &opened
}

func expectReviewContext(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(regexp.QuoteMeta("FROM document_submissions")).
		WithArgs("sub-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"submission_id", "session_id", "overlay_id", "document_name", "content",
			"s3_bucket", "s3_key", "status", "ai_analysis_status", "submitted_by",
		}).AddRow("sub-1", "sess-1", "ov-1", "plan.txt", "", "", "k", "analyzing", "in_progress", "u-1"))
	mock.ExpectQuery(regexp.QuoteMeta("FROM overlays")).
		WithArgs("ov-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"overlay_id", "name", "description", "document_type", "document_purpose",
			"when_used", "process_context", "target_audience",
		}).AddRow("ov-1", "Grant proposal", "", "proposal", "funding", "", "", "board"))
	mock.ExpectQuery(regexp.QuoteMeta("FROM evaluation_criteria")).
		WithArgs("ov-1").
		WillReturnRows(sqlmock.NewRows([]string{"criteria_id", "name", "description", "criterion_type", "weight", "max_score"}).
			AddRow("c-1", "Budget", "Costs justified", "text", 3.0, 100.0).
			AddRow("c-2", "Timeline", "Milestones clear", "text", 1.0, 100.0))
}

func expectUsage(mock sqlmock.Sqlmock, reportType string) {
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO token_usage")).
		WithArgs("sub-1", reportType, "claude-test", 900, 120, sqlmock.AnyArg(), false).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func expectReport(mock sqlmock.Sqlmock, reportType, title, severity string) {
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO feedback_reports")).
		WithArgs(sqlmock.AnyArg(), "sub-1", "u-1", reportType, title, sqlmock.AnyArg(), severity, "final").
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestStructureStageKeepsInputAndAddsKey(t *testing.T) {
	model := &fakeLLM{text: "Here is my review:\n" +
		`{"isCompliant": true, "score": 82, "sectionsFound": ["Budget", " "], "missingSections": [], "issues": ["Timeline is short"], "feedback": "Good"}`}
	r, mock, _ := newRunner(t, StructureValidation, model)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE document_submissions")).
		WithArgs("sub-1", store.StatusAnalyzing, store.AIInProgress).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectReviewContext(mock)
	expectUsage(mock, ReportStructure)
	expectReport(mock, ReportStructure, "Structure validation", "low")
	mock.ExpectClose()

	in := mustState(t, `{"submissionId":"sub-1","executionName":"exec-9","meta":{"retries":[0, 1]}}`)
	out, err := r.Handle(context.Background(), in)
	require.NoError(t, err)

	assert.Len(t, in, 3)
	for k, v := range in {
		require.Contains(t, out, k)
		assert.Equal(t, string(v), string(out[k]))
	}

	var res StructureResult
	ok, err := out.Decode(KeyStructure, &res)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 82.0, res.Score)
	assert.Equal(t, []string{"Budget"}, res.SectionsFound)
	assert.False(t, res.Fallback)

	require.Len(t, model.prompts, 1)
	assert.Contains(t, model.prompts[0], "Section 1. Budget.")
	assert.Contains(t, model.prompts[0], "- Budget: Costs justified")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGrammarStageMalformedReplyUsesFallback(t *testing.T) {
	r, mock, _ := newRunner(t, GrammarCheck, &fakeLLM{text: "Sorry, I can't produce a review for this document."})

	expectReviewContext(mock)
	expectUsage(mock, ReportGrammar)
	expectReport(mock, ReportGrammar, "Grammar check", "medium")
	mock.ExpectClose()

	out, err := r.Handle(context.Background(), mustState(t, `{"submissionId":"sub-1"}`))
	require.NoError(t, err)

	var res GrammarResult
	_, err = out.Decode(KeyGrammar, &res)
	require.NoError(t, err)
	assert.Equal(t, FallbackScore, res.Score)
	assert.Empty(t, res.Issues)
	assert.True(t, res.Fallback)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestContentStageWeightsCriteriaWhenOverallMissing(t *testing.T) {
	model := &fakeLLM{text: `{"criterionScores":[{"criterionId":"c-1","name":"Budget","score":80},{"criterionId":"c-2","name":"Timeline","score":40}],"strengths":["clear"],"weaknesses":[],"recommendations":[]}`}
	r, mock, _ := newRunner(t, ContentAnalysis, model)

	expectReviewContext(mock)
	expectUsage(mock, ReportContent)
	expectReport(mock, ReportContent, "Content analysis", "medium")
	mock.ExpectClose()

	in := mustState(t, `{"submissionId":"sub-1","structureValidation":{"score":64,"feedback":"Missing appendix."}}`)
	out, err := r.Handle(context.Background(), in)
	require.NoError(t, err)

	var res ContentResult
	_, err = out.Decode(KeyContent, &res)
	require.NoError(t, err)
	assert.Equal(t, 70.0, res.OverallScore)
	assert.Contains(t, model.prompts[0], "STRUCTURE REVIEW: score 64. Missing appendix.")
	assert.Equal(t, string(in[KeyStructure]), string(out[KeyStructure]))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClarificationStageReplacesQuestions(t *testing.T) {
	model := &fakeLLM{text: `{"questions":[{"question":"Who approves the budget?","type":"approval","priority":"HIGH","required":true},{"question":"  "}]}`}
	r, mock, _ := newRunner(t, Clarification, model)

	expectReviewContext(mock)
	expectUsage(mock, ReportClarification)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM clarification_questions")).
		WithArgs("sub-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO clarification_questions")).
		WithArgs(sqlmock.AnyArg(), "sub-1", "Who approves the budget?", "approval", nil, "high", true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectClose()

	in := mustState(t, `{"submissionId":"sub-1","contentAnalysis":{"overallScore":55,"weaknesses":["no owner"]}}`)
	out, err := r.Handle(context.Background(), in)
	require.NoError(t, err)

	var res ClarificationResult
	_, err = out.Decode(KeyClarification, &res)
	require.NoError(t, err)
	require.Equal(t, 1, res.Count)
	assert.NotEmpty(t, res.Questions[0].ID)
	assert.Contains(t, model.prompts[0], "WEAKNESSES: no owner")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClarificationFallbackKeepsExistingQuestions(t *testing.T) {
	r, mock, _ := newRunner(t, Clarification, &fakeLLM{text: "no questions"})

	expectReviewContext(mock)
	expectUsage(mock, ReportClarification)
	mock.ExpectClose()

	out, err := r.Handle(context.Background(), mustState(t, `{"submissionId":"sub-1"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"questions":[],"count":0,"fallback":true}`, string(out[KeyClarification]))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizeStage(t *testing.T) {
	r, mock, _ := newRunner(t, Finalize, &fakeLLM{})
	n := &recordingNotifier{}
	r.Notifier = n

	mock.ExpectQuery(regexp.QuoteMeta("FROM document_submissions")).
		WithArgs("sub-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"submission_id", "session_id", "overlay_id", "document_name", "content",
			"s3_bucket", "s3_key", "status", "ai_analysis_status", "submitted_by",
		}).AddRow("sub-1", "sess-1", "ov-1", "plan.txt", "", "", "k", "analyzing", "in_progress", "u-1"))
	mock.ExpectQuery(regexp.QuoteMeta("FROM token_usage")).
		WithArgs("sub-1").
		WillReturnRows(sqlmock.NewRows([]string{"i", "o", "c"}).AddRow(3000, 500, 0.0165))
	expectReport(mock, ReportSummary, "Analysis summary", "low")
	mock.ExpectExec(regexp.QuoteMeta("UPDATE document_submissions")).
		WithArgs("sub-1", store.StatusCompleted, store.AICompleted).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	in := mustState(t, `{"submissionId":"sub-1",
		"structureValidation":{"score":70},
		"contentAnalysis":{"overallScore":80},
		"grammarCheck":{"score":90},
		"clarification":{"questions":[],"count":2}}`)
	out, err := r.Handle(context.Background(), in)
	require.NoError(t, err)

	var res SummaryResult
	_, err = out.Decode(KeySummary, &res)
	require.NoError(t, err)
	assert.Equal(t, 80.0, res.OverallScore)
	assert.Equal(t, 2, res.ClarificationCount)
	assert.Equal(t, 3000, res.Usage.InputTokens)
	assert.Equal(t, store.StatusCompleted, res.Status)

	require.Len(t, n.events, 1)
	assert.Equal(t, notify.AnalysisCompleted, n.events[0].Type)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStageErrorIsReturnedWithoutState(t *testing.T) {
	r, mock, _ := newRunner(t, GrammarCheck, &fakeLLM{err: errors.New("ThrottlingException")})

	expectReviewContext(mock)
	mock.ExpectClose()

	out, err := r.Handle(context.Background(), mustState(t, `{"submissionId":"sub-1"}`))
	assert.Nil(t, out)
	assert.ErrorContains(t, err, "ThrottlingException")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMissingSubmissionIDNeverOpensDB(t *testing.T) {
	r, _, opened := newRunner(t, GrammarCheck, &fakeLLM{})

	_, err := r.Handle(context.Background(), mustState(t, `{"executionName":"x"}`))
	assert.True(t, errors.Is(err, ErrMissingSubmissionID))
	assert.Equal(t, 0, *opened)
}

func TestStageRefusesToOverwriteItsKey(t *testing.T) {
	r, _, opened := newRunner(t, GrammarCheck, &fakeLLM{})

	_, err := r.Handle(context.Background(), mustState(t, `{"submissionId":"sub-1","grammarCheck":{"score":1}}`))
	assert.True(t, errors.Is(err, ErrKeyExists))
	assert.Equal(t, 0, *opened)
}

func TestOverallScore(t *testing.T) {
	assert.Equal(t, 0.0, overallScore(map[string]float64{}))
	assert.Equal(t, 60.0, overallScore(map[string]float64{KeyContent: 60}))
	assert.Equal(t, 75.0, overallScore(map[string]float64{KeyContent: 80, KeyGrammar: 60}))
}

func TestResultsMarshalWithoutNulls(t *testing.T) {
	b, err := json.Marshal(fallbackStructure())
	require.NoError(t, err)
	assert.NotContains(t, string(b), "null")
}

func TestAskLogsTokenTotals(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	prompts, err := DefaultPrompts()
	require.NoError(t, err)

	core, logs := observer.New(zapcore.InfoLevel)
	env := &Env{
		Store:   store.New(conn),
		LLM:     &fakeLLM{text: `{"score":90,"issues":[]}`},
		Prompts: prompts,
		Log:     zap.New(core),
	}
	expectUsage(mock, ReportGrammar)

	_, _, err = env.ask(context.Background(), "sub-1", KeyGrammar, ReportGrammar, promptData{
		Overlay:      &store.Overlay{Name: "Grant application"},
		DocumentName: "plan.txt",
		Document:     "Section 1. Budget.",
	})
	require.NoError(t, err)

	calls := logs.FilterMessage("llm call").All()
	require.Len(t, calls, 1)
	assert.EqualValues(t, 1020, calls[0].ContextMap()["total_tokens"])
	assert.NoError(t, mock.ExpectationsWereMet())
}
