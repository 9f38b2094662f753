package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"docreview/internal/db"
	"docreview/internal/documents"
	"docreview/internal/llm"
	"docreview/internal/notify"
	"docreview/internal/store"
)

// Env is what a stage gets for one invocation.
type Env struct {
	Store    *store.Store
	LLM      llm.Provider
	Docs     documents.Loader
	Prompts  Prompts
	Notifier notify.Publisher
	Log      *zap.Logger
}

// Stage is one step of the analysis state machine. Run returns the value
// stored under Key in the outgoing state.
type Stage struct {
	Name string
	Key  string
	Run  func(ctx context.Context, env *Env, submissionID string, in State) (any, error)
}

// Runner adapts a Stage to a Lambda handler. The database connection lives
// for exactly one invocation.
type Runner struct {
	Stage    Stage
	OpenDB   func(ctx context.Context) (*sql.DB, error)
	LLM      llm.Provider
	Docs     documents.Loader
	Prompts  Prompts
	Notifier notify.Publisher
	Log      *zap.Logger
}

// Handle returns an error instead of a partial state so the orchestrator
// can route the execution to the failure handler.
func (r *Runner) Handle(ctx context.Context, in State) (State, error) {
	log := r.Log.With(zap.String("stage", r.Stage.Name))

	id, err := in.SubmissionID()
	if err != nil {
		log.Error("stage input rejected", zap.Error(err))
		return nil, fmt.Errorf("%s: %w", r.Stage.Name, err)
	}
	log = log.With(zap.String("submission_id", id))

	if in.Has(r.Stage.Key) {
		return nil, fmt.Errorf("%s: %s: %w", r.Stage.Name, r.Stage.Key, ErrKeyExists)
	}

	conn, err := r.OpenDB(ctx)
	if err != nil {
		log.Error("open database", zap.Error(err))
		return nil, fmt.Errorf("%s: %w", r.Stage.Name, err)
	}
	defer db.Close(conn, log)

	notifier := r.Notifier
	if notifier == nil {
		notifier = notify.Nop{}
	}
	env := &Env{
		Store:    store.New(conn),
		LLM:      r.LLM,
		Docs:     r.Docs,
		Prompts:  r.Prompts,
		Notifier: notifier,
		Log:      log,
	}

	start := time.Now()
	res, err := r.Stage.Run(ctx, env, id, in)
	if err != nil {
		log.Error("stage failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return nil, fmt.Errorf("%s stage for submission %s: %w", r.Stage.Name, id, err)
	}

	out, err := in.With(r.Stage.Key, res)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", r.Stage.Name, err)
	}
	log.Info("stage complete", zap.Duration("elapsed", time.Since(start)))
	return out, nil
}

type reviewContext struct {
	Submission *store.Submission
	Overlay    *store.Overlay
	Criteria   []store.Criterion
	Document   string
}

func (rc *reviewContext) promptData() promptData {
	return promptData{
		Overlay:      rc.Overlay,
		Criteria:     rc.Criteria,
		DocumentName: rc.Submission.DocumentName,
		Document:     rc.Document,
	}
}

func (e *Env) loadReviewContext(ctx context.Context, submissionID string) (*reviewContext, error) {
	sub, err := e.Store.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if sub.OverlayID == "" {
		return nil, fmt.Errorf("submission %s has no overlay", submissionID)
	}
	overlay, err := e.Store.GetOverlay(ctx, sub.OverlayID)
	if err != nil {
		return nil, err
	}
	criteria, err := e.Store.ListCriteria(ctx, sub.OverlayID)
	if err != nil {
		return nil, err
	}
	text, err := e.Docs.Load(ctx, sub)
	if err != nil {
		return nil, err
	}
	return &reviewContext{Submission: sub, Overlay: overlay, Criteria: criteria, Document: text}, nil
}

// ask renders the stage prompt, calls the model and records token usage
// under reportType.
func (e *Env) ask(ctx context.Context, submissionID, promptKey, reportType string, data promptData) (*llm.Message, *PromptSpec, error) {
	prompt, spec, err := e.Prompts.Render(promptKey, data)
	if err != nil {
		return nil, nil, err
	}

	msg, err := e.LLM.SendMessage(ctx, prompt, llm.Options{
		Model:       spec.Model,
		MaxTokens:   spec.MaxTokens,
		Temperature: spec.Temperature,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("llm %s: %w", promptKey, err)
	}

	cost := llm.MessageCost(msg)
	if err := e.Store.UpsertTokenUsage(ctx, store.TokenUsage{
		SubmissionID: submissionID,
		ReportType:   reportType,
		Model:        msg.Model,
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
		CostUSD:      cost,
		Cached:       msg.Cached,
	}); err != nil {
		return nil, nil, err
	}

	e.Log.Info("llm call",
		zap.String("model", msg.Model),
		zap.Int("input_tokens", msg.Usage.InputTokens),
		zap.Int("output_tokens", msg.Usage.OutputTokens),
		zap.Int("total_tokens", msg.Usage.Total()),
		zap.Float64("cost_usd", cost),
		zap.Bool("cached", msg.Cached),
	)
	return msg, spec, nil
}

func (e *Env) saveReport(ctx context.Context, submissionID, reportType, title, severity string, createdBy string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s report: %w", reportType, err)
	}
	return e.Store.UpsertFeedbackReport(ctx, store.FeedbackReport{
		SubmissionID: submissionID,
		CreatedBy:    createdBy,
		ReportType:   reportType,
		Title:        title,
		Content:      b,
		Severity:     severity,
	})
}

func (e *Env) warnFallback(promptKey string, msg *llm.Message) {
	e.Log.Warn("model reply had no usable json, using fallback result",
		zap.String("prompt", promptKey),
		zap.Bool("fallback", true),
		zap.Int("reply_len", len(msg.Text)),
	)
}
