package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

// Store runs parameterized SQL against the review database.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) GetSubmission(ctx context.Context, id string) (*Submission, error) {
	const q = `
		SELECT submission_id, COALESCE(session_id::text, ''), COALESCE(overlay_id::text, ''),
		       COALESCE(document_name, ''), COALESCE(content, ''), COALESCE(s3_bucket, ''),
		       COALESCE(s3_key, ''), status, COALESCE(ai_analysis_status, ''),
		       COALESCE(submitted_by::text, '')
		FROM document_submissions
		WHERE submission_id = $1`

	var sub Submission
	err := s.db.QueryRowContext(ctx, q, id).Scan(
		&sub.ID, &sub.SessionID, &sub.OverlayID, &sub.DocumentName, &sub.Content,
		&sub.S3Bucket, &sub.S3Key, &sub.Status, &sub.AIAnalysisStatus, &sub.SubmittedBy,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("submission %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get submission %s: %w", id, err)
	}
	return &sub, nil
}

func (s *Store) GetOverlay(ctx context.Context, id string) (*Overlay, error) {
	const q = `
		SELECT overlay_id, name, COALESCE(description, ''), COALESCE(document_type, ''),
		       COALESCE(document_purpose, ''), COALESCE(when_used, ''),
		       COALESCE(process_context, ''), COALESCE(target_audience, '')
		FROM overlays
		WHERE overlay_id = $1`

	var o Overlay
	err := s.db.QueryRowContext(ctx, q, id).Scan(
		&o.ID, &o.Name, &o.Description, &o.DocumentType,
		&o.DocumentPurpose, &o.WhenUsed, &o.ProcessContext, &o.TargetAudience,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("overlay %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get overlay %s: %w", id, err)
	}
	return &o, nil
}

func (s *Store) ListCriteria(ctx context.Context, overlayID string) ([]Criterion, error) {
	const q = `
		SELECT criteria_id, name, COALESCE(description, ''), COALESCE(criterion_type, ''),
		       COALESCE(weight, 1), COALESCE(max_score, 100)
		FROM evaluation_criteria
		WHERE overlay_id = $1
		ORDER BY display_order, name`

	rows, err := s.db.QueryContext(ctx, q, overlayID)
	if err != nil {
		return nil, fmt.Errorf("list criteria for overlay %s: %w", overlayID, err)
	}
	defer rows.Close()

	var out []Criterion
	for rows.Next() {
		var c Criterion
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &c.Type, &c.Weight, &c.MaxScore); err != nil {
			return nil, fmt.Errorf("scan criterion: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate criteria: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateSubmissionStatus(ctx context.Context, id, status, aiStatus string) error {
	const q = `
		UPDATE document_submissions
		SET status = $2, ai_analysis_status = $3, updated_at = NOW()
		WHERE submission_id = $1`

	res, err := s.db.ExecContext(ctx, q, id, status, aiStatus)
	if err != nil {
		return fmt.Errorf("update submission %s status: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update submission %s status: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("submission %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpsertFeedbackReport keeps one report per (submission_id, report_type);
// a second write replaces the first.
func (s *Store) UpsertFeedbackReport(ctx context.Context, r FeedbackReport) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = "final"
	}
	if len(r.Content) == 0 {
		r.Content = []byte("{}")
	}

	const q = `
		INSERT INTO feedback_reports
			(report_id, submission_id, created_by, report_type, title, content, severity, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, NOW(), NOW())
		ON CONFLICT (submission_id, report_type) DO UPDATE SET
			title = EXCLUDED.title,
			content = EXCLUDED.content,
			severity = EXCLUDED.severity,
			status = EXCLUDED.status,
			updated_at = NOW()`

	_, err := s.db.ExecContext(ctx, q,
		r.ID, r.SubmissionID, nullString(r.CreatedBy), r.ReportType, r.Title,
		string(r.Content), nullString(r.Severity), r.Status,
	)
	if err != nil {
		return fmt.Errorf("upsert %s report for %s: %w", r.ReportType, r.SubmissionID, err)
	}
	return nil
}

// UpsertTokenUsage records the LLM spend of one stage; last write wins.
func (s *Store) UpsertTokenUsage(ctx context.Context, u TokenUsage) error {
	const q = `
		INSERT INTO token_usage
			(submission_id, report_type, model, input_tokens, output_tokens, cost_usd, cached, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (submission_id, report_type) DO UPDATE SET
			model = EXCLUDED.model,
			input_tokens = EXCLUDED.input_tokens,
			output_tokens = EXCLUDED.output_tokens,
			cost_usd = EXCLUDED.cost_usd,
			cached = EXCLUDED.cached,
			updated_at = NOW()`

	_, err := s.db.ExecContext(ctx, q,
		u.SubmissionID, u.ReportType, u.Model, u.InputTokens, u.OutputTokens, u.CostUSD, u.Cached,
	)
	if err != nil {
		return fmt.Errorf("upsert token usage %s/%s: %w", u.SubmissionID, u.ReportType, err)
	}
	return nil
}

func (s *Store) SumTokenUsage(ctx context.Context, submissionID string) (UsageTotals, error) {
	const q = `
		SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		FROM token_usage
		WHERE submission_id = $1`

	var t UsageTotals
	if err := s.db.QueryRowContext(ctx, q, submissionID).Scan(&t.InputTokens, &t.OutputTokens, &t.CostUSD); err != nil {
		return UsageTotals{}, fmt.Errorf("sum token usage for %s: %w", submissionID, err)
	}
	return t, nil
}

// ListTokenUsageBetween returns usage rows last written in [from, to).
func (s *Store) ListTokenUsageBetween(ctx context.Context, from, to time.Time) ([]TokenUsage, error) {
	const q = `
		SELECT submission_id, report_type, model, input_tokens, output_tokens, cost_usd, cached, updated_at
		FROM token_usage
		WHERE updated_at >= $1 AND updated_at < $2
		ORDER BY updated_at`

	rows, err := s.db.QueryContext(ctx, q, from, to)
	if err != nil {
		return nil, fmt.Errorf("list token usage: %w", err)
	}
	defer rows.Close()

	var out []TokenUsage
	for rows.Next() {
		var u TokenUsage
		if err := rows.Scan(&u.SubmissionID, &u.ReportType, &u.Model, &u.InputTokens,
			&u.OutputTokens, &u.CostUSD, &u.Cached, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan token usage: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate token usage: %w", err)
	}
	return out, nil
}

// ReplaceClarificationQuestions drops the submission's unanswered questions and
// inserts qs in one transaction. Answered questions are kept.
func (s *Store) ReplaceClarificationQuestions(ctx context.Context, submissionID string, qs []ClarificationQuestion) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const del = `
		DELETE FROM clarification_questions q
		WHERE q.submission_id = $1
		  AND NOT EXISTS (SELECT 1 FROM clarification_answers a WHERE a.question_id = q.question_id)`
	if _, err := tx.ExecContext(ctx, del, submissionID); err != nil {
		return fmt.Errorf("delete unanswered questions for %s: %w", submissionID, err)
	}

	const ins = `
		INSERT INTO clarification_questions
			(question_id, submission_id, question_text, question_type, context, priority, is_required, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`
	for _, q := range qs {
		if q.ID == "" {
			q.ID = uuid.NewString()
		}
		if _, err := tx.ExecContext(ctx, ins,
			q.ID, submissionID, q.Text, q.Type, nullString(q.Context), q.Priority, q.Required,
		); err != nil {
			return fmt.Errorf("insert question for %s: %w", submissionID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit questions for %s: %w", submissionID, err)
	}
	return nil
}

// UserRole returns the platform role ("admin", "reviewer", ...) of a user.
func (s *Store) UserRole(ctx context.Context, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(user_role, '') FROM users WHERE user_id = $1`, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get user role %s: %w", userID, err)
	}
	return role, nil
}

// ParticipantRole returns the user's role within a review session.
func (s *Store) ParticipantRole(ctx context.Context, sessionID, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx,
		`SELECT role FROM session_participants WHERE session_id = $1 AND user_id = $2`,
		sessionID, userID,
	).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("participant %s in %s: %w", userID, sessionID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get participant role: %w", err)
	}
	return role, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
