package handlers

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"docreview/internal/db"
	"docreview/internal/notify"
	"docreview/internal/store"
)

// AnalyzeHandler serves POST /submissions/{id}/analyze. It marks the
// submission pending and publishes analysis.requested; the orchestrator
// subscribed to that topic starts the state machine.
type AnalyzeHandler struct {
	OpenDB   func(ctx context.Context) (*sql.DB, error)
	Notifier notify.Publisher
	Log      *zap.Logger
}

func (h *AnalyzeHandler) Handle(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	if req.RequestContext.HTTP.Method != "POST" {
		return errResp(405, "method not allowed")
	}

	sub, err := userSub(req)
	if err != nil {
		return errResp(401, "unauthorized")
	}

	id := strings.TrimSpace(req.PathParameters["id"])
	if id == "" {
		return errResp(400, "submission id is required")
	}
	log := h.Log.With(zap.String("submission_id", id), zap.String("user_sub", sub))

	conn, err := h.OpenDB(ctx)
	if err != nil {
		log.Error("open database", zap.Error(err))
		return errResp(500, err.Error())
	}
	defer db.Close(conn, log)
	st := store.New(conn)

	submission, err := st.GetSubmission(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return errResp(404, "submission not found")
	}
	if err != nil {
		log.Error("get submission", zap.Error(err))
		return errResp(500, err.Error())
	}

	allowed, err := canAnalyze(ctx, st, submission, sub)
	if err != nil {
		log.Error("check access", zap.Error(err))
		return errResp(500, err.Error())
	}
	if !allowed {
		return errResp(403, "not a participant of this review session")
	}

	if submission.Status == store.StatusAnalyzing {
		return errResp(400, "analysis already in progress")
	}

	if err := st.UpdateSubmissionStatus(ctx, id, store.StatusPending, store.AIPending); err != nil {
		log.Error("mark submission pending", zap.Error(err))
		return errResp(500, err.Error())
	}

	if err := h.Notifier.Publish(ctx, notify.Event{
		Type:         notify.AnalysisRequested,
		SubmissionID: id,
		Status:       store.StatusPending,
		RequestedBy:  sub,
	}); err != nil {
		log.Error("publish analysis request", zap.Error(err))
		// nothing will pick the submission up, so put the prior status back
		prevAI := submission.AIAnalysisStatus
		if prevAI == "" {
			prevAI = store.AIPending
		}
		if rerr := st.UpdateSubmissionStatus(ctx, id, submission.Status, prevAI); rerr != nil {
			log.Error("restore submission status", zap.Error(rerr))
		}
		return errResp(500, err.Error())
	}

	log.Info("analysis requested")
	return jsonResp(200, map[string]any{
		"submissionId": id,
		"status":       store.StatusPending,
	})
}

// canAnalyze allows admins, the submitter and participants of the session.
func canAnalyze(ctx context.Context, st *store.Store, s *store.Submission, userID string) (bool, error) {
	role, err := st.UserRole(ctx, userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, err
	}
	if role == "admin" || s.SubmittedBy == userID {
		return true, nil
	}
	if s.SessionID == "" {
		return false, nil
	}
	if _, err := st.ParticipantRole(ctx, s.SessionID, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
