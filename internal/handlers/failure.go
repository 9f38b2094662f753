package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"docreview/internal/db"
	"docreview/internal/notify"
	"docreview/internal/store"
)

// FailureHandler marks a submission failed after its analysis execution
// failed. It is invoked out of band, either from a Catch state or by an
// EventBridge rule on execution status changes.
type FailureHandler struct {
	OpenDB   func(ctx context.Context) (*sql.DB, error)
	Notifier notify.Publisher
	Log      *zap.Logger
}

func (h *FailureHandler) Handle(ctx context.Context, raw json.RawMessage) (events.APIGatewayV2HTTPResponse, error) {
	var ev map[string]any
	if err := json.Unmarshal(raw, &ev); err != nil {
		h.Log.Warn("failure event is not a json object", zap.Error(err))
		return errResp(400, "invalid failure event")
	}

	id := resolveSubmissionID(ev, 0)
	if id == "" {
		h.Log.Warn("no submission id in failure event")
		return errResp(400, "submissionId not found in failure event")
	}
	log := h.Log.With(zap.String("submission_id", id))
	cause := failureCause(ev)

	conn, err := h.OpenDB(ctx)
	if err != nil {
		log.Error("open database", zap.Error(err))
		return errResp(500, err.Error())
	}
	defer db.Close(conn, log)

	err = store.New(conn).UpdateSubmissionStatus(ctx, id, store.StatusFailed, store.AIFailed)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("failed submission does not exist")
		return errResp(404, "submission not found")
	}
	if err != nil {
		log.Error("mark submission failed", zap.Error(err))
		return errResp(500, err.Error())
	}

	if h.Notifier != nil {
		if err := h.Notifier.Publish(ctx, notify.Event{
			Type:         notify.AnalysisFailed,
			SubmissionID: id,
			Status:       store.StatusFailed,
			Error:        cause,
		}); err != nil {
			log.Warn("publish failure notification", zap.Error(err))
		}
	}

	log.Info("submission marked failed", zap.String("cause", cause))
	return jsonResp(200, map[string]any{
		"submissionId": id,
		"status":       store.StatusFailed,
	})
}

const maxInputDepth = 4

// resolveSubmissionID digs the id out of the execution's original input.
// Accepted shapes: {"submissionId"}, {"input": {...} | "<json>"} and
// EventBridge {"detail": {"input": "<json>"}}.
func resolveSubmissionID(ev map[string]any, depth int) string {
	if ev == nil || depth > maxInputDepth {
		return ""
	}
	for _, k := range []string{"submissionId", "submission_id"} {
		if s, ok := ev[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	for _, k := range []string{"input", "Input", "detail"} {
		if id := resolveSubmissionID(asObject(ev[k]), depth+1); id != "" {
			return id
		}
	}
	return ""
}

// asObject accepts either an object or a string holding a JSON object.
func asObject(v any) map[string]any {
	switch x := v.(type) {
	case map[string]any:
		return x
	case string:
		var m map[string]any
		if err := json.Unmarshal([]byte(x), &m); err == nil {
			return m
		}
	}
	return nil
}

func failureCause(ev map[string]any) string {
	for _, src := range []map[string]any{ev, asObject(ev["error"]), asObject(ev["detail"])} {
		for _, k := range []string{"Cause", "cause", "Error", "error"} {
			if s, ok := src[k].(string); ok && strings.TrimSpace(s) != "" {
				return s
			}
		}
	}
	return ""
}
