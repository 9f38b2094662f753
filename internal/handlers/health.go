package handlers

import (
	"context"
	"database/sql"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"docreview/internal/db"
)

type HealthResponse struct {
	OK       bool   `json:"ok"`
	Service  string `json:"service"`
	Database string `json:"database,omitempty"`
}

// HealthHandler serves GET /health. With OpenDB set it also checks that
// Postgres accepts a connection.
type HealthHandler struct {
	Service string
	OpenDB  func(ctx context.Context) (*sql.DB, error)
	Log     *zap.Logger
}

func (h *HealthHandler) Handle(ctx context.Context, _ events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	resp := HealthResponse{OK: true, Service: h.Service}
	if h.OpenDB == nil {
		return jsonResp(200, resp)
	}

	conn, err := h.OpenDB(ctx)
	if err != nil {
		h.Log.Warn("health: database unreachable", zap.Error(err))
		resp.OK = false
		resp.Database = "unreachable"
		return jsonResp(500, resp)
	}
	db.Close(conn, h.Log)

	resp.Database = "ok"
	return jsonResp(200, resp)
}
