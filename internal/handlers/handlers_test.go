package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"docreview/internal/notify"
)

type recordingNotifier struct {
	events []notify.Event
	err    error
}

func (r *recordingNotifier) Publish(_ context.Context, ev notify.Event) error {
	r.events = append(r.events, ev)
	return r.err
}

// mockOpener hands out one sqlmock connection and counts opens.
func mockOpener(t *testing.T) (func(context.Context) (*sql.DB, error), sqlmock.Sqlmock, *int) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	opened := 0
	return func(context.Context) (*sql.DB, error) {
		opened++
		return conn, nil
	}, mock, &opened
}

func failingOpener(context.Context) (*sql.DB, error) {
	return nil, errors.New("connection refused")
}

func decodeBody(t *testing.T, body string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &m))
	return m
}
