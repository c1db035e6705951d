package middleware

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/evalsandbox/internal/domain"
	"github.com/rpattn/evalsandbox/internal/repository/inmem"
)

func TestLoggingMiddlewareRecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/runs/x", nil))

	assert.Contains(t, buf.String(), `"status":418`)
	assert.Contains(t, buf.String(), `"path":"/runs/x"`)
}

func TestDataLoaderMiddlewareProvidesLoader(t *testing.T) {
	runs := inmem.NewRunRepository()
	run, err := runs.Create(context.Background(), domain.NewRun(uuid.New(), nil, time.Now()))
	require.NoError(t, err)

	var loaded domain.Run
	handler := DataLoaderMiddleware(runs)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		loader := RunLoaderFromContext(r.Context())
		require.NotNil(t, loader)
		var err error
		loaded, err = loader.Load(r.Context(), run.ID)
		require.NoError(t, err)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, run.ID, loaded.ID)
	assert.Nil(t, RunLoaderFromContext(context.Background()))
}
