package middleware_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/counterledger/pkg/cqrs"
	"github.com/plaenen/counterledger/pkg/middleware"
)

func newLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func TestRecoveryMiddleware(t *testing.T) {
	logger, buf := newLogger()
	h := cqrs.Chain(func(context.Context, json.RawMessage) (*cqrs.Response, error) {
		panic("unexpected state")
	}, middleware.RecoveryMiddleware(logger))

	resp, err := h(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, cqrs.CodeInternal, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "unexpected state")
	assert.Contains(t, buf.String(), "Request handler panicked")
}

func TestLoggingMiddleware(t *testing.T) {
	ctx := cqrs.WithRequestInfo(context.Background(), cqrs.RequestInfo{Subject: "counter.v1.decrement", RequestID: "req-7"})

	t.Run("rejected", func(t *testing.T) {
		logger, buf := newLogger()
		h := cqrs.Chain(func(context.Context, json.RawMessage) (*cqrs.Response, error) {
			return cqrs.NewSimpleErrorResponse(cqrs.CodeInvariantViolation, "counter is zero"), nil
		}, middleware.LoggingMiddleware(logger))

		_, err := h(ctx, nil)
		require.NoError(t, err)
		assert.Contains(t, buf.String(), `"msg":"Request rejected"`)
		assert.Contains(t, buf.String(), `"code":"INVARIANT_VIOLATION"`)
		assert.Contains(t, buf.String(), `"request_id":"req-7"`)
	})

	t.Run("failed", func(t *testing.T) {
		logger, buf := newLogger()
		h := cqrs.Chain(func(context.Context, json.RawMessage) (*cqrs.Response, error) {
			return nil, errors.New("database locked")
		}, middleware.LoggingMiddleware(logger))

		_, err := h(ctx, nil)
		require.Error(t, err)
		assert.Contains(t, buf.String(), `"level":"ERROR"`)
		assert.Contains(t, buf.String(), "database locked")
	})

	t.Run("handled", func(t *testing.T) {
		logger, buf := newLogger()
		h := cqrs.Chain(func(context.Context, json.RawMessage) (*cqrs.Response, error) {
			return cqrs.NewSuccessResponse(map[string]string{"value": "1"})
		}, middleware.LoggingMiddleware(logger))

		_, err := h(ctx, nil)
		require.NoError(t, err)
		assert.Contains(t, buf.String(), `"msg":"Request handled"`)
	})
}
