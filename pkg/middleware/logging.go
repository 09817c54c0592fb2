// Package middleware provides cqrs handler middleware shared by the counter
// services.
package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/plaenen/counterledger/pkg/cqrs"
)

// LoggingMiddleware logs every handled request with its timing and outcome.
// Application errors are logged at warn level, handler errors at error level.
func LoggingMiddleware(logger *slog.Logger) cqrs.Middleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next cqrs.HandlerFunc) cqrs.HandlerFunc {
		return func(ctx context.Context, payload json.RawMessage) (*cqrs.Response, error) {
			start := time.Now()
			info, _ := cqrs.RequestInfoFromContext(ctx)

			logger.DebugContext(ctx, "Handling request",
				slog.String("subject", info.Subject),
				slog.String("request_id", info.RequestID),
				slog.Int("payload_bytes", len(payload)),
			)

			response, err := next(ctx, payload)
			duration := time.Since(start)

			switch {
			case err != nil:
				logger.ErrorContext(ctx, "Request failed",
					slog.String("subject", info.Subject),
					slog.String("request_id", info.RequestID),
					slog.Int64("duration_ms", duration.Milliseconds()),
					slog.String("error", err.Error()),
				)
			case response != nil && response.Error != nil:
				logger.WarnContext(ctx, "Request rejected",
					slog.String("subject", info.Subject),
					slog.String("request_id", info.RequestID),
					slog.String("code", response.Error.Code),
					slog.String("message", response.Error.Message),
					slog.Int64("duration_ms", duration.Milliseconds()),
				)
			default:
				logger.InfoContext(ctx, "Request handled",
					slog.String("subject", info.Subject),
					slog.String("request_id", info.RequestID),
					slog.Int64("duration_ms", duration.Milliseconds()),
				)
			}

			return response, err
		}
	}
}
