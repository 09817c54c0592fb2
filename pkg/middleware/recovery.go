package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/plaenen/counterledger/pkg/cqrs"
)

// RecoveryMiddleware turns a handler panic into an INTERNAL_ERROR response.
func RecoveryMiddleware(logger *slog.Logger) cqrs.Middleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next cqrs.HandlerFunc) cqrs.HandlerFunc {
		return func(ctx context.Context, payload json.RawMessage) (resp *cqrs.Response, err error) {
			defer func() {
				if r := recover(); r != nil {
					info, _ := cqrs.RequestInfoFromContext(ctx)
					logger.ErrorContext(ctx, "Request handler panicked",
						slog.String("subject", info.Subject),
						slog.String("request_id", info.RequestID),
						slog.Any("panic", r),
						slog.String("stack_trace", string(debug.Stack())),
					)

					resp = cqrs.NewSimpleErrorResponse(cqrs.CodeInternal, fmt.Sprintf("handler panicked: %v", r))
					err = nil
				}
			}()

			return next(ctx, payload)
		}
	}
}
