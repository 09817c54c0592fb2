package runner

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// ShutdownContext returns a context that is cancelled on SIGINT or SIGTERM.
func ShutdownContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
