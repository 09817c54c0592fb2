// Package runner starts a set of services in order, keeps them running until
// the context is cancelled or a signal arrives, then stops them in reverse.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Runner manages the lifecycle of multiple services.
// It handles ordered startup, graceful shutdown, and error aggregation.
type Runner struct {
	services        []Service
	logger          Logger
	shutdownTimeout time.Duration
	startupTimeout  time.Duration
	signals         bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger for the runner. *slog.Logger satisfies Logger.
func WithLogger(logger Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithShutdownTimeout sets the timeout for graceful shutdown.
// Default is 30 seconds.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(r *Runner) {
		r.shutdownTimeout = timeout
	}
}

// WithStartupTimeout sets the timeout for each service startup.
// Default is 1 minute.
func WithStartupTimeout(timeout time.Duration) Option {
	return func(r *Runner) {
		r.startupTimeout = timeout
	}
}

// WithSignals makes Run return on SIGINT or SIGTERM. Default is true.
func WithSignals(enabled bool) Option {
	return func(r *Runner) {
		r.signals = enabled
	}
}

// New creates a new Runner with the given services and options.
func New(services []Service, opts ...Option) *Runner {
	r := &Runner{
		services:        services,
		logger:          noopLogger{},
		shutdownTimeout: 30 * time.Second,
		startupTimeout:  1 * time.Minute,
		signals:         true,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Run starts all services and blocks until the context is cancelled, a
// shutdown signal arrives or a service reports a failure.
//
// Services are started sequentially in the order they were registered.
// On shutdown, services are stopped in reverse order.
func (r *Runner) Run(ctx context.Context) error {
	if r.signals {
		var stop context.CancelFunc
		ctx, stop = ShutdownContext(ctx)
		defer stop()
	}

	r.logger.Info("starting services", "count", len(r.services))
	started := make([]Service, 0, len(r.services))
	failures := make(chan error, len(r.services))

	for _, service := range r.services {
		r.logger.Info("starting service", "service", service.Name())

		startCtx, startCancel := context.WithTimeout(ctx, r.startupTimeout)
		err := service.Start(startCtx)
		startCancel()

		if err != nil {
			r.logger.Error("failed to start service",
				"service", service.Name(),
				"error", err)

			stopErr := r.stopServices(started)
			return errors.Join(fmt.Errorf("start service %s: %w", service.Name(), err), stopErr)
		}

		started = append(started, service)
		if f, ok := service.(Failer); ok {
			go watch(ctx, f, failures)
		}
		r.logger.Info("service started", "service", service.Name())
	}

	r.logger.Info("all services started successfully")

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-failures:
		r.logger.Error("service failed, shutting down", "error", runErr)
	}

	r.logger.Info("shutting down services gracefully",
		"timeout", r.shutdownTimeout)

	return errors.Join(runErr, r.stopServices(started))
}

func watch(ctx context.Context, f Failer, failures chan<- error) {
	select {
	case err, ok := <-f.Failed():
		if ok && err != nil {
			failures <- fmt.Errorf("service %s: %w", f.Name(), err)
		}
	case <-ctx.Done():
	}
}

// stopServices stops services one by one in reverse order, sharing one
// shutdown deadline.
func (r *Runner) stopServices(services []Service) error {
	if len(services) == 0 {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout)
	defer cancel()

	var errs []error
	for i := len(services) - 1; i >= 0; i-- {
		svc := services[i]
		if err := shutdownCtx.Err(); err != nil {
			r.logger.Error("shutdown timeout exceeded",
				"timeout", r.shutdownTimeout,
				"service", svc.Name())
			errs = append(errs, fmt.Errorf("stop %s: %w", svc.Name(), err))
			continue
		}

		r.logger.Info("stopping service", "service", svc.Name())
		if err := svc.Stop(shutdownCtx); err != nil {
			r.logger.Error("error stopping service",
				"service", svc.Name(),
				"error", err)
			errs = append(errs, fmt.Errorf("stop %s: %w", svc.Name(), err))
			continue
		}
		r.logger.Info("service stopped", "service", svc.Name())
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	r.logger.Info("all services stopped successfully")
	return nil
}

// HealthCheck checks the health of all services that implement HealthChecker.
func (r *Runner) HealthCheck(ctx context.Context) error {
	for _, service := range r.services {
		if hc, ok := service.(HealthChecker); ok {
			if err := hc.HealthCheck(ctx); err != nil {
				return fmt.Errorf("service %s unhealthy: %w", service.Name(), err)
			}
		}
	}
	return nil
}
