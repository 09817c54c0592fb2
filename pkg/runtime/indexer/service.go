// Package indexer runs a projection indexer as a runner.Service.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/plaenen/counterledger/pkg/indexer"
	"github.com/plaenen/counterledger/pkg/runner"
	"github.com/plaenen/counterledger/pkg/store"
)

// Service keeps an indexer following the ledger until stopped.
type Service struct {
	indexer    *indexer.Indexer
	projection store.Projection
	logger     *slog.Logger
	rebuild    bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	failed  chan error
	running bool
}

// Option configures the service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithRebuildOnStart replays the projection from scratch before following.
func WithRebuildOnStart(enabled bool) Option {
	return func(s *Service) {
		s.rebuild = enabled
	}
}

// New creates the service. projection must be the one ix writes to.
func New(ix *indexer.Indexer, projection store.Projection, opts ...Option) *Service {
	s := &Service{
		indexer:    ix,
		projection: projection,
		logger:     slog.Default(),
		failed:     make(chan error, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the service name for logging.
func (s *Service) Name() string {
	return "indexer:" + s.indexer.Name()
}

// Start optionally rebuilds the projection, then runs the indexer in the
// background.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("indexer %s already running", s.indexer.Name())
	}

	if s.rebuild {
		s.logger.InfoContext(ctx, "rebuilding projection", "projection", s.indexer.Name())
		if err := s.indexer.Rebuild(ctx); err != nil {
			return fmt.Errorf("rebuild: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go func(done chan struct{}) {
		defer close(done)
		if err := s.indexer.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("indexer stopped unexpectedly", "projection", s.indexer.Name(), "error", err)
			select {
			case s.failed <- err:
			default:
			}
		}
	}(s.done)

	return nil
}

// Stop cancels the indexer and waits for the current batch to finish.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.cancel()
	s.running = false

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("indexer %s did not stop: %w", s.indexer.Name(), ctx.Err())
	}
}

// Failed implements runner.Failer.
func (s *Service) Failed() <-chan error {
	return s.failed
}

// HealthCheck fails while the projection is marked FAILED.
func (s *Service) HealthCheck(ctx context.Context) error {
	state, err := s.projection.Status(ctx)
	if err != nil {
		return fmt.Errorf("load projection status: %w", err)
	}
	if state.Status == store.ProjectionStatusFailed {
		return fmt.Errorf("projection %s failed: %s", state.ProjectionName, state.Message)
	}
	return nil
}

var (
	_ runner.Failer        = (*Service)(nil)
	_ runner.HealthChecker = (*Service)(nil)
)
