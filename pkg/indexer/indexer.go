// Package indexer materializes the ledger's event log into the projection
// store. It is the single writer of a projection: catch-up from the log,
// realtime delivery from the event bus and rebuilds are serialized, and
// every record is committed together with the checkpoint that covers it.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/plaenen/counterledger/pkg/domain"
	"github.com/plaenen/counterledger/pkg/messaging"
	"github.com/plaenen/counterledger/pkg/observability"
	"github.com/plaenen/counterledger/pkg/store"
)

const (
	DefaultBatchSize    = 500
	DefaultPollInterval = time.Second
	DefaultMaxAttempts  = 5
	DefaultRetryBackoff = 50 * time.Millisecond
)

// Outcome of indexing one event.
const (
	OutcomeInserted  = "inserted"
	OutcomeDuplicate = "duplicate"
	OutcomeMalformed = "malformed"
)

// Indexer consumes the event log into one projection.
type Indexer struct {
	log        store.EventLog
	projection store.Projection
	bus        messaging.EventBus

	batchSize    int
	pollInterval time.Duration
	maxAttempts  int
	retryBackoff time.Duration

	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.Metrics

	mu sync.Mutex
}

// Option configures an Indexer.
type Option func(*Indexer)

// WithEventBus makes Run subscribe to bus for realtime delivery.
func WithEventBus(bus messaging.EventBus) Option {
	return func(ix *Indexer) {
		ix.bus = bus
	}
}

// WithBatchSize sets how many events are read from the log at once.
func WithBatchSize(n int) Option {
	return func(ix *Indexer) {
		if n > 0 {
			ix.batchSize = n
		}
	}
}

// WithPollInterval sets how often Run polls the log for finalized events.
func WithPollInterval(d time.Duration) Option {
	return func(ix *Indexer) {
		if d > 0 {
			ix.pollInterval = d
		}
	}
}

// WithRetry sets how often a failing projection write is attempted and the
// initial backoff between attempts. The backoff doubles per attempt.
func WithRetry(maxAttempts int, backoff time.Duration) Option {
	return func(ix *Indexer) {
		if maxAttempts > 0 {
			ix.maxAttempts = maxAttempts
		}
		ix.retryBackoff = backoff
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(ix *Indexer) {
		ix.logger = logger
	}
}

// WithTelemetry enables tracing and metrics.
func WithTelemetry(tel *observability.Telemetry) Option {
	return func(ix *Indexer) {
		ix.tracer = tel.Tracer()
		ix.metrics = tel.Metrics
	}
}

// New creates an indexer reading log into projection.
func New(log store.EventLog, projection store.Projection, opts ...Option) *Indexer {
	ix := &Indexer{
		log:          log,
		projection:   projection,
		batchSize:    DefaultBatchSize,
		pollInterval: DefaultPollInterval,
		maxAttempts:  DefaultMaxAttempts,
		retryBackoff: DefaultRetryBackoff,
		logger:       slog.Default(),
		tracer:       observability.Disabled().Tracer(),
	}
	for _, opt := range opts {
		opt(ix)
	}
	ix.logger = ix.logger.With(slog.String("projection", projection.Name()))
	return ix
}

// Name returns the projection name.
func (ix *Indexer) Name() string {
	return ix.projection.Name()
}

// CatchUp indexes every finalized event after the checkpoint and returns how
// many events it processed.
func (ix *Indexer) CatchUp(ctx context.Context) (int, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.catchUp(ctx, nil)
}

func (ix *Indexer) catchUp(ctx context.Context, progress func(processed int) error) (int, error) {
	pos, err := ix.projection.Position(ctx)
	if err != nil {
		return 0, fmt.Errorf("load position: %w", err)
	}

	processed := 0
	for {
		events, err := ix.log.LoadEvents(ctx, pos, ix.batchSize)
		if err != nil {
			return processed, fmt.Errorf("load events after %d: %w", pos, err)
		}

		for _, evt := range events {
			if evt.Sequence <= pos {
				continue
			}
			if err := ix.process(ctx, evt); err != nil {
				return processed, err
			}
			pos = evt.Sequence
			processed++
		}

		if progress != nil && len(events) > 0 {
			if err := progress(processed); err != nil {
				return processed, err
			}
		}
		if len(events) < ix.batchSize {
			break
		}
	}

	if head, err := ix.log.Head(ctx); err == nil {
		ix.metrics.RecordIndexerLag(ctx, ix.Name(), head.LatestSequence-pos)
	}
	if processed > 0 {
		ix.logger.DebugContext(ctx, "caught up", slog.Int("events", processed), slog.Int64("position", pos))
	}
	return processed, nil
}

// HandleEvent indexes an event delivered by the event bus. Delivery is
// at-least-once and may run ahead of finality: events at or below the
// checkpoint are ignored, the next finalized event is applied directly and
// anything else falls back to reading the log.
func (ix *Indexer) HandleEvent(ctx context.Context, evt *domain.Event) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	pos, err := ix.projection.Position(ctx)
	if err != nil {
		return fmt.Errorf("load position: %w", err)
	}
	if evt.Sequence <= pos {
		ix.logger.DebugContext(ctx, "event already indexed", slog.Int64("sequence", evt.Sequence))
		return nil
	}

	if evt.Sequence == pos+1 {
		head, err := ix.log.Head(ctx)
		if err != nil {
			return fmt.Errorf("load head: %w", err)
		}
		if evt.BlockNumber > head.FinalizedBlock {
			// Not final yet; the poll loop picks it up once it is.
			return nil
		}
		return ix.process(ctx, evt)
	}

	_, err = ix.catchUp(ctx, nil)
	return err
}

// process maps and writes one event. The caller holds ix.mu.
func (ix *Indexer) process(ctx context.Context, evt *domain.Event) (err error) {
	ctx, span := observability.StartSpan(ctx, ix.tracer, "indexer.process",
		observability.WithAttributes(observability.EventAttrs(evt)...),
		observability.WithAttributes(observability.AttrProjection.String(ix.Name())),
	)
	defer func() { observability.EndSpan(span, err) }()

	rec, mapErr := MapEvent(evt)
	if mapErr != nil {
		return ix.reject(ctx, evt, mapErr)
	}

	var inserted bool
	err = ix.retry(ctx, func() error {
		var err error
		inserted, err = ix.projection.Apply(ctx, evt, rec)
		return err
	})
	if err != nil {
		ix.metrics.RecordIndexerError(ctx, ix.Name(), err)
		return fmt.Errorf("index event %s: %w", evt.ID(), err)
	}

	if !inserted {
		ix.metrics.RecordIndexed(ctx, ix.Name(), evt.Kind.String(), OutcomeDuplicate)
		ix.logger.DebugContext(ctx, "duplicate event ignored",
			slog.String("event_id", rec.ID),
			slog.Int64("sequence", evt.Sequence),
		)
		return nil
	}
	ix.metrics.RecordIndexed(ctx, ix.Name(), evt.Kind.String(), OutcomeInserted)
	return nil
}

// reject flags a malformed event in the dead-letter table and moves the
// checkpoint past it. Mapping is deterministic, so a malformed event is
// never retried here; only the write is.
func (ix *Indexer) reject(ctx context.Context, evt *domain.Event, cause error) error {
	letter := &store.DeadLetter{
		Sequence: evt.Sequence,
		EventID:  evt.ID(),
		Reason:   cause.Error(),
		Attempts: 1,
		Event:    evt,
	}
	if err := ix.retry(ctx, func() error { return ix.projection.Reject(ctx, evt, letter) }); err != nil {
		ix.metrics.RecordIndexerError(ctx, ix.Name(), err)
		return fmt.Errorf("dead-letter event %s: %w", evt.ID(), err)
	}

	ix.metrics.RecordIndexed(ctx, ix.Name(), evt.Kind.String(), OutcomeMalformed)
	ix.logger.WarnContext(ctx, "malformed event moved to dead letters",
		slog.String("event_id", letter.EventID),
		slog.Int64("sequence", evt.Sequence),
		slog.String("dead_letter_id", letter.ID),
		slog.String("reason", letter.Reason),
	)
	return nil
}

func (ix *Indexer) retry(ctx context.Context, fn func() error) error {
	backoff := ix.retryBackoff
	var err error
	for attempt := 1; attempt <= ix.maxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == ix.maxAttempts {
			break
		}
		ix.logger.WarnContext(ctx, "projection write failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		}
		backoff *= 2
	}
	return fmt.Errorf("after %d attempts: %w", ix.maxAttempts, err)
}

// Run catches up, then follows the log until ctx is cancelled: realtime
// through the event bus when one is configured, and by polling every poll
// interval for events that became final.
func (ix *Indexer) Run(ctx context.Context) error {
	if _, err := ix.CatchUp(ctx); err != nil {
		return fmt.Errorf("initial catch-up: %w", err)
	}

	if ix.bus != nil {
		sub, err := ix.bus.Subscribe(messaging.EventFilter{}, ix.HandleEvent)
		if err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
		defer sub.Unsubscribe()
	}

	ix.logger.InfoContext(ctx, "indexer running", slog.Duration("poll_interval", ix.pollInterval))

	ticker := time.NewTicker(ix.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ix.logger.InfoContext(ctx, "indexer stopped")
			return nil
		case <-ticker.C:
			if _, err := ix.CatchUp(ctx); err != nil && ctx.Err() == nil {
				ix.logger.ErrorContext(ctx, "catch-up failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Rebuild drops the projection and replays the whole log into it. The
// projection reports REBUILDING while it runs and FAILED if it stops short.
func (ix *Indexer) Rebuild(ctx context.Context) (err error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ctx, span := observability.StartSpan(ctx, ix.tracer, "indexer.rebuild",
		observability.WithAttributes(observability.AttrProjection.String(ix.Name())),
	)
	defer func() { observability.EndSpan(span, err) }()

	head, err := ix.log.Head(ctx)
	if err != nil {
		return fmt.Errorf("load head: %w", err)
	}
	progress := &store.RebuildProgress{
		TotalEvents: head.LatestSequence,
		StartedAt:   domain.Now(),
	}

	if err := ix.projection.SetStatus(ctx, store.ProjectionStatusRebuilding, "replaying event log", progress); err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	ix.logger.InfoContext(ctx, "rebuild started", slog.Int64("events", head.LatestSequence))

	fail := func(err error) error {
		if serr := ix.projection.SetStatus(ctx, store.ProjectionStatusFailed, err.Error(), progress); serr != nil {
			ix.logger.ErrorContext(ctx, "failed to save projection status", slog.String("error", serr.Error()))
		}
		ix.logger.ErrorContext(ctx, "rebuild failed", slog.String("error", err.Error()))
		return err
	}

	if err := ix.projection.Reset(ctx); err != nil {
		return fail(fmt.Errorf("reset projection: %w", err))
	}

	processed, err := ix.catchUp(ctx, func(processed int) error {
		progress.EventsProcessed = int64(processed)
		return ix.projection.UpdateProgress(ctx, progress)
	})
	progress.EventsProcessed = int64(processed)
	if err != nil {
		return fail(fmt.Errorf("replay: %w", err))
	}

	if err := ix.projection.SetStatus(ctx, store.ProjectionStatusReady, "", nil); err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	ix.logger.InfoContext(ctx, "rebuild finished",
		slog.Int("events", processed),
		slog.Duration("took", time.Since(progress.StartedAt)),
	)
	return nil
}

// RetryDeadLetters maps every unresolved dead letter again and writes the
// ones that now map cleanly. It returns how many letters were resolved.
func (ix *Indexer) RetryDeadLetters(ctx context.Context) (int, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	letters, err := ix.projection.DeadLetters(ctx, ix.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list dead letters: %w", err)
	}

	resolved := 0
	for _, letter := range letters {
		if letter.Event == nil {
			continue
		}
		rec, err := MapEvent(letter.Event)
		if err != nil {
			ix.logger.DebugContext(ctx, "dead letter still malformed",
				slog.String("dead_letter_id", letter.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if _, err := ix.projection.Recover(ctx, letter.ID, rec); err != nil {
			return resolved, fmt.Errorf("recover dead letter %s: %w", letter.ID, err)
		}
		resolved++
	}
	return resolved, nil
}
