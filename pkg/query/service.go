// Package query is the read-only contract over the projection store.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/plaenen/counterledger/pkg/domain"
	"github.com/plaenen/counterledger/pkg/observability"
	"github.com/plaenen/counterledger/pkg/store"
)

// ErrInvalidPage is returned for out-of-range pages and unknown collections.
var ErrInvalidPage = errors.New("invalid page")

// DefaultLatest is how many records per collection Latest returns when n is 0.
const DefaultLatest = 5

// Latest holds the newest records of every collection.
type Latest struct {
	Increments []*domain.Record `json:"counterIncrements"`
	Decrements []*domain.Record `json:"counterDecrements"`
	Resets     []*domain.Record `json:"counterResets"`

	// Totals is the number of records in every collection.
	Totals map[domain.Collection]int64 `json:"totals"`
}

// Service answers queries against the projection.
type Service struct {
	reader  store.ProjectionReader
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.Metrics
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithTelemetry enables tracing and metrics.
func WithTelemetry(tel *observability.Telemetry) Option {
	return func(s *Service) {
		s.tracer = tel.Tracer()
		s.metrics = tel.Metrics
	}
}

// NewService creates a query service over reader.
func NewService(reader store.ProjectionReader, opts ...Option) *Service {
	s := &Service{
		reader: reader,
		logger: slog.Default(),
		tracer: observability.Disabled().Tracer(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Query returns one page of a collection. An empty collection yields an
// empty slice, never an error.
func (s *Service) Query(ctx context.Context, collection domain.Collection, page store.Page) (recs []*domain.Record, err error) {
	if err := validCollection(collection); err != nil {
		return nil, err
	}
	if err := page.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPage, err)
	}

	ctx, span := observability.StartSpan(ctx, s.tracer, "query.list",
		observability.WithAttributes(observability.AttrCollection.String(string(collection))),
	)
	start := time.Now()
	defer func() {
		s.metrics.RecordQuery(ctx, "list", string(collection), time.Since(start))
		observability.EndSpan(span, err)
	}()

	recs, err = s.reader.List(ctx, collection, page)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	if recs == nil {
		recs = []*domain.Record{}
	}
	return recs, nil
}

// Record returns a single record by id, or nil if it does not exist.
func (s *Service) Record(ctx context.Context, collection domain.Collection, id string) (rec *domain.Record, err error) {
	if err := validCollection(collection); err != nil {
		return nil, err
	}

	ctx, span := observability.StartSpan(ctx, s.tracer, "query.get",
		observability.WithAttributes(
			observability.AttrCollection.String(string(collection)),
			observability.AttrEventID.String(id),
		),
	)
	start := time.Now()
	defer func() {
		s.metrics.RecordQuery(ctx, "get", string(collection), time.Since(start))
		observability.EndSpan(span, err)
	}()

	if id == "" {
		return nil, nil
	}
	rec, err = s.reader.Get(ctx, collection, id)
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	return rec, nil
}

// Latest returns the newest n records of each collection by block time,
// with the size of each collection.
func (s *Service) Latest(ctx context.Context, n int) (*Latest, error) {
	if n == 0 {
		n = DefaultLatest
	}
	page := store.Page{First: n, OrderBy: store.OrderByBlockTimestamp, Direction: store.Desc}

	var (
		latest Latest
		err    error
	)
	if latest.Increments, err = s.Query(ctx, domain.CollectionIncrements, page); err != nil {
		return nil, err
	}
	if latest.Decrements, err = s.Query(ctx, domain.CollectionDecrements, page); err != nil {
		return nil, err
	}
	if latest.Resets, err = s.Query(ctx, domain.CollectionResets, page); err != nil {
		return nil, err
	}
	if latest.Totals, err = s.Counts(ctx); err != nil {
		return nil, err
	}
	return &latest, nil
}

// Counts returns the number of records in every collection.
func (s *Service) Counts(ctx context.Context) (map[domain.Collection]int64, error) {
	counts := make(map[domain.Collection]int64, len(domain.Collections))
	for _, c := range domain.Collections {
		n, err := s.reader.Count(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", c, err)
		}
		counts[c] = n
	}
	return counts, nil
}

func validCollection(c domain.Collection) error {
	if !slices.Contains(domain.Collections, c) {
		return fmt.Errorf("%w: %w: %q", ErrInvalidPage, domain.ErrUnknownCollection, c)
	}
	return nil
}
