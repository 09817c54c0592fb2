package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/plaenen/counterledger/pkg/counter"
	"github.com/plaenen/counterledger/pkg/cqrs"
	"github.com/plaenen/counterledger/pkg/domain"
	"github.com/plaenen/counterledger/pkg/query"
	"github.com/plaenen/counterledger/pkg/store"
)

// Queries is the read side the handlers serve from.
type Queries interface {
	Query(ctx context.Context, collection domain.Collection, page store.Page) ([]*domain.Record, error)
	Record(ctx context.Context, collection domain.Collection, id string) (*domain.Record, error)
	Latest(ctx context.Context, n int) (*query.Latest, error)
}

// Handlers serves the counter.v1 subjects.
type Handlers struct {
	ledger  store.Ledger
	queries Queries
	logger  *slog.Logger
}

// NewHandlers creates handlers over a ledger and a query service. Either may
// be nil, in which case its subjects are not registered.
func NewHandlers(ledger store.Ledger, queries Queries, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{ledger: ledger, queries: queries, logger: logger}
}

// Register adds every available handler to server.
func (h *Handlers) Register(server cqrs.Server) error {
	routes := map[string]cqrs.HandlerFunc{}
	if h.ledger != nil {
		routes[SubjectIncrement] = h.transition(counter.OpIncrement)
		routes[SubjectDecrement] = h.transition(counter.OpDecrement)
		routes[SubjectReset] = h.transition(counter.OpReset)
		routes[SubjectExecute] = h.Execute
		routes[SubjectGet] = h.Get
	}
	if h.queries != nil {
		routes[SubjectQuery] = h.Query
		routes[SubjectRecord] = h.Record
		routes[SubjectLatest] = h.Latest
	}
	for subject, handler := range routes {
		if err := server.RegisterHandler(subject, handler); err != nil {
			return fmt.Errorf("register %s: %w", subject, err)
		}
	}
	return nil
}

func (h *Handlers) transition(op counter.Operation) cqrs.HandlerFunc {
	return func(ctx context.Context, payload json.RawMessage) (*cqrs.Response, error) {
		var req TransitionRequest
		if resp := decode(payload, &req); resp != nil {
			return resp, nil
		}

		var (
			receipt *store.Receipt
			err     error
		)
		switch op {
		case counter.OpIncrement:
			receipt, err = h.ledger.Increment(ctx, req.Caller)
		case counter.OpDecrement:
			receipt, err = h.ledger.Decrement(ctx, req.Caller)
		default:
			receipt, err = h.ledger.Reset(ctx, req.Caller)
		}
		return h.receipt(receipt, err)
	}
}

// Execute applies a batch of operations atomically.
func (h *Handlers) Execute(ctx context.Context, payload json.RawMessage) (*cqrs.Response, error) {
	var req ExecuteRequest
	if resp := decode(payload, &req); resp != nil {
		return resp, nil
	}
	ops, err := req.Ops()
	if err != nil {
		return ErrorResponse(err), nil
	}
	return h.receipt(h.ledger.Execute(ctx, req.Caller, ops...))
}

// Get returns the current counter value.
func (h *Handlers) Get(ctx context.Context, _ json.RawMessage) (*cqrs.Response, error) {
	value, err := h.ledger.GetCounter(ctx)
	if err != nil {
		return ErrorResponse(err), nil
	}
	return cqrs.NewSuccessResponse(CounterResponse{Value: value})
}

// Query lists a page of one collection.
func (h *Handlers) Query(ctx context.Context, payload json.RawMessage) (*cqrs.Response, error) {
	var req QueryRequest
	if resp := decode(payload, &req); resp != nil {
		return resp, nil
	}
	collection, _ := domain.ParseCollection(req.Collection)
	recs, err := h.queries.Query(ctx, collection, req.Page())
	if err != nil {
		return ErrorResponse(err), nil
	}
	return cqrs.NewSuccessResponse(QueryResponse{Records: recs})
}

// Record looks up a record by id. A missing record is a successful response
// with a null record.
func (h *Handlers) Record(ctx context.Context, payload json.RawMessage) (*cqrs.Response, error) {
	var req RecordRequest
	if resp := decode(payload, &req); resp != nil {
		return resp, nil
	}
	collection, _ := domain.ParseCollection(req.Collection)
	rec, err := h.queries.Record(ctx, collection, req.ID)
	if err != nil {
		return ErrorResponse(err), nil
	}
	return cqrs.NewSuccessResponse(RecordResponse{Record: rec})
}

// Latest returns the newest records of each collection.
func (h *Handlers) Latest(ctx context.Context, payload json.RawMessage) (*cqrs.Response, error) {
	var req LatestRequest
	if resp := decode(payload, &req); resp != nil {
		return resp, nil
	}
	latest, err := h.queries.Latest(ctx, req.N)
	if err != nil {
		return ErrorResponse(err), nil
	}
	return cqrs.NewSuccessResponse(latest)
}

func (h *Handlers) receipt(r *store.Receipt, err error) (*cqrs.Response, error) {
	if err != nil {
		return ErrorResponse(err), nil
	}
	resp, err := NewReceiptResponse(r)
	if err != nil {
		return nil, err
	}
	return cqrs.NewSuccessResponse(resp)
}

// decode unmarshals and validates payload into req, returning an
// INVALID_REQUEST (or INVALID_CALLER) response on failure.
func decode(payload json.RawMessage, req Validatable) *cqrs.Response {
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, req); err != nil {
			return cqrs.NewErrorResponse(cqrs.CodeInvalidRequest,
				fmt.Sprintf("malformed request: %v", err),
				"Send a JSON object matching the request schema", nil)
		}
	}
	if err := req.Validate(); err != nil {
		if errors.Is(err, domain.ErrInvalidCaller) {
			return ErrorResponse(err)
		}
		return cqrs.NewSimpleErrorResponse(cqrs.CodeInvalidRequest, err.Error())
	}
	return nil
}

// ErrorResponse maps an error to a response with a stable code.
func ErrorResponse(err error) *cqrs.Response {
	var violation *domain.InvariantViolationError
	switch {
	case errors.As(err, &violation):
		return cqrs.NewErrorResponse(cqrs.CodeInvariantViolation, violation.Error(), solutionFor(violation.Reason),
			map[string]string{"reason": violation.Reason, "value": fmt.Sprint(violation.Value)})
	case errors.Is(err, domain.ErrInvariantViolation):
		return cqrs.NewSimpleErrorResponse(cqrs.CodeInvariantViolation, err.Error())
	case errors.Is(err, domain.ErrInvalidCaller):
		return cqrs.NewErrorResponse(cqrs.CodeInvalidCaller, err.Error(),
			"Use a 0x-prefixed, 40 hex digit address", nil)
	case errors.Is(err, query.ErrInvalidPage),
		errors.Is(err, domain.ErrUnknownCollection),
		errors.Is(err, domain.ErrUnknownEventKind):
		return cqrs.NewSimpleErrorResponse(cqrs.CodeInvalidRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return cqrs.NewSimpleErrorResponse(cqrs.CodeTimeout, err.Error())
	}
	return cqrs.NewSimpleErrorResponse(cqrs.CodeInternal, err.Error())
}

func solutionFor(reason string) string {
	switch reason {
	case domain.ReasonBelowZero:
		return "Increment the counter before decrementing"
	case domain.ReasonOverflow:
		return "Reset the counter"
	}
	return ""
}
