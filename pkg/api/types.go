// Package api exposes the ledger and the query service as cqrs handlers on
// the counter.v1 subjects, and defines the request and response payloads
// shared with the client SDK.
package api

import (
	"fmt"

	"github.com/plaenen/counterledger/pkg/counter"
	"github.com/plaenen/counterledger/pkg/domain"
	"github.com/plaenen/counterledger/pkg/store"
	"github.com/plaenen/counterledger/pkg/validators"
)

// Subjects served by the counter service.
const (
	SubjectIncrement = "counter.v1.increment"
	SubjectDecrement = "counter.v1.decrement"
	SubjectReset     = "counter.v1.reset"
	SubjectExecute   = "counter.v1.execute"
	SubjectGet       = "counter.v1.get"
	SubjectQuery     = "counter.v1.query"
	SubjectRecord    = "counter.v1.record"
	SubjectLatest    = "counter.v1.latest"
)

// Validatable is implemented by every request payload.
type Validatable interface {
	Validate() error
}

// TransitionRequest invokes increment, decrement or reset.
type TransitionRequest struct {
	Caller string `json:"caller"`
}

func (r *TransitionRequest) Validate() error {
	return validators.ValidateAddress("caller", r.Caller).Err(domain.ErrInvalidCaller)
}

// ExecuteRequest applies several operations in one ledger transaction.
type ExecuteRequest struct {
	Caller     string   `json:"caller"`
	Operations []string `json:"operations"`
}

func (r *ExecuteRequest) Validate() error {
	if err := validators.ValidateAddress("caller", r.Caller).Err(domain.ErrInvalidCaller); err != nil {
		return err
	}
	if len(r.Operations) == 0 {
		return fmt.Errorf("at least one operation is required")
	}
	_, err := r.Ops()
	return err
}

// Ops parses the requested operations.
func (r *ExecuteRequest) Ops() ([]counter.Operation, error) {
	ops := make([]counter.Operation, 0, len(r.Operations))
	for _, name := range r.Operations {
		op, err := counter.ParseOperation(name)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// GetRequest reads the counter. It has no parameters.
type GetRequest struct{}

func (*GetRequest) Validate() error { return nil }

// QueryRequest lists one collection of the projection.
type QueryRequest struct {
	Collection string           `json:"collection"`
	First      int              `json:"first"`
	Skip       int              `json:"skip,omitempty"`
	OrderBy    store.OrderField `json:"orderBy,omitempty"`
	Direction  store.Direction  `json:"orderDirection,omitempty"`
}

func (r *QueryRequest) Validate() error {
	if _, err := domain.ParseCollection(r.Collection); err != nil {
		return err
	}
	page := r.Page()
	return page.Validate()
}

// Page returns the requested page.
func (r *QueryRequest) Page() store.Page {
	return store.Page{First: r.First, Skip: r.Skip, OrderBy: r.OrderBy, Direction: r.Direction}
}

// RecordRequest looks up a single record by id.
type RecordRequest struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

func (r *RecordRequest) Validate() error {
	if res := validators.First(
		validators.ValidateStringEmpty(r.Collection, "collection"),
		validators.ValidateStringEmpty(r.ID, "id"),
	); res != nil {
		return res.Err(nil)
	}
	_, err := domain.ParseCollection(r.Collection)
	return err
}

// LatestRequest asks for the newest records of every collection.
type LatestRequest struct {
	N int `json:"n,omitempty"`
}

func (r *LatestRequest) Validate() error {
	if r.N < 0 || r.N > store.MaxPageSize {
		return fmt.Errorf("n %d out of range [0, %d]", r.N, store.MaxPageSize)
	}
	return nil
}

// EventView is the decoded form of a ledger event.
type EventView struct {
	ID          string           `json:"id"`
	Sequence    int64            `json:"sequence"`
	Kind        domain.EventKind `json:"kind"`
	NewValue    *uint64          `json:"newValue,omitempty"`
	Caller      string           `json:"caller"`
	BlockNumber uint64           `json:"blockNumber"`
	LogIndex    uint32           `json:"logIndex"`
}

// ReceiptResponse is the result of a committed transition.
type ReceiptResponse struct {
	Value       uint64      `json:"value"`
	BlockNumber uint64      `json:"blockNumber"`
	TxHash      string      `json:"transactionHash"`
	Events      []EventView `json:"events"`
}

// NewReceiptResponse converts a ledger receipt.
func NewReceiptResponse(r *store.Receipt) (*ReceiptResponse, error) {
	resp := &ReceiptResponse{
		Value:       r.Value,
		BlockNumber: r.BlockNumber,
		TxHash:      r.TxHash,
		Events:      make([]EventView, 0, len(r.Events)),
	}
	for _, evt := range r.Events {
		p, err := evt.Params()
		if err != nil {
			return nil, fmt.Errorf("decode event %s: %w", evt.ID(), err)
		}
		resp.Events = append(resp.Events, EventView{
			ID:          evt.ID(),
			Sequence:    evt.Sequence,
			Kind:        evt.Kind,
			NewValue:    p.NewValue,
			Caller:      p.Caller,
			BlockNumber: evt.BlockNumber,
			LogIndex:    evt.LogIndex,
		})
	}
	return resp, nil
}

// CounterResponse carries the current counter value.
type CounterResponse struct {
	Value uint64 `json:"value"`
}

// QueryResponse carries a page of records.
type QueryResponse struct {
	Records []*domain.Record `json:"records"`
}

// RecordResponse carries a single record, nil when absent.
type RecordResponse struct {
	Record *domain.Record `json:"record"`
}
