package indexer

import (
	"github.com/plaenen/counterledger/pkg/domain"
	"github.com/plaenen/counterledger/pkg/validators"
)

// MapEvent turns a log event into its projection record. Any event that does
// not fit the schema yields a *domain.MalformedEventError.
func MapEvent(evt *domain.Event) (*domain.Record, error) {
	if !evt.Kind.Valid() {
		return nil, domain.NewMalformedEvent(evt, "unknown event kind "+evt.Kind.String())
	}
	if evt.BlockNumber == 0 {
		return nil, domain.NewMalformedEvent(evt, "missing block number")
	}
	if r := validators.ValidateTxHash("transaction_hash", evt.TxHash); !r.IsValid {
		return nil, domain.NewMalformedEvent(evt, r.Message)
	}

	params, err := evt.Params()
	if err != nil {
		return nil, domain.NewMalformedEvent(evt, err.Error())
	}
	if r := validators.ValidateAddress("caller", params.Caller); !r.IsValid {
		return nil, domain.NewMalformedEvent(evt, r.Message)
	}

	rec := &domain.Record{
		ID:              evt.ID(),
		Kind:            evt.Kind,
		Caller:          params.Caller,
		BlockNumber:     evt.BlockNumber,
		BlockTimestamp:  evt.BlockTimestamp,
		TransactionHash: evt.TxHash,
		LogIndex:        evt.LogIndex,
	}
	switch evt.Kind {
	case domain.KindIncrement, domain.KindDecrement:
		rec.NewValue = domain.Uint64(*params.NewValue)
	case domain.KindReset:
	}
	return rec, nil
}
