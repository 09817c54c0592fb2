package domain

import (
	"fmt"
	"strings"
)

// Record is the projection of one event, shared by the indexer that writes it
// and the query side that serves it. Records are immutable once written.
type Record struct {
	ID              string    `json:"id"`
	Kind            EventKind `json:"kind"`
	NewValue        *uint64   `json:"newValue,omitempty"`
	Caller          string    `json:"caller"`
	BlockNumber     uint64    `json:"blockNumber"`
	BlockTimestamp  int64     `json:"blockTimestamp"`
	TransactionHash string    `json:"transactionHash"`
	LogIndex        uint32    `json:"logIndex"`
}

// Collection names one of the three projection collections.
type Collection string

const (
	CollectionIncrements Collection = "increments"
	CollectionDecrements Collection = "decrements"
	CollectionResets     Collection = "resets"
)

// Collections lists every projection collection.
var Collections = []Collection{CollectionIncrements, CollectionDecrements, CollectionResets}

// CollectionFor returns the collection that stores events of kind k.
func CollectionFor(k EventKind) (Collection, error) {
	switch k {
	case KindIncrement:
		return CollectionIncrements, nil
	case KindDecrement:
		return CollectionDecrements, nil
	case KindReset:
		return CollectionResets, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownEventKind, k)
}

// ParseCollection parses a collection name, accepting the entity names
// ("counterIncrements") as well as the short forms.
func ParseCollection(s string) (Collection, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "increments", "counterincrements", "increment":
		return CollectionIncrements, nil
	case "decrements", "counterdecrements", "decrement":
		return CollectionDecrements, nil
	case "resets", "counterresets", "reset":
		return CollectionResets, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCollection, s)
}

// Kind returns the event kind stored in the collection.
func (c Collection) Kind() EventKind {
	switch c {
	case CollectionIncrements:
		return KindIncrement
	case CollectionDecrements:
		return KindDecrement
	case CollectionResets:
		return KindReset
	}
	return KindUnknown
}
