package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// MustGenerateSortableID returns a ULID for the current time. IDs generated
// by one process sort in generation order.
func MustGenerateSortableID() string {
	return MustGenerateSortableIDAt(time.Now())
}

// MustGenerateSortableIDAt returns a ULID for t.
func MustGenerateSortableIDAt(t time.Time) string {
	mu.Lock()
	defer mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(t), entropy)
	if err != nil {
		panic(err)
	}
	return id.String()
}

// NewRequestID returns a random UUID used to correlate requests and replies.
func NewRequestID() string {
	return uuid.NewString()
}
