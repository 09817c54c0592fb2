package idgen

import (
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMustGenerateSortableID_Monotonic(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_000)
	ids := make([]string, 50)
	for i := range ids {
		ids[i] = MustGenerateSortableIDAt(at)
	}
	assert.True(t, sort.StringsAreSorted(ids))

	parsed, err := ulid.Parse(ids[0])
	require.NoError(t, err)
	assert.Equal(t, uint64(at.UnixMilli()), parsed.Time())
}

func TestNewRequestID(t *testing.T) {
	id := NewRequestID()
	_, err := uuid.Parse(id)
	assert.NoError(t, err)
	assert.NotEqual(t, id, NewRequestID())
}
