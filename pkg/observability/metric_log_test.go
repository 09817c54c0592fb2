package observability_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/counterledger/pkg/observability"
)

func TestLogExporter(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	reader := observability.NewLogReader(logger)
	tel, err := observability.Init(ctx, observability.Config{MetricReader: reader})
	require.NoError(t, err)
	require.NotNil(t, tel.Metrics)

	tel.Metrics.RecordTransition(ctx, "increment", 3*time.Millisecond, 1, nil)
	tel.Metrics.RecordIndexerLag(ctx, "counter-records", 7)

	// Shutdown flushes the periodic reader.
	require.NoError(t, tel.Shutdown(ctx))

	out := buf.String()
	assert.Contains(t, out, `"metric":"counterledger.transition.total"`)
	assert.Contains(t, out, `"operation":"increment"`)
	assert.Contains(t, out, `"metric":"counterledger.indexer.lag","value":7`)
	assert.Contains(t, out, `"metric":"counterledger.transition.duration","count":1`)
}
