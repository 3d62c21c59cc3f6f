package multitable

import (
	"context"
	"fmt"
	"time"

	"sceneetl/internal/metrics"
	"sceneetl/internal/storage"
	"sceneetl/pkg/records"
)

// TableBatch is the rows one document writes to one table.
type TableBatch struct {
	Table string
	Rows  []records.Record
}

// TableWriter persists batches through a single gateway, in the order given.
// It does NOT import any backend packages.
type TableWriter struct {
	Gateway storage.Gateway
	Logger  Logger
}

// Write persists every non-empty batch and returns the rows written per
// table. It stops at the first failing table; earlier tables stay written.
func (w *TableWriter) Write(ctx context.Context, batches []TableBatch) (map[string]int64, error) {
	if w.Gateway == nil {
		return nil, fmt.Errorf("persist: gateway is required")
	}

	written := make(map[string]int64, len(batches))
	for _, b := range batches {
		if b.Table == "" {
			return written, fmt.Errorf("persist: table is empty")
		}
		if len(b.Rows) == 0 {
			continue
		}

		start := time.Now()
		n, err := w.Gateway.Persist(ctx, b.Table, b.Rows)
		if err != nil {
			return written, fmt.Errorf("persist %s: %w", b.Table, err)
		}
		written[b.Table] += n
		metrics.RecordRecords("persisted", int(n))
		logf(w.Logger, "stage=persist table=%s rows=%d duration=%s", b.Table, n, durMS(start))
	}
	return written, nil
}
