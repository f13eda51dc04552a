package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fridgesync/internal/fridge"
)

const (
	historyKey = "@syncHistory"

	// maxHistory caps the number of runs kept.
	maxHistory = 50
)

// SyncRun is one sync or pull invocation as recorded in the run history.
type SyncRun struct {
	OpID       string    `json:"opId"`
	Operation  string    `json:"operation"`
	Kinds      []string  `json:"kinds"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Pushed     int       `json:"pushed"`
	Pending    int       `json:"pending"`
	Pulled     int       `json:"pulled"`
	Error      string    `json:"error,omitempty"`
}

// OK reports whether the run finished without an error.
func (r SyncRun) OK() bool { return r.Error == "" }

// runFromReport summarises a push report.
func runFromReport(op *Operation, report *fridge.Report, finished time.Time) SyncRun {
	run := SyncRun{OpID: op.ID, Operation: op.Name, StartedAt: op.StartedAt, FinishedAt: finished}
	if report != nil {
		for _, p := range report.Passes {
			run.Kinds = append(run.Kinds, string(p.Kind))
			run.Pushed += p.Pushed()
			run.Pending += p.Failed + p.Skipped + p.Deferred
		}
	}
	if op.Err != nil {
		run.Error = op.Err.Error()
	}
	return run
}

// runFromPull summarises pull reports.
func runFromPull(op *Operation, reports []*fridge.PullReport, finished time.Time) SyncRun {
	run := SyncRun{OpID: op.ID, Operation: op.Name, StartedAt: op.StartedAt, FinishedAt: finished}
	for _, r := range reports {
		run.Kinds = append(run.Kinds, string(r.Kind))
		run.Pulled += r.Refreshed + r.Adopted
	}
	if op.Err != nil {
		run.Error = op.Err.Error()
	}
	return run
}

// loadHistory returns the recorded runs, oldest first.
func loadHistory(ctx context.Context, blobs fridge.BlobStore) ([]SyncRun, error) {
	data, err := blobs.Get(ctx, historyKey)
	if errors.Is(err, fridge.ErrBlobNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading sync history: %w", err)
	}
	var runs []SyncRun
	if err := json.Unmarshal(data, &runs); err != nil {
		return nil, fmt.Errorf("decoding sync history: %w", err)
	}
	return runs, nil
}

// appendHistory records run, dropping the oldest runs beyond maxHistory.
func appendHistory(ctx context.Context, blobs fridge.BlobStore, run SyncRun) error {
	runs, err := loadHistory(ctx, blobs)
	if err != nil {
		return err
	}
	runs = append(runs, run)
	if len(runs) > maxHistory {
		runs = runs[len(runs)-maxHistory:]
	}
	data, err := json.Marshal(runs)
	if err != nil {
		return fmt.Errorf("encoding sync history: %w", err)
	}
	if err := blobs.Set(ctx, historyKey, data); err != nil {
		return fmt.Errorf("writing sync history: %w", err)
	}
	return nil
}
