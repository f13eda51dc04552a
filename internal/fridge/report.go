package fridge

import (
	"sync"
	"time"
)

// Outcome is what a sync pass did with one record.
type Outcome int

const (
	OutcomeUnchanged Outcome = iota // already synced
	OutcomeCreated                  // remote create accepted
	OutcomeUpdated                  // remote update accepted
	OutcomeDeleted                  // tombstone purged
	OutcomeFailed                   // remote call failed, record untouched
	OutcomeSkipped                  // consistency fault, record untouched
	OutcomeDeferred                 // waits for its product to sync first
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUnchanged:
		return "unchanged"
	case OutcomeCreated:
		return "created"
	case OutcomeUpdated:
		return "updated"
	case OutcomeDeleted:
		return "deleted"
	case OutcomeFailed:
		return "failed"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeDeferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// RecordError ties a record-level failure to the record it happened on.
type RecordError struct {
	LocalID string
	Outcome Outcome
	Err     error
}

// PassReport summarises one sync pass over a single collection.
// It is safe for concurrent use by the pass's workers.
type PassReport struct {
	Kind        Kind
	StartedAt   time.Time
	FinishedAt  time.Time
	Created     int
	Updated     int
	Deleted     int
	Unchanged   int
	Failed      int
	Skipped     int
	Deferred    int
	Remapped    int
	Interrupted bool
	Errors      []RecordError

	mu sync.Mutex
}

func newPassReport(kind Kind, now time.Time) *PassReport {
	return &PassReport{Kind: kind, StartedAt: now}
}

func (r *PassReport) add(localID string, o Outcome, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch o {
	case OutcomeUnchanged:
		r.Unchanged++
	case OutcomeCreated:
		r.Created++
	case OutcomeUpdated:
		r.Updated++
	case OutcomeDeleted:
		r.Deleted++
	case OutcomeFailed:
		r.Failed++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeDeferred:
		r.Deferred++
	}
	if err != nil {
		r.Errors = append(r.Errors, RecordError{LocalID: localID, Outcome: o, Err: err})
	}
}

func (r *PassReport) addRemapped(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Remapped += n
}

func (r *PassReport) interrupt() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Interrupted = true
}

// Pushed is the number of records the remote accepted during the pass.
func (r *PassReport) Pushed() int {
	return r.Created + r.Updated + r.Deleted
}

// Complete reports whether nothing was left pending by the pass.
func (r *PassReport) Complete() bool {
	return r.Failed == 0 && r.Skipped == 0 && r.Deferred == 0 && !r.Interrupted
}

// Report summarises a full sync run across all kinds.
type Report struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Passes     []*PassReport
}

// Pass returns the report for kind, or nil if that pass did not run.
func (r *Report) Pass(kind Kind) *PassReport {
	for _, p := range r.Passes {
		if p.Kind == kind {
			return p
		}
	}
	return nil
}

// Complete reports whether every kind ran and finished with nothing pending.
func (r *Report) Complete() bool {
	if len(r.Passes) != len(Kinds) {
		return false
	}
	for _, p := range r.Passes {
		if !p.Complete() {
			return false
		}
	}
	return true
}

// PullReport summarises a pull of one collection from the remote service.
type PullReport struct {
	Kind      Kind
	Refreshed int // synced local records replaced by their remote version
	Adopted   int // remote records new to this device
	Dropped   int // synced local records no longer present remotely
	Kept      int // pending local records left untouched
}
