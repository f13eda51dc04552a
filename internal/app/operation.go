package app

import "time"

// Operation tracks the CLI command being run. Its ID tags every log line the
// command writes; sync and pull operations are also kept in the run history.
type Operation struct {
	ID         string
	Name       string
	Parameters string
	Status     string // "success" or "error"
	StartedAt  time.Time
	Err        error
}

// NewOperation creates an operation that starts at now.
func NewOperation(name, parameters string, now time.Time) *Operation {
	return &Operation{
		ID:         now.UTC().Format("20060102T150405Z"),
		Name:       name,
		Parameters: parameters,
		Status:     "success",
		StartedAt:  now,
	}
}

// Fail marks the operation as failed with err. The first error wins.
func (op *Operation) Fail(err error) {
	if err == nil || op.Err != nil {
		return
	}
	op.Status = "error"
	op.Err = err
}

// Failed reports whether the operation has been marked as failed.
func (op *Operation) Failed() bool {
	return op.Status == "error"
}
