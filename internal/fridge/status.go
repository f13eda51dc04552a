package fridge

import "fmt"

// Status is the sync state of a locally stored record.
// The set of values is closed: the only valid statuses are the four
// package-level variables below, and the zero Status is invalid.
type Status struct {
	name string
}

var (
	// StatusCreated marks a record that exists locally only and was never pushed.
	StatusCreated = Status{"created"}
	// StatusUpdated marks a record that exists remotely and has unpushed local changes.
	StatusUpdated = Status{"updated"}
	// StatusDeleted marks a tombstone waiting for its remote deletion.
	StatusDeleted = Status{"deleted"}
	// StatusSynced marks a record whose local state matches the last successful push.
	StatusSynced = Status{"synced"}
)

// ParseStatus converts the persisted string form back into a Status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case StatusCreated.name:
		return StatusCreated, nil
	case StatusUpdated.name:
		return StatusUpdated, nil
	case StatusDeleted.name:
		return StatusDeleted, nil
	case StatusSynced.name:
		return StatusSynced, nil
	default:
		return Status{}, fmt.Errorf("unknown sync status %q", s)
	}
}

func (s Status) String() string {
	if s.name == "" {
		return "invalid"
	}
	return s.name
}

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	return s.name != ""
}

// Pending reports whether the record still has work for the sync engine.
func (s Status) Pending() bool {
	return s.Valid() && s != StatusSynced
}

// Edited returns the status after a local change to the record's fields.
// A created record stays created because the server has never seen it, and a
// tombstone stays a tombstone.
func (s Status) Edited() Status {
	if s == StatusSynced {
		return StatusUpdated
	}
	return s
}

// Deleted returns the status after a local deletion, whatever the prior status.
func (Status) Deleted() Status {
	return StatusDeleted
}

// Pushed returns the status after the remote accepted a create or update.
// Any other starting status is an invalid transition.
func (s Status) Pushed() (Status, error) {
	switch s {
	case StatusCreated, StatusUpdated:
		return StatusSynced, nil
	default:
		return s, fmt.Errorf("invalid transition: %s cannot be pushed", s)
	}
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("cannot encode invalid sync status")
	}
	return []byte(s.name), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
