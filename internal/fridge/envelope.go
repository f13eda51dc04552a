package fridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// RemoteID is a server-assigned identifier. The server issues integers, so a
// numeric RemoteID is encoded as a JSON number; the empty RemoteID is null.
type RemoteID string

// IsZero reports whether no identifier has been assigned yet.
func (id RemoteID) IsZero() bool { return id == "" }

func (id RemoteID) String() string { return string(id) }

// Int returns the identifier as an integer when it is spelled the way the
// server spells integers: no sign prefix, no leading zeros. "007" and "+5"
// are opaque strings, not numbers.
func (id RemoteID) Int() (int64, bool) {
	n, err := strconv.ParseInt(string(id), 10, 64)
	if err != nil || strconv.FormatInt(n, 10) != string(id) {
		return 0, false
	}
	return n, true
}

func (id RemoteID) MarshalJSON() ([]byte, error) {
	if id == "" {
		return []byte("null"), nil
	}
	if n, ok := id.Int(); ok {
		return strconv.AppendInt(nil, n, 10), nil
	}
	return json.Marshal(string(id))
}

func (id *RemoteID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decoding remote id: %w", err)
		}
		*id = RemoteID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decoding remote id: %w", err)
	}
	*id = RemoteID(n.String())
	return nil
}

// Envelope is the sync metadata carried by every locally stored record.
type Envelope struct {
	LocalID     string    `json:"localId"`
	RemoteID    RemoteID  `json:"remoteId"`
	Status      Status    `json:"syncStatus"`
	LastUpdated time.Time `json:"lastUpdated"`

	// Revision is bumped on every local mutation. The sync engine compares it
	// before and after a push to detect edits made while the push was in flight.
	Revision int64 `json:"revision"`
}

// Meta returns the envelope itself. Entities embed Envelope, so *Product and
// friends satisfy Entity through this promoted method.
func (e *Envelope) Meta() *Envelope { return e }

// Entity is a record that can live in a Collection.
type Entity interface {
	Meta() *Envelope
}

// ProductReferrer is an entity holding a foreign key to a Product.
// The reference is either the product's LocalID (before the product is
// synced) or its RemoteID.
type ProductReferrer interface {
	Entity
	ProductRef() string
	SetProductRef(ref string)
}
