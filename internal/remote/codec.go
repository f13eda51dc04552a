package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"fridgesync/internal/fridge"
)

// envelopeFields never leave the device.
var envelopeFields = []string{"localId", "remoteId", "syncStatus", "lastUpdated", "revision"}

// numericFields are numbers locally. A server backed by a DECIMAL column may
// send them as strings such as "1.00".
var numericFields = []string{"quantity", "rating", "estimatedShelfLife"}

// encode renders rec as the server's JSON body: entity fields only, with a
// numeric product reference sent as a number.
func encode[E fridge.Entity](rec E) ([]byte, error) {
	fields, err := toFields(rec)
	if err != nil {
		return nil, err
	}
	for _, k := range envelopeFields {
		delete(fields, k)
	}
	if ref, ok := fields["productId"].(string); ok {
		if n, ok := fridge.RemoteID(ref).Int(); ok {
			fields["productId"] = n
		}
	}
	return json.Marshal(fields)
}

// decode turns a server record into an entity. The server's id becomes the
// RemoteID; the rest of the envelope is left for the caller to fill in.
func decode[E fridge.Entity](data []byte) (E, error) {
	var zero E

	var fields map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return zero, fmt.Errorf("decoding record: %w", err)
	}
	if fields == nil {
		return zero, fmt.Errorf("decoding record: null body")
	}

	id := fields["id"]
	delete(fields, "id")
	for _, k := range envelopeFields {
		delete(fields, k)
	}
	if id != nil {
		fields["remoteId"] = id
	}
	fields["syncStatus"] = fridge.StatusSynced.String()
	if n, ok := fields["productId"].(json.Number); ok {
		fields["productId"] = n.String()
	}
	for _, k := range numericFields {
		s, ok := fields[k].(string)
		if !ok {
			continue
		}
		var f float64
		if err := json.Unmarshal([]byte(s), &f); err != nil {
			return zero, fmt.Errorf("decoding record: %s %q is not a number", k, s)
		}
		fields[k] = json.Number(strconv.FormatFloat(f, 'f', -1, 64))
	}

	raw, err := json.Marshal(fields)
	if err != nil {
		return zero, fmt.Errorf("re-encoding record: %w", err)
	}
	var rec E
	if err := json.Unmarshal(raw, &rec); err != nil {
		return zero, fmt.Errorf("decoding record: %w", err)
	}
	return rec, nil
}

func toFields(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	var fields map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	return fields, nil
}
