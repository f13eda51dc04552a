package fridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Collection is the repository for one entity kind. The whole collection is
// stored as a single JSON array under the kind's storage key, so every write
// is a read-modify-overwrite of that array. All access goes through mu: at
// most one writer per key at a time.
//
// Records are decoded fresh on every call; callers may freely modify the
// values they get back without affecting stored state.
type Collection[E Entity] struct {
	kind  Kind
	store BlobStore
	clock Clock
	idgen IDGenerator
	mu    sync.Mutex
}

// NewCollection creates the repository for kind on top of store.
func NewCollection[E Entity](kind Kind, store BlobStore, clock Clock, idgen IDGenerator) *Collection[E] {
	return &Collection[E]{
		kind:  kind,
		store: store,
		clock: clock,
		idgen: idgen,
	}
}

// Kind returns the entity kind held by the collection.
func (c *Collection[E]) Kind() Kind { return c.kind }

// Key returns the blob store key the collection is persisted under.
func (c *Collection[E]) Key() string { return c.kind.StorageKey() }

// recordSet is a decoded collection: records in insertion order plus an index
// from localId to position.
type recordSet[E Entity] struct {
	records []E
	index   map[string]int
}

func (s *recordSet[E]) find(localID string) (E, bool) {
	i, ok := s.index[localID]
	if !ok {
		var zero E
		return zero, false
	}
	return s.records[i], true
}

func (s *recordSet[E]) remove(localID string) {
	i, ok := s.index[localID]
	if !ok {
		return
	}
	s.records = append(s.records[:i], s.records[i+1:]...)
	delete(s.index, localID)
	for j := i; j < len(s.records); j++ {
		s.index[s.records[j].Meta().LocalID] = j
	}
}

func (s *recordSet[E]) append(rec E) {
	s.index[rec.Meta().LocalID] = len(s.records)
	s.records = append(s.records, rec)
}

// indexRecords builds a recordSet, rejecting records that break the
// one-record-per-localId invariant.
func indexRecords[E Entity](kind Kind, records []E) (*recordSet[E], error) {
	set := &recordSet[E]{
		records: make([]E, 0, len(records)),
		index:   make(map[string]int, len(records)),
	}
	for i, rec := range records {
		env := rec.Meta()
		if env.LocalID == "" {
			return nil, &ConsistencyError{Kind: kind, Reason: fmt.Sprintf("record %d has no localId", i)}
		}
		if !env.Status.Valid() {
			return nil, &ConsistencyError{Kind: kind, LocalID: env.LocalID, Reason: "record has no sync status"}
		}
		if _, dup := set.index[env.LocalID]; dup {
			return nil, &ConsistencyError{Kind: kind, LocalID: env.LocalID, Reason: "duplicate localId"}
		}
		set.append(rec)
	}
	return set, nil
}

func (c *Collection[E]) load(ctx context.Context) (*recordSet[E], error) {
	data, err := c.store.Get(ctx, c.Key())
	if errors.Is(err, ErrBlobNotFound) {
		return indexRecords[E](c.kind, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s collection: %w", c.kind, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return indexRecords[E](c.kind, nil)
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("decoding %s collection: %w", c.kind, err)
	}

	records := make([]E, 0, len(raws))
	for i, raw := range raws {
		if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			continue
		}
		var rec E
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decoding %s record %d: %w", c.kind, i, err)
		}
		records = append(records, rec)
	}
	return indexRecords(c.kind, records)
}

func (c *Collection[E]) save(ctx context.Context, set *recordSet[E]) error {
	data, err := json.Marshal(set.records)
	if err != nil {
		return fmt.Errorf("encoding %s collection: %w", c.kind, err)
	}
	if err := c.store.Set(ctx, c.Key(), data); err != nil {
		return fmt.Errorf("writing %s collection: %w", c.kind, err)
	}
	return nil
}

func (c *Collection[E]) notFound(localID string) error {
	return fmt.Errorf("%s %s: %w", c.kind, localID, ErrNotFound)
}

// touch records a local mutation on env.
func (c *Collection[E]) touch(env *Envelope) {
	env.Revision++
	env.LastUpdated = c.clock.Now()
}

// List returns the full stored collection in insertion order, tombstones
// included. A missing blob is an empty collection.
func (c *Collection[E]) List(ctx context.Context) ([]E, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	set, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	return set.records, nil
}

// Get returns the record with localID, or ErrNotFound.
func (c *Collection[E]) Get(ctx context.Context, localID string) (E, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero E
	set, err := c.load(ctx)
	if err != nil {
		return zero, err
	}
	rec, ok := set.find(localID)
	if !ok {
		return zero, c.notFound(localID)
	}
	return rec, nil
}

// Create assigns rec a fresh localId, clears any remote identifier, marks it
// created and appends it to the collection.
func (c *Collection[E]) Create(ctx context.Context, rec E) (E, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero E
	set, err := c.load(ctx)
	if err != nil {
		return zero, err
	}

	env := rec.Meta()
	env.LocalID = c.idgen.New()
	env.RemoteID = ""
	env.Status = StatusCreated
	env.Revision = 0
	c.touch(env)

	if _, dup := set.find(env.LocalID); dup {
		return zero, &ConsistencyError{Kind: c.kind, LocalID: env.LocalID, Reason: "generated localId collides with an existing record"}
	}
	set.append(rec)

	if err := c.save(ctx, set); err != nil {
		return zero, err
	}
	return rec, nil
}

// Update applies patch to the record with localID. Envelope fields are owned
// by the collection and cannot be changed by the patch. The status moves per
// Status.Edited: created stays created, synced becomes updated.
func (c *Collection[E]) Update(ctx context.Context, localID string, patch func(rec E) error) (E, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero E
	set, err := c.load(ctx)
	if err != nil {
		return zero, err
	}
	rec, ok := set.find(localID)
	if !ok {
		return zero, c.notFound(localID)
	}

	env := rec.Meta()
	before := *env
	if err := patch(rec); err != nil {
		return zero, err
	}
	*env = before
	env.Status = before.Status.Edited()
	c.touch(env)

	if err := c.save(ctx, set); err != nil {
		return zero, err
	}
	return rec, nil
}

// MarkDeleted turns the record into a tombstone regardless of its status.
// The record stays in the collection until the sync engine purges it.
func (c *Collection[E]) MarkDeleted(ctx context.Context, localID string) (E, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero E
	set, err := c.load(ctx)
	if err != nil {
		return zero, err
	}
	rec, ok := set.find(localID)
	if !ok {
		return zero, c.notFound(localID)
	}

	env := rec.Meta()
	env.Status = env.Status.Deleted()
	c.touch(env)

	if err := c.save(ctx, set); err != nil {
		return zero, err
	}
	return rec, nil
}

// Delete removes the record locally. A record the server has never seen
// (created, no remoteId) is purged; anything else becomes a tombstone for the
// sync engine. The check and the write happen under one lock, so a push
// committed concurrently is never purged away.
func (c *Collection[E]) Delete(ctx context.Context, localID string) (purged bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	set, err := c.load(ctx)
	if err != nil {
		return false, err
	}
	rec, ok := set.find(localID)
	if !ok {
		return false, c.notFound(localID)
	}

	env := rec.Meta()
	if env.Status == StatusCreated && env.RemoteID.IsZero() {
		set.remove(localID)
		purged = true
	} else {
		env.Status = env.Status.Deleted()
		c.touch(env)
	}
	if err := c.save(ctx, set); err != nil {
		return false, err
	}
	return purged, nil
}

// Purge removes the record entirely. It is meant for records whose remote
// deletion is confirmed, or that were never synced at all.
func (c *Collection[E]) Purge(ctx context.Context, localID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	set, err := c.load(ctx)
	if err != nil {
		return err
	}
	if _, ok := set.find(localID); !ok {
		return c.notFound(localID)
	}
	set.remove(localID)
	return c.save(ctx, set)
}

// Mutate is a single-record read-modify-write under the collection lock.
// fn receives the current stored record; returning drop=true removes it.
// Nothing is written when fn returns an error. Unlike Update, Mutate does not
// touch the revision: it is how the sync engine commits push outcomes.
func (c *Collection[E]) Mutate(ctx context.Context, localID string, fn func(rec E) (drop bool, err error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	set, err := c.load(ctx)
	if err != nil {
		return err
	}
	rec, ok := set.find(localID)
	if !ok {
		return c.notFound(localID)
	}

	drop, err := fn(rec)
	if err != nil {
		return err
	}
	if drop {
		set.remove(localID)
	}
	return c.save(ctx, set)
}

// Transform calls fn on every record and persists the collection once if any
// call reported a change. Changed records count as local mutations.
func (c *Collection[E]) Transform(ctx context.Context, fn func(rec E) (changed bool)) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	set, err := c.load(ctx)
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, rec := range set.records {
		if fn(rec) {
			c.touch(rec.Meta())
			changed++
		}
	}
	if changed == 0 {
		return 0, nil
	}
	if err := c.save(ctx, set); err != nil {
		return 0, err
	}
	return changed, nil
}

// Rewrite replaces the collection with whatever fn returns, as one write.
// fn may call adopt on records that have no localId yet.
func (c *Collection[E]) Rewrite(ctx context.Context, fn func(records []E) ([]E, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	set, err := c.load(ctx)
	if err != nil {
		return err
	}
	next, err := fn(set.records)
	if err != nil {
		return err
	}
	rebuilt, err := indexRecords(c.kind, next)
	if err != nil {
		return err
	}
	return c.save(ctx, rebuilt)
}

// adopt gives a record that came from the remote service a local identity.
func (c *Collection[E]) adopt(rec E) {
	env := rec.Meta()
	env.LocalID = c.idgen.New()
	env.Status = StatusSynced
	env.Revision = 0
	c.touch(env)
}
