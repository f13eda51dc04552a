package fridge

import (
	"context"
	"fmt"
)

// Dependent is a collection holding references to records of another kind.
type Dependent interface {
	Kind() Kind

	// RemapReferences rewrites every reference found in mapping (old
	// identifier to new identifier) and returns how many records changed.
	RemapReferences(ctx context.Context, mapping map[string]string) (int, error)
}

// referenceDependent adapts a collection of product referrers to Dependent.
type referenceDependent[E ProductReferrer] struct {
	coll *Collection[E]
}

// ProductDependent declares coll as holding product references.
func ProductDependent[E ProductReferrer](coll *Collection[E]) Dependent {
	return &referenceDependent[E]{coll: coll}
}

func (d *referenceDependent[E]) Kind() Kind { return d.coll.Kind() }

// RemapReferences moves synced records whose reference changed to updated:
// the new pointer is a pending change. Created, updated and deleted records
// keep their status.
func (d *referenceDependent[E]) RemapReferences(ctx context.Context, mapping map[string]string) (int, error) {
	if len(mapping) == 0 {
		return 0, nil
	}
	return d.coll.Transform(ctx, func(rec E) bool {
		next, ok := mapping[rec.ProductRef()]
		if !ok || next == rec.ProductRef() {
			return false
		}
		rec.SetProductRef(next)
		env := rec.Meta()
		env.Status = env.Status.Edited()
		return true
	})
}

// Remapper propagates server-assigned identifiers into dependent collections.
// Dependencies are declared per parent kind with Register, so adding a new
// dependent entity is a single registration.
type Remapper struct {
	graph  map[Kind][]Dependent
	logger Logger
}

// NewRemapper creates a Remapper with an empty dependency graph.
func NewRemapper(logger Logger) *Remapper {
	return &Remapper{
		graph:  make(map[Kind][]Dependent),
		logger: logger,
	}
}

// Register declares deps as referencing records of kind parent.
func (r *Remapper) Register(parent Kind, deps ...Dependent) {
	r.graph[parent] = append(r.graph[parent], deps...)
}

// Dependents returns the collections declared as referencing parent.
func (r *Remapper) Dependents(parent Kind) []Dependent {
	return r.graph[parent]
}

// Remap rewrites references to oldID into newID in every dependent of parent.
// Running it again is a no-op because no record still holds oldID.
func (r *Remapper) Remap(ctx context.Context, parent Kind, oldID, newID string) (int, error) {
	if oldID == "" || newID == "" || oldID == newID {
		return 0, nil
	}
	return r.RemapAll(ctx, parent, map[string]string{oldID: newID})
}

// RemapAll applies a whole identifier mapping, one scan per dependent.
func (r *Remapper) RemapAll(ctx context.Context, parent Kind, mapping map[string]string) (int, error) {
	total := 0
	for _, dep := range r.graph[parent] {
		n, err := dep.RemapReferences(ctx, mapping)
		if err != nil {
			return total, fmt.Errorf("remapping %s references in %s: %w", parent, dep.Kind(), err)
		}
		if n > 0 {
			r.logger.Debug("references remapped", "parent", string(parent), "dependent", string(dep.Kind()), "count", n)
		}
		total += n
	}
	return total, nil
}
