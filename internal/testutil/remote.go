package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"fridgesync/internal/fridge"
)

// Op names a remote call.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpList   Op = "list"
)

// Call records one remote call. Sent is a copy of the record as sent.
type Call[E fridge.Entity] struct {
	Op       Op
	LocalID  string
	RemoteID fridge.RemoteID
	Sent     E
}

// FakeRemote is an in-memory, scriptable fridge.RemoteClient. Server ids are
// sequential integers starting at the value given to NewFakeRemote.
// Safe for concurrent use.
type FakeRemote[E fridge.Entity] struct {
	mu       sync.Mutex
	nextID   int
	records  map[fridge.RemoteID]E
	order    []fridge.RemoteID
	calls    []Call[E]
	failNext map[Op][]error
	failFor  map[string]error
	failAll  map[Op]error

	// Hook runs at the start of every call, outside the lock. A non-nil
	// return fails the call. Tests use it to block or to edit local state
	// while a push is in flight.
	Hook func(ctx context.Context, op Op, localID string) error
}

// NewFakeRemote creates an empty fake whose first assigned id is firstID.
func NewFakeRemote[E fridge.Entity](firstID int) *FakeRemote[E] {
	return &FakeRemote[E]{
		nextID:   firstID,
		records:  make(map[fridge.RemoteID]E),
		failNext: make(map[Op][]error),
		failFor:  make(map[string]error),
		failAll:  make(map[Op]error),
	}
}

// SetNextID sets the id the next create or seed is assigned.
func (f *FakeRemote[E]) SetNextID(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID = id
}

// FailNext makes the next call of op fail with err. Calls queue up.
func (f *FakeRemote[E]) FailNext(op Op, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[op] = append(f.failNext[op], err)
}

// FailFor makes every op call for the record fail with err until cleared
// with a nil err. The record is identified by localId for create and update
// and by remoteId for delete.
func (f *FakeRemote[E]) FailFor(op Op, id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := string(op) + ":" + id
	if err == nil {
		delete(f.failFor, key)
		return
	}
	f.failFor[key] = err
}

// FailAll makes every call of op fail with err until cleared with nil.
func (f *FakeRemote[E]) FailAll(op Op, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failAll, op)
		return
	}
	f.failAll[op] = err
}

// Seed stores rec as if another device had created it and returns its id.
func (f *FakeRemote[E]) Seed(rec E) fridge.RemoteID {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := clone(rec)
	id := f.assignID()
	env := stored.Meta()
	env.RemoteID = id
	env.LocalID = ""
	env.Status = fridge.StatusSynced
	f.put(id, stored)
	return id
}

// Drop removes a remote record as if another device had deleted it.
func (f *FakeRemote[E]) Drop(id fridge.RemoteID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remove(id)
}

// Records returns copies of the stored remote records in creation order.
func (f *FakeRemote[E]) Records() []E {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]E, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, clone(f.records[id]))
	}
	return out
}

// Record returns a copy of the remote record with id.
func (f *FakeRemote[E]) Record(id fridge.RemoteID) (E, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		var zero E
		return zero, false
	}
	return clone(rec), true
}

// Calls returns every call made so far.
func (f *FakeRemote[E]) Calls() []Call[E] {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call[E](nil), f.calls...)
}

// CallsOf returns the calls of op.
func (f *FakeRemote[E]) CallsOf(op Op) []Call[E] {
	var out []Call[E]
	for _, c := range f.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (f *FakeRemote[E]) Create(ctx context.Context, rec E) (E, error) {
	var zero E
	localID := rec.Meta().LocalID
	if err := f.begin(ctx, OpCreate, localID, "", rec); err != nil {
		return zero, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	stored := clone(rec)
	id := f.assignID()
	env := stored.Meta()
	env.RemoteID = id
	env.Status = fridge.StatusSynced
	f.put(id, stored)
	return clone(stored), nil
}

func (f *FakeRemote[E]) Update(ctx context.Context, rec E) error {
	env := rec.Meta()
	if err := f.begin(ctx, OpUpdate, env.LocalID, env.RemoteID, rec); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[env.RemoteID]; !ok {
		return &fridge.NetworkError{Op: "update", StatusCode: http.StatusNotFound, Err: fmt.Errorf("no record %s", env.RemoteID)}
	}
	f.records[env.RemoteID] = clone(rec)
	return nil
}

// Delete of an unknown id succeeds, as the REST client does on 404.
func (f *FakeRemote[E]) Delete(ctx context.Context, id fridge.RemoteID) error {
	if err := f.begin(ctx, OpDelete, "", id, *new(E)); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.remove(id)
	return nil
}

func (f *FakeRemote[E]) List(ctx context.Context) ([]E, error) {
	if err := f.begin(ctx, OpList, "", "", *new(E)); err != nil {
		return nil, err
	}
	out := f.Records()
	for _, rec := range out {
		rec.Meta().LocalID = ""
	}
	return out, nil
}

// begin records the call, runs the hook and applies scripted failures.
func (f *FakeRemote[E]) begin(ctx context.Context, op Op, localID string, remoteID fridge.RemoteID, rec E) error {
	call := Call[E]{Op: op, LocalID: localID, RemoteID: remoteID}
	if op == OpCreate || op == OpUpdate {
		call.Sent = clone(rec)
	}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()

	if f.Hook != nil {
		if err := f.Hook(ctx, op, localID); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return &fridge.NetworkError{Op: string(op), Err: err}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if queued := f.failNext[op]; len(queued) > 0 {
		f.failNext[op] = queued[1:]
		return queued[0]
	}
	if err, ok := f.failAll[op]; ok {
		return err
	}
	id := localID
	if op == OpDelete {
		id = string(remoteID)
	}
	if err, ok := f.failFor[string(op)+":"+id]; ok {
		return err
	}
	return nil
}

func (f *FakeRemote[E]) assignID() fridge.RemoteID {
	id := fridge.RemoteID(strconv.Itoa(f.nextID))
	f.nextID++
	return id
}

func (f *FakeRemote[E]) put(id fridge.RemoteID, rec E) {
	if _, ok := f.records[id]; !ok {
		f.order = append(f.order, id)
	}
	f.records[id] = rec
}

func (f *FakeRemote[E]) remove(id fridge.RemoteID) {
	if _, ok := f.records[id]; !ok {
		return
	}
	delete(f.records, id)
	for i, o := range f.order {
		if o == id {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
}

// clone deep-copies an entity through its JSON form.
func clone[E fridge.Entity](rec E) E {
	data, err := json.Marshal(rec)
	if err != nil {
		panic(fmt.Sprintf("testutil: cloning record: %v", err))
	}
	var out E
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("testutil: cloning record: %v", err))
	}
	return out
}

// FakeRemotes bundles one fake per entity kind.
type FakeRemotes struct {
	Products *FakeRemote[*fridge.Product]
	Fridge   *FakeRemote[*fridge.FridgeItem]
	Shopping *FakeRemote[*fridge.ShoppingItem]
	Reviews  *FakeRemote[*fridge.Review]
}

// NewFakeRemotes creates fakes whose ids start at 1.
func NewFakeRemotes() *FakeRemotes {
	return &FakeRemotes{
		Products: NewFakeRemote[*fridge.Product](1),
		Fridge:   NewFakeRemote[*fridge.FridgeItem](1),
		Shopping: NewFakeRemote[*fridge.ShoppingItem](1),
		Reviews:  NewFakeRemote[*fridge.Review](1),
	}
}

// Remotes returns the fakes as the engine's remote bundle.
func (f *FakeRemotes) Remotes() fridge.Remotes {
	return fridge.Remotes{
		Products: f.Products,
		Fridge:   f.Fridge,
		Shopping: f.Shopping,
		Reviews:  f.Reviews,
	}
}
