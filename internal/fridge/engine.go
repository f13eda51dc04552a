package fridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// DefaultCallTimeout bounds every remote call made by the engine.
const DefaultCallTimeout = 15 * time.Second

// EngineOptions tunes the sync engine.
type EngineOptions struct {
	// CallTimeout bounds each remote call; expiry counts as a NetworkError.
	CallTimeout time.Duration

	// Parallelism is the number of records pushed concurrently within one
	// pass. Values below 2 push sequentially.
	Parallelism int
}

// Engine pushes local changes to the remote service, one pass per kind.
//
// Each record's outcome is committed to the store as soon as its remote call
// completes, so an abandoned or crashed pass loses at most the transition of
// the record in flight. Concurrent triggers for the same pass, or for a whole
// run, join the run already in flight instead of starting a second one.
type Engine struct {
	repos    *Repositories
	remapper *Remapper
	passes   map[Kind]pass
	locks    map[Kind]*sync.Mutex
	logger   Logger
	clock    Clock
	opts     EngineOptions
	flight   singleflight.Group
}

// NewEngine wires an engine over repos and remotes. Fridge items, shopping
// items and reviews are declared as dependents of products.
func NewEngine(repos *Repositories, remotes Remotes, logger Logger, clock Clock, opts EngineOptions) *Engine {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}

	fridgeDep := ProductDependent(repos.Fridge)
	shoppingDep := ProductDependent(repos.Shopping)
	reviewDep := ProductDependent(repos.Reviews)

	remapper := NewRemapper(logger)
	remapper.Register(KindProduct, fridgeDep, shoppingDep, reviewDep)

	e := &Engine{
		repos:    repos,
		remapper: remapper,
		locks:    make(map[Kind]*sync.Mutex),
		logger:   logger,
		clock:    clock,
		opts:     opts,
	}
	e.passes = map[Kind]pass{
		KindProduct: &entityPass[*Product]{
			engine: e, coll: repos.Products, remote: remotes.Products,
		},
		KindFridgeItem: &entityPass[*FridgeItem]{
			engine: e, coll: repos.Fridge, remote: remotes.Fridge,
			refOf: (*FridgeItem).ProductRef, self: fridgeDep,
		},
		KindShoppingItem: &entityPass[*ShoppingItem]{
			engine: e, coll: repos.Shopping, remote: remotes.Shopping,
			refOf: (*ShoppingItem).ProductRef, self: shoppingDep,
		},
		KindReview: &entityPass[*Review]{
			engine: e, coll: repos.Reviews, remote: remotes.Reviews,
			refOf: (*Review).ProductRef, self: reviewDep,
		},
	}
	for _, k := range Kinds {
		e.locks[k] = &sync.Mutex{}
	}
	return e
}

// Remapper exposes the engine's dependency graph.
func (e *Engine) Remapper() *Remapper { return e.remapper }

// SyncAll runs one push pass per kind, products first. Record-level failures
// are reported, not returned; the returned error means the run was aborted
// (store write failure, rejected credentials, cancellation).
//
// A call made while a run is in flight joins that run and gets its report.
// The joined run keeps the context of the caller that started it: cancelling
// that caller stops the run for every caller waiting on it, and a joining
// caller's own ctx does not stop it. Sync and Pull join per kind the same way.
func (e *Engine) SyncAll(ctx context.Context) (*Report, error) {
	v, err, shared := e.flight.Do("sync-all", func() (any, error) {
		return e.syncAll(ctx)
	})
	if shared {
		e.logger.Debug("sync trigger joined the run in flight")
	}
	report, _ := v.(*Report)
	return report, err
}

func (e *Engine) syncAll(ctx context.Context) (*Report, error) {
	report := &Report{StartedAt: e.clock.Now()}
	defer func() { report.FinishedAt = e.clock.Now() }()

	for _, kind := range Kinds {
		pr, err := e.Sync(ctx, kind)
		if pr != nil {
			report.Passes = append(report.Passes, pr)
		}
		if err != nil {
			e.logger.Error("sync aborted", "kind", string(kind), "error", err)
			return report, fmt.Errorf("syncing %s: %w", kind, err)
		}
	}

	pushed, pending := 0, 0
	for _, p := range report.Passes {
		pushed += p.Pushed()
		pending += p.Failed + p.Skipped + p.Deferred
	}
	e.logger.Info("sync complete", "pushed", pushed, "pending", pending)
	return report, nil
}

// Sync runs a single push pass for kind.
func (e *Engine) Sync(ctx context.Context, kind Kind) (*PassReport, error) {
	p, ok := e.passes[kind]
	if !ok {
		return nil, fmt.Errorf("unknown entity kind: %s", kind)
	}
	v, err, _ := e.flight.Do("push:"+string(kind), func() (any, error) {
		lock := e.locks[kind]
		lock.Lock()
		defer lock.Unlock()
		return p.push(ctx)
	})
	report, _ := v.(*PassReport)
	return report, err
}

// Pull replaces the synced records of kind with the remote collection.
// Pending local records are kept as they are.
func (e *Engine) Pull(ctx context.Context, kind Kind) (*PullReport, error) {
	p, ok := e.passes[kind]
	if !ok {
		return nil, fmt.Errorf("unknown entity kind: %s", kind)
	}
	v, err, _ := e.flight.Do("pull:"+string(kind), func() (any, error) {
		lock := e.locks[kind]
		lock.Lock()
		defer lock.Unlock()
		return p.pull(ctx)
	})
	report, _ := v.(*PullReport)
	return report, err
}

// PullAll pulls every kind, products first.
func (e *Engine) PullAll(ctx context.Context) ([]*PullReport, error) {
	var reports []*PullReport
	for _, kind := range Kinds {
		r, err := e.Pull(ctx, kind)
		if err != nil {
			return reports, fmt.Errorf("pulling %s: %w", kind, err)
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// call runs one remote operation under the per-call timeout. Anything that is
// not already classified is treated as transient.
func (e *Engine) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()

	err := fn(callCtx)
	if err == nil || IsAuth(err) || IsNetwork(err) {
		return err
	}
	return &NetworkError{Op: op, Err: err}
}

// productIdentities returns the localId to remoteId mapping of synced
// products and the set of product localIds that have no remoteId yet.
func (e *Engine) productIdentities(ctx context.Context) (map[string]string, map[string]bool, error) {
	products, err := e.repos.Products.List(ctx)
	if err != nil {
		return nil, nil, err
	}
	mapping := make(map[string]string)
	unsynced := make(map[string]bool)
	for _, p := range products {
		if p.RemoteID.IsZero() {
			unsynced[p.LocalID] = true
			continue
		}
		mapping[p.LocalID] = string(p.RemoteID)
	}
	return mapping, unsynced, nil
}

type pass interface {
	push(ctx context.Context) (*PassReport, error)
	pull(ctx context.Context) (*PullReport, error)
}

// entityPass is the push/pull protocol for one kind.
type entityPass[E Entity] struct {
	engine *Engine
	coll   *Collection[E]
	remote RemoteClient[E]

	// refOf and self are set for kinds that reference products.
	refOf func(E) string
	self  Dependent
}

func (p *entityPass[E]) push(ctx context.Context) (*PassReport, error) {
	e := p.engine
	kind := p.coll.Kind()
	report := newPassReport(kind, e.clock.Now())
	defer func() { report.FinishedAt = e.clock.Now() }()

	var unsynced map[string]bool
	if p.self != nil {
		// Heals references left stale by a run that stopped between a
		// product's commit and its remap.
		mapping, pending, err := e.productIdentities(ctx)
		if err != nil {
			return report, fmt.Errorf("loading product identities: %w", err)
		}
		n, err := p.self.RemapReferences(ctx, mapping)
		if err != nil {
			return report, fmt.Errorf("reconciling product references: %w", err)
		}
		report.addRemapped(n)
		unsynced = pending
	}

	records, err := p.coll.List(ctx)
	if err != nil {
		return report, err
	}
	e.logger.Debug("sync pass started", "kind", string(kind), "records", len(records))

	if e.opts.Parallelism < 2 {
		for _, rec := range records {
			if err := p.syncRecord(ctx, rec, unsynced, report); err != nil {
				return report, err
			}
		}
		return report, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Parallelism)
	for _, rec := range records {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return p.syncRecord(gctx, rec, unsynced, report)
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	if err := ctx.Err(); err != nil {
		report.interrupt()
		return report, err
	}
	return report, nil
}

// syncRecord pushes one record and commits the outcome. A non-nil return
// aborts the pass; record-level failures are only reported.
func (p *entityPass[E]) syncRecord(ctx context.Context, rec E, unsynced map[string]bool, report *PassReport) error {
	if err := ctx.Err(); err != nil {
		report.interrupt()
		return err
	}

	env := rec.Meta()
	switch env.Status {
	case StatusSynced:
		report.add(env.LocalID, OutcomeUnchanged, nil)
		return nil
	case StatusCreated:
		if p.waitsForProduct(rec, unsynced, report) {
			return nil
		}
		return p.pushCreate(ctx, rec, report)
	case StatusUpdated:
		if env.RemoteID.IsZero() {
			p.skip(env, "updated record has no remoteId", report)
			return nil
		}
		if p.waitsForProduct(rec, unsynced, report) {
			return nil
		}
		return p.pushUpdate(ctx, rec, report)
	case StatusDeleted:
		return p.pushDelete(ctx, rec, report)
	default:
		p.skip(env, fmt.Sprintf("unexpected sync status %s", env.Status), report)
		return nil
	}
}

func (p *entityPass[E]) pushCreate(ctx context.Context, rec E, report *PassReport) error {
	e := p.engine
	kind := p.coll.Kind()
	localID, rev := rec.Meta().LocalID, rec.Meta().Revision

	var created E
	err := e.call(ctx, "create "+kind.Collection(), func(ctx context.Context) error {
		var err error
		created, err = p.remote.Create(ctx, rec)
		return err
	})
	if err != nil {
		return p.fail(localID, err, report)
	}

	remoteID := created.Meta().RemoteID
	if remoteID.IsZero() {
		return p.fail(localID, &ConsistencyError{Kind: kind, LocalID: localID, Reason: "remote create returned no identifier"}, report)
	}

	// The server has the record now; a cancellation from here on must not
	// lose that fact.
	commitCtx := context.WithoutCancel(ctx)
	err = p.coll.Mutate(commitCtx, localID, func(cur E) (bool, error) {
		env := cur.Meta()
		env.RemoteID = remoteID
		switch {
		case env.Status == StatusCreated && env.Revision == rev:
			env.Status, _ = env.Status.Pushed()
		case env.Status == StatusCreated:
			// Edited while the create was in flight: the server holds the
			// older fields, so the newer ones still need an update.
			env.Status = StatusUpdated
		}
		// A record deleted meanwhile stays a tombstone, now with a remoteId
		// so the next pass deletes the remote copy.
		return false, nil
	})
	if errors.Is(err, ErrNotFound) {
		e.logger.Warn("record purged while its create was in flight", "kind", string(kind), "localId", localID, "remoteId", remoteID.String())
		report.add(localID, OutcomeFailed, err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("committing create of %s %s: %w", kind, localID, err)
	}
	report.add(localID, OutcomeCreated, nil)
	e.logger.Debug("record created remotely", "kind", string(kind), "localId", localID, "remoteId", remoteID.String())

	if len(e.remapper.Dependents(kind)) > 0 {
		n, err := e.remapper.Remap(commitCtx, kind, localID, string(remoteID))
		if err != nil {
			return err
		}
		report.addRemapped(n)
	}
	return nil
}

func (p *entityPass[E]) pushUpdate(ctx context.Context, rec E, report *PassReport) error {
	e := p.engine
	kind := p.coll.Kind()
	localID, rev := rec.Meta().LocalID, rec.Meta().Revision

	err := e.call(ctx, "update "+kind.Collection(), func(ctx context.Context) error {
		return p.remote.Update(ctx, rec)
	})
	if err != nil {
		return p.fail(localID, err, report)
	}

	err = p.coll.Mutate(context.WithoutCancel(ctx), localID, func(cur E) (bool, error) {
		env := cur.Meta()
		if env.Status == StatusUpdated && env.Revision == rev {
			env.Status, _ = env.Status.Pushed()
		}
		return false, nil
	})
	if errors.Is(err, ErrNotFound) {
		report.add(localID, OutcomeFailed, err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("committing update of %s %s: %w", kind, localID, err)
	}
	report.add(localID, OutcomeUpdated, nil)
	return nil
}

func (p *entityPass[E]) pushDelete(ctx context.Context, rec E, report *PassReport) error {
	e := p.engine
	kind := p.coll.Kind()
	env := rec.Meta()
	localID, remoteID := env.LocalID, env.RemoteID

	if !remoteID.IsZero() {
		err := e.call(ctx, "delete "+kind.Collection(), func(ctx context.Context) error {
			return p.remote.Delete(ctx, remoteID)
		})
		if err != nil {
			return p.fail(localID, err, report)
		}
	}

	err := p.coll.Mutate(context.WithoutCancel(ctx), localID, func(cur E) (bool, error) {
		return cur.Meta().Status == StatusDeleted, nil
	})
	if errors.Is(err, ErrNotFound) {
		report.add(localID, OutcomeDeleted, nil)
		return nil
	}
	if err != nil {
		return fmt.Errorf("purging %s %s: %w", kind, localID, err)
	}
	report.add(localID, OutcomeDeleted, nil)
	if remoteID.IsZero() {
		e.logger.Debug("never-synced record purged locally", "kind", string(kind), "localId", localID)
	}
	return nil
}

// waitsForProduct defers a dependent whose product has no remoteId yet;
// pushing it would hand the server a device-local identifier.
func (p *entityPass[E]) waitsForProduct(rec E, unsynced map[string]bool, report *PassReport) bool {
	if p.refOf == nil || !unsynced[p.refOf(rec)] {
		return false
	}
	env := rec.Meta()
	p.engine.logger.Debug("push deferred until product syncs", "kind", string(p.coll.Kind()), "localId", env.LocalID, "product", p.refOf(rec))
	report.add(env.LocalID, OutcomeDeferred, nil)
	return true
}

func (p *entityPass[E]) skip(env *Envelope, reason string, report *PassReport) {
	err := &ConsistencyError{Kind: p.coll.Kind(), LocalID: env.LocalID, Reason: reason}
	p.engine.logger.Error("record skipped", "kind", string(p.coll.Kind()), "localId", env.LocalID, "error", err)
	report.add(env.LocalID, OutcomeSkipped, err)
}

// fail records a failed remote call. Rejected credentials abort the pass;
// anything else is left for the next pass.
func (p *entityPass[E]) fail(localID string, err error, report *PassReport) error {
	report.add(localID, OutcomeFailed, err)
	if IsAuth(err) {
		return err
	}
	p.engine.logger.Warn("push failed, will retry", "kind", string(p.coll.Kind()), "localId", localID, "error", err)
	return nil
}

func (p *entityPass[E]) pull(ctx context.Context) (*PullReport, error) {
	e := p.engine
	kind := p.coll.Kind()
	report := &PullReport{Kind: kind}

	var remoteRecs []E
	err := e.call(ctx, "list "+kind.Collection(), func(ctx context.Context) error {
		var err error
		remoteRecs, err = p.remote.List(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	byRemote := make(map[RemoteID]E, len(remoteRecs))
	for _, rec := range remoteRecs {
		if id := rec.Meta().RemoteID; !id.IsZero() {
			byRemote[id] = rec
		}
	}

	err = p.coll.Rewrite(ctx, func(local []E) ([]E, error) {
		out := make([]E, 0, len(local)+len(remoteRecs))
		seen := make(map[RemoteID]bool, len(local))

		for _, rec := range local {
			env := rec.Meta()
			if !env.RemoteID.IsZero() {
				seen[env.RemoteID] = true
			}
			if env.Status != StatusSynced {
				out = append(out, rec)
				report.Kept++
				continue
			}
			fresh, ok := byRemote[env.RemoteID]
			if !ok {
				report.Dropped++
				continue
			}
			fenv := fresh.Meta()
			fenv.LocalID = env.LocalID
			fenv.Status = StatusSynced
			fenv.Revision = env.Revision
			fenv.LastUpdated = env.LastUpdated
			out = append(out, fresh)
			report.Refreshed++
		}

		for _, rec := range remoteRecs {
			id := rec.Meta().RemoteID
			if id.IsZero() || seen[id] {
				continue
			}
			seen[id] = true
			p.coll.adopt(rec)
			out = append(out, rec)
			report.Adopted++
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("collection pulled", "kind", string(kind), "refreshed", report.Refreshed, "adopted", report.Adopted, "dropped", report.Dropped, "kept", report.Kept)
	return report, nil
}
