package fridge_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"fridgesync/internal/fridge"
	"fridgesync/internal/testutil"
)

type syncFixture struct {
	blobs   *testutil.FailingStore
	repos   *fridge.Repositories
	clock   *testutil.StubClock
	remotes *testutil.FakeRemotes
	svc     *fridge.Service
	engine  *fridge.Engine
}

func newSyncFixture(t *testing.T, opts fridge.EngineOptions) *syncFixture {
	t.Helper()
	blobs := testutil.NewFailingStore(testutil.NewTestStore())
	repos, clock := testutil.NewTestRepositories(blobs)
	remotes := testutil.NewFakeRemotes()
	logger := fridge.NewNopLogger()
	return &syncFixture{
		blobs:   blobs,
		repos:   repos,
		clock:   clock,
		remotes: remotes,
		svc:     fridge.NewService(repos, logger, clock),
		engine:  fridge.NewEngine(repos, remotes.Remotes(), logger, clock, opts),
	}
}

func (f *syncFixture) addProduct(t *testing.T, name string) *fridge.Product {
	t.Helper()
	p, err := f.svc.AddProduct(context.Background(), &fridge.Product{Name: name, Unit: "pcs"})
	if err != nil {
		t.Fatalf("AddProduct(%s) error = %v", name, err)
	}
	return p
}

func (f *syncFixture) product(t *testing.T, localID string) *fridge.Product {
	t.Helper()
	p, err := f.repos.Products.Get(context.Background(), localID)
	if err != nil {
		t.Fatalf("Products.Get(%s) error = %v", localID, err)
	}
	return p
}

func (f *syncFixture) fridgeItem(t *testing.T, localID string) *fridge.FridgeItem {
	t.Helper()
	item, err := f.repos.Fridge.Get(context.Background(), localID)
	if err != nil {
		t.Fatalf("Fridge.Get(%s) error = %v", localID, err)
	}
	return item
}

func serverError(msg string) error {
	return &fridge.NetworkError{Op: "test", StatusCode: 500, Err: errors.New(msg)}
}

var statusComparer = cmp.Comparer(func(a, b fridge.Status) bool { return a == b })

func TestEngine_SyncAll(t *testing.T) {
	ctx := context.Background()

	t.Run("pushes every kind and is idempotent", func(t *testing.T) {
		f := newSyncFixture(t, fridge.EngineOptions{})
		milk := f.addProduct(t, "Milk")
		if _, err := f.svc.AddToFridge(ctx, milk.LocalID, &fridge.FridgeItem{}); err != nil {
			t.Fatalf("AddToFridge() error = %v", err)
		}
		if _, err := f.svc.AddToShoppingList(ctx, milk.LocalID, 2); err != nil {
			t.Fatalf("AddToShoppingList() error = %v", err)
		}
		if _, err := f.svc.AddReview(ctx, milk.LocalID, 4, "fine"); err != nil {
			t.Fatalf("AddReview() error = %v", err)
		}

		first, err := f.engine.SyncAll(ctx)
		if err != nil {
			t.Fatalf("SyncAll() error = %v", err)
		}
		if !first.Complete() {
			t.Fatalf("first run incomplete: %+v", first.Passes)
		}
		for _, kind := range fridge.Kinds {
			if got := first.Pass(kind).Created; got != 1 {
				t.Errorf("%s created = %d, want 1", kind, got)
			}
		}

		products, _ := f.repos.Products.List(ctx)
		items, _ := f.repos.Fridge.List(ctx)

		second, err := f.engine.SyncAll(ctx)
		if err != nil {
			t.Fatalf("second SyncAll() error = %v", err)
		}
		for _, p := range second.Passes {
			if p.Pushed() != 0 || p.Unchanged != 1 {
				t.Errorf("%s second run pushed %d, unchanged %d; want 0, 1", p.Kind, p.Pushed(), p.Unchanged)
			}
		}
		if got := len(f.remotes.Products.CallsOf(testutil.OpCreate)); got != 1 {
			t.Errorf("product creates = %d, want 1", got)
		}

		productsAfter, _ := f.repos.Products.List(ctx)
		itemsAfter, _ := f.repos.Fridge.List(ctx)
		if diff := cmp.Diff(products, productsAfter, statusComparer); diff != "" {
			t.Errorf("products changed by second run (-before +after):\n%s", diff)
		}
		if diff := cmp.Diff(items, itemsAfter, statusComparer); diff != "" {
			t.Errorf("fridge changed by second run (-before +after):\n%s", diff)
		}
	})

	t.Run("passes run in dependency order", func(t *testing.T) {
		f := newSyncFixture(t, fridge.EngineOptions{})
		report, err := f.engine.SyncAll(ctx)
		if err != nil {
			t.Fatalf("SyncAll() error = %v", err)
		}
		if len(report.Passes) != len(fridge.Kinds) {
			t.Fatalf("passes = %d, want %d", len(report.Passes), len(fridge.Kinds))
		}
		for i, kind := range fridge.Kinds {
			if report.Passes[i].Kind != kind {
				t.Errorf("pass %d = %s, want %s", i, report.Passes[i].Kind, kind)
			}
		}
	})
}

func TestEngine_ProductIDPropagation(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, fridge.EngineOptions{})
	f.remotes.Products.SetNextID(42)

	seedBlob(t, f.blobs, "@productDatabase", `[
		{"localId":"P1","remoteId":null,"syncStatus":"created","revision":1,"name":"Milk"}
	]`)
	seedBlob(t, f.blobs, "@fridge", `[
		{"localId":"f1","remoteId":5,"syncStatus":"synced","productId":"P1","quantity":1},
		{"localId":"f2","remoteId":null,"syncStatus":"created","productId":"P1","quantity":1}
	]`)

	report, err := f.engine.Sync(ctx, fridge.KindProduct)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if report.Remapped != 2 {
		t.Errorf("Remapped = %d, want 2", report.Remapped)
	}

	p := f.product(t, "P1")
	if p.RemoteID != "42" || p.Status != fridge.StatusSynced {
		t.Errorf("product = (%s, %s), want (42, synced)", p.RemoteID, p.Status)
	}

	tests := []struct {
		localID    string
		wantStatus fridge.Status
	}{
		{"f1", fridge.StatusUpdated},
		{"f2", fridge.StatusCreated},
	}
	for _, tt := range tests {
		item := f.fridgeItem(t, tt.localID)
		if item.ProductID != "42" {
			t.Errorf("%s productId = %q, want 42", tt.localID, item.ProductID)
		}
		if item.Status != tt.wantStatus {
			t.Errorf("%s status = %s, want %s", tt.localID, item.Status, tt.wantStatus)
		}
	}
}

func TestEngine_MilkScenario(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, fridge.EngineOptions{})
	f.remotes.Products.SetNextID(9)

	milk := f.addProduct(t, "Milk")
	if milk.LocalID != "id-1" || !milk.RemoteID.IsZero() || milk.Status != fridge.StatusCreated {
		t.Fatalf("created product = (%s, %q, %s)", milk.LocalID, milk.RemoteID, milk.Status)
	}
	item, err := f.svc.AddToFridge(ctx, milk.LocalID, &fridge.FridgeItem{})
	if err != nil {
		t.Fatalf("AddToFridge() error = %v", err)
	}
	if item.ProductID != "id-1" {
		t.Fatalf("fridge item productId = %q, want id-1", item.ProductID)
	}

	if _, err := f.engine.SyncAll(ctx); err != nil {
		t.Fatalf("SyncAll() error = %v", err)
	}

	got := f.product(t, "id-1")
	if got.RemoteID != "9" || got.Status != fridge.StatusSynced {
		t.Errorf("product = (%s, %s), want (9, synced)", got.RemoteID, got.Status)
	}
	if gotItem := f.fridgeItem(t, item.LocalID); gotItem.ProductID != "9" {
		t.Errorf("fridge item productId = %q, want 9", gotItem.ProductID)
	}
	creates := f.remotes.Fridge.CallsOf(testutil.OpCreate)
	if len(creates) != 1 || creates[0].Sent.ProductID != "9" {
		t.Errorf("fridge creates = %+v, want one with productId 9", creates)
	}
}

func TestEngine_PartialFailureIsolation(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, fridge.EngineOptions{})
	f.addProduct(t, "Milk")
	f.addProduct(t, "Eggs")
	f.remotes.Products.FailFor(testutil.OpCreate, "id-2", serverError("rejected"))

	report, err := f.engine.Sync(ctx, fridge.KindProduct)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if report.Created != 1 || report.Failed != 1 {
		t.Errorf("created %d failed %d, want 1 and 1", report.Created, report.Failed)
	}
	if len(report.Errors) != 1 || report.Errors[0].LocalID != "id-2" || !fridge.IsNetwork(report.Errors[0].Err) {
		t.Errorf("Errors = %+v, want one network error for id-2", report.Errors)
	}

	first := f.product(t, "id-1")
	if first.Status != fridge.StatusSynced || first.RemoteID.IsZero() {
		t.Errorf("id-1 = (%s, %q), want synced with remoteId", first.Status, first.RemoteID)
	}
	second := f.product(t, "id-2")
	if second.Status != fridge.StatusCreated || !second.RemoteID.IsZero() || second.Revision != 1 {
		t.Errorf("id-2 = (%s, %q, rev %d), want untouched created", second.Status, second.RemoteID, second.Revision)
	}

	t.Run("retried on the next pass", func(t *testing.T) {
		f.remotes.Products.FailFor(testutil.OpCreate, "id-2", nil)
		if _, err := f.engine.Sync(ctx, fridge.KindProduct); err != nil {
			t.Fatalf("Sync() error = %v", err)
		}
		if got := f.product(t, "id-2"); got.Status != fridge.StatusSynced {
			t.Errorf("id-2 status = %s, want synced", got.Status)
		}
		if got := len(f.remotes.Products.CallsOf(testutil.OpCreate)); got != 3 {
			t.Errorf("creates = %d, want 3", got)
		}
	})
}

func TestEngine_TombstonePurge(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name       string
		deleteErr  error
		wantPurged bool
	}{
		{"remote delete succeeds", nil, true},
		{"remote delete fails", serverError("unavailable"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSyncFixture(t, fridge.EngineOptions{})
			seedBlob(t, f.blobs, "@productDatabase", `[
				{"localId":"a","remoteId":7,"syncStatus":"deleted","revision":2,"name":"Milk"}
			]`)
			if tt.deleteErr != nil {
				f.remotes.Products.FailAll(testutil.OpDelete, tt.deleteErr)
			}

			report, err := f.engine.Sync(ctx, fridge.KindProduct)
			if err != nil {
				t.Fatalf("Sync() error = %v", err)
			}

			deletes := f.remotes.Products.CallsOf(testutil.OpDelete)
			if len(deletes) != 1 || deletes[0].RemoteID != "7" {
				t.Errorf("deletes = %+v, want one for 7", deletes)
			}
			_, err = f.repos.Products.Get(ctx, "a")
			if tt.wantPurged {
				if !errors.Is(err, fridge.ErrNotFound) {
					t.Errorf("Get() error = %v, want ErrNotFound", err)
				}
				if report.Deleted != 1 {
					t.Errorf("Deleted = %d, want 1", report.Deleted)
				}
				return
			}
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if got := f.product(t, "a"); got.Status != fridge.StatusDeleted {
				t.Errorf("status = %s, want deleted", got.Status)
			}
		})
	}
}

func TestEngine_NeverSyncedDelete(t *testing.T) {
	ctx := context.Background()

	t.Run("removed before any sync", func(t *testing.T) {
		f := newSyncFixture(t, fridge.EngineOptions{})
		milk := f.addProduct(t, "Milk")
		if err := f.svc.RemoveProduct(ctx, milk.LocalID); err != nil {
			t.Fatalf("RemoveProduct() error = %v", err)
		}
		if _, err := f.engine.SyncAll(ctx); err != nil {
			t.Fatalf("SyncAll() error = %v", err)
		}
		if calls := f.remotes.Products.Calls(); len(calls) != 0 {
			t.Errorf("remote calls = %+v, want none", calls)
		}
		if got, _ := f.repos.Products.List(ctx); len(got) != 0 {
			t.Errorf("products = %d, want 0", len(got))
		}
	})

	t.Run("stored tombstone without remoteId", func(t *testing.T) {
		f := newSyncFixture(t, fridge.EngineOptions{})
		seedBlob(t, f.blobs, "@shoppingList", `[
			{"localId":"s1","remoteId":null,"syncStatus":"deleted","productId":"p","quantity":1}
		]`)
		report, err := f.engine.Sync(ctx, fridge.KindShoppingItem)
		if err != nil {
			t.Fatalf("Sync() error = %v", err)
		}
		if calls := f.remotes.Shopping.Calls(); len(calls) != 0 {
			t.Errorf("remote calls = %+v, want none", calls)
		}
		if report.Deleted != 1 {
			t.Errorf("Deleted = %d, want 1", report.Deleted)
		}
		if got, _ := f.repos.Shopping.List(ctx); len(got) != 0 {
			t.Errorf("shopping items = %d, want 0", len(got))
		}
	})
}

func TestEngine_DefersDependentsOfUnsyncedProducts(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, fridge.EngineOptions{})
	milk := f.addProduct(t, "Milk")
	item, err := f.svc.AddToFridge(ctx, milk.LocalID, &fridge.FridgeItem{})
	if err != nil {
		t.Fatalf("AddToFridge() error = %v", err)
	}
	f.remotes.Products.FailAll(testutil.OpCreate, serverError("down"))

	report, err := f.engine.SyncAll(ctx)
	if err != nil {
		t.Fatalf("SyncAll() error = %v", err)
	}
	if got := report.Pass(fridge.KindFridgeItem).Deferred; got != 1 {
		t.Errorf("fridge deferred = %d, want 1", got)
	}
	if report.Complete() {
		t.Error("report should not be complete")
	}
	if calls := f.remotes.Fridge.Calls(); len(calls) != 0 {
		t.Errorf("fridge calls = %+v, want none", calls)
	}
	if got := f.fridgeItem(t, item.LocalID); got.Status != fridge.StatusCreated || got.ProductID != milk.LocalID {
		t.Errorf("fridge item = (%s, %s), want untouched", got.Status, got.ProductID)
	}

	f.remotes.Products.FailAll(testutil.OpCreate, nil)
	report, err = f.engine.SyncAll(ctx)
	if err != nil {
		t.Fatalf("second SyncAll() error = %v", err)
	}
	if !report.Complete() {
		t.Errorf("second run incomplete: %+v", report.Passes)
	}
}

func TestEngine_ReconcilesStaleReferences(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, fridge.EngineOptions{})
	seedBlob(t, f.blobs, "@productDatabase", `[
		{"localId":"P1","remoteId":42,"syncStatus":"synced","name":"Milk"}
	]`)
	seedBlob(t, f.blobs, "@fridge", `[
		{"localId":"f1","remoteId":null,"syncStatus":"created","productId":"P1","quantity":1}
	]`)

	report, err := f.engine.Sync(ctx, fridge.KindFridgeItem)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if report.Remapped != 1 || report.Created != 1 {
		t.Errorf("remapped %d created %d, want 1 and 1", report.Remapped, report.Created)
	}
	creates := f.remotes.Fridge.CallsOf(testutil.OpCreate)
	if len(creates) != 1 || creates[0].Sent.ProductID != "42" {
		t.Errorf("creates = %+v, want productId 42", creates)
	}
}

func TestEngine_AuthErrorAbortsRun(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, fridge.EngineOptions{})
	f.addProduct(t, "Milk")
	f.addProduct(t, "Eggs")
	f.remotes.Products.FailAll(testutil.OpCreate, &fridge.AuthError{StatusCode: 401, Err: errors.New("token expired")})

	report, err := f.engine.SyncAll(ctx)
	if !fridge.IsAuth(err) {
		t.Fatalf("SyncAll() error = %v, want AuthError", err)
	}
	if got := len(f.remotes.Products.CallsOf(testutil.OpCreate)); got != 1 {
		t.Errorf("creates = %d, want 1", got)
	}
	if len(report.Passes) != 1 {
		t.Errorf("passes = %d, want 1", len(report.Passes))
	}
	if calls := f.remotes.Fridge.Calls(); len(calls) != 0 {
		t.Errorf("fridge calls = %d, want 0", len(calls))
	}
	for _, id := range []string{"id-1", "id-2"} {
		if got := f.product(t, id); got.Status != fridge.StatusCreated {
			t.Errorf("%s status = %s, want created", id, got.Status)
		}
	}
}

func TestEngine_EditsDuringPush(t *testing.T) {
	ctx := context.Background()

	t.Run("edit while create is in flight", func(t *testing.T) {
		f := newSyncFixture(t, fridge.EngineOptions{})
		milk := f.addProduct(t, "Milk")
		edited := false
		f.remotes.Products.Hook = func(ctx context.Context, op testutil.Op, localID string) error {
			if op == testutil.OpCreate && !edited {
				edited = true
				name := "Oat milk"
				_, err := f.svc.EditProduct(ctx, localID, fridge.ProductPatch{Name: &name})
				return err
			}
			return nil
		}

		if _, err := f.engine.Sync(ctx, fridge.KindProduct); err != nil {
			t.Fatalf("Sync() error = %v", err)
		}
		got := f.product(t, milk.LocalID)
		if got.RemoteID != "1" || got.Status != fridge.StatusUpdated || got.Name != "Oat milk" {
			t.Errorf("product = (%s, %s, %s), want (1, updated, Oat milk)", got.RemoteID, got.Status, got.Name)
		}

		if _, err := f.engine.Sync(ctx, fridge.KindProduct); err != nil {
			t.Fatalf("second Sync() error = %v", err)
		}
		updates := f.remotes.Products.CallsOf(testutil.OpUpdate)
		if len(updates) != 1 || updates[0].Sent.Name != "Oat milk" {
			t.Errorf("updates = %+v, want one carrying Oat milk", updates)
		}
		if got := f.product(t, milk.LocalID); got.Status != fridge.StatusSynced {
			t.Errorf("status = %s, want synced", got.Status)
		}
	})

	t.Run("delete while update is in flight", func(t *testing.T) {
		f := newSyncFixture(t, fridge.EngineOptions{})
		seedBlob(t, f.blobs, "@productDatabase", `[
			{"localId":"a","remoteId":1,"syncStatus":"updated","revision":3,"name":"Milk"}
		]`)
		f.remotes.Products.Seed(&fridge.Product{Name: "Milk"})
		f.remotes.Products.Hook = func(ctx context.Context, op testutil.Op, localID string) error {
			if op == testutil.OpUpdate {
				return f.svc.RemoveProduct(ctx, localID)
			}
			return nil
		}

		if _, err := f.engine.Sync(ctx, fridge.KindProduct); err != nil {
			t.Fatalf("Sync() error = %v", err)
		}
		if got := f.product(t, "a"); got.Status != fridge.StatusDeleted {
			t.Fatalf("status = %s, want deleted", got.Status)
		}

		if _, err := f.engine.Sync(ctx, fridge.KindProduct); err != nil {
			t.Fatalf("second Sync() error = %v", err)
		}
		if _, err := f.repos.Products.Get(ctx, "a"); !errors.Is(err, fridge.ErrNotFound) {
			t.Errorf("Get() error = %v, want ErrNotFound", err)
		}
		if len(f.remotes.Products.Records()) != 0 {
			t.Errorf("remote records = %d, want 0", len(f.remotes.Products.Records()))
		}
	})
}

func TestEngine_UpdatedWithoutRemoteIDIsSkipped(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, fridge.EngineOptions{})
	seedBlob(t, f.blobs, "@productDatabase", `[
		{"localId":"a","remoteId":null,"syncStatus":"updated","name":"Milk"}
	]`)

	report, err := f.engine.Sync(ctx, fridge.KindProduct)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if report.Skipped != 1 || len(report.Errors) != 1 || !fridge.IsConsistency(report.Errors[0].Err) {
		t.Errorf("report = skipped %d errors %+v, want one consistency error", report.Skipped, report.Errors)
	}
	if calls := f.remotes.Products.Calls(); len(calls) != 0 {
		t.Errorf("remote calls = %d, want 0", len(calls))
	}
	if got := f.product(t, "a"); got.Status != fridge.StatusUpdated {
		t.Errorf("status = %s, want updated", got.Status)
	}
}

func TestEngine_StoreWriteFailureAbortsPass(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, fridge.EngineOptions{})
	f.addProduct(t, "Milk")
	f.addProduct(t, "Eggs")
	f.blobs.FailWrites("@productDatabase", testutil.ErrInjected)

	_, err := f.engine.Sync(ctx, fridge.KindProduct)
	if !errors.Is(err, testutil.ErrInjected) {
		t.Fatalf("Sync() error = %v, want injected failure", err)
	}
	if got := len(f.remotes.Products.CallsOf(testutil.OpCreate)); got != 1 {
		t.Errorf("creates = %d, want 1", got)
	}
	for _, id := range []string{"id-1", "id-2"} {
		if got := f.product(t, id); got.Status != fridge.StatusCreated {
			t.Errorf("%s status = %s, want created", id, got.Status)
		}
	}
}

func TestEngine_RemoveRacingCreateCommit(t *testing.T) {
	ctx := context.Background()

	for round := 0; round < 25; round++ {
		f := newSyncFixture(t, fridge.EngineOptions{})
		milk := f.addProduct(t, "Milk")

		entered := make(chan struct{})
		var once sync.Once
		f.remotes.Products.Hook = func(ctx context.Context, op testutil.Op, localID string) error {
			if op == testutil.OpCreate {
				once.Do(func() { close(entered) })
			}
			return nil
		}

		removed := make(chan error, 1)
		go func() {
			<-entered
			removed <- f.svc.RemoveProduct(ctx, milk.LocalID)
		}()

		report, err := f.engine.Sync(ctx, fridge.KindProduct)
		if err != nil {
			t.Fatalf("round %d: Sync() error = %v", round, err)
		}
		if err := <-removed; err != nil {
			t.Fatalf("round %d: RemoveProduct() error = %v", round, err)
		}

		remote := f.remotes.Products.Records()
		local, err := f.repos.Products.Get(ctx, milk.LocalID)
		switch {
		case len(remote) == 0:
			t.Fatalf("round %d: remote create missing", round)
		case err == nil:
			// The create committed first; removal must leave a tombstone
			// carrying the remoteId so the next pass deletes the remote copy.
			if local.Status != fridge.StatusDeleted || local.RemoteID.IsZero() {
				t.Fatalf("round %d: local = (%s, %q), want deleted with remoteId", round, local.Status, local.RemoteID)
			}
			if _, err := f.engine.Sync(ctx, fridge.KindProduct); err != nil {
				t.Fatalf("round %d: second Sync() error = %v", round, err)
			}
			if n := len(f.remotes.Products.Records()); n != 0 {
				t.Errorf("round %d: remote records after second pass = %d, want 0", round, n)
			}
		case errors.Is(err, fridge.ErrNotFound):
			// Purged before the commit: the engine must have noticed.
			if report.Failed != 1 || report.Created != 0 {
				t.Fatalf("round %d: purged record reported created %d failed %d, want 0 and 1", round, report.Created, report.Failed)
			}
		default:
			t.Fatalf("round %d: Get() error = %v", round, err)
		}
	}
}

// cancelOnReadStore cancels the sync context the first time a collection is
// read after it is armed, and refuses writes under a cancelled context the
// way the sqlite and filesystem stores do.
type cancelOnReadStore struct {
	fridge.BlobStore
	armed  atomic.Bool
	cancel context.CancelFunc
}

func (s *cancelOnReadStore) Get(ctx context.Context, key string) ([]byte, error) {
	if s.armed.CompareAndSwap(true, false) {
		s.cancel()
	}
	return s.BlobStore.Get(ctx, key)
}

func (s *cancelOnReadStore) Set(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.BlobStore.Set(ctx, key, data)
}

func TestEngine_CancelAfterCreateKeepsCommit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	blobs := &cancelOnReadStore{BlobStore: testutil.NewTestStore(), cancel: cancel}
	repos, clock := testutil.NewTestRepositories(blobs)
	remotes := testutil.NewFakeRemotes()
	engine := fridge.NewEngine(repos, remotes.Remotes(), fridge.NewNopLogger(), clock, fridge.EngineOptions{})

	milk, err := repos.Products.Create(ctx, &fridge.Product{Name: "Milk"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	// Arm once the create has reached the server: the next read is the
	// commit of its outcome.
	remotes.Products.Hook = func(ctx context.Context, op testutil.Op, localID string) error {
		if op == testutil.OpCreate {
			blobs.armed.Store(true)
		}
		return nil
	}

	if _, err := engine.Sync(ctx, fridge.KindProduct); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("Sync() error = %v", err)
	}
	if ctx.Err() == nil {
		t.Fatal("context was not cancelled during the pass")
	}

	got, err := repos.Products.Get(context.Background(), milk.LocalID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.RemoteID != "1" || got.Status != fridge.StatusSynced {
		t.Errorf("product = (%q, %s), want (1, synced)", got.RemoteID, got.Status)
	}

	if _, err := engine.Sync(context.Background(), fridge.KindProduct); err != nil {
		t.Fatalf("second Sync() error = %v", err)
	}
	if n := len(remotes.Products.CallsOf(testutil.OpCreate)); n != 1 {
		t.Errorf("remote creates = %d, want 1", n)
	}
}

func TestEngine_CallTimeout(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, fridge.EngineOptions{CallTimeout: 20 * time.Millisecond})
	f.addProduct(t, "Milk")
	f.remotes.Products.Hook = func(ctx context.Context, op testutil.Op, localID string) error {
		<-ctx.Done()
		return ctx.Err()
	}

	report, err := f.engine.Sync(ctx, fridge.KindProduct)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if report.Failed != 1 || len(report.Errors) != 1 {
		t.Fatalf("report = failed %d errors %d, want 1 and 1", report.Failed, len(report.Errors))
	}
	if !fridge.IsNetwork(report.Errors[0].Err) || !errors.Is(report.Errors[0].Err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want network error wrapping deadline", report.Errors[0].Err)
	}
}

func TestEngine_Cancellation(t *testing.T) {
	f := newSyncFixture(t, fridge.EngineOptions{})
	f.addProduct(t, "Milk")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := f.engine.SyncAll(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("SyncAll() error = %v, want context.Canceled", err)
	}
	if pass := report.Pass(fridge.KindProduct); pass == nil || !pass.Interrupted {
		t.Errorf("product pass = %+v, want interrupted", pass)
	}
	if calls := f.remotes.Products.Calls(); len(calls) != 0 {
		t.Errorf("remote calls = %d, want 0", len(calls))
	}
}

func TestEngine_ConcurrentTriggersPushOnce(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, fridge.EngineOptions{})
	f.addProduct(t, "Milk")

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.remotes.Products.Hook = func(ctx context.Context, op testutil.Op, localID string) error {
		if op == testutil.OpCreate {
			once.Do(func() { close(entered) })
			<-release
		}
		return nil
	}

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := f.engine.SyncAll(ctx)
		errs <- err
	}()
	<-entered

	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := f.engine.SyncAll(ctx)
		errs <- err
	}()
	go func() {
		defer wg.Done()
		_, err := f.engine.Sync(ctx, fridge.KindProduct)
		errs <- err
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("sync error = %v", err)
		}
	}
	if got := len(f.remotes.Products.CallsOf(testutil.OpCreate)); got != 1 {
		t.Errorf("creates = %d, want 1", got)
	}
	if got := len(f.remotes.Products.Records()); got != 1 {
		t.Errorf("remote records = %d, want 1", got)
	}
}

func TestEngine_Parallelism(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, fridge.EngineOptions{Parallelism: 4})
	for i := range 10 {
		f.addProduct(t, fmt.Sprintf("product %d", i))
	}

	var inFlight, peak atomic.Int32
	f.remotes.Products.Hook = func(ctx context.Context, op testutil.Op, localID string) error {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return nil
	}

	report, err := f.engine.Sync(ctx, fridge.KindProduct)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if report.Created != 10 {
		t.Errorf("Created = %d, want 10", report.Created)
	}
	if got := peak.Load(); got > 4 {
		t.Errorf("peak concurrency = %d, want at most 4", got)
	}

	products, _ := f.repos.Products.List(ctx)
	seen := make(map[fridge.RemoteID]bool)
	for _, p := range products {
		if p.Status != fridge.StatusSynced || p.RemoteID.IsZero() {
			t.Errorf("%s = (%s, %q), want synced with remoteId", p.LocalID, p.Status, p.RemoteID)
		}
		if seen[p.RemoteID] {
			t.Errorf("remoteId %s assigned twice", p.RemoteID)
		}
		seen[p.RemoteID] = true
	}
}

func TestEngine_Pull(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, fridge.EngineOptions{})
	f.remotes.Products.Seed(&fridge.Product{Name: "Milk (fresh)"})
	f.remotes.Products.Seed(&fridge.Product{Name: "Bread"})
	seedBlob(t, f.blobs, "@productDatabase", `[
		{"localId":"a","remoteId":1,"syncStatus":"synced","revision":2,"name":"Milk"},
		{"localId":"b","remoteId":null,"syncStatus":"created","revision":1,"name":"Eggs"},
		{"localId":"c","remoteId":3,"syncStatus":"synced","revision":1,"name":"Gone"},
		{"localId":"d","remoteId":2,"syncStatus":"updated","revision":4,"name":"Bread (local edit)"}
	]`)

	report, err := f.engine.Pull(ctx, fridge.KindProduct)
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	want := fridge.PullReport{Kind: fridge.KindProduct, Refreshed: 1, Adopted: 0, Dropped: 1, Kept: 2}
	if diff := cmp.Diff(want, *report); diff != "" {
		t.Errorf("Pull() report mismatch (-want +got):\n%s", diff)
	}

	products, _ := f.repos.Products.List(ctx)
	got := make(map[string]*fridge.Product)
	for _, p := range products {
		got[p.LocalID] = p
	}
	if len(got) != 3 {
		t.Fatalf("products = %d, want 3", len(got))
	}
	if got["a"].Name != "Milk (fresh)" || got["a"].Status != fridge.StatusSynced || got["a"].Revision != 2 {
		t.Errorf("a = (%s, %s, rev %d), want refreshed", got["a"].Name, got["a"].Status, got["a"].Revision)
	}
	if got["b"].Name != "Eggs" || got["b"].Status != fridge.StatusCreated {
		t.Errorf("b = (%s, %s), want untouched", got["b"].Name, got["b"].Status)
	}
	if got["d"].Name != "Bread (local edit)" || got["d"].Status != fridge.StatusUpdated {
		t.Errorf("d = (%s, %s), want local edit kept", got["d"].Name, got["d"].Status)
	}

	t.Run("adopts records created elsewhere", func(t *testing.T) {
		f.remotes.Products.Seed(&fridge.Product{Name: "Butter"})
		report, err := f.engine.Pull(ctx, fridge.KindProduct)
		if err != nil {
			t.Fatalf("Pull() error = %v", err)
		}
		if report.Adopted != 1 {
			t.Errorf("Adopted = %d, want 1", report.Adopted)
		}
		products, _ := f.repos.Products.List(ctx)
		last := products[len(products)-1]
		if last.Name != "Butter" || last.LocalID != "id-1" || last.Status != fridge.StatusSynced || last.RemoteID != "3" {
			t.Errorf("adopted = (%s, %s, %s, %s)", last.Name, last.LocalID, last.Status, last.RemoteID)
		}
	})

	t.Run("failed list leaves the collection alone", func(t *testing.T) {
		f.remotes.Products.FailNext(testutil.OpList, serverError("down"))
		before, _ := f.repos.Products.List(ctx)
		if _, err := f.engine.Pull(ctx, fridge.KindProduct); !fridge.IsNetwork(err) {
			t.Fatalf("Pull() error = %v, want NetworkError", err)
		}
		after, _ := f.repos.Products.List(ctx)
		if diff := cmp.Diff(before, after, statusComparer); diff != "" {
			t.Errorf("collection changed (-before +after):\n%s", diff)
		}
	})
}

func TestEngine_UnknownKind(t *testing.T) {
	f := newSyncFixture(t, fridge.EngineOptions{})
	if _, err := f.engine.Sync(context.Background(), fridge.Kind("pantry")); err == nil {
		t.Error("Sync() expected error for unknown kind")
	}
	if _, err := f.engine.Pull(context.Background(), fridge.Kind("pantry")); err == nil {
		t.Error("Pull() expected error for unknown kind")
	}
}
