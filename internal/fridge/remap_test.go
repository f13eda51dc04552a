package fridge_test

import (
	"context"
	"testing"

	"fridgesync/internal/fridge"
	"fridgesync/internal/testutil"
)

func seedBlob(t *testing.T, blobs fridge.BlobStore, key, data string) {
	t.Helper()
	if err := blobs.Set(context.Background(), key, []byte(data)); err != nil {
		t.Fatalf("seeding %s: %v", key, err)
	}
}

func TestRemapper_Remap(t *testing.T) {
	ctx := context.Background()
	blobs := testutil.NewTestStore()
	repos, _ := testutil.NewTestRepositories(blobs)

	seedBlob(t, blobs, "@fridge", `[
		{"localId":"f1","remoteId":null,"syncStatus":"created","productId":"P1","quantity":1},
		{"localId":"f2","remoteId":5,"syncStatus":"synced","productId":"P1","quantity":2},
		{"localId":"f3","remoteId":6,"syncStatus":"synced","productId":"P2","quantity":1},
		{"localId":"f4","remoteId":7,"syncStatus":"deleted","productId":"P1","quantity":1}
	]`)
	seedBlob(t, blobs, "@shoppingList", `[
		{"localId":"s1","remoteId":3,"syncStatus":"updated","productId":"P1","quantity":1}
	]`)

	remapper := fridge.NewRemapper(fridge.NewNopLogger())
	remapper.Register(fridge.KindProduct,
		fridge.ProductDependent(repos.Fridge),
		fridge.ProductDependent(repos.Shopping),
		fridge.ProductDependent(repos.Reviews),
	)

	n, err := remapper.Remap(ctx, fridge.KindProduct, "P1", "42")
	if err != nil {
		t.Fatalf("Remap() error = %v", err)
	}
	if n != 4 {
		t.Errorf("Remap() = %d, want 4", n)
	}

	items, _ := repos.Fridge.List(ctx)
	want := map[string]struct {
		ref    string
		status fridge.Status
	}{
		"f1": {"42", fridge.StatusCreated},
		"f2": {"42", fridge.StatusUpdated},
		"f3": {"P2", fridge.StatusSynced},
		"f4": {"42", fridge.StatusDeleted},
	}
	for _, item := range items {
		w := want[item.LocalID]
		if item.ProductID != w.ref || item.Status != w.status {
			t.Errorf("%s = (%s, %s), want (%s, %s)", item.LocalID, item.ProductID, item.Status, w.ref, w.status)
		}
	}

	shopping, _ := repos.Shopping.Get(ctx, "s1")
	if shopping.ProductID != "42" || shopping.Status != fridge.StatusUpdated {
		t.Errorf("s1 = (%s, %s), want (42, updated)", shopping.ProductID, shopping.Status)
	}

	t.Run("second run is a no-op", func(t *testing.T) {
		n, err := remapper.Remap(ctx, fridge.KindProduct, "P1", "42")
		if err != nil {
			t.Fatalf("Remap() error = %v", err)
		}
		if n != 0 {
			t.Errorf("Remap() = %d, want 0", n)
		}
	})

	t.Run("ignores empty and identical ids", func(t *testing.T) {
		for _, ids := range [][2]string{{"", "42"}, {"P2", ""}, {"P2", "P2"}} {
			n, err := remapper.Remap(ctx, fridge.KindProduct, ids[0], ids[1])
			if err != nil || n != 0 {
				t.Errorf("Remap(%q, %q) = %d, %v; want 0, nil", ids[0], ids[1], n, err)
			}
		}
	})
}

func TestRemapper_Dependents(t *testing.T) {
	repos, _ := testutil.NewTestRepositories(testutil.NewTestStore())
	remapper := fridge.NewRemapper(fridge.NewNopLogger())
	remapper.Register(fridge.KindProduct, fridge.ProductDependent(repos.Fridge))
	remapper.Register(fridge.KindProduct, fridge.ProductDependent(repos.Reviews))

	deps := remapper.Dependents(fridge.KindProduct)
	if len(deps) != 2 {
		t.Fatalf("Dependents() = %d, want 2", len(deps))
	}
	if deps[0].Kind() != fridge.KindFridgeItem || deps[1].Kind() != fridge.KindReview {
		t.Errorf("Dependents() kinds = %s, %s", deps[0].Kind(), deps[1].Kind())
	}
	if got := remapper.Dependents(fridge.KindReview); len(got) != 0 {
		t.Errorf("Dependents(review) = %d, want 0", len(got))
	}
}
