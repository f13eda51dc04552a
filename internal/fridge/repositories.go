package fridge

// Repositories holds one collection per entity kind, all sharing a store.
type Repositories struct {
	Products *Collection[*Product]
	Fridge   *Collection[*FridgeItem]
	Shopping *Collection[*ShoppingItem]
	Reviews  *Collection[*Review]
}

// NewRepositories creates the four collections on top of store.
func NewRepositories(store BlobStore, clock Clock, idgen IDGenerator) *Repositories {
	return &Repositories{
		Products: NewCollection[*Product](KindProduct, store, clock, idgen),
		Fridge:   NewCollection[*FridgeItem](KindFridgeItem, store, clock, idgen),
		Shopping: NewCollection[*ShoppingItem](KindShoppingItem, store, clock, idgen),
		Reviews:  NewCollection[*Review](KindReview, store, clock, idgen),
	}
}
