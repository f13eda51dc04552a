package fridge

import "context"

// RemoteClient is the authenticated CRUD surface of the remote service for
// one entity kind.
//
// Create is the only call that yields a server-assigned identifier, returned
// in the RemoteID of the record it hands back. Create is not idempotent on
// the server unless the server honours the idempotency key derived from the
// record's localId. Rejected credentials surface as *AuthError, everything
// else as *NetworkError.
type RemoteClient[E Entity] interface {
	Create(ctx context.Context, rec E) (E, error)
	Update(ctx context.Context, rec E) error
	Delete(ctx context.Context, id RemoteID) error
	List(ctx context.Context) ([]E, error)
}

// Remotes bundles the remote clients for every entity kind.
type Remotes struct {
	Products RemoteClient[*Product]
	Fridge   RemoteClient[*FridgeItem]
	Shopping RemoteClient[*ShoppingItem]
	Reviews  RemoteClient[*Review]
}
