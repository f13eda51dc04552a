package fridge

import "time"

// Kind names an entity type. Each kind has exactly one collection.
type Kind string

const (
	KindProduct      Kind = "product"
	KindFridgeItem   Kind = "fridge-item"
	KindShoppingItem Kind = "shopping-item"
	KindReview       Kind = "review"
)

// Kinds lists every entity kind in sync order: products first so that
// identifier remapping happens before any dependent is pushed.
var Kinds = []Kind{KindProduct, KindFridgeItem, KindShoppingItem, KindReview}

var kindAliases = map[string]Kind{
	"products": KindProduct,
	"fridge":   KindFridgeItem,
	"shopping": KindShoppingItem,
	"reviews":  KindReview,
}

// ParseKind accepts a kind name, its remote collection name, or a short alias.
func ParseKind(s string) (Kind, bool) {
	for _, k := range Kinds {
		if string(k) == s || k.Collection() == s {
			return k, true
		}
	}
	k, ok := kindAliases[s]
	return k, ok
}

// StorageKey is the blob store key holding the kind's collection.
func (k Kind) StorageKey() string {
	switch k {
	case KindProduct:
		return "@productDatabase"
	case KindFridgeItem:
		return "@fridge"
	case KindShoppingItem:
		return "@shoppingList"
	case KindReview:
		return "@productReviews"
	default:
		return "@" + string(k)
	}
}

// Collection is the REST collection name on the remote service.
func (k Kind) Collection() string {
	switch k {
	case KindProduct:
		return "products"
	case KindFridgeItem:
		return "fridge-items"
	case KindShoppingItem:
		return "shopping-list"
	case KindReview:
		return "product-reviews"
	default:
		return string(k)
	}
}

// Product is a catalog entry owned by this device until it is synced.
type Product struct {
	Envelope

	Name               string     `json:"name" validate:"required,max=255"`
	Category           string     `json:"category,omitempty" validate:"max=100"`
	Quantity           float64    `json:"quantity,omitempty" validate:"gte=0"`
	Unit               string     `json:"unit,omitempty" validate:"max=50"`
	ExpiryDate         *time.Time `json:"expiryDate,omitempty"`
	EstimatedShelfLife int        `json:"estimatedShelfLife,omitempty" validate:"gte=0"`
	Barcode            string     `json:"barcode,omitempty" validate:"omitempty,max=64"`
	BarcodeType        string     `json:"barcodeType,omitempty"`
	ImagePath          string     `json:"imagePath,omitempty"`
	StorageLocation    string     `json:"storageLocation,omitempty"`
	Notes              string     `json:"notes,omitempty"`
}

// Ref returns the identifier other records should use to point at p:
// the remote identifier once known, the local one before that.
func (p *Product) Ref() string {
	if !p.RemoteID.IsZero() {
		return string(p.RemoteID)
	}
	return p.LocalID
}

// Matches reports whether ref identifies p, by local or remote identifier.
func (p *Product) Matches(ref string) bool {
	return ref != "" && (p.LocalID == ref || string(p.RemoteID) == ref)
}

// FridgeItem is one physical instance of a product in the fridge.
type FridgeItem struct {
	Envelope

	ProductID      string     `json:"productId" validate:"required"`
	Quantity       float64    `json:"quantity" validate:"gte=0"`
	Unit           string     `json:"unit,omitempty" validate:"max=50"`
	AddedDate      time.Time  `json:"addedDate"`
	ExpirationDate *time.Time `json:"expirationDate,omitempty"`
}

func (f *FridgeItem) ProductRef() string        { return f.ProductID }
func (f *FridgeItem) SetProductRef(ref string) { f.ProductID = ref }

// ShoppingItem is an entry on the shopping list.
type ShoppingItem struct {
	Envelope

	ProductID string    `json:"productId" validate:"required"`
	Name      string    `json:"name,omitempty" validate:"max=255"`
	Quantity  float64   `json:"quantity" validate:"gt=0"`
	Checked   bool      `json:"checked"`
	AddedDate time.Time `json:"addedDate"`
}

func (s *ShoppingItem) ProductRef() string        { return s.ProductID }
func (s *ShoppingItem) SetProductRef(ref string) { s.ProductID = ref }

// Review is the user's rating of a product.
type Review struct {
	Envelope

	ProductID string `json:"productId" validate:"required"`
	Rating    int    `json:"rating" validate:"min=1,max=5"`
	Comment   string `json:"comment,omitempty" validate:"max=2000"`
}

func (r *Review) ProductRef() string        { return r.ProductID }
func (r *Review) SetProductRef(ref string) { r.ProductID = ref }
