package fridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
)

// Service is the local-first API used by the CLI: every call reads and writes
// the local collections only and never waits on the network. Pushing the
// resulting changes is the sync engine's job.
type Service struct {
	repos    *Repositories
	logger   Logger
	clock    Clock
	validate *validator.Validate
}

// NewService creates a Service over repos.
func NewService(repos *Repositories, logger Logger, clock Clock) *Service {
	return &Service{
		repos:    repos,
		logger:   logger,
		clock:    clock,
		validate: newValidator(),
	}
}

// ProductPatch carries the product fields to change; nil fields are kept.
type ProductPatch struct {
	Name               *string
	Category           *string
	Quantity           *float64
	Unit               *string
	ExpiryDate         *time.Time
	EstimatedShelfLife *int
	Barcode            *string
	BarcodeType        *string
	ImagePath          *string
	StorageLocation    *string
	Notes              *string
}

func (p ProductPatch) apply(prod *Product) {
	setIf(&prod.Name, p.Name)
	setIf(&prod.Category, p.Category)
	setIf(&prod.Quantity, p.Quantity)
	setIf(&prod.Unit, p.Unit)
	if p.ExpiryDate != nil {
		d := *p.ExpiryDate
		prod.ExpiryDate = &d
	}
	setIf(&prod.EstimatedShelfLife, p.EstimatedShelfLife)
	setIf(&prod.Barcode, p.Barcode)
	setIf(&prod.BarcodeType, p.BarcodeType)
	setIf(&prod.ImagePath, p.ImagePath)
	setIf(&prod.StorageLocation, p.StorageLocation)
	setIf(&prod.Notes, p.Notes)
}

// FridgeItemPatch carries the fridge item fields to change.
type FridgeItemPatch struct {
	Quantity       *float64
	Unit           *string
	ExpirationDate *time.Time
}

// ShoppingItemPatch carries the shopping item fields to change.
type ShoppingItemPatch struct {
	Name     *string
	Quantity *float64
	Checked  *bool
}

// ReviewPatch carries the review fields to change.
type ReviewPatch struct {
	Rating  *int
	Comment *string
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// --- Products ---

// AddProduct stores a new product. A non-empty barcode must not already be
// used by another live product.
func (s *Service) AddProduct(ctx context.Context, p *Product) (*Product, error) {
	if err := validateRecord(s.validate, KindProduct, p); err != nil {
		return nil, err
	}
	if err := s.checkBarcode(ctx, p.Barcode, ""); err != nil {
		return nil, err
	}
	created, err := s.repos.Products.Create(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("creating product: %w", err)
	}
	s.logger.Info("product added", "localId", created.LocalID, "name", created.Name)
	return created, nil
}

// EditProduct applies patch to the product with localID.
func (s *Service) EditProduct(ctx context.Context, localID string, patch ProductPatch) (*Product, error) {
	if patch.Barcode != nil {
		if err := s.checkBarcode(ctx, *patch.Barcode, localID); err != nil {
			return nil, err
		}
	}
	updated, err := s.repos.Products.Update(ctx, localID, func(p *Product) error {
		if p.Status == StatusDeleted {
			return fmt.Errorf("product %s: %w", localID, ErrNotFound)
		}
		patch.apply(p)
		return validateRecord(s.validate, KindProduct, p)
	})
	if err != nil {
		return nil, fmt.Errorf("editing product: %w", err)
	}
	s.logger.Info("product edited", "localId", localID)
	return updated, nil
}

// RemoveProduct deletes a product and every fridge item, shopping entry and
// review that points at it.
func (s *Service) RemoveProduct(ctx context.Context, localID string) error {
	p, err := s.liveProduct(ctx, localID)
	if err != nil {
		return err
	}

	fridge, err := s.repos.Fridge.List(ctx)
	if err != nil {
		return fmt.Errorf("listing fridge: %w", err)
	}
	for _, item := range fridge {
		if item.Status != StatusDeleted && p.Matches(item.ProductID) {
			if err := remove(ctx, s.repos.Fridge, item.LocalID); err != nil {
				return err
			}
		}
	}
	shopping, err := s.repos.Shopping.List(ctx)
	if err != nil {
		return fmt.Errorf("listing shopping list: %w", err)
	}
	for _, item := range shopping {
		if item.Status != StatusDeleted && p.Matches(item.ProductID) {
			if err := remove(ctx, s.repos.Shopping, item.LocalID); err != nil {
				return err
			}
		}
	}
	reviews, err := s.repos.Reviews.List(ctx)
	if err != nil {
		return fmt.Errorf("listing reviews: %w", err)
	}
	for _, r := range reviews {
		if r.Status != StatusDeleted && p.Matches(r.ProductID) {
			if err := remove(ctx, s.repos.Reviews, r.LocalID); err != nil {
				return err
			}
		}
	}

	if err := remove(ctx, s.repos.Products, localID); err != nil {
		return err
	}
	s.logger.Info("product removed", "localId", localID)
	return nil
}

// Products returns the live (not deleted) products.
func (s *Service) Products(ctx context.Context) ([]*Product, error) {
	return live(ctx, s.repos.Products)
}

// FindProductsByBarcode returns live products carrying barcode.
func (s *Service) FindProductsByBarcode(ctx context.Context, barcode string) ([]*Product, error) {
	products, err := s.Products(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Product
	for _, p := range products {
		if barcode != "" && p.Barcode == barcode {
			out = append(out, p)
		}
	}
	return out, nil
}

// ResolveProduct finds a live product by local or remote identifier.
func (s *Service) ResolveProduct(ctx context.Context, ref string) (*Product, error) {
	products, err := s.Products(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range products {
		if p.Matches(ref) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("product %s: %w", ref, ErrNotFound)
}

func (s *Service) liveProduct(ctx context.Context, localID string) (*Product, error) {
	p, err := s.repos.Products.Get(ctx, localID)
	if err != nil {
		return nil, err
	}
	if p.Status == StatusDeleted {
		return nil, fmt.Errorf("product %s: %w", localID, ErrNotFound)
	}
	return p, nil
}

func (s *Service) checkBarcode(ctx context.Context, barcode, exceptLocalID string) error {
	if barcode == "" {
		return nil
	}
	matches, err := s.FindProductsByBarcode(ctx, barcode)
	if err != nil {
		return err
	}
	for _, p := range matches {
		if p.LocalID != exceptLocalID {
			return fmt.Errorf("barcode %s is used by product %s: %w", barcode, p.LocalID, ErrAlreadyExists)
		}
	}
	return nil
}

// --- Fridge ---

// FridgeEntry is a fridge item joined with its product.
type FridgeEntry struct {
	Item    *FridgeItem
	Product *Product
}

// AddToFridge puts a unit of the referenced product in the fridge. Unset
// quantity defaults to 1, unset unit to the product's unit, and unset
// expiration to the product's expiry date or its shelf life from today.
func (s *Service) AddToFridge(ctx context.Context, productRef string, item *FridgeItem) (*FridgeItem, error) {
	p, err := s.ResolveProduct(ctx, productRef)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	item.ProductID = p.Ref()
	if item.AddedDate.IsZero() {
		item.AddedDate = now
	}
	if item.Quantity == 0 {
		item.Quantity = 1
	}
	if item.Unit == "" {
		item.Unit = p.Unit
	}
	if item.ExpirationDate == nil {
		switch {
		case p.ExpiryDate != nil:
			d := *p.ExpiryDate
			item.ExpirationDate = &d
		case p.EstimatedShelfLife > 0:
			d := item.AddedDate.AddDate(0, 0, p.EstimatedShelfLife)
			item.ExpirationDate = &d
		}
	}
	if err := validateRecord(s.validate, KindFridgeItem, item); err != nil {
		return nil, err
	}

	created, err := s.repos.Fridge.Create(ctx, item)
	if err != nil {
		return nil, fmt.Errorf("adding to fridge: %w", err)
	}
	s.logger.Info("fridge item added", "localId", created.LocalID, "product", created.ProductID)
	return created, nil
}

// EditFridgeItem applies patch to the fridge item with localID.
func (s *Service) EditFridgeItem(ctx context.Context, localID string, patch FridgeItemPatch) (*FridgeItem, error) {
	updated, err := s.repos.Fridge.Update(ctx, localID, func(item *FridgeItem) error {
		if item.Status == StatusDeleted {
			return fmt.Errorf("fridge item %s: %w", localID, ErrNotFound)
		}
		setIf(&item.Quantity, patch.Quantity)
		setIf(&item.Unit, patch.Unit)
		if patch.ExpirationDate != nil {
			d := *patch.ExpirationDate
			item.ExpirationDate = &d
		}
		return validateRecord(s.validate, KindFridgeItem, item)
	})
	if err != nil {
		return nil, fmt.Errorf("editing fridge item: %w", err)
	}
	return updated, nil
}

// RemoveFromFridge deletes the fridge item with localID.
func (s *Service) RemoveFromFridge(ctx context.Context, localID string) error {
	if err := remove(ctx, s.repos.Fridge, localID); err != nil {
		return err
	}
	s.logger.Info("fridge item removed", "localId", localID)
	return nil
}

// FridgeContents returns live fridge items joined with their products, soonest
// expiration first. Items whose product cannot be found are left out.
func (s *Service) FridgeContents(ctx context.Context) ([]FridgeEntry, error) {
	items, err := live(ctx, s.repos.Fridge)
	if err != nil {
		return nil, err
	}
	products, err := s.Products(ctx)
	if err != nil {
		return nil, err
	}

	var out []FridgeEntry
	for _, item := range items {
		p := findProduct(products, item.ProductID)
		if p == nil {
			s.logger.Debug("fridge item has no product", "localId", item.LocalID, "product", item.ProductID)
			continue
		}
		out = append(out, FridgeEntry{Item: item, Product: p})
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Item.ExpirationDate, out[j].Item.ExpirationDate
		if a == nil || b == nil {
			return a != nil
		}
		return a.Before(*b)
	})
	return out, nil
}

// FridgeItemsByBarcode returns the fridge entries whose product carries barcode.
func (s *Service) FridgeItemsByBarcode(ctx context.Context, barcode string) ([]FridgeEntry, error) {
	entries, err := s.FridgeContents(ctx)
	if err != nil {
		return nil, err
	}
	var out []FridgeEntry
	for _, e := range entries {
		if barcode != "" && e.Product.Barcode == barcode {
			out = append(out, e)
		}
	}
	return out, nil
}

// --- Shopping list ---

// ShoppingEntry is a shopping item joined with its product.
type ShoppingEntry struct {
	Item    *ShoppingItem
	Product *Product
}

// AddToShoppingList adds quantity of the referenced product to the list. If
// the product is already on the list the quantities are merged.
func (s *Service) AddToShoppingList(ctx context.Context, productRef string, quantity float64) (*ShoppingItem, error) {
	p, err := s.ResolveProduct(ctx, productRef)
	if err != nil {
		return nil, err
	}
	if quantity <= 0 {
		quantity = 1
	}

	items, err := live(ctx, s.repos.Shopping)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		if !p.Matches(item.ProductID) {
			continue
		}
		updated, err := s.repos.Shopping.Update(ctx, item.LocalID, func(it *ShoppingItem) error {
			it.Quantity += quantity
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("merging shopping item: %w", err)
		}
		s.logger.Info("shopping item merged", "localId", updated.LocalID, "quantity", updated.Quantity)
		return updated, nil
	}

	item := &ShoppingItem{
		ProductID: p.Ref(),
		Name:      p.Name,
		Quantity:  quantity,
		AddedDate: s.clock.Now(),
	}
	if err := validateRecord(s.validate, KindShoppingItem, item); err != nil {
		return nil, err
	}
	created, err := s.repos.Shopping.Create(ctx, item)
	if err != nil {
		return nil, fmt.Errorf("adding to shopping list: %w", err)
	}
	s.logger.Info("shopping item added", "localId", created.LocalID, "product", created.ProductID)
	return created, nil
}

// EditShoppingItem applies patch to the shopping item with localID.
func (s *Service) EditShoppingItem(ctx context.Context, localID string, patch ShoppingItemPatch) (*ShoppingItem, error) {
	updated, err := s.repos.Shopping.Update(ctx, localID, func(item *ShoppingItem) error {
		if item.Status == StatusDeleted {
			return fmt.Errorf("shopping item %s: %w", localID, ErrNotFound)
		}
		setIf(&item.Name, patch.Name)
		setIf(&item.Quantity, patch.Quantity)
		setIf(&item.Checked, patch.Checked)
		return validateRecord(s.validate, KindShoppingItem, item)
	})
	if err != nil {
		return nil, fmt.Errorf("editing shopping item: %w", err)
	}
	return updated, nil
}

// SetChecked ticks or unticks a shopping item.
func (s *Service) SetChecked(ctx context.Context, localID string, checked bool) (*ShoppingItem, error) {
	return s.EditShoppingItem(ctx, localID, ShoppingItemPatch{Checked: &checked})
}

// RemoveFromShoppingList deletes the shopping item with localID.
func (s *Service) RemoveFromShoppingList(ctx context.Context, localID string) error {
	if err := remove(ctx, s.repos.Shopping, localID); err != nil {
		return err
	}
	s.logger.Info("shopping item removed", "localId", localID)
	return nil
}

// ShoppingList returns live shopping items joined with their products,
// unchecked entries first.
func (s *Service) ShoppingList(ctx context.Context) ([]ShoppingEntry, error) {
	items, err := live(ctx, s.repos.Shopping)
	if err != nil {
		return nil, err
	}
	products, err := s.Products(ctx)
	if err != nil {
		return nil, err
	}

	var out []ShoppingEntry
	for _, item := range items {
		p := findProduct(products, item.ProductID)
		if p == nil {
			continue
		}
		out = append(out, ShoppingEntry{Item: item, Product: p})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return !out[i].Item.Checked && out[j].Item.Checked
	})
	return out, nil
}

// --- Reviews ---

// AddReview records the user's rating of a product. A product has at most
// one live review.
func (s *Service) AddReview(ctx context.Context, productRef string, rating int, comment string) (*Review, error) {
	p, err := s.ResolveProduct(ctx, productRef)
	if err != nil {
		return nil, err
	}
	existing, err := s.ReviewForProduct(ctx, productRef)
	if err == nil {
		return nil, fmt.Errorf("review %s for product %s: %w", existing.LocalID, p.LocalID, ErrAlreadyExists)
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	review := &Review{ProductID: p.Ref(), Rating: rating, Comment: comment}
	if err := validateRecord(s.validate, KindReview, review); err != nil {
		return nil, err
	}
	created, err := s.repos.Reviews.Create(ctx, review)
	if err != nil {
		return nil, fmt.Errorf("adding review: %w", err)
	}
	s.logger.Info("review added", "localId", created.LocalID, "product", created.ProductID, "rating", created.Rating)
	return created, nil
}

// EditReview applies patch to the review with localID.
func (s *Service) EditReview(ctx context.Context, localID string, patch ReviewPatch) (*Review, error) {
	updated, err := s.repos.Reviews.Update(ctx, localID, func(r *Review) error {
		if r.Status == StatusDeleted {
			return fmt.Errorf("review %s: %w", localID, ErrNotFound)
		}
		setIf(&r.Rating, patch.Rating)
		setIf(&r.Comment, patch.Comment)
		return validateRecord(s.validate, KindReview, r)
	})
	if err != nil {
		return nil, fmt.Errorf("editing review: %w", err)
	}
	return updated, nil
}

// RemoveReview deletes the review with localID.
func (s *Service) RemoveReview(ctx context.Context, localID string) error {
	if err := remove(ctx, s.repos.Reviews, localID); err != nil {
		return err
	}
	s.logger.Info("review removed", "localId", localID)
	return nil
}

// ReviewForProduct returns the live review of the referenced product.
func (s *Service) ReviewForProduct(ctx context.Context, productRef string) (*Review, error) {
	p, err := s.ResolveProduct(ctx, productRef)
	if err != nil {
		return nil, err
	}
	reviews, err := live(ctx, s.repos.Reviews)
	if err != nil {
		return nil, err
	}
	for _, r := range reviews {
		if p.Matches(r.ProductID) {
			return r, nil
		}
	}
	return nil, fmt.Errorf("review for product %s: %w", productRef, ErrNotFound)
}

// --- Status ---

// KindStatus counts the records of one kind by sync status.
type KindStatus struct {
	Kind   Kind
	Counts map[Status]int
}

// Pending returns the number of records still waiting for the sync engine.
func (k KindStatus) Pending() int {
	return k.Counts[StatusCreated] + k.Counts[StatusUpdated] + k.Counts[StatusDeleted]
}

// SyncStatus counts the records of every kind by sync status.
func (s *Service) SyncStatus(ctx context.Context) ([]KindStatus, error) {
	var out []KindStatus
	for _, counter := range []func(context.Context) (KindStatus, error){
		countStatuses(s.repos.Products),
		countStatuses(s.repos.Fridge),
		countStatuses(s.repos.Shopping),
		countStatuses(s.repos.Reviews),
	} {
		ks, err := counter(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, ks)
	}
	return out, nil
}

func countStatuses[E Entity](coll *Collection[E]) func(context.Context) (KindStatus, error) {
	return func(ctx context.Context) (KindStatus, error) {
		records, err := coll.List(ctx)
		if err != nil {
			return KindStatus{}, err
		}
		ks := KindStatus{Kind: coll.Kind(), Counts: make(map[Status]int)}
		for _, rec := range records {
			ks.Counts[rec.Meta().Status]++
		}
		return ks, nil
	}
}

// remove purges a record the server has never seen and tombstones anything
// else so the sync engine can delete the remote copy.
func remove[E Entity](ctx context.Context, coll *Collection[E], localID string) error {
	if _, err := coll.Delete(ctx, localID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("deleting %s %s: %w", coll.Kind(), localID, err)
	}
	return nil
}

func live[E Entity](ctx context.Context, coll *Collection[E]) ([]E, error) {
	records, err := coll.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", coll.Kind(), err)
	}
	out := records[:0]
	for _, rec := range records {
		if rec.Meta().Status != StatusDeleted {
			out = append(out, rec)
		}
	}
	return out, nil
}

func findProduct(products []*Product, ref string) *Product {
	for _, p := range products {
		if p.Matches(ref) {
			return p
		}
	}
	return nil
}
