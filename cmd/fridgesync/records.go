package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"fridgesync/internal/app"
	"fridgesync/internal/fridge"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const dateLayout = "2006-01-02"

func parseDate(s string) (*time.Time, error) {
	d, err := time.Parse(dateLayout, s)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q, want YYYY-MM-DD", s)
	}
	return &d, nil
}

func formatDate(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(dateLayout)
}

// changedString returns a pointer to the flag's value when the user set it.
func changedString(flags *pflag.FlagSet, name string) *string {
	if !flags.Changed(name) {
		return nil
	}
	v, _ := flags.GetString(name)
	return &v
}

func changedFloat(flags *pflag.FlagSet, name string) *float64 {
	if !flags.Changed(name) {
		return nil
	}
	v, _ := flags.GetFloat64(name)
	return &v
}

func changedInt(flags *pflag.FlagSet, name string) *int {
	if !flags.Changed(name) {
		return nil
	}
	v, _ := flags.GetInt(name)
	return &v
}

func changedDate(flags *pflag.FlagSet, name string) (*time.Time, error) {
	if !flags.Changed(name) {
		return nil, nil
	}
	v, _ := flags.GetString(name)
	return parseDate(v)
}

func printProduct(p *fridge.Product) {
	fmt.Printf("%-36s  %-8s  %-24s  %8.2f %-6s  %-10s  %s\n",
		p.LocalID, p.Status, p.Name, p.Quantity, p.Unit, formatDate(p.ExpiryDate), p.Barcode)
}

// product command
var productCmd = &cobra.Command{
	Use:     "product",
	Aliases: []string{"products"},
	Short:   "Manage the product catalog",
}

var productAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a product",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		p := &fridge.Product{Name: args[0]}
		p.Category, _ = flags.GetString("category")
		p.Quantity, _ = flags.GetFloat64("quantity")
		p.Unit, _ = flags.GetString("unit")
		p.EstimatedShelfLife, _ = flags.GetInt("shelf-life")
		p.Barcode, _ = flags.GetString("barcode")
		p.BarcodeType, _ = flags.GetString("barcode-type")
		p.ImagePath, _ = flags.GetString("image")
		p.StorageLocation, _ = flags.GetString("location")
		p.Notes, _ = flags.GetString("notes")
		expiry, err := changedDate(flags, "expiry")
		if err != nil {
			return err
		}
		p.ExpiryDate = expiry

		return withApp(cmd, "AddProduct", args[0], func(ctx context.Context, a *app.App) error {
			created, err := a.Service().AddProduct(ctx, p)
			if err != nil {
				return err
			}
			fmt.Printf("Added product %s (%s)\n", created.Name, created.LocalID)
			return nil
		})
	},
}

var productListCmd = &cobra.Command{
	Use:   "list",
	Short: "List products",
	RunE: func(cmd *cobra.Command, args []string) error {
		barcode, _ := cmd.Flags().GetString("barcode")
		return withApp(cmd, "ListProducts", barcode, func(ctx context.Context, a *app.App) error {
			var products []*fridge.Product
			var err error
			if barcode != "" {
				products, err = a.Service().FindProductsByBarcode(ctx, barcode)
			} else {
				products, err = a.Service().Products(ctx)
			}
			if err != nil {
				return err
			}
			if len(products) == 0 {
				fmt.Println("No products")
				return nil
			}
			for _, p := range products {
				printProduct(p)
			}
			return nil
		})
	},
}

var productEditCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Change fields of a product",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		expiry, err := changedDate(flags, "expiry")
		if err != nil {
			return err
		}
		patch := fridge.ProductPatch{
			Name:               changedString(flags, "name"),
			Category:           changedString(flags, "category"),
			Quantity:           changedFloat(flags, "quantity"),
			Unit:               changedString(flags, "unit"),
			ExpiryDate:         expiry,
			EstimatedShelfLife: changedInt(flags, "shelf-life"),
			Barcode:            changedString(flags, "barcode"),
			BarcodeType:        changedString(flags, "barcode-type"),
			ImagePath:          changedString(flags, "image"),
			StorageLocation:    changedString(flags, "location"),
			Notes:              changedString(flags, "notes"),
		}

		return withApp(cmd, "EditProduct", args[0], func(ctx context.Context, a *app.App) error {
			p, err := a.Service().EditProduct(ctx, args[0], patch)
			if err != nil {
				return err
			}
			printProduct(p)
			return nil
		})
	},
}

var productRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Remove a product and everything that refers to it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "RemoveProduct", args[0], func(ctx context.Context, a *app.App) error {
			if err := a.Service().RemoveProduct(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Removed product %s\n", args[0])
			return nil
		})
	},
}

// fridge command
var fridgeCmd = &cobra.Command{
	Use:   "fridge",
	Short: "Manage what is in the fridge",
}

var fridgeAddCmd = &cobra.Command{
	Use:   "add <product>",
	Short: "Put a product in the fridge",
	Long:  "Put a product in the fridge. <product> is a local or remote product id.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		item := &fridge.FridgeItem{}
		item.Quantity, _ = flags.GetFloat64("quantity")
		item.Unit, _ = flags.GetString("unit")
		expires, err := changedDate(flags, "expires")
		if err != nil {
			return err
		}
		item.ExpirationDate = expires

		return withApp(cmd, "AddToFridge", args[0], func(ctx context.Context, a *app.App) error {
			created, err := a.Service().AddToFridge(ctx, args[0], item)
			if err != nil {
				return err
			}
			fmt.Printf("Added %.2f %s to the fridge (%s), expires %s\n",
				created.Quantity, created.Unit, created.LocalID, formatDate(created.ExpirationDate))
			return nil
		})
	},
}

var fridgeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List fridge contents, soonest expiry first",
	RunE: func(cmd *cobra.Command, args []string) error {
		barcode, _ := cmd.Flags().GetString("barcode")
		return withApp(cmd, "FridgeContents", barcode, func(ctx context.Context, a *app.App) error {
			var entries []fridge.FridgeEntry
			var err error
			if barcode != "" {
				entries, err = a.Service().FridgeItemsByBarcode(ctx, barcode)
			} else {
				entries, err = a.Service().FridgeContents(ctx)
			}
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("The fridge is empty")
				return nil
			}
			for _, e := range entries {
				fmt.Printf("%-36s  %-8s  %-24s  %8.2f %-6s  expires %s\n",
					e.Item.LocalID, e.Item.Status, e.Product.Name, e.Item.Quantity, e.Item.Unit,
					formatDate(e.Item.ExpirationDate))
			}
			return nil
		})
	},
}

var fridgeEditCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Change a fridge item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		expires, err := changedDate(flags, "expires")
		if err != nil {
			return err
		}
		patch := fridge.FridgeItemPatch{
			Quantity:       changedFloat(flags, "quantity"),
			Unit:           changedString(flags, "unit"),
			ExpirationDate: expires,
		}

		return withApp(cmd, "EditFridgeItem", args[0], func(ctx context.Context, a *app.App) error {
			item, err := a.Service().EditFridgeItem(ctx, args[0], patch)
			if err != nil {
				return err
			}
			fmt.Printf("Updated %s: %.2f %s, expires %s\n",
				item.LocalID, item.Quantity, item.Unit, formatDate(item.ExpirationDate))
			return nil
		})
	},
}

var fridgeRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Take an item out of the fridge",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "RemoveFromFridge", args[0], func(ctx context.Context, a *app.App) error {
			if err := a.Service().RemoveFromFridge(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Removed fridge item %s\n", args[0])
			return nil
		})
	},
}

// shop command
var shopCmd = &cobra.Command{
	Use:     "shop",
	Aliases: []string{"shopping"},
	Short:   "Manage the shopping list",
}

var shopAddCmd = &cobra.Command{
	Use:   "add <product>",
	Short: "Put a product on the shopping list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		quantity, _ := cmd.Flags().GetFloat64("quantity")
		return withApp(cmd, "AddToShoppingList", args[0], func(ctx context.Context, a *app.App) error {
			item, err := a.Service().AddToShoppingList(ctx, args[0], quantity)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %.2f on the list (%s)\n", item.Name, item.Quantity, item.LocalID)
			return nil
		})
	},
}

var shopListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the shopping list",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "ShoppingList", "", func(ctx context.Context, a *app.App) error {
			entries, err := a.Service().ShoppingList(ctx)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("The shopping list is empty")
				return nil
			}
			for _, e := range entries {
				mark := " "
				if e.Item.Checked {
					mark = "x"
				}
				fmt.Printf("[%s] %-36s  %-24s  %8.2f %s\n",
					mark, e.Item.LocalID, e.Product.Name, e.Item.Quantity, e.Product.Unit)
			}
			return nil
		})
	},
}

var shopCheckCmd = &cobra.Command{
	Use:   "check <id>",
	Short: "Tick off a shopping list entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		undo, _ := cmd.Flags().GetBool("undo")
		return withApp(cmd, "SetChecked", args[0], func(ctx context.Context, a *app.App) error {
			item, err := a.Service().SetChecked(ctx, args[0], !undo)
			if err != nil {
				return err
			}
			state := "checked"
			if !item.Checked {
				state = "unchecked"
			}
			fmt.Printf("%s %s\n", item.Name, state)
			return nil
		})
	},
}

var shopRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Remove a shopping list entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "RemoveFromShoppingList", args[0], func(ctx context.Context, a *app.App) error {
			if err := a.Service().RemoveFromShoppingList(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Removed shopping list entry %s\n", args[0])
			return nil
		})
	},
}

// review command
var reviewCmd = &cobra.Command{
	Use:     "review",
	Aliases: []string{"reviews"},
	Short:   "Rate products",
}

var reviewAddCmd = &cobra.Command{
	Use:   "add <product> <rating>",
	Short: "Rate a product from 1 to 5",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var rating int
		if _, err := fmt.Sscanf(args[1], "%d", &rating); err != nil {
			return fmt.Errorf("invalid rating %q", args[1])
		}
		comment, _ := cmd.Flags().GetString("comment")
		return withApp(cmd, "AddReview", strings.Join(args, " "), func(ctx context.Context, a *app.App) error {
			r, err := a.Service().AddReview(ctx, args[0], rating, comment)
			if err != nil {
				return err
			}
			fmt.Printf("Review %s saved\n", r.LocalID)
			return nil
		})
	},
}

var reviewShowCmd = &cobra.Command{
	Use:   "show <product>",
	Short: "Show the review of a product",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "ReviewForProduct", args[0], func(ctx context.Context, a *app.App) error {
			r, err := a.Service().ReviewForProduct(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s  %s  %s\n", r.LocalID, strings.Repeat("*", r.Rating), r.Comment)
			return nil
		})
	},
}

var reviewEditCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Change a review",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		patch := fridge.ReviewPatch{
			Rating:  changedInt(cmd.Flags(), "rating"),
			Comment: changedString(cmd.Flags(), "comment"),
		}
		return withApp(cmd, "EditReview", args[0], func(ctx context.Context, a *app.App) error {
			r, err := a.Service().EditReview(ctx, args[0], patch)
			if err != nil {
				return err
			}
			fmt.Printf("%s  %s  %s\n", r.LocalID, strings.Repeat("*", r.Rating), r.Comment)
			return nil
		})
	},
}

var reviewRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a review",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "RemoveReview", args[0], func(ctx context.Context, a *app.App) error {
			if err := a.Service().RemoveReview(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Removed review %s\n", args[0])
			return nil
		})
	},
}

func addProductFlags(flags *pflag.FlagSet) {
	flags.String("category", "", "Category")
	flags.Float64("quantity", 0, "Quantity")
	flags.String("unit", "", "Unit of the quantity")
	flags.String("expiry", "", "Expiry date (YYYY-MM-DD)")
	flags.Int("shelf-life", 0, "Estimated shelf life in days")
	flags.String("barcode", "", "Barcode")
	flags.String("barcode-type", "", "Barcode symbology")
	flags.String("image", "", "Path of a product image")
	flags.String("location", "", "Storage location")
	flags.String("notes", "", "Notes")
}

func init() {
	// product subcommands
	productCmd.AddCommand(productAddCmd)
	addProductFlags(productAddCmd.Flags())
	productCmd.AddCommand(productListCmd)
	productListCmd.Flags().String("barcode", "", "Only products with this barcode")
	productCmd.AddCommand(productEditCmd)
	addProductFlags(productEditCmd.Flags())
	productEditCmd.Flags().String("name", "", "Name")
	productCmd.AddCommand(productRmCmd)

	// fridge subcommands
	fridgeCmd.AddCommand(fridgeAddCmd)
	fridgeAddCmd.Flags().Float64("quantity", 0, "Quantity (default 1)")
	fridgeAddCmd.Flags().String("unit", "", "Unit (default the product's unit)")
	fridgeAddCmd.Flags().String("expires", "", "Expiration date (YYYY-MM-DD)")
	fridgeCmd.AddCommand(fridgeListCmd)
	fridgeListCmd.Flags().String("barcode", "", "Only items of products with this barcode")
	fridgeCmd.AddCommand(fridgeEditCmd)
	fridgeEditCmd.Flags().Float64("quantity", 0, "Quantity")
	fridgeEditCmd.Flags().String("unit", "", "Unit")
	fridgeEditCmd.Flags().String("expires", "", "Expiration date (YYYY-MM-DD)")
	fridgeCmd.AddCommand(fridgeRmCmd)

	// shop subcommands
	shopCmd.AddCommand(shopAddCmd)
	shopAddCmd.Flags().Float64("quantity", 1, "Quantity to buy")
	shopCmd.AddCommand(shopListCmd)
	shopCmd.AddCommand(shopCheckCmd)
	shopCheckCmd.Flags().Bool("undo", false, "Uncheck the entry")
	shopCmd.AddCommand(shopRmCmd)

	// review subcommands
	reviewCmd.AddCommand(reviewAddCmd)
	reviewAddCmd.Flags().String("comment", "", "Comment")
	reviewCmd.AddCommand(reviewShowCmd)
	reviewCmd.AddCommand(reviewEditCmd)
	reviewEditCmd.Flags().Int("rating", 0, "Rating from 1 to 5")
	reviewEditCmd.Flags().String("comment", "", "Comment")
	reviewCmd.AddCommand(reviewRmCmd)

	rootCmd.AddCommand(productCmd)
	rootCmd.AddCommand(fridgeCmd)
	rootCmd.AddCommand(shopCmd)
	rootCmd.AddCommand(reviewCmd)
}
