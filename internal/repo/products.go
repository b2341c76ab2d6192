package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/killdeer/ffcsa-ops/internal/pricing"
)

// ErrNotFound is returned when no product matches the requested id.
var ErrNotFound = errors.New("product not found")

// Querier is the subset of pgxpool.Pool used by the product store.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Product is one row of the master pricelist joined with its category name.
type Product struct {
	ID                 int64    `json:"id"`
	ProductName        string   `json:"productName"`
	PackageName        string   `json:"packageName"`
	CategoryID         int64    `json:"categoryId"`
	Category           string   `json:"category"`
	LocalLineProductID *int64   `json:"localLineProductID"`
	RetailSalesPrice   float64  `json:"retailSalesPrice"`
	LowestWeight       *float64 `json:"lowestWeight"`
	HighestWeight      *float64 `json:"highestWeight"`
	UnitOfMeasure      string   `json:"unitOfMeasure"`
	NumOfItems         int      `json:"numOfItems"`
	AvailableOnLL      bool     `json:"availableOnLL"`
	Description        string   `json:"description"`
	TrackInventory     bool     `json:"trackInventory"`
	StockInventory     int      `json:"stockInventory"`
	Visible            bool     `json:"visible"`
	Sale               bool     `json:"sale"`
	SaleDiscount       float64  `json:"saleDiscount"`
	UPC                string   `json:"upc"`
	PackingTagCode     string   `json:"packingTagCode"`
}

// PricingInput maps the stored record onto the engine input.
func (p Product) PricingInput() pricing.ProductInput {
	return pricing.ProductInput{
		ID:               p.ID,
		RetailSalesPrice: p.RetailSalesPrice,
		UnitOfMeasure:    p.UnitOfMeasure,
		LowestWeight:     p.LowestWeight,
		HighestWeight:    p.HighestWeight,
		CategoryID:       p.CategoryID,
		OnSale:           p.Sale,
		SaleDiscount:     p.SaleDiscount,
	}
}

// InventoryChange is the set of columns written by an inventory update.
type InventoryChange struct {
	Visible        bool
	TrackInventory bool
	StockInventory int
	Sale           bool
	SaleDiscount   float64
}

// Products reads and updates the master pricelist.
type Products struct {
	DB Querier
}

const productColumns = `
	p.id, p.product_name, p.package_name, COALESCE(p.category_id, 0), COALESCE(c.name, ''),
	p.local_line_product_id, p.retail_sales_price::float8, p.lowest_weight::float8, p.highest_weight::float8,
	p.dff_unit_of_measure, p.num_of_items, p.available_on_ll, p.description,
	p.track_inventory, p.stock_inventory, p.visible, p.sale, p.sale_discount::float8,
	p.upc, COALESCE(p.packing_tag_code, '')`

const productFrom = `
	FROM pricelist p
	LEFT JOIN category c ON c.id = p.category_id`

// Get returns the product with the given id.
func (r Products) Get(ctx context.Context, id int64) (Product, error) {
	row := r.DB.QueryRow(ctx, "SELECT"+productColumns+productFrom+" WHERE p.id = $1", id)
	p, err := scanProduct(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if err != nil {
		return Product{}, fmt.Errorf("get product %d: %w", id, err)
	}
	return p, nil
}

// ListIDs returns product ids in export order. With onlyLinked set, products
// without a catalog id are left out.
func (r Products) ListIDs(ctx context.Context, onlyLinked bool) ([]int64, error) {
	sql := "SELECT p.id FROM pricelist p"
	if onlyLinked {
		sql += " WHERE p.local_line_product_id IS NOT NULL"
	}
	sql += " ORDER BY p.category_id, p.product_name, p.id"
	rows, err := r.DB.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("list product ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("list product ids: %w", err)
	}
	return ids, nil
}

// ListAll returns every product ordered by category then product name.
func (r Products) ListAll(ctx context.Context) ([]Product, error) {
	rows, err := r.DB.Query(ctx, "SELECT"+productColumns+productFrom+" ORDER BY p.category_id, p.product_name, p.id")
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	return out, nil
}

// UpdateInventory writes the inventory and sale columns of product id.
func (r Products) UpdateInventory(ctx context.Context, id int64, change InventoryChange) error {
	tag, err := r.DB.Exec(ctx, `
		UPDATE pricelist
		SET visible = $1, track_inventory = $2, stock_inventory = $3, sale = $4, sale_discount = $5, updated_at = NOW()
		WHERE id = $6`,
		change.Visible, change.TrackInventory, change.StockInventory, change.Sale, change.SaleDiscount, id)
	if err != nil {
		return fmt.Errorf("update inventory %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return nil
}

func scanProduct(row pgx.Row) (Product, error) {
	var p Product
	err := row.Scan(
		&p.ID, &p.ProductName, &p.PackageName, &p.CategoryID, &p.Category,
		&p.LocalLineProductID, &p.RetailSalesPrice, &p.LowestWeight, &p.HighestWeight,
		&p.UnitOfMeasure, &p.NumOfItems, &p.AvailableOnLL, &p.Description,
		&p.TrackInventory, &p.StockInventory, &p.Visible, &p.Sale, &p.SaleDiscount,
		&p.UPC, &p.PackingTagCode,
	)
	p.UnitOfMeasure = strings.TrimSpace(p.UnitOfMeasure)
	return p, err
}
