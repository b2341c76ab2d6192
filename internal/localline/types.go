package localline

import (
	"github.com/shopspring/decimal"

	"github.com/killdeer/ffcsa-ops/internal/pricing"
)

// Product is the subset of a catalog product read by the sync.
type Product struct {
	ID               int64            `json:"id"`
	Name             string           `json:"name"`
	Packages         []Package        `json:"packages"`
	PriceListEntries []PriceListEntry `json:"product_price_list_entries"`
}

// Package is a sellable package of a catalog product.
type Package struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// PriceListEntry links a product to one price list.
type PriceListEntry struct {
	ID        int64 `json:"id"`
	PriceList int64 `json:"price_list"`
}

// FirstPackage returns the package prices are written to.
func (p Product) FirstPackage() (Package, error) {
	if len(p.Packages) == 0 {
		return Package{}, ErrNoPackage
	}
	return p.Packages[0], nil
}

// EntryFor returns the product's entry on price list id.
func (p Product) EntryFor(priceListID int64) (PriceListEntry, bool) {
	for _, e := range p.PriceListEntries {
		if e.PriceList == priceListID {
			return e, true
		}
	}
	return PriceListEntry{}, false
}

// EntryPayload is the price list entry sent inside a product update.
type EntryPayload struct {
	Adjustment                bool     `json:"adjustment"`
	AdjustmentType            int      `json:"adjustment_type"`
	AdjustmentValue           float64  `json:"adjustment_value"`
	PriceList                 int64    `json:"price_list"`
	Checked                   bool     `json:"checked"`
	NotSubmitted              bool     `json:"notSubmitted"`
	Edited                    bool     `json:"edited"`
	Dirty                     bool     `json:"dirty"`
	ProductPriceListEntry     int64    `json:"product_price_list_entry"`
	CalculatedValue           float64  `json:"calculated_value"`
	OnSale                    bool     `json:"on_sale"`
	OnSaleToggle              bool     `json:"on_sale_toggle"`
	MaxUnitsPerOrder          *int     `json:"max_units_per_order"`
	StrikethroughDisplayValue *float64 `json:"strikethrough_display_value"`
	BasePriceUsed             float64  `json:"base_price_used"`
}

// adjustmentTypePercent marks AdjustmentValue as a percentage markup.
const adjustmentTypePercent = 2

// NewEntryPayload converts a computed entry for the catalog entry link. The base
// price is rounded to cents here and nowhere earlier.
func NewEntryPayload(entry pricing.Entry, link PriceListEntry, productOnSale bool) EntryPayload {
	out := EntryPayload{
		Adjustment:            true,
		AdjustmentType:        adjustmentTypePercent,
		AdjustmentValue:       entry.AdjustmentValue.InexactFloat64(),
		PriceList:             link.PriceList,
		Checked:               true,
		Dirty:                 true,
		ProductPriceListEntry: link.ID,
		CalculatedValue:       entry.CalculatedValue.InexactFloat64(),
		OnSale:                productOnSale,
		OnSaleToggle:          entry.OnSale,
		BasePriceUsed:         pricing.RoundMoney(entry.BasePriceUsed).InexactFloat64(),
	}
	if entry.Strikethrough != nil {
		v := entry.Strikethrough.InexactFloat64()
		out.StrikethroughDisplayValue = &v
	}
	return out
}

// ProductUpdate describes a pricing write for one package on one price list.
type ProductUpdate struct {
	Name        string
	Description string
	PackingTag  *int
	Package     Package
	PackageName string
	PackageCode string
	BasePrice   decimal.Decimal
	Entry       EntryPayload
}

type productPatch struct {
	Name                string         `json:"name"`
	Description         string         `json:"description"`
	PackageCodesEnabled bool           `json:"package_codes_enabled"`
	PackingTag          *int           `json:"packing_tag"`
	Packages            []packagePatch `json:"packages"`
}

type packagePatch struct {
	ID               int64          `json:"id"`
	Name             string         `json:"name"`
	UnitPrice        float64        `json:"unit_price"`
	PackagePrice     float64        `json:"package_price"`
	PackageUnitPrice float64        `json:"package_unit_price"`
	InventoryPerUnit int            `json:"inventory_per_unit"`
	PriceListEntries []EntryPayload `json:"price_list_entries"`
	PackageCode      string         `json:"package_code"`
}

func (u ProductUpdate) patch() productPatch {
	base := pricing.RoundMoney(u.BasePrice).InexactFloat64()
	name := u.PackageName
	if name == "" {
		name = u.Package.Name
	}
	return productPatch{
		Name:                u.Name,
		Description:         u.Description,
		PackageCodesEnabled: true,
		PackingTag:          u.PackingTag,
		Packages: []packagePatch{{
			ID:               u.Package.ID,
			Name:             name,
			UnitPrice:        base,
			PackagePrice:     base,
			PackageUnitPrice: base,
			InventoryPerUnit: 1,
			PriceListEntries: []EntryPayload{u.Entry},
			PackageCode:      u.PackageCode,
		}},
	}
}

var packingTags = map[string]int{
	"frozen": 86,
	"dairy":  85,
}

// PackingTagFor maps a stored packing tag code to the catalog tag id.
func PackingTagFor(code string) *int {
	if id, ok := packingTags[code]; ok {
		return &id
	}
	return nil
}

// InventoryPatch is the visibility and stock update of a product.
type InventoryPatch struct {
	Visible        bool `json:"visible"`
	TrackInventory bool `json:"track_inventory"`
	SetInventory   *int `json:"set_inventory,omitempty"`
}

// NewInventoryPatch sets the stock level when inventory is tracked or the
// product is out of stock.
func NewInventoryPatch(visible, trackInventory bool, stock int) InventoryPatch {
	p := InventoryPatch{Visible: visible, TrackInventory: trackInventory}
	if trackInventory || stock == 0 {
		p.SetInventory = &stock
	}
	return p
}
