// Package export writes the master pricelist for spreadsheet users. The older
// tooling produced one workbook with a masterPriceList sheet and a Variables
// sheet; this package writes the same two tables as separate CSV files
// (pricelist and variables) that any spreadsheet opens directly.
package export

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/killdeer/ffcsa-ops/internal/pricing"
	"github.com/killdeer/ffcsa-ops/internal/repo"
)

// Source lists every product in export order.
type Source interface {
	ListAll(ctx context.Context) ([]repo.Product, error)
}

// Columns of the master pricelist.
var Columns = []string{
	"id", "localLineProductID", "category", "productName", "packageName",
	"retailSalesPrice", "lowest_weight", "highest_weight", "dff_unit_of_measure",
	"wholesalePricePerLb", "retailPackagePrice", "ffcsaPurchasePrice", "ffcsaMemberSalesPrice",
	"ffcsaGuestSalesPrice", "guestPercentOverRetail",
	"num_of_items", "available_on_ll", "description",
	"track_inventory", "stock_inventory", "visible",
}

// Stats counts exported rows.
type Stats struct {
	Rows    int `json:"rows"`
	Invalid int `json:"invalid"`
}

// Files are the paths written by ExportFiles.
type Files struct {
	Pricelist string `json:"pricelist"`
	Variables string `json:"variables"`
	Stats     Stats  `json:"stats"`
}

// Exporter renders the master pricelist with derived prices.
type Exporter struct {
	Source Source
	Engine *pricing.Engine
	Logger zerolog.Logger
	Now    func() time.Time
}

// WritePricelist writes one row per product. Products whose pricing fails
// validation keep their stored columns and get blank derived ones.
func (e Exporter) WritePricelist(ctx context.Context, w io.Writer) (Stats, error) {
	var stats Stats
	if e.Source == nil || e.Engine == nil {
		return stats, errors.New("export: source and engine are required")
	}
	products, err := e.Source.ListAll(ctx)
	if err != nil {
		return stats, err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return stats, err
	}
	for _, p := range products {
		row := []string{
			strconv.FormatInt(p.ID, 10),
			optionalInt(p.LocalLineProductID),
			p.Category,
			p.ProductName,
			p.PackageName,
			money(decimal.NewFromFloat(p.RetailSalesPrice)),
			optionalWeight(p.LowestWeight),
			optionalWeight(p.HighestWeight),
			p.UnitOfMeasure,
		}
		derived, err := e.Engine.Derive(p.PricingInput())
		if err != nil {
			stats.Invalid++
			e.Logger.Warn().Err(err).Int64("product_id", p.ID).Str("product", p.ProductName).Msg("pricing invalid, exporting without derived prices")
			row = append(row, "", "", "", "", "", "")
		} else {
			ratio := ""
			if derived.GuestPercentOverRetail != nil {
				ratio = derived.GuestPercentOverRetail.StringFixed(4)
			}
			row = append(row,
				money(derived.WholesalePrice),
				money(derived.RetailPackagePrice),
				money(derived.PurchasePrice),
				money(derived.MemberSalesPrice),
				money(derived.GuestSalesPrice),
				ratio,
			)
		}
		row = append(row,
			strconv.Itoa(p.NumOfItems),
			boolString(p.AvailableOnLL),
			p.Description,
			boolString(p.TrackInventory),
			strconv.Itoa(p.StockInventory),
			boolString(p.Visible),
		)
		if err := cw.Write(row); err != nil {
			return stats, err
		}
		stats.Rows++
	}
	cw.Flush()
	return stats, cw.Error()
}

// WriteVariables writes the ratios the engine was built with.
func (e Exporter) WriteVariables(w io.Writer) error {
	if e.Engine == nil {
		return errors.New("export: engine is required")
	}
	cfg := e.Engine.Config()
	dairy := e.Engine.Rates(pricing.ScheduleDairy)
	rows := [][]string{
		{"variable", "value"},
		{"wholesaleDiscount", ratio(cfg.WholesaleDiscount)},
		{"purchaseDiscount", ratio(cfg.PurchaseDiscount)},
		{"memberMarkup", ratio(cfg.MemberMarkup)},
		{"guestMarkup", ratio(cfg.GuestMarkup)},
		{"dairyMarkup", ratio(cfg.DairyMarkup)},
		{"dairyPurchaseDiscount", dairy.PurchaseDiscount.String()},
	}
	cw := csv.NewWriter(w)
	if err := cw.WriteAll(rows); err != nil {
		return err
	}
	return cw.Error()
}

// ExportFiles writes the pricelist and variables CSVs into dir, named by date.
func (e Exporter) ExportFiles(ctx context.Context, dir string) (Files, error) {
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Files{}, fmt.Errorf("export: create dir: %w", err)
	}
	stamp := now().Format("2006-01-02")
	files := Files{
		Pricelist: filepath.Join(dir, "master_pricelist_"+stamp+".csv"),
		Variables: filepath.Join(dir, "pricelist_variables_"+stamp+".csv"),
	}

	err := writeFile(files.Pricelist, func(w io.Writer) error {
		stats, err := e.WritePricelist(ctx, w)
		files.Stats = stats
		return err
	})
	if err != nil {
		return files, err
	}
	if err := writeFile(files.Variables, e.WriteVariables); err != nil {
		return files, err
	}
	e.Logger.Info().Str("pricelist", files.Pricelist).Str("variables", files.Variables).
		Int("rows", files.Stats.Rows).Int("invalid", files.Stats.Invalid).Msg("pricelist exported")
	return files, nil
}

// writeFile writes through a temp file so readers never see a partial export.
func writeFile(path string, fn func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".export-*")
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := fn(tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

func money(d decimal.Decimal) string { return pricing.RoundMoney(d).StringFixed(2) }

func ratio(v float64) string { return decimal.NewFromFloat(v).String() }

func optionalInt(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

func optionalWeight(v *float64) string {
	if v == nil {
		return ""
	}
	return decimal.NewFromFloat(*v).StringFixed(2)
}

func boolString(v bool) string {
	if v {
		return "True"
	}
	return "False"
}
