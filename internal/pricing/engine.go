package pricing

import (
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// DairyCategoryID is the product category priced on the dairy schedule unless configured otherwise.
const DairyCategoryID int64 = 9

// UnitOfMeasure describes how the stored retail price relates to a package.
type UnitOfMeasure string

const (
	// UnitPounds prices per pound; the package price scales with the average package weight.
	UnitPounds UnitOfMeasure = "lbs"
	// UnitEach prices the whole package.
	UnitEach UnitOfMeasure = "each"
)

// ParseUnit normalises a stored unit of measure.
func ParseUnit(raw string) UnitOfMeasure {
	return UnitOfMeasure(strings.ToLower(strings.TrimSpace(raw)))
}

// Schedule selects the discount and markup rates applied to a product.
type Schedule string

const (
	ScheduleStandard Schedule = "standard"
	ScheduleDairy    Schedule = "dairy"
)

// Config holds the process-wide pricing ratios. All values are fractions.
type Config struct {
	WholesaleDiscount float64
	PurchaseDiscount  float64
	MemberMarkup      float64
	GuestMarkup       float64
	DairyMarkup       float64
	// DairyPurchaseDiscount overrides PurchaseDiscount for the dairy schedule when set.
	DairyPurchaseDiscount *float64
	// DairyCategoryIDs lists the categories priced on the dairy schedule. Empty means DairyCategoryID.
	DairyCategoryIDs []int64
}

// Rates is the discount/markup triple of one schedule.
type Rates struct {
	PurchaseDiscount decimal.Decimal `json:"purchaseDiscount"`
	MemberMarkup     decimal.Decimal `json:"memberMarkup"`
	GuestMarkup      decimal.Decimal `json:"guestMarkup"`
}

// ProductInput is the subset of a product record the engine prices.
type ProductInput struct {
	ID               int64
	RetailSalesPrice float64
	UnitOfMeasure    string
	LowestWeight     *float64
	HighestWeight    *float64
	CategoryID       int64
	OnSale           bool
	SaleDiscount     float64
}

// Derived is the channel pricing computed for one product.
type Derived struct {
	Schedule               Schedule         `json:"schedule"`
	WholesalePrice         decimal.Decimal  `json:"wholesalePrice"`
	RetailPackagePrice     decimal.Decimal  `json:"retailPackagePrice"`
	PurchasePrice          decimal.Decimal  `json:"purchasePrice"`
	MemberSalesPrice       decimal.Decimal  `json:"memberSalesPrice"`
	GuestSalesPrice        decimal.Decimal  `json:"guestSalesPrice"`
	GuestPercentOverRetail *decimal.Decimal `json:"guestPercentOverRetail"`
}

// Engine derives channel prices from an immutable Config. It holds no mutable
// state and is safe for concurrent use.
type Engine struct {
	wholesale  decimal.Decimal
	schedules  map[Schedule]Rates
	categories map[int64]Schedule
	cfg        Config
}

var one = decimal.NewFromInt(1)

// NewEngine validates cfg and builds an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	ratios := []struct {
		field string
		value float64
	}{
		{"wholesaleDiscount", cfg.WholesaleDiscount},
		{"purchaseDiscount", cfg.PurchaseDiscount},
		{"memberMarkup", cfg.MemberMarkup},
		{"guestMarkup", cfg.GuestMarkup},
		{"dairyMarkup", cfg.DairyMarkup},
	}
	if cfg.DairyPurchaseDiscount != nil {
		ratios = append(ratios, struct {
			field string
			value float64
		}{"dairyPurchaseDiscount", *cfg.DairyPurchaseDiscount})
	}
	for _, r := range ratios {
		if !finite(r.value) {
			return nil, invalid(ErrConfiguration, 0, r.field, r.value)
		}
	}

	dairyDiscount := cfg.PurchaseDiscount
	if cfg.DairyPurchaseDiscount != nil {
		dairyDiscount = *cfg.DairyPurchaseDiscount
	}
	dairyMarkup := decimal.NewFromFloat(cfg.DairyMarkup)

	categories := map[int64]Schedule{}
	ids := cfg.DairyCategoryIDs
	if len(ids) == 0 {
		ids = []int64{DairyCategoryID}
	}
	for _, id := range ids {
		categories[id] = ScheduleDairy
	}

	return &Engine{
		wholesale: decimal.NewFromFloat(cfg.WholesaleDiscount),
		schedules: map[Schedule]Rates{
			ScheduleStandard: {
				PurchaseDiscount: decimal.NewFromFloat(cfg.PurchaseDiscount),
				MemberMarkup:     decimal.NewFromFloat(cfg.MemberMarkup),
				GuestMarkup:      decimal.NewFromFloat(cfg.GuestMarkup),
			},
			ScheduleDairy: {
				PurchaseDiscount: decimal.NewFromFloat(dairyDiscount),
				MemberMarkup:     dairyMarkup,
				GuestMarkup:      dairyMarkup,
			},
		},
		categories: categories,
		cfg:        cfg,
	}, nil
}

// Config returns the ratios the engine was built with.
func (e *Engine) Config() Config { return e.cfg }

// ScheduleFor maps a product category to its pricing schedule.
func (e *Engine) ScheduleFor(categoryID int64) Schedule {
	if s, ok := e.categories[categoryID]; ok {
		return s
	}
	return ScheduleStandard
}

// Rates returns the rates of schedule s.
func (e *Engine) Rates(s Schedule) Rates {
	if r, ok := e.schedules[s]; ok {
		return r
	}
	return e.schedules[ScheduleStandard]
}

// Derive computes the channel prices of in. Money is rounded to cents at each
// step and later steps build on the rounded values.
func (e *Engine) Derive(in ProductInput) (Derived, error) {
	if !finite(in.RetailSalesPrice) || in.RetailSalesPrice <= 0 {
		return Derived{}, invalid(ErrInvalidRetailPrice, in.ID, "retailSalesPrice", in.RetailSalesPrice)
	}
	retail := decimal.NewFromFloat(in.RetailSalesPrice)

	var retailPackage decimal.Decimal
	switch unit := ParseUnit(in.UnitOfMeasure); unit {
	case UnitPounds:
		avg, ok := averageWeight(in.LowestWeight, in.HighestWeight)
		if !ok {
			return Derived{}, invalid(ErrMissingWeight, in.ID, "weight", weightValue(in))
		}
		retailPackage = retail.Mul(avg)
	case UnitEach:
		retailPackage = retail
	default:
		return Derived{}, invalid(ErrUnknownUnitOfMeasure, in.ID, "unitOfMeasure", in.UnitOfMeasure)
	}

	schedule := e.ScheduleFor(in.CategoryID)
	rates := e.Rates(schedule)

	out := Derived{
		Schedule:           schedule,
		WholesalePrice:     RoundMoney(retail.Mul(e.wholesale)),
		RetailPackagePrice: RoundMoney(retailPackage),
	}
	out.PurchasePrice = RoundMoney(out.RetailPackagePrice.Mul(rates.PurchaseDiscount))
	out.MemberSalesPrice = RoundMoney(out.PurchasePrice.Mul(one.Add(rates.MemberMarkup)))
	out.GuestSalesPrice = RoundMoney(out.PurchasePrice.Mul(one.Add(rates.GuestMarkup)))
	if out.RetailPackagePrice.IsPositive() {
		pct := RoundRatio(out.GuestSalesPrice.Sub(out.RetailPackagePrice).Div(out.RetailPackagePrice))
		out.GuestPercentOverRetail = &pct
	}
	return out, nil
}

// Sale returns the promotion state of the product with the discount clamped to [0,1].
func (in ProductInput) Sale() Sale {
	return Sale{Active: in.OnSale, Discount: ClampDiscount(in.SaleDiscount)}
}

// RoundMoney rounds to cents, half away from zero.
func RoundMoney(d decimal.Decimal) decimal.Decimal { return d.Round(2) }

// RoundRatio rounds a fraction to basis points, half away from zero.
func RoundRatio(d decimal.Decimal) decimal.Decimal { return d.Round(4) }

func averageWeight(lowest, highest *float64) (decimal.Decimal, bool) {
	lo, hasLo := weightBound(lowest)
	hi, hasHi := weightBound(highest)
	switch {
	case hasLo && hasHi:
		return lo.Add(hi).Div(decimal.NewFromInt(2)), true
	case hasHi:
		return hi, true
	case hasLo:
		return lo, true
	default:
		return decimal.Zero, false
	}
}

func weightBound(v *float64) (decimal.Decimal, bool) {
	if v == nil || !finite(*v) || *v <= 0 {
		return decimal.Zero, false
	}
	return decimal.NewFromFloat(*v), true
}

func weightValue(in ProductInput) string {
	return "lowest=" + formatBound(in.LowestWeight) + " highest=" + formatBound(in.HighestWeight)
}

func formatBound(v *float64) string {
	if v == nil {
		return "null"
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
