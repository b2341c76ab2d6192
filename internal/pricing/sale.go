package pricing

import (
	"math"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Sale describes an active promotion on a product.
type Sale struct {
	Active   bool
	Discount float64
}

// Entry is the price-list adjustment sent to the catalog for one product on one
// price list. The catalog displays BasePriceUsed * (1 + AdjustmentValue/100).
type Entry struct {
	// BasePriceUsed stays unrounded; round it only when building the wire payload.
	BasePriceUsed   decimal.Decimal  `json:"basePriceUsed"`
	AdjustmentValue decimal.Decimal  `json:"adjustmentValue"`
	CalculatedValue decimal.Decimal  `json:"calculatedValue"`
	Strikethrough   *decimal.Decimal `json:"strikethroughDisplayValue"`
	OnSale          bool             `json:"onSale"`
}

// ClampDiscount limits a sale discount fraction to [0,1]. Non-finite values count as no discount.
func ClampDiscount(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, -1) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// GenerateEntry builds the price-list entry for basePrice under markup. When sale
// is active with a non-zero discount the discount is taken off the final price and
// the base price is back-solved so that re-applying markup yields the sale price.
func GenerateEntry(basePrice, markup decimal.Decimal, sale Sale) (Entry, error) {
	if markup.LessThanOrEqual(one.Neg()) {
		return Entry{}, invalid(ErrInvalidMarkup, 0, "markup", markup.String())
	}
	factor := one.Add(markup)
	discount := ClampDiscount(sale.Discount)

	if !sale.Active || discount == 0 {
		return Entry{
			BasePriceUsed:   basePrice,
			AdjustmentValue: RoundMoney(markup.Mul(hundred)),
			CalculatedValue: RoundMoney(basePrice.Mul(factor)),
		}, nil
	}

	regular := basePrice.Mul(factor)
	discounted := regular.Mul(one.Sub(decimal.NewFromFloat(discount)))
	baseUsed := discounted.Div(factor)

	effective := markup
	if !baseUsed.IsZero() {
		effective = discounted.Sub(baseUsed).Div(baseUsed)
	}
	strike := RoundMoney(regular)
	return Entry{
		BasePriceUsed:   baseUsed,
		AdjustmentValue: RoundMoney(effective.Mul(hundred)),
		CalculatedValue: RoundMoney(discounted),
		Strikethrough:   &strike,
		OnSale:          true,
	}, nil
}

// GenerateSaleEntry prices basePrice under markup with saleDiscount taken off the
// final price. A zero discount yields the regular entry.
func GenerateSaleEntry(basePrice, markup decimal.Decimal, saleDiscount float64) (Entry, error) {
	return GenerateEntry(basePrice, markup, Sale{Active: true, Discount: saleDiscount})
}

// FinalPrice re-applies the entry's adjustment to its rounded base price, the way
// the catalog renders it.
func (e Entry) FinalPrice() decimal.Decimal {
	base := RoundMoney(e.BasePriceUsed)
	return RoundMoney(base.Add(base.Mul(e.AdjustmentValue).Div(hundred)))
}
