package pricing_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/killdeer/ffcsa-ops/internal/pricing"
)

var memberMarkup = decimal.RequireFromString("0.6574")

func TestGenerateEntryRegular(t *testing.T) {
	entry, err := pricing.GenerateEntry(decimal.NewFromInt(10), memberMarkup, pricing.Sale{})
	require.NoError(t, err)

	require.True(t, entry.BasePriceUsed.Equal(decimal.NewFromInt(10)))
	require.Equal(t, "65.74", entry.AdjustmentValue.StringFixed(2))
	require.Equal(t, "16.57", entry.CalculatedValue.StringFixed(2))
	require.Nil(t, entry.Strikethrough)
	require.False(t, entry.OnSale)
}

func TestGenerateSaleEntryRoundTrip(t *testing.T) {
	entry, err := pricing.GenerateSaleEntry(decimal.NewFromInt(10), memberMarkup, 0.25)
	require.NoError(t, err)

	discounted := decimal.RequireFromString("12.4305")
	require.True(t, entry.OnSale)
	require.NotNil(t, entry.Strikethrough)
	require.Equal(t, "16.57", entry.Strikethrough.StringFixed(2))
	require.Equal(t, "12.43", entry.CalculatedValue.StringFixed(2))
	require.Equal(t, "65.74", entry.AdjustmentValue.StringFixed(2))

	replayed := entry.BasePriceUsed.Mul(decimal.NewFromInt(1).Add(memberMarkup))
	require.True(t, replayed.Sub(discounted).Abs().LessThan(decimal.RequireFromString("0.01")),
		"base %s replays to %s", entry.BasePriceUsed, replayed)
	require.Equal(t, "12.43", entry.FinalPrice().StringFixed(2))
}

func TestGenerateSaleEntryKeepsBaseUnrounded(t *testing.T) {
	entry, err := pricing.GenerateSaleEntry(decimal.RequireFromString("2.17"), memberMarkup, 0.15)
	require.NoError(t, err)

	// 2.17 * 0.85 = 1.8445; rounding happens at the payload boundary.
	require.Equal(t, "1.8445", entry.BasePriceUsed.String())
	require.Equal(t, "3.06", entry.CalculatedValue.StringFixed(2))
	require.Equal(t, "3.60", entry.Strikethrough.StringFixed(2))
}

func TestGenerateSaleEntryZeroDiscountMatchesRegular(t *testing.T) {
	base := decimal.RequireFromString("2.16")
	regular, err := pricing.GenerateEntry(base, memberMarkup, pricing.Sale{})
	require.NoError(t, err)
	sale, err := pricing.GenerateSaleEntry(base, memberMarkup, 0)
	require.NoError(t, err)
	require.Equal(t, regular, sale)

	inactive, err := pricing.GenerateEntry(base, memberMarkup, pricing.Sale{Active: false, Discount: 0.4})
	require.NoError(t, err)
	require.Equal(t, regular, inactive)
}

func TestGenerateSaleEntryClampsDiscount(t *testing.T) {
	base := decimal.NewFromInt(10)

	negative, err := pricing.GenerateSaleEntry(base, memberMarkup, -0.5)
	require.NoError(t, err)
	regular, err := pricing.GenerateEntry(base, memberMarkup, pricing.Sale{})
	require.NoError(t, err)
	require.Equal(t, regular, negative)

	free, err := pricing.GenerateSaleEntry(base, memberMarkup, 1.5)
	require.NoError(t, err)
	require.True(t, free.BasePriceUsed.IsZero())
	require.True(t, free.CalculatedValue.IsZero())
	require.Equal(t, "65.74", free.AdjustmentValue.StringFixed(2))
	require.Equal(t, "16.57", free.Strikethrough.StringFixed(2))
}

func TestGenerateEntryRejectsMinusOneMarkup(t *testing.T) {
	_, err := pricing.GenerateSaleEntry(decimal.NewFromInt(10), decimal.NewFromInt(-1), 0.2)
	require.ErrorIs(t, err, pricing.ErrInvalidMarkup)

	_, err = pricing.GenerateEntry(decimal.NewFromInt(10), decimal.NewFromInt(-1), pricing.Sale{})
	require.ErrorIs(t, err, pricing.ErrInvalidMarkup)
}

func TestForProductNamesTheProduct(t *testing.T) {
	_, err := pricing.GenerateEntry(decimal.NewFromInt(10), decimal.NewFromInt(-1), pricing.Sale{})
	err = pricing.ForProduct(err, 42)
	require.ErrorIs(t, err, pricing.ErrInvalidMarkup)

	var verr *pricing.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, int64(42), verr.ProductID)
	require.Contains(t, err.Error(), "product 42")

	require.Equal(t, int64(7), pricing.ForProduct(&pricing.ValidationError{Err: pricing.ErrInvalidMarkup, ProductID: 7}, 42).(*pricing.ValidationError).ProductID)
	plain := errors.New("boom")
	require.Same(t, plain, pricing.ForProduct(plain, 42))
}

func TestClampDiscount(t *testing.T) {
	require.Equal(t, 0.0, pricing.ClampDiscount(-1))
	require.Equal(t, 0.25, pricing.ClampDiscount(0.25))
	require.Equal(t, 1.0, pricing.ClampDiscount(3))
}
