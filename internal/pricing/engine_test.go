package pricing_test

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/killdeer/ffcsa-ops/internal/pricing"
)

func testConfig() pricing.Config {
	return pricing.Config{
		WholesaleDiscount: 0.65,
		PurchaseDiscount:  0.5412,
		MemberMarkup:      0.6574,
		GuestMarkup:       0.8496,
		DairyMarkup:       0.6,
	}
}

func newEngine(t *testing.T) *pricing.Engine {
	t.Helper()
	engine, err := pricing.NewEngine(testConfig())
	require.NoError(t, err)
	return engine
}

func ptr(v float64) *float64 { return &v }

func requireMoney(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Equal(t, want, got.StringFixed(2))
}

func TestDeriveEachProduct(t *testing.T) {
	engine := newEngine(t)

	out, err := engine.Derive(pricing.ProductInput{ID: 1, RetailSalesPrice: 4.00, UnitOfMeasure: "each", CategoryID: 1})
	require.NoError(t, err)

	require.Equal(t, pricing.ScheduleStandard, out.Schedule)
	requireMoney(t, "2.60", out.WholesalePrice)
	requireMoney(t, "4.00", out.RetailPackagePrice)
	requireMoney(t, "2.16", out.PurchasePrice)
	requireMoney(t, "3.58", out.MemberSalesPrice)
	requireMoney(t, "4.00", out.GuestSalesPrice)
	require.NotNil(t, out.GuestPercentOverRetail)
	require.True(t, out.GuestPercentOverRetail.IsZero())
}

func TestDerivePoundsAveragesWeights(t *testing.T) {
	engine := newEngine(t)

	out, err := engine.Derive(pricing.ProductInput{
		ID:               2,
		RetailSalesPrice: 5,
		UnitOfMeasure:    "LBS ",
		LowestWeight:     ptr(2),
		HighestWeight:    ptr(3),
		CategoryID:       4,
	})
	require.NoError(t, err)

	requireMoney(t, "12.50", out.RetailPackagePrice)
	// 12.50 * 0.5412 = 6.765 rounds half away from zero.
	requireMoney(t, "6.77", out.PurchasePrice)
	requireMoney(t, "11.22", out.MemberSalesPrice)
	requireMoney(t, "12.52", out.GuestSalesPrice)
	require.Equal(t, "0.0016", out.GuestPercentOverRetail.StringFixed(4))
}

func TestDerivePoundsSingleBound(t *testing.T) {
	engine := newEngine(t)

	out, err := engine.Derive(pricing.ProductInput{ID: 3, RetailSalesPrice: 6, UnitOfMeasure: "lbs", HighestWeight: ptr(2.5)})
	require.NoError(t, err)
	requireMoney(t, "15.00", out.RetailPackagePrice)
	requireMoney(t, "8.12", out.PurchasePrice)
	requireMoney(t, "13.46", out.MemberSalesPrice)
	requireMoney(t, "15.02", out.GuestSalesPrice)
	require.Equal(t, "0.0013", out.GuestPercentOverRetail.StringFixed(4))

	lowOnly, err := engine.Derive(pricing.ProductInput{ID: 3, RetailSalesPrice: 6, UnitOfMeasure: "lbs", LowestWeight: ptr(2.5), HighestWeight: ptr(0)})
	require.NoError(t, err)
	require.Equal(t, out, lowOnly)
}

func TestDeriveZeroPackagePriceHasNoRatio(t *testing.T) {
	engine := newEngine(t)

	out, err := engine.Derive(pricing.ProductInput{ID: 4, RetailSalesPrice: 0.001, UnitOfMeasure: "each"})
	require.NoError(t, err)
	require.True(t, out.RetailPackagePrice.IsZero())
	require.False(t, out.RetailPackagePrice.IsNegative())
	require.Nil(t, out.GuestPercentOverRetail)
}

func TestDeriveDairySchedule(t *testing.T) {
	engine := newEngine(t)

	standard, err := engine.Derive(pricing.ProductInput{ID: 5, RetailSalesPrice: 4, UnitOfMeasure: "each", CategoryID: 1})
	require.NoError(t, err)
	dairy, err := engine.Derive(pricing.ProductInput{ID: 5, RetailSalesPrice: 4, UnitOfMeasure: "each", CategoryID: pricing.DairyCategoryID})
	require.NoError(t, err)

	require.Equal(t, pricing.ScheduleDairy, dairy.Schedule)
	requireMoney(t, "3.46", dairy.MemberSalesPrice)
	requireMoney(t, "3.46", dairy.GuestSalesPrice)
	require.False(t, standard.MemberSalesPrice.Equal(dairy.MemberSalesPrice))
}

func TestDairyCategoriesAndDiscountAreConfigurable(t *testing.T) {
	cfg := testConfig()
	cfg.DairyCategoryIDs = []int64{12}
	cfg.DairyPurchaseDiscount = ptr(0.5)
	engine, err := pricing.NewEngine(cfg)
	require.NoError(t, err)

	require.Equal(t, pricing.ScheduleStandard, engine.ScheduleFor(pricing.DairyCategoryID))
	require.Equal(t, pricing.ScheduleDairy, engine.ScheduleFor(12))

	out, err := engine.Derive(pricing.ProductInput{ID: 6, RetailSalesPrice: 10, UnitOfMeasure: "each", CategoryID: 12})
	require.NoError(t, err)
	requireMoney(t, "5.00", out.PurchasePrice)
	requireMoney(t, "8.00", out.MemberSalesPrice)
}

func TestDeriveIsDeterministic(t *testing.T) {
	engine := newEngine(t)
	in := pricing.ProductInput{ID: 7, RetailSalesPrice: 7.35, UnitOfMeasure: "lbs", LowestWeight: ptr(1.2), HighestWeight: ptr(1.9)}

	first, err := engine.Derive(in)
	require.NoError(t, err)
	second, err := engine.Derive(in)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestDeriveValidation(t *testing.T) {
	engine := newEngine(t)

	cases := []struct {
		name  string
		in    pricing.ProductInput
		want  error
		field string
	}{
		{"zero retail", pricing.ProductInput{ID: 10, RetailSalesPrice: 0, UnitOfMeasure: "each"}, pricing.ErrInvalidRetailPrice, "retailSalesPrice"},
		{"negative retail", pricing.ProductInput{ID: 11, RetailSalesPrice: -2, UnitOfMeasure: "each"}, pricing.ErrInvalidRetailPrice, "retailSalesPrice"},
		{"nan retail", pricing.ProductInput{ID: 12, RetailSalesPrice: math.NaN(), UnitOfMeasure: "each"}, pricing.ErrInvalidRetailPrice, "retailSalesPrice"},
		{"no weights", pricing.ProductInput{ID: 13, RetailSalesPrice: 3, UnitOfMeasure: "lbs"}, pricing.ErrMissingWeight, "weight"},
		{"unusable weights", pricing.ProductInput{ID: 14, RetailSalesPrice: 3, UnitOfMeasure: "lbs", LowestWeight: ptr(0), HighestWeight: ptr(math.Inf(1))}, pricing.ErrMissingWeight, "weight"},
		{"unknown unit", pricing.ProductInput{ID: 15, RetailSalesPrice: 3, UnitOfMeasure: "kg"}, pricing.ErrUnknownUnitOfMeasure, "unitOfMeasure"},
		{"empty unit", pricing.ProductInput{ID: 16, RetailSalesPrice: 3}, pricing.ErrUnknownUnitOfMeasure, "unitOfMeasure"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := engine.Derive(tc.in)
			require.ErrorIs(t, err, tc.want)
			var verr *pricing.ValidationError
			require.ErrorAs(t, err, &verr)
			require.Equal(t, tc.in.ID, verr.ProductID)
			require.Equal(t, tc.field, verr.Field)
			require.True(t, pricing.IsValidation(err))
		})
	}
}

func TestNewEngineRejectsNonFiniteRatios(t *testing.T) {
	cfg := testConfig()
	cfg.GuestMarkup = math.NaN()
	_, err := pricing.NewEngine(cfg)
	require.ErrorIs(t, err, pricing.ErrConfiguration)

	cfg = testConfig()
	cfg.DairyPurchaseDiscount = ptr(math.Inf(-1))
	_, err = pricing.NewEngine(cfg)
	require.ErrorIs(t, err, pricing.ErrConfiguration)
	require.Contains(t, err.Error(), "dairyPurchaseDiscount")
}

func TestProductInputSaleClampsDiscount(t *testing.T) {
	in := pricing.ProductInput{OnSale: true, SaleDiscount: 1.4}
	require.Equal(t, pricing.Sale{Active: true, Discount: 1}, in.Sale())

	in = pricing.ProductInput{OnSale: true, SaleDiscount: -0.3}
	require.Equal(t, pricing.Sale{Active: true, Discount: 0}, in.Sale())
}
