package pricing

import (
	"math"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"kasirinaja/pos/internal/domain"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestPriceLineExampleScenario(t *testing.T) {
	got, err := PriceLine(d("100"), 1, d("0"), d("18"))
	require.NoError(t, err)
	require.True(t, got.LineSubtotal.Equal(d("100")))
	require.True(t, got.DiscountAmount.IsZero())
	require.True(t, got.TaxAmount.Equal(d("18")))
	require.True(t, got.LineTotal.Equal(d("118")))
}

func TestPriceLineAppliesDiscountBeforeTax(t *testing.T) {
	got, err := PriceLine(d("49.99"), 3, d("10"), d("5"))
	require.NoError(t, err)
	// 149.97 - 14.997 = 134.973; tax 6.74865
	require.Equal(t, "149.97", got.LineSubtotal.StringFixed(2))
	require.Equal(t, "15.00", got.DiscountAmount.StringFixed(2))
	require.Equal(t, "6.75", got.TaxAmount.StringFixed(2))
	require.Equal(t, "141.72", got.LineTotal.StringFixed(2))
}

func TestPriceLineRejectsInvalidInput(t *testing.T) {
	_, err := PriceLine(d("10"), 0, d("0"), d("0"))
	require.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = PriceLine(d("10"), -2, d("0"), d("0"))
	require.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = PriceLine(d("-1"), 1, d("0"), d("0"))
	require.ErrorIs(t, err, ErrInvalidPrice)

	_, err = PriceLine(d("1.005"), 1, d("0"), d("0"))
	require.ErrorIs(t, err, ErrInvalidPrice)

	_, err = PriceLine(d("10"), 1, d("100.5"), d("0"))
	require.ErrorIs(t, err, ErrInvalidPercent)

	_, err = PriceLine(d("10"), 1, d("0"), d("-3"))
	require.ErrorIs(t, err, ErrInvalidPercent)
}

func TestPercentsCarryAtMostTwoDecimals(t *testing.T) {
	require.NoError(t, ValidatePercent(d("12.35")))
	require.ErrorIs(t, ValidatePercent(d("12.345")), ErrInvalidPercent)

	_, err := PriceLine(d("1000"), 1, d("0"), d("12.345"))
	require.ErrorIs(t, err, ErrInvalidPercent)

	_, err = PriceLine(d("1000"), 1, d("7.125"), d("0"))
	require.ErrorIs(t, err, ErrInvalidPercent)

	got, err := PriceLine(d("1000"), 1, d("0"), d("12.35"))
	require.NoError(t, err)
	require.Equal(t, "1123.50", got.LineTotal.StringFixed(2))
}

func TestPriceLineBoundsQuantityAndAmounts(t *testing.T) {
	_, err := PriceLine(d("1"), MaxQuantity, d("0"), d("0"))
	require.NoError(t, err)

	_, err = PriceLine(d("1"), MaxQuantity+1, d("0"), d("0"))
	require.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = PriceLine(d("1"), math.MaxInt, d("0"), d("0"))
	require.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = PriceLine(d("10000000000"), 1, d("0"), d("0"))
	require.ErrorIs(t, err, ErrInvalidPrice)

	_, err = PriceLine(MaxUnitPrice, MaxQuantity, d("0"), d("0"))
	require.ErrorIs(t, err, ErrAmountTooLarge)

	_, err = PriceLine(d("600000"), 1_000_000, d("0"), d("100"))
	require.ErrorIs(t, err, ErrAmountTooLarge)
}

func TestCheckTotals(t *testing.T) {
	line, err := PriceLine(d("900000"), 1_000_000, d("0"), d("0"))
	require.NoError(t, err)
	require.NoError(t, CheckTotals(Sum([]LineAmounts{line})))
	require.ErrorIs(t, CheckTotals(Sum([]LineAmounts{line, line})), ErrAmountTooLarge)
}

func TestPriceLineMatchesClosedFormWithinTolerance(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 2000; i++ {
		price := decimal.New(rng.Int63n(1_000_000), -2)
		qty := 1 + rng.Intn(50)
		discount := decimal.New(rng.Int63n(10_001), -2)
		tax := decimal.New(rng.Int63n(10_001), -2)

		got, err := PriceLine(price, qty, discount, tax)
		require.NoError(t, err)

		one := decimal.NewFromInt(1)
		want := price.Mul(decimal.NewFromInt(int64(qty))).
			Mul(one.Sub(discount.Div(hundred))).
			Mul(one.Add(tax.Div(hundred)))
		require.Truef(t, WithinTolerance(got.LineTotal, want),
			"price=%s qty=%d discount=%s tax=%s got=%s want=%s", price, qty, discount, tax, got.LineTotal, want)
	}
}

func TestSumEqualsLineComponents(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		lines := make([]LineAmounts, 0, 6)
		wantTotal := decimal.Zero
		for j := 0; j < 1+rng.Intn(6); j++ {
			line, err := PriceLine(decimal.New(rng.Int63n(100_000), -2), 1+rng.Intn(9),
				decimal.New(rng.Int63n(10_001), -2), decimal.New(rng.Int63n(3_001), -2))
			require.NoError(t, err)
			lines = append(lines, line)
			wantTotal = wantTotal.Add(line.LineTotal)
		}

		totals := Sum(lines)
		require.True(t, totals.GrandTotal.Equal(totals.Subtotal.Sub(totals.DiscountTotal).Add(totals.TaxTotal)))
		require.True(t, totals.GrandTotal.Equal(wantTotal))
	}
}

func TestSumOfNoLinesIsZero(t *testing.T) {
	totals := Sum(nil)
	require.True(t, totals.Subtotal.IsZero())
	require.True(t, totals.GrandTotal.IsZero())
}

func TestClampPercent(t *testing.T) {
	require.True(t, ClampPercent(d("-5")).IsZero())
	require.True(t, ClampPercent(d("150")).Equal(d("100")))
	require.True(t, ClampPercent(d("12.5")).Equal(d("12.5")))
}

func TestResolveTaxPercent(t *testing.T) {
	override := d("5")
	category := &domain.Category{DefaultGST: d("18")}

	require.True(t, ResolveTaxPercent(domain.Product{TaxOverride: &override}, category).Equal(d("5")))
	require.True(t, ResolveTaxPercent(domain.Product{}, category).Equal(d("18")))
	require.True(t, ResolveTaxPercent(domain.Product{}, nil).IsZero())

	zero := decimal.Zero
	require.True(t, ResolveTaxPercent(domain.Product{TaxOverride: &zero}, category).IsZero())
}

func TestResolveDiscountPercent(t *testing.T) {
	category := &domain.Category{DefaultDiscount: d("3")}

	require.True(t, ResolveDiscountPercent(&domain.Store{GlobalDiscount: d("10")}, category).Equal(d("10")))
	require.True(t, ResolveDiscountPercent(&domain.Store{}, category).Equal(d("3")))
	require.True(t, ResolveDiscountPercent(nil, nil).IsZero())
}
