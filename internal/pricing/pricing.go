// Package pricing computes line and cart money amounts. Every function is pure.
//
// Intermediate values are exact decimals. Rounding to two places happens only
// on each line's discount and tax amounts; cart totals are plain sums of the
// rounded line components so they never drift from the lines.
package pricing

import (
	"errors"

	"github.com/shopspring/decimal"

	"kasirinaja/pos/internal/domain"
)

const (
	currencyPlaces = 2
	percentPlaces  = 2

	// MaxQuantity bounds a line's quantity and a product's cumulative demand
	// in one invoice.
	MaxQuantity = 1_000_000
)

var (
	ErrInvalidQuantity = errors.New("quantity must be a positive integer no greater than 1000000")
	ErrInvalidPrice    = errors.New("unit price must be non-negative, below 10000000000 and with at most two decimal places")
	ErrInvalidPercent  = errors.New("percent must be between 0 and 100 with at most two decimal places")
	ErrAmountTooLarge  = errors.New("amount exceeds the supported range")
)

var (
	hundred   = decimal.NewFromInt(100)
	Tolerance = decimal.New(1, -currencyPlaces)

	// MaxUnitPrice and MaxAmount match the NUMERIC(12,2) and NUMERIC(14,2)
	// columns that persist prices and money totals.
	MaxUnitPrice = decimal.RequireFromString("9999999999.99")
	MaxAmount    = decimal.RequireFromString("999999999999.99")
)

type LineAmounts struct {
	LineSubtotal   decimal.Decimal `json:"lineSubtotal"`
	DiscountAmount decimal.Decimal `json:"discountAmount"`
	TaxAmount      decimal.Decimal `json:"taxAmount"`
	LineTotal      decimal.Decimal `json:"lineTotal"`
}

type Totals struct {
	Subtotal      decimal.Decimal `json:"subtotal"`
	DiscountTotal decimal.Decimal `json:"discountTotal"`
	TaxTotal      decimal.Decimal `json:"taxTotal"`
	GrandTotal    decimal.Decimal `json:"grandTotal"`
}

// PriceLine prices one line: subtotal, then discount on the subtotal, then tax
// on the discounted amount.
func PriceLine(unitPrice decimal.Decimal, quantity int, discountPercent, taxPercent decimal.Decimal) (LineAmounts, error) {
	if quantity < 1 || quantity > MaxQuantity {
		return LineAmounts{}, ErrInvalidQuantity
	}
	if err := ValidateUnitPrice(unitPrice); err != nil {
		return LineAmounts{}, err
	}
	if err := ValidatePercent(discountPercent); err != nil {
		return LineAmounts{}, err
	}
	if err := ValidatePercent(taxPercent); err != nil {
		return LineAmounts{}, err
	}

	lineSubtotal := unitPrice.Mul(decimal.NewFromInt(int64(quantity)))
	discount := lineSubtotal.Mul(discountPercent.Shift(-2))
	taxable := lineSubtotal.Sub(discount)
	tax := taxable.Mul(taxPercent.Shift(-2))

	discountAmount := discount.Round(currencyPlaces)
	taxAmount := tax.Round(currencyPlaces)

	amounts := LineAmounts{
		LineSubtotal:   lineSubtotal,
		DiscountAmount: discountAmount,
		TaxAmount:      taxAmount,
		LineTotal:      lineSubtotal.Sub(discountAmount).Add(taxAmount),
	}
	if amounts.LineSubtotal.GreaterThan(MaxAmount) || amounts.LineTotal.GreaterThan(MaxAmount) {
		return LineAmounts{}, ErrAmountTooLarge
	}
	return amounts, nil
}

// Sum aggregates already-priced lines.
func Sum(lines []LineAmounts) Totals {
	totals := Totals{
		Subtotal:      decimal.Zero,
		DiscountTotal: decimal.Zero,
		TaxTotal:      decimal.Zero,
	}
	for _, line := range lines {
		totals.Subtotal = totals.Subtotal.Add(line.LineSubtotal)
		totals.DiscountTotal = totals.DiscountTotal.Add(line.DiscountAmount)
		totals.TaxTotal = totals.TaxTotal.Add(line.TaxAmount)
	}
	totals.GrandTotal = totals.Subtotal.Sub(totals.DiscountTotal).Add(totals.TaxTotal)
	return totals
}

func ValidateUnitPrice(p decimal.Decimal) error {
	if p.IsNegative() || p.GreaterThan(MaxUnitPrice) || !p.Equal(p.Round(currencyPlaces)) {
		return ErrInvalidPrice
	}
	return nil
}

// CheckTotals reports ErrAmountTooLarge when a cart total cannot be persisted.
func CheckTotals(t Totals) error {
	if t.Subtotal.GreaterThan(MaxAmount) || t.GrandTotal.GreaterThan(MaxAmount) {
		return ErrAmountTooLarge
	}
	return nil
}

// ValidatePercent accepts [0, 100] with at most two decimal places, the
// precision at which applied percents are stored.
func ValidatePercent(p decimal.Decimal) error {
	if p.IsNegative() || p.GreaterThan(hundred) || !p.Equal(p.Round(percentPlaces)) {
		return ErrInvalidPercent
	}
	return nil
}

// ClampPercent forces a manual override into [0, 100].
func ClampPercent(p decimal.Decimal) decimal.Decimal {
	if p.IsNegative() {
		return decimal.Zero
	}
	if p.GreaterThan(hundred) {
		return hundred
	}
	return p
}

// ResolveTaxPercent picks the product override, then the category default, then zero.
func ResolveTaxPercent(product domain.Product, category *domain.Category) decimal.Decimal {
	if product.TaxOverride != nil {
		return *product.TaxOverride
	}
	if category != nil {
		return category.DefaultGST
	}
	return decimal.Zero
}

// ResolveDiscountPercent prefers a nonzero store-wide discount over the category default.
func ResolveDiscountPercent(store *domain.Store, category *domain.Category) decimal.Decimal {
	if store != nil && !store.GlobalDiscount.IsZero() {
		return store.GlobalDiscount
	}
	if category != nil {
		return category.DefaultDiscount
	}
	return decimal.Zero
}

// WithinTolerance reports whether a and b differ by at most one minor currency unit.
func WithinTolerance(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Tolerance)
}
