// Package cart holds the in-progress sale for one cashier session.
//
// A Cart re-prices on every read so line totals and aggregates always reflect
// the current lines. Stock checks here use the last stock figure seen when a
// product was added; they fail fast but are never authoritative.
package cart

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"

	"kasirinaja/pos/internal/apperr"
	"kasirinaja/pos/internal/domain"
	"kasirinaja/pos/internal/pricing"
)

var (
	ErrLineNotFound  = errors.New("product is not in the cart")
	ErrStoreMismatch = errors.New("product belongs to another store")
)

// Line is a cart entry. Price, tax and discount are captured when the product
// is first added and survive later catalog edits.
type Line struct {
	ProductID              string          `json:"productId"`
	Name                   string          `json:"name"`
	UnitPrice              decimal.Decimal `json:"unitPrice"`
	Quantity               int             `json:"quantity"`
	AppliedTaxPercent      decimal.Decimal `json:"appliedTaxPercent"`
	AppliedDiscountPercent decimal.Decimal `json:"appliedDiscountPercent"`
	KnownStock             int             `json:"knownStock"`
}

type PricedLine struct {
	Line
	pricing.LineAmounts
}

type Cart struct {
	storeID string
	lines   []Line
}

func New(storeID string) *Cart {
	return &Cart{storeID: storeID}
}

func (c *Cart) StoreID() string {
	return c.storeID
}

// AddItem adds one unit of product. A new line resolves its tax and discount
// from the product, category and store; an existing line just gains a unit.
func (c *Cart) AddItem(product domain.Product, category *domain.Category, store *domain.Store) error {
	if product.StoreID != "" && product.StoreID != c.storeID {
		return ErrStoreMismatch
	}

	if idx := c.indexOf(product.ID); idx >= 0 {
		line := &c.lines[idx]
		line.KnownStock = product.StockQty
		if line.Quantity+1 > line.KnownStock {
			return apperr.OutOfStock(product.ID, line.KnownStock, line.Quantity+1)
		}
		line.Quantity++
		return nil
	}

	if product.StockQty <= 0 {
		return apperr.OutOfStock(product.ID, product.StockQty, 1)
	}

	line := Line{
		ProductID:              product.ID,
		Name:                   product.Name,
		UnitPrice:              product.Price,
		Quantity:               1,
		AppliedTaxPercent:      pricing.ResolveTaxPercent(product, category),
		AppliedDiscountPercent: pricing.ResolveDiscountPercent(store, category),
		KnownStock:             product.StockQty,
	}
	if _, err := pricing.PriceLine(line.UnitPrice, line.Quantity, line.AppliedDiscountPercent, line.AppliedTaxPercent); err != nil {
		return apperr.Wrap(apperr.CodeInvalidInput, err, "product "+product.ID+" cannot be priced")
	}
	c.lines = append(c.lines, line)
	return nil
}

// ChangeQuantity moves a line's quantity by delta, never below one.
func (c *Cart) ChangeQuantity(productID string, delta int) error {
	idx := c.indexOf(productID)
	if idx < 0 {
		return ErrLineNotFound
	}
	line := &c.lines[idx]

	if delta > 0 {
		if delta > line.KnownStock-line.Quantity {
			requested := math.MaxInt
			if delta <= math.MaxInt-line.Quantity {
				requested = line.Quantity + delta
			}
			return apperr.OutOfStock(productID, line.KnownStock, requested)
		}
		line.Quantity += delta
		return nil
	}

	next := line.Quantity + delta
	if next < 1 {
		next = 1
	}
	line.Quantity = next
	return nil
}

// SetLineDiscount overrides one line's discount, clamped to [0, 100]. More
// than two decimal places is rejected.
func (c *Cart) SetLineDiscount(productID string, percent decimal.Decimal) error {
	idx := c.indexOf(productID)
	if idx < 0 {
		return ErrLineNotFound
	}
	clamped := pricing.ClampPercent(percent)
	if err := pricing.ValidatePercent(clamped); err != nil {
		return apperr.Wrap(apperr.CodeInvalidInput, err, "discountPercent: "+err.Error())
	}
	c.lines[idx].AppliedDiscountPercent = clamped
	return nil
}

func (c *Cart) RemoveItem(productID string) error {
	idx := c.indexOf(productID)
	if idx < 0 {
		return ErrLineNotFound
	}
	c.lines = append(c.lines[:idx], c.lines[idx+1:]...)
	return nil
}

// Lines returns a priced copy of the current lines in insertion order.
func (c *Cart) Lines() []PricedLine {
	out := make([]PricedLine, 0, len(c.lines))
	for _, line := range c.lines {
		amounts, err := pricing.PriceLine(line.UnitPrice, line.Quantity, line.AppliedDiscountPercent, line.AppliedTaxPercent)
		if err != nil {
			// Lines are validated on insert and every mutation keeps them valid.
			panic(err)
		}
		out = append(out, PricedLine{Line: line, LineAmounts: amounts})
	}
	return out
}

// ComputeTotals recomputes the aggregate figures from the current lines.
func (c *Cart) ComputeTotals() pricing.Totals {
	priced := c.Lines()
	amounts := make([]pricing.LineAmounts, 0, len(priced))
	for _, line := range priced {
		amounts = append(amounts, line.LineAmounts)
	}
	return pricing.Sum(amounts)
}

func (c *Cart) Len() int {
	return len(c.lines)
}

func (c *Cart) Clear() {
	c.lines = nil
}

func (c *Cart) indexOf(productID string) int {
	for i := range c.lines {
		if c.lines[i].ProductID == productID {
			return i
		}
	}
	return -1
}
