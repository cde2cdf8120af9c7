// Package invoice turns priced line items into a durable invoice while
// decrementing stock in the same atomic unit.
package invoice

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"kasirinaja/pos/internal/apperr"
	"kasirinaja/pos/internal/domain"
	"kasirinaja/pos/internal/obs"
	"kasirinaja/pos/internal/pricing"
	"kasirinaja/pos/internal/store"
	"kasirinaja/pos/internal/xid"
)

const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = 25 * time.Millisecond
)

// Line is one frozen line item handed to issuance. Percents are the values
// that were applied in the cart, not a fresh catalog lookup.
type Line struct {
	ProductID       string
	Name            string
	Quantity        int
	UnitPrice       decimal.Decimal
	TaxPercent      decimal.Decimal
	DiscountPercent decimal.Decimal
}

type Request struct {
	StoreID       string
	Lines         []Line
	PaymentMethod domain.PaymentMethod
	IssuedBy      string
}

type Issuer struct {
	store       store.Issuance
	logger      zerolog.Logger
	metrics     *obs.IssuanceMetrics
	now         func() time.Time
	numbers     func(time.Time) string
	ids         func() string
	maxAttempts int
	backoff     time.Duration
}

type Option func(*Issuer)

func WithLogger(logger zerolog.Logger) Option {
	return func(i *Issuer) { i.logger = logger }
}

func WithMetrics(m *obs.IssuanceMetrics) Option {
	return func(i *Issuer) { i.metrics = m }
}

// WithRetry bounds the number of store transactions per request and sets
// the base delay of the exponential backoff between them.
func WithRetry(maxAttempts int, base time.Duration) Option {
	return func(i *Issuer) {
		if maxAttempts > 0 {
			i.maxAttempts = maxAttempts
		}
		if base > 0 {
			i.backoff = base
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

func WithNumberGenerator(gen func(time.Time) string) Option {
	return func(i *Issuer) { i.numbers = gen }
}

func NewIssuer(st store.Issuance, opts ...Option) *Issuer {
	i := &Issuer{
		store:       st,
		logger:      zerolog.Nop(),
		now:         time.Now,
		numbers:     xid.InvoiceNumber,
		ids:         uuid.NewString,
		maxAttempts: DefaultMaxAttempts,
		backoff:     DefaultBackoff,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Issue persists an invoice for req and decrements stock for every line, or
// leaves both untouched. Business failures (invalid input, unknown product,
// short stock) are returned at once; lock conflicts and invoice number
// collisions are retried with a fresh number up to the configured limit and
// then reported as ISSUANCE_FAILED.
//
// Cancelling ctx stops the request only before the store transaction begins.
func (i *Issuer) Issue(ctx context.Context, req Request) (*domain.Invoice, error) {
	start := i.now()
	draft, err := i.prepare(req)
	if err != nil {
		i.metrics.ObserveIssued(string(apperr.CodeInvalidInput), time.Since(start))
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		i.metrics.ObserveIssued("cancelled", time.Since(start))
		return nil, apperr.Wrap(apperr.CodeIssuanceFailed, err, "checkout abandoned before issuance began")
	}
	runCtx := context.WithoutCancel(ctx)

	var (
		issued   *domain.Invoice
		attempts int
	)
	err = retry.Do(runCtx, i.newBackoff(), func(ctx context.Context) error {
		attempts++
		inv := draft.invoice
		inv.ID = i.ids()
		inv.Date = i.now().UTC()
		inv.InvoiceNumber = i.numbers(inv.Date)
		inv.Items = append([]domain.InvoiceLine(nil), draft.invoice.Items...)

		err := i.store.RunIssuance(ctx, func(ctx context.Context, tx store.IssuanceTx) error {
			return draft.apply(ctx, tx, &inv)
		})
		switch {
		case err == nil:
			i.metrics.ObserveAttempt("committed")
			issued = &inv
			return nil
		case errors.Is(err, store.ErrDuplicateInvoiceNumber):
			i.metrics.ObserveAttempt("duplicate_number")
			i.logger.Warn().Err(err).Str("store_id", req.StoreID).Str("invoice_number", inv.InvoiceNumber).
				Int("attempt", attempts).Str("cause", "duplicate_number").Msg("issuance_retry")
			return retry.RetryableError(err)
		case errors.Is(err, store.ErrTransient):
			i.metrics.ObserveAttempt("conflict")
			i.logger.Warn().Err(err).Str("store_id", req.StoreID).Int("attempt", attempts).Str("cause", "conflict").Msg("issuance_retry")
			return retry.RetryableError(err)
		default:
			i.metrics.ObserveAttempt("aborted")
			return err
		}
	})
	if err == nil {
		i.metrics.ObserveIssued("ok", time.Since(start))
		i.logger.Info().
			Str("invoice_id", issued.ID).
			Str("invoice_number", issued.InvoiceNumber).
			Str("store_id", issued.StoreID).
			Str("grand_total", issued.GrandTotal.StringFixed(2)).
			Int("lines", len(issued.Items)).
			Int("attempts", attempts).
			Msg("invoice_issued")
		return issued, nil
	}

	if typed := apperr.As(err); typed != nil {
		i.metrics.ObserveIssued(string(typed.Code()), time.Since(start))
		i.logger.Info().Str("store_id", req.StoreID).Str("code", string(typed.Code())).Msg("issuance_rejected")
		return nil, typed
	}
	if errors.Is(err, store.ErrInsufficientStock) {
		i.metrics.ObserveIssued(string(apperr.CodeInsufficientStock), time.Since(start))
		return nil, apperr.Wrap(apperr.CodeInsufficientStock, err, "insufficient stock")
	}
	i.metrics.ObserveIssued(string(apperr.CodeIssuanceFailed), time.Since(start))
	i.logger.Error().Err(err).Str("store_id", req.StoreID).Int("attempts", attempts).Msg("issuance_failed")
	return nil, apperr.Wrap(apperr.CodeIssuanceFailed, err, "invoice issuance failed, try again later")
}

func (i *Issuer) newBackoff() retry.Backoff {
	b := retry.NewExponential(i.backoff)
	b = retry.WithJitterPercent(20, b)
	return retry.WithMaxRetries(uint64(i.maxAttempts-1), b)
}

// draft is a validated, fully priced invoice without identity, plus the
// cumulative demand per product in first-seen order.
type draft struct {
	invoice domain.Invoice
	order   []string
	demand  map[string]int
}

func (i *Issuer) prepare(req Request) (*draft, error) {
	storeID := strings.TrimSpace(req.StoreID)
	if storeID == "" {
		return nil, apperr.New(apperr.CodeInvalidInput, "storeId is required")
	}
	if len(req.Lines) == 0 {
		return nil, apperr.New(apperr.CodeInvalidInput, "at least one item is required")
	}
	if !req.PaymentMethod.Valid() {
		return nil, apperr.Newf(apperr.CodeInvalidInput, "unsupported payment method %q", req.PaymentMethod)
	}

	d := &draft{
		invoice: domain.Invoice{
			StoreID:       storeID,
			Items:         make([]domain.InvoiceLine, 0, len(req.Lines)),
			PaymentMethod: req.PaymentMethod,
			IssuedBy:      req.IssuedBy,
			Synced:        true,
		},
		demand: make(map[string]int, len(req.Lines)),
	}
	amounts := make([]pricing.LineAmounts, 0, len(req.Lines))
	for idx, line := range req.Lines {
		productID := strings.TrimSpace(line.ProductID)
		if productID == "" {
			return nil, apperr.Newf(apperr.CodeInvalidInput, "item %d: productId is required", idx)
		}
		priced, err := pricing.PriceLine(line.UnitPrice, line.Quantity, line.DiscountPercent, line.TaxPercent)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeInvalidInput, err, "item "+productID+": "+err.Error())
		}
		amounts = append(amounts, priced)
		d.invoice.Items = append(d.invoice.Items, domain.InvoiceLine{
			ProductID:              productID,
			Name:                   line.Name,
			Quantity:               line.Quantity,
			UnitPrice:              line.UnitPrice,
			AppliedTaxPercent:      line.TaxPercent,
			AppliedDiscountPercent: line.DiscountPercent,
			LineSubtotal:           priced.LineSubtotal,
			DiscountAmount:         priced.DiscountAmount,
			TaxAmount:              priced.TaxAmount,
			LineTotal:              priced.LineTotal,
		})
		if _, seen := d.demand[productID]; !seen {
			d.order = append(d.order, productID)
		}
		if d.demand[productID] > pricing.MaxQuantity-line.Quantity {
			return nil, apperr.Newf(apperr.CodeInvalidInput, "product %s: total quantity exceeds %d", productID, pricing.MaxQuantity)
		}
		d.demand[productID] += line.Quantity
	}

	totals := pricing.Sum(amounts)
	if err := pricing.CheckTotals(totals); err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidInput, err, err.Error())
	}
	d.invoice.Subtotal = totals.Subtotal
	d.invoice.DiscountTotal = totals.DiscountTotal
	d.invoice.TaxTotal = totals.TaxTotal
	d.invoice.GrandTotal = totals.GrandTotal
	return d, nil
}

// apply runs inside the store transaction: lock, validate against cumulative
// demand, write the invoice, then decrement.
func (d *draft) apply(ctx context.Context, tx store.IssuanceTx, inv *domain.Invoice) error {
	rows, err := tx.LockProducts(ctx, d.order)
	if err != nil {
		return err
	}
	for _, id := range d.order {
		product, ok := rows[id]
		if !ok || product.StoreID != inv.StoreID {
			return apperr.ProductNotFound(id)
		}
		if want := d.demand[id]; product.StockQty < want {
			return apperr.InsufficientStock(id, product.StockQty, want)
		}
	}

	for idx := range inv.Items {
		if inv.Items[idx].Name == "" {
			inv.Items[idx].Name = rows[inv.Items[idx].ProductID].Name
		}
	}
	if err := tx.InsertInvoice(ctx, *inv); err != nil {
		return err
	}

	for _, id := range d.order {
		if err := tx.DecrementQuantity(ctx, id, d.demand[id]); err != nil {
			if errors.Is(err, store.ErrInsufficientStock) {
				return apperr.InsufficientStock(id, rows[id].StockQty, d.demand[id])
			}
			return err
		}
	}
	return nil
}
