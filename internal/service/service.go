package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"kasirinaja/pos/internal/apperr"
	"kasirinaja/pos/internal/cache"
	"kasirinaja/pos/internal/cart"
	"kasirinaja/pos/internal/domain"
	"kasirinaja/pos/internal/invoice"
	"kasirinaja/pos/internal/obs"
	"kasirinaja/pos/internal/pricing"
	"kasirinaja/pos/internal/store"
)

const (
	defaultInvoiceListLimit = 50
	maxInvoiceListLimit     = 200
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	DefaultStoreID     string
	CatalogCacheTTL    time.Duration
	CashierMaxDiscount decimal.Decimal
	Logger             zerolog.Logger
	Metrics            *obs.IssuanceMetrics
}

type Service struct {
	repo               store.Repository
	issuer             *invoice.Issuer
	carts              *cart.Registry
	catalogCache       cache.CatalogCache
	catalogCacheTTL    time.Duration
	cashierMaxDiscount decimal.Decimal
	defaultStoreID     string
	logger             zerolog.Logger
	metrics            *obs.IssuanceMetrics
}

func New(repo store.Repository, issuer *invoice.Issuer, carts *cart.Registry, catalogCache cache.CatalogCache, opts Options) *Service {
	if opts.DefaultStoreID == "" {
		opts.DefaultStoreID = "main-store"
	}
	if opts.CatalogCacheTTL <= 0 {
		opts.CatalogCacheTTL = 30 * time.Second
	}
	if catalogCache == nil {
		catalogCache = cache.NoopCatalogCache{}
	}

	return &Service{
		repo:               repo,
		issuer:             issuer,
		carts:              carts,
		catalogCache:       catalogCache,
		catalogCacheTTL:    opts.CatalogCacheTTL,
		cashierMaxDiscount: opts.CashierMaxDiscount,
		defaultStoreID:     opts.DefaultStoreID,
		logger:             opts.Logger,
		metrics:            opts.Metrics,
	}
}

func (s *Service) DefaultStoreID() string {
	return s.defaultStoreID
}

func (s *Service) ListProducts(ctx context.Context, storeID string) ([]domain.Product, error) {
	storeID = defaultString(storeID, s.defaultStoreID)

	products, ok, err := s.catalogCache.GetProducts(ctx, storeID)
	if err != nil {
		s.logger.Warn().Err(err).Str("store_id", storeID).Msg("catalog cache read failed")
	} else if ok {
		return products, nil
	}

	products, err = s.repo.ListProducts(ctx, storeID)
	if err != nil {
		return nil, err
	}
	if err := s.catalogCache.SetProducts(ctx, storeID, products, s.catalogCacheTTL); err != nil {
		s.logger.Warn().Err(err).Str("store_id", storeID).Msg("catalog cache write failed")
	}
	return products, nil
}

func (s *Service) GetStock(ctx context.Context, productID string) (domain.StockLevel, error) {
	product, err := s.getProduct(ctx, productID)
	if err != nil {
		return domain.StockLevel{}, err
	}
	qty, err := s.repo.GetQuantity(ctx, product.ID)
	if err != nil {
		return domain.StockLevel{}, err
	}
	return s.stockLevel(ctx, *product, qty), nil
}

// AdjustStock applies an administrative delta outside of issuance. Stock never
// goes below zero; a delta that would do so is rejected as a whole.
func (s *Service) AdjustStock(ctx context.Context, productID string, req domain.StockAdjustmentRequest) (domain.StockLevel, error) {
	actor, err := requireAdmin(ctx)
	if err != nil {
		return domain.StockLevel{}, err
	}
	if req.Delta == 0 {
		return domain.StockLevel{}, apperr.New(apperr.CodeInvalidInput, "delta must not be zero")
	}
	if req.Delta > pricing.MaxQuantity || req.Delta < -pricing.MaxQuantity {
		return domain.StockLevel{}, apperr.Newf(apperr.CodeInvalidInput, "delta must be within ±%d", pricing.MaxQuantity)
	}
	product, err := s.getProduct(ctx, productID)
	if err != nil {
		return domain.StockLevel{}, err
	}

	qty, err := s.repo.AdjustQuantity(ctx, product.ID, req.Delta)
	if errors.Is(err, store.ErrInsufficientStock) {
		return domain.StockLevel{}, apperr.InsufficientStock(product.ID, qty, -req.Delta)
	}
	if err != nil {
		return domain.StockLevel{}, err
	}

	s.invalidateCatalog(ctx, product.StoreID)
	s.logger.Info().
		Str("product_id", product.ID).
		Int("delta", req.Delta).
		Int("stock_qty", qty).
		Str("reason", req.Reason).
		Str("actor", actor.Username).
		Msg("stock_adjusted")
	return s.stockLevel(ctx, *product, qty), nil
}

// UpdateProduct edits catalog fields. Open carts and issued invoices keep the
// values they captured.
func (s *Service) UpdateProduct(ctx context.Context, productID string, update domain.ProductUpdate) (domain.Product, error) {
	actor, err := requireAdmin(ctx)
	if err != nil {
		return domain.Product{}, err
	}
	if update.Name != nil {
		name := strings.TrimSpace(*update.Name)
		if name == "" {
			return domain.Product{}, apperr.New(apperr.CodeInvalidInput, "name must not be empty")
		}
		update.Name = &name
	}
	if update.Price != nil {
		if err := pricing.ValidateUnitPrice(*update.Price); err != nil {
			return domain.Product{}, apperr.Wrap(apperr.CodeInvalidInput, err, err.Error())
		}
	}
	if update.TaxOverride != nil {
		if err := pricing.ValidatePercent(*update.TaxOverride); err != nil {
			return domain.Product{}, apperr.Wrap(apperr.CodeInvalidInput, err, "taxOverride: "+err.Error())
		}
	}

	updated, err := s.repo.UpdateProduct(ctx, strings.TrimSpace(productID), update)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Product{}, apperr.New(apperr.CodeNotFound, "product not found")
	}
	if err != nil {
		return domain.Product{}, err
	}

	s.invalidateCatalog(ctx, updated.StoreID)
	s.logger.Info().Str("product_id", updated.ID).Str("actor", actor.Username).Msg("product_updated")
	return *updated, nil
}

// Checkout issues an invoice from a client-held cart. Amounts are recomputed
// from the frozen unit prices and percents; any claimed line total or
// aggregate must agree with that computation within one cent.
func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutResponse, error) {
	req.StoreID = defaultString(strings.TrimSpace(req.StoreID), s.defaultStoreID)
	if len(req.Items) == 0 {
		return domain.CheckoutResponse{}, apperr.New(apperr.CodeInvalidInput, "at least one item is required")
	}

	lines := make([]invoice.Line, 0, len(req.Items))
	amounts := make([]pricing.LineAmounts, 0, len(req.Items))
	for idx, item := range req.Items {
		priced, err := pricing.PriceLine(item.Price, item.Quantity, item.AppliedDiscountPercent, item.AppliedTaxPercent)
		if err != nil {
			return domain.CheckoutResponse{}, apperr.Wrap(apperr.CodeInvalidInput, err, "item "+item.ProductID+": "+err.Error()).
				WithDetails(map[string]any{"index": idx})
		}
		if item.LineTotal != nil && !pricing.WithinTolerance(*item.LineTotal, priced.LineTotal) {
			return domain.CheckoutResponse{}, totalsMismatch("items.lineTotal", idx, *item.LineTotal, priced.LineTotal)
		}
		amounts = append(amounts, priced)
		lines = append(lines, invoice.Line{
			ProductID:       item.ProductID,
			Name:            strings.TrimSpace(item.Name),
			Quantity:        item.Quantity,
			UnitPrice:       item.Price,
			TaxPercent:      item.AppliedTaxPercent,
			DiscountPercent: item.AppliedDiscountPercent,
		})
	}

	totals := pricing.Sum(amounts)
	for _, claim := range []struct {
		field    string
		claimed  *decimal.Decimal
		computed decimal.Decimal
	}{
		{"subtotal", req.Subtotal, totals.Subtotal},
		{"taxTotal", req.TaxTotal, totals.TaxTotal},
		{"discountTotal", req.DiscountTotal, totals.DiscountTotal},
		{"grandTotal", req.GrandTotal, totals.GrandTotal},
	} {
		if claim.claimed != nil && !pricing.WithinTolerance(*claim.claimed, claim.computed) {
			return domain.CheckoutResponse{}, totalsMismatch(claim.field, -1, *claim.claimed, claim.computed)
		}
	}

	inv, err := s.issuer.Issue(ctx, invoice.Request{
		StoreID:       req.StoreID,
		Lines:         lines,
		PaymentMethod: req.PaymentMethod,
		IssuedBy:      actorName(ctx),
	})
	if err != nil {
		return domain.CheckoutResponse{}, err
	}
	s.invalidateCatalog(ctx, inv.StoreID)
	return domain.CheckoutResponse{InvoiceID: inv.ID, InvoiceNumber: inv.InvoiceNumber}, nil
}

func (s *Service) GetInvoice(ctx context.Context, invoiceID string) (domain.Invoice, error) {
	inv, err := s.repo.GetInvoice(ctx, strings.TrimSpace(invoiceID))
	if errors.Is(err, store.ErrNotFound) {
		return domain.Invoice{}, apperr.New(apperr.CodeNotFound, "invoice not found")
	}
	if err != nil {
		return domain.Invoice{}, err
	}
	return *inv, nil
}

func (s *Service) ListInvoices(ctx context.Context, storeID string, limit int) ([]domain.Invoice, error) {
	storeID = defaultString(strings.TrimSpace(storeID), s.defaultStoreID)
	if limit < 1 {
		limit = defaultInvoiceListLimit
	}
	if limit > maxInvoiceListLimit {
		limit = maxInvoiceListLimit
	}
	return s.repo.ListInvoices(ctx, storeID, limit)
}

func (s *Service) getProduct(ctx context.Context, productID string) (*domain.Product, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return nil, apperr.New(apperr.CodeInvalidInput, "productId is required")
	}
	product, err := s.repo.GetProduct(ctx, productID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.ProductNotFound(productID)
	}
	return product, err
}

// optionalCategory returns nil when the product has no category or it is gone.
func (s *Service) optionalCategory(ctx context.Context, categoryID string) (*domain.Category, error) {
	if categoryID == "" {
		return nil, nil
	}
	category, err := s.repo.GetCategory(ctx, categoryID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return category, err
}

func (s *Service) stockLevel(ctx context.Context, product domain.Product, qty int) domain.StockLevel {
	threshold := domain.DefaultLowStockThreshold
	category, err := s.optionalCategory(ctx, product.CategoryID)
	if err != nil {
		s.logger.Warn().Err(err).Str("category_id", product.CategoryID).Msg("category lookup failed")
	} else if category != nil && category.LowStockThreshold > 0 {
		threshold = category.LowStockThreshold
	}
	return domain.StockLevel{ProductID: product.ID, StockQty: qty, LowStock: qty <= threshold}
}

func (s *Service) invalidateCatalog(ctx context.Context, storeID string) {
	if err := s.catalogCache.InvalidateProducts(ctx, storeID); err != nil {
		s.logger.Warn().Err(err).Str("store_id", storeID).Msg("catalog cache invalidation failed")
	}
}

func totalsMismatch(field string, index int, claimed, computed decimal.Decimal) error {
	details := map[string]any{
		"field":    field,
		"claimed":  claimed.StringFixed(2),
		"computed": computed.StringFixed(2),
	}
	if index >= 0 {
		details["index"] = index
	}
	return apperr.Newf(apperr.CodeInvalidInput, "%s does not match server computation", field).WithDetails(details)
}

func requireAdmin(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.Actor{}, apperr.New(apperr.CodeForbidden, "admin role required")
	}
	return actor, nil
}

func actorName(ctx context.Context) string {
	actor, _ := ActorFromContext(ctx)
	return actor.Username
}

func defaultString(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
