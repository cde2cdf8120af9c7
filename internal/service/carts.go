package service

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	"kasirinaja/pos/internal/apperr"
	"kasirinaja/pos/internal/cart"
	"kasirinaja/pos/internal/domain"
	"kasirinaja/pos/internal/invoice"
	"kasirinaja/pos/internal/pricing"
	"kasirinaja/pos/internal/store"
)

// CartView is the priced state of a cart session.
type CartView struct {
	ID      string            `json:"id"`
	StoreID string            `json:"storeId"`
	Lines   []cart.PricedLine `json:"lines"`
	Totals  pricing.Totals    `json:"totals"`
	Invoice *domain.Invoice   `json:"invoice,omitempty"`
}

func (s *Service) OpenCart(ctx context.Context, storeID string) (CartView, error) {
	storeID = defaultString(strings.TrimSpace(storeID), s.defaultStoreID)
	if _, err := s.repo.GetStore(ctx, storeID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return CartView{}, apperr.Newf(apperr.CodeNotFound, "store %s not found", storeID)
		}
		return CartView{}, err
	}

	id := s.carts.Open(storeID, actorName(ctx))
	s.metrics.SetCarts(s.carts.Len())
	return s.GetCart(ctx, id)
}

func (s *Service) GetCart(ctx context.Context, cartID string) (CartView, error) {
	var view CartView
	err := s.withCart(ctx, cartID, func(c *cart.Cart) error {
		view = viewOf(cartID, c)
		return nil
	})
	return view, err
}

// AddCartItem adds one unit using the product's current price and stock and
// the tax and discount resolved from its category and store.
func (s *Service) AddCartItem(ctx context.Context, cartID string, productID string) (CartView, error) {
	product, err := s.getProduct(ctx, productID)
	if err != nil {
		return CartView{}, err
	}
	category, err := s.optionalCategory(ctx, product.CategoryID)
	if err != nil {
		return CartView{}, err
	}

	var view CartView
	err = s.withCart(ctx, cartID, func(c *cart.Cart) error {
		st, err := s.repo.GetStore(ctx, c.StoreID())
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err := c.AddItem(*product, category, st); err != nil {
			if errors.Is(err, cart.ErrStoreMismatch) {
				return apperr.ProductNotFound(product.ID)
			}
			return err
		}
		view = viewOf(cartID, c)
		return nil
	})
	return view, err
}

// UpdateCartItem changes a line's quantity by delta or overrides its discount.
// A cashier going above the configured discount cap needs managerApproved.
func (s *Service) UpdateCartItem(ctx context.Context, cartID string, productID string, req domain.CartItemUpdateRequest, managerApproved bool) (CartView, error) {
	if req.Delta == nil && req.DiscountPercent == nil {
		return CartView{}, apperr.New(apperr.CodeInvalidInput, "delta or discountPercent is required")
	}
	if req.Delta != nil && *req.Delta == 0 {
		return CartView{}, apperr.New(apperr.CodeInvalidInput, "delta must not be zero")
	}
	if req.DiscountPercent != nil {
		if err := pricing.ValidatePercent(pricing.ClampPercent(*req.DiscountPercent)); err != nil {
			return CartView{}, apperr.Wrap(apperr.CodeInvalidInput, err, "discountPercent: "+err.Error())
		}
		if err := s.authorizeDiscount(ctx, *req.DiscountPercent, managerApproved); err != nil {
			return CartView{}, err
		}
	}

	var view CartView
	err := s.withCart(ctx, cartID, func(c *cart.Cart) error {
		if req.Delta != nil {
			if err := c.ChangeQuantity(productID, *req.Delta); err != nil {
				return cartLineError(err, productID)
			}
		}
		if req.DiscountPercent != nil {
			if err := c.SetLineDiscount(productID, *req.DiscountPercent); err != nil {
				return cartLineError(err, productID)
			}
		}
		view = viewOf(cartID, c)
		return nil
	})
	return view, err
}

func (s *Service) RemoveCartItem(ctx context.Context, cartID string, productID string) (CartView, error) {
	var view CartView
	err := s.withCart(ctx, cartID, func(c *cart.Cart) error {
		if err := c.RemoveItem(productID); err != nil {
			return cartLineError(err, productID)
		}
		view = viewOf(cartID, c)
		return nil
	})
	return view, err
}

func (s *Service) CancelCart(ctx context.Context, cartID string) error {
	if err := s.withCart(ctx, cartID, func(c *cart.Cart) error {
		c.Clear()
		return nil
	}); err != nil {
		return err
	}
	if err := s.carts.Close(cartID); err != nil && !errors.Is(err, cart.ErrSessionNotFound) {
		return err
	}
	s.metrics.SetCarts(s.carts.Len())
	return nil
}

// CheckoutCart issues an invoice from the session's lines and clears the cart
// on success. On failure the cart is left as it was so the cashier can fix it.
func (s *Service) CheckoutCart(ctx context.Context, cartID string, method domain.PaymentMethod) (CartView, error) {
	var view CartView
	err := s.withCart(ctx, cartID, func(c *cart.Cart) error {
		if c.Len() == 0 {
			return apperr.New(apperr.CodeInvalidInput, "cart is empty")
		}

		priced := c.Lines()
		lines := make([]invoice.Line, 0, len(priced))
		for _, line := range priced {
			lines = append(lines, invoice.Line{
				ProductID:       line.ProductID,
				Name:            line.Name,
				Quantity:        line.Quantity,
				UnitPrice:       line.UnitPrice,
				TaxPercent:      line.AppliedTaxPercent,
				DiscountPercent: line.AppliedDiscountPercent,
			})
		}

		inv, err := s.issuer.Issue(ctx, invoice.Request{
			StoreID:       c.StoreID(),
			Lines:         lines,
			PaymentMethod: method,
			IssuedBy:      actorName(ctx),
		})
		if err != nil {
			return err
		}

		c.Clear()
		view = viewOf(cartID, c)
		view.Invoice = inv
		s.invalidateCatalog(ctx, inv.StoreID)
		return nil
	})
	return view, err
}

func (s *Service) authorizeDiscount(ctx context.Context, percent decimal.Decimal, managerApproved bool) error {
	actor, _ := ActorFromContext(ctx)
	if actor.Role == domain.RoleAdmin || managerApproved {
		return nil
	}
	if pricing.ClampPercent(percent).GreaterThan(s.cashierMaxDiscount) {
		return apperr.Newf(apperr.CodeForbidden, "discount above %s%% requires manager approval", s.cashierMaxDiscount.String()).
			WithDetails(map[string]string{"maxDiscountPercent": s.cashierMaxDiscount.String()})
	}
	return nil
}

// withCart runs fn on the session if the caller owns it. Admins may touch any
// session; other callers get NOT_FOUND for sessions they do not own.
func (s *Service) withCart(ctx context.Context, cartID string, fn func(c *cart.Cart) error) error {
	owner, err := s.carts.Owner(cartID)
	if err != nil {
		return cartSessionError(err)
	}
	actor, _ := ActorFromContext(ctx)
	if owner != "" && actor.Role != domain.RoleAdmin && actor.Username != owner {
		return apperr.New(apperr.CodeNotFound, "cart not found")
	}
	return cartSessionError(s.carts.With(cartID, fn))
}

func viewOf(id string, c *cart.Cart) CartView {
	return CartView{
		ID:      id,
		StoreID: c.StoreID(),
		Lines:   c.Lines(),
		Totals:  c.ComputeTotals(),
	}
}

func cartSessionError(err error) error {
	if errors.Is(err, cart.ErrSessionNotFound) {
		return apperr.New(apperr.CodeNotFound, "cart not found")
	}
	return err
}

func cartLineError(err error, productID string) error {
	if errors.Is(err, cart.ErrLineNotFound) {
		return apperr.Newf(apperr.CodeNotFound, "product %s is not in the cart", productID)
	}
	return err
}
