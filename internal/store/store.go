package store

import (
	"context"
	"errors"

	"kasirinaja/pos/internal/domain"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrDuplicateInvoiceNumber = errors.New("duplicate invoice number")
	// ErrTransient marks lock contention, serialization failures and deadlocks.
	// The whole unit of work may be retried.
	ErrTransient = errors.New("transient storage conflict")
	ErrInvalid   = errors.New("invalid request")
)

type Catalog interface {
	GetStore(ctx context.Context, storeID string) (*domain.Store, error)
	GetCategory(ctx context.Context, categoryID string) (*domain.Category, error)
	GetProduct(ctx context.Context, productID string) (*domain.Product, error)
	ListProducts(ctx context.Context, storeID string) ([]domain.Product, error)
	UpdateProduct(ctx context.Context, productID string, update domain.ProductUpdate) (*domain.Product, error)
}

// StockLedger is the authoritative quantity-on-hand per product.
type StockLedger interface {
	GetQuantity(ctx context.Context, productID string) (int, error)
	// AdjustQuantity applies an administrative delta and returns the new
	// quantity. It fails with ErrInsufficientStock rather than going negative.
	AdjustQuantity(ctx context.Context, productID string, delta int) (int, error)
}

type InvoiceStore interface {
	GetInvoice(ctx context.Context, invoiceID string) (*domain.Invoice, error)
	ListInvoices(ctx context.Context, storeID string, limit int) ([]domain.Invoice, error)
}

// IssuanceTx is the view of one atomic issuance unit. Nothing written through
// it is visible to others until the unit commits.
type IssuanceTx interface {
	// LockProducts takes exclusive locks on the given products and returns the
	// locked rows keyed by id. Unknown ids are absent from the result.
	LockProducts(ctx context.Context, productIDs []string) (map[string]domain.Product, error)
	// DecrementQuantity lowers a locked product's stock, failing with
	// ErrInsufficientStock if that would make it negative.
	DecrementQuantity(ctx context.Context, productID string, amount int) error
	InsertInvoice(ctx context.Context, invoice domain.Invoice) error
}

type Issuance interface {
	// RunIssuance runs fn in one atomic unit. It commits when fn returns nil
	// and rolls back otherwise. Commit may fail with ErrDuplicateInvoiceNumber
	// or ErrTransient.
	RunIssuance(ctx context.Context, fn func(ctx context.Context, tx IssuanceTx) error) error
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type Repository interface {
	Catalog
	StockLedger
	InvoiceStore
	Issuance
	UserStore
}
