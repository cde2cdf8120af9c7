package cache

import (
	"context"
	"time"

	"kasirinaja/pos/internal/domain"
)

// CatalogCache holds the product listing of a store for the POS grid. It is
// a read-through convenience only; issuance never reads stock from it.
type CatalogCache interface {
	GetProducts(ctx context.Context, storeID string) ([]domain.Product, bool, error)
	SetProducts(ctx context.Context, storeID string, products []domain.Product, ttl time.Duration) error
	InvalidateProducts(ctx context.Context, storeID string) error
}

// IdempotencyStore claims Idempotency-Key values for a limited time.
type IdempotencyStore interface {
	// Reserve stores value only if key is absent and reports whether it did.
	Reserve(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type NoopCatalogCache struct{}

func (NoopCatalogCache) GetProducts(_ context.Context, _ string) ([]domain.Product, bool, error) {
	return nil, false, nil
}

func (NoopCatalogCache) SetProducts(_ context.Context, _ string, _ []domain.Product, _ time.Duration) error {
	return nil
}

func (NoopCatalogCache) InvalidateProducts(_ context.Context, _ string) error {
	return nil
}
