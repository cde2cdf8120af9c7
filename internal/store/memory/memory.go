package memory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"kasirinaja/pos/internal/domain"
	"kasirinaja/pos/internal/store"
)

// Store is an in-process Repository. Issuance locks individual products in
// id order and buffers its writes until commit, so checkouts on disjoint
// products never wait on each other.
type Store struct {
	mu              sync.RWMutex
	stores          map[string]domain.Store
	categories      map[string]domain.Category
	products        map[string]domain.Product
	invoicesByID    map[string]domain.Invoice
	invoiceNumbers  map[string]string
	invoiceOrder    []string
	usersByUsername map[string]domain.UserAccount

	rowMu sync.Mutex
	rows  map[string]*sync.Mutex
}

func New() *Store {
	return &Store{
		stores:          make(map[string]domain.Store),
		categories:      make(map[string]domain.Category),
		products:        make(map[string]domain.Product),
		invoicesByID:    make(map[string]domain.Invoice),
		invoiceNumbers:  make(map[string]string),
		usersByUsername: make(map[string]domain.UserAccount),
		rows:            make(map[string]*sync.Mutex),
	}
}

// NewSeeded returns a store with a demo catalog for storeID and dev users.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD.
func NewSeeded(storeID string, logger zerolog.Logger) *Store {
	s := New()
	s.PutStore(domain.Store{ID: storeID, Name: "Toko Utama"})

	categories := []domain.Category{
		{ID: "cat-grocery", StoreID: storeID, Name: "Grocery", DefaultGST: decimal.NewFromInt(5)},
		{ID: "cat-beverage", StoreID: storeID, Name: "Beverage", DefaultGST: decimal.NewFromInt(12), DefaultDiscount: decimal.NewFromInt(2)},
		{ID: "cat-household", StoreID: storeID, Name: "Household", DefaultGST: decimal.NewFromInt(18)},
	}
	for _, c := range categories {
		c.LowStockThreshold = domain.DefaultLowStockThreshold
		s.PutCategory(c)
	}

	zeroTax := decimal.Zero
	products := []domain.Product{
		{ID: "prd-mie", CategoryID: "cat-grocery", SKU: "SKU-MIE-01", Name: "Mie Goreng Instan", Price: decimal.RequireFromString("14.00"), CostPrice: decimal.RequireFromString("11.00")},
		{ID: "prd-telur", CategoryID: "cat-grocery", SKU: "SKU-TELUR-01", Name: "Telur 10 Butir", Price: decimal.RequireFromString("72.00"), CostPrice: decimal.RequireFromString("63.00"), TaxOverride: &zeroTax},
		{ID: "prd-gula", CategoryID: "cat-grocery", SKU: "SKU-GULA-01", Name: "Gula 1kg", Price: decimal.RequireFromString("48.50"), CostPrice: decimal.RequireFromString("42.00")},
		{ID: "prd-kopi", CategoryID: "cat-beverage", SKU: "SKU-KOPI-01", Name: "Kopi Sachet", Price: decimal.RequireFromString("10.00"), CostPrice: decimal.RequireFromString("6.60")},
		{ID: "prd-teh", CategoryID: "cat-beverage", SKU: "SKU-TEH-01", Name: "Teh Celup", Price: decimal.RequireFromString("35.00"), CostPrice: decimal.RequireFromString("26.00")},
		{ID: "prd-air", CategoryID: "cat-beverage", SKU: "SKU-AIR-01", Name: "Air Mineral 600ml", Price: decimal.RequireFromString("20.00"), CostPrice: decimal.RequireFromString("16.40")},
		{ID: "prd-sabun", CategoryID: "cat-household", SKU: "SKU-SABUN-01", Name: "Sabun Mandi", Price: decimal.RequireFromString("38.00"), CostPrice: decimal.RequireFromString("25.80")},
		{ID: "prd-shampoo", CategoryID: "cat-household", SKU: "SKU-SHAMPOO-01", Name: "Shampoo Sachet", Price: decimal.RequireFromString("4.00"), CostPrice: decimal.RequireFromString("2.70")},
	}
	for _, p := range products {
		p.StoreID = storeID
		p.StockQty = 120
		s.PutProduct(p)
	}

	for _, user := range seedUsers(logger) {
		s.usersByUsername[user.Username] = user
	}
	return s
}

func seedUsers(logger zerolog.Logger) []domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		logger.Warn().Msg("using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := make([]domain.UserAccount, 0, 2)
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			logger.Fatal().Err(err).Str("username", u.username).Msg("hash seed password")
		}
		users = append(users, domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		})
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) PutStore(st domain.Store) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stores[st.ID] = st
}

func (s *Store) PutCategory(c domain.Category) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.categories[c.ID] = c
}

func (s *Store) PutProduct(p domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = cloneProduct(p)
}

func (s *Store) GetStore(_ context.Context, storeID string) (*domain.Store, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stores[storeID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &st, nil
}

func (s *Store) GetCategory(_ context.Context, categoryID string) (*domain.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.categories[categoryID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *Store) GetProduct(_ context.Context, productID string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[productID]
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := cloneProduct(p)
	return &dup, nil
}

func (s *Store) ListProducts(_ context.Context, storeID string) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if p.StoreID == storeID {
			out = append(out, cloneProduct(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CategoryID != out[j].CategoryID {
			return out[i].CategoryID < out[j].CategoryID
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *Store) UpdateProduct(_ context.Context, productID string, update domain.ProductUpdate) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[productID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if update.Name != nil {
		name := strings.TrimSpace(*update.Name)
		if name == "" {
			return nil, store.ErrInvalid
		}
		p.Name = name
	}
	if update.Price != nil {
		if update.Price.IsNegative() {
			return nil, store.ErrInvalid
		}
		p.Price = *update.Price
	}
	if update.ClearTaxOverride {
		p.TaxOverride = nil
	} else if update.TaxOverride != nil {
		tax := *update.TaxOverride
		p.TaxOverride = &tax
	}
	s.products[productID] = p
	dup := cloneProduct(p)
	return &dup, nil
}

func (s *Store) GetQuantity(_ context.Context, productID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[productID]
	if !ok {
		return 0, store.ErrNotFound
	}
	return p.StockQty, nil
}

// AdjustQuantity takes the product's row lock so it serializes with issuance.
func (s *Store) AdjustQuantity(_ context.Context, productID string, delta int) (int, error) {
	row := s.rowLock(productID)
	row.Lock()
	defer row.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[productID]
	if !ok {
		return 0, store.ErrNotFound
	}
	if p.StockQty+delta < 0 {
		return p.StockQty, fmt.Errorf("adjust %s by %d: %w", productID, delta, store.ErrInsufficientStock)
	}
	p.StockQty += delta
	s.products[productID] = p
	return p.StockQty, nil
}

func (s *Store) GetInvoice(_ context.Context, invoiceID string) (*domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invoicesByID[invoiceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := cloneInvoice(inv)
	return &dup, nil
}

func (s *Store) ListInvoices(_ context.Context, storeID string, limit int) ([]domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Invoice, 0, 16)
	for i := len(s.invoiceOrder) - 1; i >= 0; i-- {
		inv := s.invoicesByID[s.invoiceOrder[i]]
		if inv.StoreID != storeID {
			continue
		}
		out = append(out, cloneInvoice(inv))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) RunIssuance(ctx context.Context, fn func(ctx context.Context, tx store.IssuanceTx) error) error {
	tx := &issuanceTx{
		s:          s,
		locked:     make(map[string]domain.Product),
		decrements: make(map[string]int),
	}
	defer tx.release()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.commit()
}

func (s *Store) rowLock(productID string) *sync.Mutex {
	s.rowMu.Lock()
	defer s.rowMu.Unlock()
	m, ok := s.rows[productID]
	if !ok {
		m = &sync.Mutex{}
		s.rows[productID] = m
	}
	return m
}

type issuanceTx struct {
	s          *Store
	held       []*sync.Mutex
	heldIDs    map[string]bool
	locked     map[string]domain.Product
	decrements map[string]int
	invoice    *domain.Invoice
}

// LockProducts acquires row locks in ascending id order. Call it once per
// unit with every product the unit touches.
func (tx *issuanceTx) LockProducts(_ context.Context, productIDs []string) (map[string]domain.Product, error) {
	ids := make([]string, 0, len(productIDs))
	for _, id := range productIDs {
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	if tx.heldIDs == nil {
		tx.heldIDs = make(map[string]bool, len(ids))
	}
	for _, id := range ids {
		if tx.heldIDs[id] {
			continue
		}
		row := tx.s.rowLock(id)
		row.Lock()
		tx.held = append(tx.held, row)
		tx.heldIDs[id] = true
	}

	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	out := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		p, ok := tx.s.products[id]
		if !ok {
			continue
		}
		tx.locked[id] = cloneProduct(p)
		out[id] = cloneProduct(p)
	}
	return out, nil
}

func (tx *issuanceTx) DecrementQuantity(_ context.Context, productID string, amount int) error {
	if amount < 1 {
		return store.ErrInvalid
	}
	p, ok := tx.locked[productID]
	if !ok {
		return fmt.Errorf("decrement %s without lock: %w", productID, store.ErrInvalid)
	}
	remaining := p.StockQty - tx.decrements[productID]
	if amount > remaining {
		return fmt.Errorf("decrement %s by %d, %d left: %w", productID, amount, remaining, store.ErrInsufficientStock)
	}
	tx.decrements[productID] += amount
	return nil
}

func (tx *issuanceTx) InsertInvoice(_ context.Context, invoice domain.Invoice) error {
	if tx.invoice != nil || invoice.ID == "" || invoice.InvoiceNumber == "" || len(invoice.Items) == 0 {
		return store.ErrInvalid
	}
	dup := cloneInvoice(invoice)
	tx.invoice = &dup
	return nil
}

func (tx *issuanceTx) commit() error {
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.invoice != nil {
		if _, exists := s.invoiceNumbers[tx.invoice.InvoiceNumber]; exists {
			return fmt.Errorf("invoice number %s: %w", tx.invoice.InvoiceNumber, store.ErrDuplicateInvoiceNumber)
		}
		if _, exists := s.invoicesByID[tx.invoice.ID]; exists {
			return fmt.Errorf("invoice id %s exists: %w", tx.invoice.ID, store.ErrInvalid)
		}
	}
	for id, n := range tx.decrements {
		if s.products[id].StockQty < n {
			return fmt.Errorf("commit %s: %w", id, store.ErrInsufficientStock)
		}
	}

	for id, n := range tx.decrements {
		p := s.products[id]
		p.StockQty -= n
		s.products[id] = p
	}
	if tx.invoice != nil {
		s.invoicesByID[tx.invoice.ID] = *tx.invoice
		s.invoiceNumbers[tx.invoice.InvoiceNumber] = tx.invoice.ID
		s.invoiceOrder = append(s.invoiceOrder, tx.invoice.ID)
	}
	return nil
}

func (tx *issuanceTx) release() {
	for i := len(tx.held) - 1; i >= 0; i-- {
		tx.held[i].Unlock()
	}
	tx.held = nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalid
	}
	if _, exists := s.usersByUsername[username]; exists {
		return fmt.Errorf("user %s exists: %w", username, store.ErrInvalid)
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalid
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func cloneProduct(src domain.Product) domain.Product {
	dup := src
	if src.TaxOverride != nil {
		tax := *src.TaxOverride
		dup.TaxOverride = &tax
	}
	return dup
}

func cloneInvoice(src domain.Invoice) domain.Invoice {
	dup := src
	items := make([]domain.InvoiceLine, len(src.Items))
	copy(items, src.Items)
	dup.Items = items
	return dup
}
