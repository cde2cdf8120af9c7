package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"kasirinaja/pos/internal/domain"
	"kasirinaja/pos/internal/store"
)

const (
	invoiceNumberConstraint = "invoices_invoice_number_key"
	stockCheckConstraint    = "products_stock_qty_non_negative"

	// lockTimeout bounds how long an issuance waits on a contended product row.
	lockTimeout = "3s"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) GetStore(ctx context.Context, storeID string) (*domain.Store, error) {
	var st domain.Store
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, global_discount
		FROM stores
		WHERE id = $1
	`, storeID).Scan(&st.ID, &st.Name, &st.GlobalDiscount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) GetCategory(ctx context.Context, categoryID string) (*domain.Category, error) {
	var c domain.Category
	err := s.db.QueryRowContext(ctx, `
		SELECT id, store_id, name, default_gst, default_discount, low_stock_threshold
		FROM categories
		WHERE id = $1
	`, categoryID).Scan(&c.ID, &c.StoreID, &c.Name, &c.DefaultGST, &c.DefaultDiscount, &c.LowStockThreshold)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

const productColumns = `id, store_id, COALESCE(category_id, ''), name, price, stock_qty, tax_override, sku, cost_price`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var (
		p   domain.Product
		tax decimal.NullDecimal
	)
	if err := row.Scan(&p.ID, &p.StoreID, &p.CategoryID, &p.Name, &p.Price, &p.StockQty, &tax, &p.SKU, &p.CostPrice); err != nil {
		return domain.Product{}, err
	}
	if tax.Valid {
		p.TaxOverride = &tax.Decimal
	}
	return p, nil
}

func (s *Store) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, productID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListProducts(ctx context.Context, storeID string) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE store_id = $1
		ORDER BY category_id, name
	`, storeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) UpdateProduct(ctx context.Context, productID string, update domain.ProductUpdate) (*domain.Product, error) {
	if update.Name != nil && strings.TrimSpace(*update.Name) == "" {
		return nil, store.ErrInvalid
	}
	if update.Price != nil && update.Price.IsNegative() {
		return nil, store.ErrInvalid
	}

	var name any
	if update.Name != nil {
		name = strings.TrimSpace(*update.Name)
	}
	var price any
	if update.Price != nil {
		price = *update.Price
	}
	var tax any
	if update.TaxOverride != nil {
		tax = *update.TaxOverride
	}

	p, err := scanProduct(s.db.QueryRowContext(ctx, `
		UPDATE products
		SET name = COALESCE($2, name),
		    price = COALESCE($3, price),
		    tax_override = CASE WHEN $4::boolean THEN NULL ELSE COALESCE($5, tax_override) END,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+productColumns,
		productID, name, price, update.ClearTaxOverride, tax))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return &p, nil
}

func (s *Store) GetQuantity(ctx context.Context, productID string) (int, error) {
	var qty int
	err := s.db.QueryRowContext(ctx, `SELECT stock_qty FROM products WHERE id = $1`, productID).Scan(&qty)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return qty, nil
}

// AdjustQuantity relies on the UPDATE row lock to serialize with issuance.
func (s *Store) AdjustQuantity(ctx context.Context, productID string, delta int) (int, error) {
	var qty int
	err := s.db.QueryRowContext(ctx, `
		UPDATE products
		SET stock_qty = stock_qty + $2, updated_at = now()
		WHERE id = $1 AND stock_qty + $2 >= 0
		RETURNING stock_qty
	`, productID, delta).Scan(&qty)
	if err == nil {
		return qty, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, classify(err)
	}

	current, lookupErr := s.GetQuantity(ctx, productID)
	if lookupErr != nil {
		return 0, lookupErr
	}
	return current, fmt.Errorf("adjust %s by %d: %w", productID, delta, store.ErrInsufficientStock)
}

func (s *Store) GetInvoice(ctx context.Context, invoiceID string) (*domain.Invoice, error) {
	inv, err := scanInvoice(s.db.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, invoiceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	invoices := []domain.Invoice{inv}
	if err := s.attachItems(ctx, invoices); err != nil {
		return nil, err
	}
	return &invoices[0], nil
}

func (s *Store) ListInvoices(ctx context.Context, storeID string, limit int) ([]domain.Invoice, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE store_id = $1
		ORDER BY issued_at DESC, id DESC
		LIMIT $2
	`, storeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	invoices := make([]domain.Invoice, 0, limit)
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.attachItems(ctx, invoices); err != nil {
		return nil, err
	}
	return invoices, nil
}

const invoiceColumns = `id, invoice_number, store_id, issued_at, subtotal, tax_total, discount_total, grand_total, payment_method, COALESCE(issued_by, ''), synced`

func scanInvoice(row rowScanner) (domain.Invoice, error) {
	var (
		inv    domain.Invoice
		method string
	)
	err := row.Scan(&inv.ID, &inv.InvoiceNumber, &inv.StoreID, &inv.Date, &inv.Subtotal, &inv.TaxTotal,
		&inv.DiscountTotal, &inv.GrandTotal, &method, &inv.IssuedBy, &inv.Synced)
	if err != nil {
		return domain.Invoice{}, err
	}
	inv.Date = inv.Date.UTC()
	inv.PaymentMethod = domain.PaymentMethod(method)
	return inv, nil
}

func (s *Store) attachItems(ctx context.Context, invoices []domain.Invoice) error {
	if len(invoices) == 0 {
		return nil
	}
	ids := make([]string, len(invoices))
	index := make(map[string]int, len(invoices))
	for i, inv := range invoices {
		ids[i] = inv.ID
		index[inv.ID] = i
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT invoice_id, product_id, name, quantity, unit_price, applied_tax_percent,
		       applied_discount_percent, line_subtotal, discount_amount, tax_amount, line_total
		FROM invoice_items
		WHERE invoice_id = ANY($1)
		ORDER BY invoice_id, line_no
	`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			invoiceID string
			line      domain.InvoiceLine
		)
		if err := rows.Scan(&invoiceID, &line.ProductID, &line.Name, &line.Quantity, &line.UnitPrice,
			&line.AppliedTaxPercent, &line.AppliedDiscountPercent, &line.LineSubtotal,
			&line.DiscountAmount, &line.TaxAmount, &line.LineTotal); err != nil {
			return err
		}
		i := index[invoiceID]
		invoices[i].Items = append(invoices[i].Items, line)
	}
	return rows.Err()
}

// RunIssuance runs fn inside one READ COMMITTED transaction. Product rows are
// locked with SELECT ... FOR UPDATE, which is enough to serialize concurrent
// decrements of the same product; lock waits are bounded by lock_timeout.
func (s *Store) RunIssuance(ctx context.Context, fn func(ctx context.Context, tx store.IssuanceTx) error) error {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return classify(err)
	}
	defer func() { _ = pgTx.Rollback() }()

	if _, err := pgTx.ExecContext(ctx, `SET LOCAL lock_timeout = '`+lockTimeout+`'`); err != nil {
		return classify(err)
	}

	if err := fn(ctx, &issuanceTx{tx: pgTx}); err != nil {
		return err
	}
	if err := pgTx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

type issuanceTx struct {
	tx *sql.Tx
}

func (t *issuanceTx) LockProducts(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`, productIDs)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	out := make(map[string]domain.Product, len(productIDs))
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (t *issuanceTx) DecrementQuantity(ctx context.Context, productID string, amount int) error {
	if amount < 1 {
		return store.ErrInvalid
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE products
		SET stock_qty = stock_qty - $2, updated_at = now()
		WHERE id = $1 AND stock_qty >= $2
	`, productID, amount)
	if err != nil {
		return classify(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("decrement %s by %d: %w", productID, amount, store.ErrInsufficientStock)
	}
	return nil
}

func (t *issuanceTx) InsertInvoice(ctx context.Context, inv domain.Invoice) error {
	if inv.ID == "" || inv.InvoiceNumber == "" || len(inv.Items) == 0 {
		return store.ErrInvalid
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO invoices (
			id, invoice_number, store_id, issued_at, subtotal, tax_total,
			discount_total, grand_total, payment_method, issued_by, synced
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, inv.ID, inv.InvoiceNumber, inv.StoreID, inv.Date, inv.Subtotal, inv.TaxTotal,
		inv.DiscountTotal, inv.GrandTotal, string(inv.PaymentMethod), nullIfEmpty(inv.IssuedBy), inv.Synced)
	if err != nil {
		return classify(err)
	}

	for i, line := range inv.Items {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO invoice_items (
				invoice_id, line_no, product_id, name, quantity, unit_price, applied_tax_percent,
				applied_discount_percent, line_subtotal, discount_amount, tax_amount, line_total
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		`, inv.ID, i+1, line.ProductID, line.Name, line.Quantity, line.UnitPrice, line.AppliedTaxPercent,
			line.AppliedDiscountPercent, line.LineSubtotal, line.DiscountAmount, line.TaxAmount, line.LineTotal)
		if err != nil {
			return classify(err)
		}
	}
	return nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalid
	}
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("user %s exists: %w", user.Username, store.ErrInvalid)
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalid
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// classify maps PostgreSQL error codes onto the store sentinels.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505":
		if pgErr.ConstraintName == invoiceNumberConstraint {
			return fmt.Errorf("%w: %w", store.ErrDuplicateInvoiceNumber, err)
		}
	case "23514":
		if pgErr.ConstraintName == stockCheckConstraint {
			return fmt.Errorf("%w: %w", store.ErrInsufficientStock, err)
		}
	case "40001", "40P01", "55P03":
		return fmt.Errorf("%w: %w", store.ErrTransient, err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
