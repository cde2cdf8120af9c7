package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	RoleCashier = "cashier"
	RoleAdmin   = "admin"
)

const DefaultLowStockThreshold = 10

type Store struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	GlobalDiscount decimal.Decimal `json:"globalDiscount"`
}

type Category struct {
	ID                string          `json:"id"`
	StoreID           string          `json:"storeId"`
	Name              string          `json:"name"`
	DefaultGST        decimal.Decimal `json:"defaultGST"`
	DefaultDiscount   decimal.Decimal `json:"defaultDiscount"`
	LowStockThreshold int             `json:"lowStockThreshold"`
}

type Product struct {
	ID          string           `json:"id"`
	StoreID     string           `json:"storeId"`
	CategoryID  string           `json:"categoryId"`
	Name        string           `json:"name"`
	Price       decimal.Decimal  `json:"price"`
	StockQty    int              `json:"stockQty"`
	TaxOverride *decimal.Decimal `json:"taxOverride,omitempty"`
	SKU         string           `json:"sku"`
	CostPrice   decimal.Decimal  `json:"costPrice"`
}

// ProductUpdate carries an administrative catalog edit. Nil fields are left unchanged.
type ProductUpdate struct {
	Name             *string          `json:"name,omitempty" validate:"omitempty,min=1,max=200"`
	Price            *decimal.Decimal `json:"price,omitempty"`
	TaxOverride      *decimal.Decimal `json:"taxOverride,omitempty"`
	ClearTaxOverride bool             `json:"clearTaxOverride,omitempty"`
}

type PaymentMethod string

const (
	PaymentCash   PaymentMethod = "cash"
	PaymentCard   PaymentMethod = "card"
	PaymentUPI    PaymentMethod = "upi"
	PaymentCredit PaymentMethod = "credit"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCash, PaymentCard, PaymentUPI, PaymentCredit:
		return true
	default:
		return false
	}
}

// InvoiceLine is a frozen copy of a cart line taken at issuance time.
type InvoiceLine struct {
	ProductID              string          `json:"productId"`
	Name                   string          `json:"name"`
	Quantity               int             `json:"quantity"`
	UnitPrice              decimal.Decimal `json:"unitPrice"`
	AppliedTaxPercent      decimal.Decimal `json:"appliedTaxPercent"`
	AppliedDiscountPercent decimal.Decimal `json:"appliedDiscountPercent"`
	LineSubtotal           decimal.Decimal `json:"lineSubtotal"`
	DiscountAmount         decimal.Decimal `json:"discountAmount"`
	TaxAmount              decimal.Decimal `json:"taxAmount"`
	LineTotal              decimal.Decimal `json:"lineTotal"`
}

type Invoice struct {
	ID            string          `json:"id"`
	InvoiceNumber string          `json:"invoiceNumber"`
	StoreID       string          `json:"storeId"`
	Date          time.Time       `json:"date"`
	Items         []InvoiceLine   `json:"items"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	TaxTotal      decimal.Decimal `json:"taxTotal"`
	DiscountTotal decimal.Decimal `json:"discountTotal"`
	GrandTotal    decimal.Decimal `json:"grandTotal"`
	PaymentMethod PaymentMethod   `json:"paymentMethod"`
	IssuedBy      string          `json:"issuedBy,omitempty"`
	Synced        bool            `json:"synced"`
}

type CheckoutItem struct {
	ProductID              string           `json:"productId" validate:"required"`
	Name                   string           `json:"name"`
	Quantity               int              `json:"quantity" validate:"required,gte=1,lte=1000000"`
	Price                  decimal.Decimal  `json:"price"`
	AppliedTaxPercent      decimal.Decimal  `json:"appliedTaxPercent"`
	AppliedDiscountPercent decimal.Decimal  `json:"appliedDiscountPercent"`
	LineTotal              *decimal.Decimal `json:"lineTotal,omitempty"`
}

// CheckoutRequest is the body accepted by the direct checkout endpoint.
// Totals are optional; when present they must agree with the server's computation.
type CheckoutRequest struct {
	StoreID       string           `json:"storeId" validate:"required"`
	Items         []CheckoutItem   `json:"items" validate:"required,min=1,dive"`
	Subtotal      *decimal.Decimal `json:"subtotal,omitempty"`
	TaxTotal      *decimal.Decimal `json:"taxTotal,omitempty"`
	DiscountTotal *decimal.Decimal `json:"discountTotal,omitempty"`
	GrandTotal    *decimal.Decimal `json:"grandTotal,omitempty"`
	PaymentMethod PaymentMethod    `json:"paymentMethod" validate:"required,oneof=cash card upi credit"`
}

type CheckoutResponse struct {
	InvoiceID     string `json:"invoiceId"`
	InvoiceNumber string `json:"invoiceNumber"`
}

// StockLevel is the current on-hand figure with the category's low stock flag.
type StockLevel struct {
	ProductID string `json:"productId"`
	StockQty  int    `json:"stockQty"`
	LowStock  bool   `json:"lowStock"`
}

type CartOpenRequest struct {
	StoreID string `json:"storeId"`
}

type CartItemAddRequest struct {
	ProductID string `json:"productId" validate:"required"`
}

type CartItemUpdateRequest struct {
	Delta           *int             `json:"delta,omitempty"`
	DiscountPercent *decimal.Decimal `json:"discountPercent,omitempty"`
}

type CartCheckoutRequest struct {
	PaymentMethod PaymentMethod `json:"paymentMethod" validate:"required,oneof=cash card upi credit"`
}

type StockAdjustmentRequest struct {
	Delta  int    `json:"delta" validate:"required,gte=-1000000,lte=1000000"`
	Reason string `json:"reason" validate:"max=200"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"accessToken"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expiresAt"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type CashierCreateRequest struct {
	Username string `json:"username" validate:"required,min=4,max=64"`
	Password string `json:"password" validate:"required,min=6,max=128"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}
