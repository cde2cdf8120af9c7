package apperr

import (
	stdErrors "errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeInvalidInput      Code = "INVALID_INPUT"
	CodeProductNotFound   Code = "PRODUCT_NOT_FOUND"
	CodeInsufficientStock Code = "INSUFFICIENT_STOCK"
	CodeOutOfStock        Code = "OUT_OF_STOCK"
	CodeIssuanceFailed    Code = "ISSUANCE_FAILED"
	CodeNotFound          Code = "NOT_FOUND"
	CodeUnauthorized      Code = "UNAUTHORIZED"
	CodeForbidden         Code = "FORBIDDEN"
	CodeRateLimited       Code = "RATE_LIMITED"
	CodeIdempotentReplay  Code = "IDEMPOTENT_REPLAY"
	CodeInternal          Code = "INTERNAL"
)

type Metadata struct {
	HTTPStatus    int
	Retryable     bool
	PublicMessage string
}

var metadataByCode = map[Code]Metadata{
	CodeInvalidInput:      {HTTPStatus: http.StatusBadRequest, PublicMessage: "invalid input"},
	CodeProductNotFound:   {HTTPStatus: http.StatusBadRequest, PublicMessage: "product not found"},
	CodeInsufficientStock: {HTTPStatus: http.StatusBadRequest, PublicMessage: "insufficient stock"},
	CodeOutOfStock:        {HTTPStatus: http.StatusConflict, PublicMessage: "out of stock"},
	CodeIssuanceFailed:    {HTTPStatus: http.StatusInternalServerError, Retryable: true, PublicMessage: "invoice issuance failed, try again later"},
	CodeNotFound:          {HTTPStatus: http.StatusNotFound, PublicMessage: "resource not found"},
	CodeUnauthorized:      {HTTPStatus: http.StatusUnauthorized, PublicMessage: "authentication required"},
	CodeForbidden:         {HTTPStatus: http.StatusForbidden, PublicMessage: "access denied"},
	CodeRateLimited:       {HTTPStatus: http.StatusTooManyRequests, Retryable: true, PublicMessage: "too many attempts"},
	CodeIdempotentReplay:  {HTTPStatus: http.StatusConflict, PublicMessage: "duplicate request"},
	CodeInternal:          {HTTPStatus: http.StatusInternalServerError, Retryable: true, PublicMessage: "internal server error"},
}

// MetadataFor returns the transport metadata for code, falling back to CodeInternal.
func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeInternal]
}

// Error is a coded application error. Business-rule codes are deterministic and
// never retried internally; Retryable codes tell the caller to try again later.
type Error struct {
	code    Code
	message string
	details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{code: code, message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return New(code, message)
	}
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

func (e *Error) WithDetails(details any) *Error {
	if e == nil {
		return nil
	}
	e.details = details
	return e
}

func (e *Error) Retryable() bool {
	return MetadataFor(e.Code()).Retryable
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

func As(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code Code) bool {
	typed := As(err)
	return typed != nil && typed.code == code
}

type StockShortage struct {
	ProductID string `json:"productId"`
	Available int    `json:"available"`
	Requested int    `json:"requested"`
}

func ProductNotFound(productID string) *Error {
	return Newf(CodeProductNotFound, "product %s not found", productID).
		WithDetails(map[string]string{"productId": productID})
}

func InsufficientStock(productID string, available, requested int) *Error {
	return Newf(CodeInsufficientStock, "insufficient stock for product %s: available %d, requested %d", productID, available, requested).
		WithDetails(StockShortage{ProductID: productID, Available: available, Requested: requested})
}

func OutOfStock(productID string, available, requested int) *Error {
	return Newf(CodeOutOfStock, "product %s out of stock: available %d, requested %d", productID, available, requested).
		WithDetails(StockShortage{ProductID: productID, Available: available, Requested: requested})
}
