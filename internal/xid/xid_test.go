package xid

import (
	"regexp"
	"strings"
	"testing"
	"time"
)

func TestNewUsesPrefix(t *testing.T) {
	id := New("cart")
	if !strings.HasPrefix(id, "cart-") {
		t.Fatalf("expected cart- prefix, got %s", id)
	}
	if New("cart") == id {
		t.Fatalf("expected distinct ids")
	}
}

func TestInvoiceNumberFormat(t *testing.T) {
	at := time.Date(2026, 1, 15, 9, 30, 12, 0, time.UTC)
	number := InvoiceNumber(at)

	pattern := regexp.MustCompile(`^INV-20260115093012-[0-9A-F]{6}$`)
	if !pattern.MatchString(number) {
		t.Fatalf("unexpected invoice number %s", number)
	}
}
