package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// New returns an opaque prefixed id for short-lived server objects.
func New(prefix string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), hex.EncodeToString(buf))
}

// InvoiceNumber formats a human-readable number from the issue time and a
// random suffix, e.g. INV-20260115093012-4F1A9C. Uniqueness is enforced by
// storage, not by this format.
func InvoiceNumber(at time.Time) string {
	buf := make([]byte, 3)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("INV-%s-%06d", at.UTC().Format("20060102150405"), at.Nanosecond()%1_000_000)
	}
	return fmt.Sprintf("INV-%s-%s", at.UTC().Format("20060102150405"), strings.ToUpper(hex.EncodeToString(buf)))
}
