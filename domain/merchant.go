package domain

import (
	"strings"
	"time"
)

// The billing service only embedded the merchant id in order numbers between
// these two dates. Purchases outside the window carry order ids in other
// formats and cannot be checked. Both are historical facts of the service,
// not tunables.
var (
	merchantWindowStart = time.Date(2012, time.December, 5, 0, 0, 0, 0, time.UTC)
	merchantWindowEnd   = time.Date(2015, time.July, 21, 0, 0, 0, 0, time.UTC)
)

// IsGenuineMerchant classifies a purchase record as plausibly genuine by
// checking that its order id carries the configured merchant id prefix. This
// is a heuristic against locally spoofed purchase grants, not cryptographic
// proof. An empty merchantID disables the check.
func IsGenuineMerchant(record *PurchaseRecord, merchantID string) bool {
	if merchantID == "" {
		return true
	}
	if record == nil {
		return false
	}
	if record.PurchaseTime.Before(merchantWindowStart) {
		return true
	}
	if record.PurchaseTime.After(merchantWindowEnd) {
		return true
	}
	orderID := strings.TrimSpace(record.OrderID)
	if orderID == "" {
		return false
	}
	index := strings.Index(orderID, ".")
	if index <= 0 {
		return false
	}
	return orderID[:index] == merchantID
}
