package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// PurchaseState is the lifecycle state reported by the billing service.
type PurchaseState int

const (
	StatePurchased PurchaseState = iota
	StateCanceled
	StateRefunded
	StateExpired
)

// SignedPayload is a raw purchase response paired with its signature, exactly
// as delivered by the billing service. The payload must be kept verbatim so
// the signature can be re-verified later.
type SignedPayload struct {
	Payload   string
	Signature string
}

// PurchaseRecord represents an entitlement: a single verified purchase of a
// product. OrderID may be empty for purchases made before the service started
// assigning merchant-scoped order numbers.
type PurchaseRecord struct {
	ProductID     string
	OrderID       string
	PackageName   string
	PurchaseToken string
	PurchaseTime  time.Time
	State         PurchaseState
	AutoRenewing  bool
	Acknowledged  bool

	// RawPayload and Signature carry the untouched service response so the
	// record can be re-verified at any time.
	RawPayload string
	Signature  string
}

// purchaseResponse mirrors the JSON shape of a purchase response payload.
type purchaseResponse struct {
	OrderID       string `json:"orderId"`
	PackageName   string `json:"packageName"`
	ProductID     string `json:"productId"`
	PurchaseTime  int64  `json:"purchaseTime"`
	PurchaseState *int   `json:"purchaseState"`
	PurchaseToken string `json:"purchaseToken"`
	AutoRenewing  bool   `json:"autoRenewing"`
	Acknowledged  bool   `json:"acknowledged"`
}

// ParsePurchaseRecord parses a raw purchase payload and its signature into a
// PurchaseRecord. The purchase token is mandatory; a payload without one is
// malformed.
func ParsePurchaseRecord(payload, signature string) (*PurchaseRecord, error) {
	var resp purchaseResponse
	if err := json.Unmarshal([]byte(payload), &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if resp.ProductID == "" {
		return nil, fmt.Errorf("%w: missing productId", ErrMalformedPayload)
	}
	if resp.PurchaseToken == "" {
		return nil, fmt.Errorf("%w: missing purchaseToken", ErrMalformedPayload)
	}

	// The service omits purchaseState on some legacy responses; those are
	// treated as canceled, matching upstream behavior.
	state := StateCanceled
	if resp.PurchaseState != nil {
		state = PurchaseState(*resp.PurchaseState)
	}

	var purchaseTime time.Time
	if resp.PurchaseTime != 0 {
		purchaseTime = time.UnixMilli(resp.PurchaseTime).UTC()
	}

	return &PurchaseRecord{
		ProductID:     resp.ProductID,
		OrderID:       resp.OrderID,
		PackageName:   resp.PackageName,
		PurchaseToken: resp.PurchaseToken,
		PurchaseTime:  purchaseTime,
		State:         state,
		AutoRenewing:  resp.AutoRenewing,
		Acknowledged:  resp.Acknowledged,
		RawPayload:    payload,
		Signature:     signature,
	}, nil
}

// PayloadHasAutoRenewing reports whether the raw payload carries an
// autoRenewing field at all. Its mere presence marks a subscription, which is
// the only signal available for promo-code grants that bypass the normal
// purchase flow.
func PayloadHasAutoRenewing(payload string) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		return false
	}
	_, ok := fields["autoRenewing"]
	return ok
}
