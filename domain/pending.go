package domain

import (
	"strings"

	"github.com/google/uuid"
)

// PendingPurchase is the correlation state created right before a purchase
// flow is launched. It is serialized into the persistent store because the
// result may arrive in a different process than the one that launched the
// flow.
type PendingPurchase struct {
	Kind             ProductKind
	ProductID        string
	Nonce            string
	DeveloperPayload string
}

// NewPendingPurchase builds the correlation state for a purchase attempt.
// One-time products get a random nonce so concurrent attempts cannot be
// confused with each other. Subscriptions deliberately get none: the service
// deduplicates subscription purchases by product, and a fresh nonce would make
// a retried attempt look like a new one.
func NewPendingPurchase(kind ProductKind, productID, developerPayload string) PendingPurchase {
	p := PendingPurchase{
		Kind:             kind,
		ProductID:        productID,
		DeveloperPayload: developerPayload,
	}
	if kind != KindSubscription {
		p.Nonce = uuid.NewString()
	}
	return p
}

// String serializes the pending purchase as kind:productId[:nonce][:payload].
func (p PendingPurchase) String() string {
	parts := []string{string(p.Kind), p.ProductID}
	if p.Nonce != "" {
		parts = append(parts, p.Nonce)
	}
	if p.DeveloperPayload != "" {
		parts = append(parts, p.DeveloperPayload)
	}
	return strings.Join(parts, ":")
}

// DetectKind classifies a purchase result. The kind recorded in the pending
// correlation payload wins; without one, the presence of an autoRenewing field
// in the response payload marks a subscription.
func DetectKind(pendingPayload, responsePayload string) ProductKind {
	if strings.HasPrefix(pendingPayload, string(KindSubscription)) {
		return KindSubscription
	}
	if PayloadHasAutoRenewing(responsePayload) {
		return KindSubscription
	}
	return KindOneTime
}
