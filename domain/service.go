package domain

import "context"

// ResponseCode is a raw result code from the billing service, passed through
// to callers unmodified.
type ResponseCode int

const (
	ResponseOK                 ResponseCode = 0
	ResponseUserCanceled       ResponseCode = 1
	ResponseServiceUnavailable ResponseCode = 2
	ResponseBillingUnavailable ResponseCode = 3
	ResponseItemUnavailable    ResponseCode = 4
	ResponseDeveloperError     ResponseCode = 5
	ResponseError              ResponseCode = 6
	ResponseItemAlreadyOwned   ResponseCode = 7
	ResponseItemNotOwned       ResponseCode = 8
)

// Feature identifies an optional capability of the billing service.
type Feature string

const (
	FeatureOneTimePurchases   Feature = "one_time_purchases"
	FeatureSubscriptions      Feature = "subscriptions"
	FeatureSubscriptionUpdate Feature = "subscription_update"
)

// UIHost is a capability handle for the surface that can show a purchase
// screen. Done is closed when the owner goes away, at which point any
// in-flight purchase flow it hosts is abandoned.
type UIHost interface {
	Done() <-chan struct{}
}

// PurchaseRequest carries everything the service needs to launch a purchase
// flow. CorrelationPayload is round-tripped through the flow so the result
// can be matched back to the pending purchase that caused it.
type PurchaseRequest struct {
	Product               Product
	CorrelationPayload    string
	ReplacedPurchaseToken string
}

// PurchaseOutcome is the terminal result of a launched purchase flow.
// Payload and Signature are set only when Response is ResponseOK.
type PurchaseOutcome struct {
	Response  ResponseCode
	Payload   string
	Signature string
	Err       error
}

// BillingService is the remote entitlement/billing service boundary. All
// operations are issued against an established connection; Connect must
// succeed before anything else is called. Implementations must be safe for
// concurrent use.
type BillingService interface {
	// Connect establishes the connection. onConnectionLost is invoked at most
	// once if an established connection is observed to drop.
	Connect(ctx context.Context, onConnectionLost func()) error

	// Disconnect tears the connection down. Safe to call when not connected.
	Disconnect() error

	// QueryPurchases returns all currently-owned purchases of the given kind
	// as raw signed payloads.
	QueryPurchases(ctx context.Context, kind ProductKind) ([]SignedPayload, error)

	// QueryProductDetails resolves listing metadata for the given product ids.
	QueryProductDetails(ctx context.Context, kind ProductKind, productIDs []string) ([]Product, error)

	// LaunchPurchaseFlow starts the purchase UI for the request and returns a
	// channel that delivers exactly one terminal outcome.
	LaunchPurchaseFlow(ctx context.Context, host UIHost, req PurchaseRequest) (<-chan PurchaseOutcome, error)

	// Consume marks a one-time purchase as used up.
	Consume(ctx context.Context, purchaseToken string) (ResponseCode, error)

	// Acknowledge confirms receipt of a purchase so the service does not
	// auto-refund it.
	Acknowledge(ctx context.Context, purchaseToken string) (ResponseCode, error)

	// IsFeatureSupported reports whether the service supports a feature.
	IsFeatureSupported(ctx context.Context, feature Feature) (ResponseCode, error)
}
