package domain

import (
	"encoding/json"
	"fmt"
)

// ProductKind distinguishes repeatable one-time products from subscriptions.
// The wire values match what the billing service reports in product metadata.
type ProductKind string

const (
	// KindOneTime is a managed one-time product that can be consumed and
	// purchased again.
	KindOneTime ProductKind = "inapp"
	// KindSubscription is an auto-renewing subscription.
	KindSubscription ProductKind = "subs"
)

// Product is immutable listing metadata for a purchasable product,
// constructed from a remote metadata response.
type Product struct {
	ProductID   string
	Kind        ProductKind
	Title       string
	Description string
	Currency    string

	// PriceMicros is the price in micro-units of the currency. Use this for
	// arithmetic instead of a floating point representation.
	PriceMicros int64
	// PriceText is the formatted display price, e.g. "$4.99".
	PriceText string

	// SubscriptionPeriod is an ISO 8601 period, empty for one-time products.
	SubscriptionPeriod string
	// FreeTrialPeriod is an ISO 8601 period, empty when no trial is offered.
	FreeTrialPeriod string

	IntroductoryPriceMicros int64
	IntroductoryPriceText   string
	IntroductoryPricePeriod string
	IntroductoryPriceCycles int
}

// productResponse mirrors the JSON shape of a single product metadata entry.
type productResponse struct {
	ProductID                     string `json:"productId"`
	Type                          string `json:"type"`
	Title                         string `json:"title"`
	Description                   string `json:"description"`
	Price                         string `json:"price"`
	PriceCurrencyCode             string `json:"price_currency_code"`
	PriceAmountMicros             int64  `json:"price_amount_micros"`
	SubscriptionPeriod            string `json:"subscriptionPeriod"`
	FreeTrialPeriod               string `json:"freeTrialPeriod"`
	IntroductoryPrice             string `json:"introductoryPrice"`
	IntroductoryPriceAmountMicros int64  `json:"introductoryPriceAmountMicros"`
	IntroductoryPricePeriod       string `json:"introductoryPricePeriod"`
	IntroductoryPriceCycles       int    `json:"introductoryPriceCycles"`
}

// ParseProduct builds a Product from a raw metadata response line.
func ParseProduct(raw string) (Product, error) {
	var resp productResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return Product{}, fmt.Errorf("failed to parse product metadata: %w", err)
	}

	kind := KindOneTime
	if resp.Type == string(KindSubscription) {
		kind = KindSubscription
	}

	return Product{
		ProductID:               resp.ProductID,
		Kind:                    kind,
		Title:                   resp.Title,
		Description:             resp.Description,
		Currency:                resp.PriceCurrencyCode,
		PriceMicros:             resp.PriceAmountMicros,
		PriceText:               resp.Price,
		SubscriptionPeriod:      resp.SubscriptionPeriod,
		FreeTrialPeriod:         resp.FreeTrialPeriod,
		IntroductoryPriceMicros: resp.IntroductoryPriceAmountMicros,
		IntroductoryPriceText:   resp.IntroductoryPrice,
		IntroductoryPricePeriod: resp.IntroductoryPricePeriod,
		IntroductoryPriceCycles: resp.IntroductoryPriceCycles,
	}, nil
}
