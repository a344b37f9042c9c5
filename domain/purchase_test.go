package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePurchaseRecord(t *testing.T) {
	payload := `{
		"orderId": "merchant-1.order-42",
		"packageName": "com.example.app",
		"productId": "premium",
		"purchaseTime": 1414181378566,
		"purchaseState": 0,
		"purchaseToken": "token-abc",
		"autoRenewing": false
	}`

	record, err := ParsePurchaseRecord(payload, "sig")
	require.NoError(t, err)

	assert.Equal(t, "premium", record.ProductID)
	assert.Equal(t, "merchant-1.order-42", record.OrderID)
	assert.Equal(t, "com.example.app", record.PackageName)
	assert.Equal(t, "token-abc", record.PurchaseToken)
	assert.Equal(t, StatePurchased, record.State)
	assert.False(t, record.AutoRenewing)
	assert.False(t, record.Acknowledged)
	assert.Equal(t, payload, record.RawPayload)
	assert.Equal(t, "sig", record.Signature)

	expectedTime := time.UnixMilli(1414181378566).UTC()
	assert.Equal(t, expectedTime, record.PurchaseTime)
}

func TestParsePurchaseRecord_SubscriptionFields(t *testing.T) {
	payload := `{
		"productId": "monthly",
		"purchaseToken": "token-sub",
		"purchaseState": 0,
		"autoRenewing": true,
		"acknowledged": true
	}`

	record, err := ParsePurchaseRecord(payload, "sig")
	require.NoError(t, err)

	assert.True(t, record.AutoRenewing)
	assert.True(t, record.Acknowledged)
}

func TestParsePurchaseRecord_MissingStateDefaultsToCanceled(t *testing.T) {
	payload := `{"productId": "premium", "purchaseToken": "token-abc"}`

	record, err := ParsePurchaseRecord(payload, "")
	require.NoError(t, err)
	assert.Equal(t, StateCanceled, record.State)
}

func TestParsePurchaseRecord_ExplicitStates(t *testing.T) {
	tests := []struct {
		state    int
		expected PurchaseState
	}{
		{0, StatePurchased},
		{1, StateCanceled},
		{2, StateRefunded},
		{3, StateExpired},
	}

	for _, tt := range tests {
		payload := `{"productId": "p", "purchaseToken": "t", "purchaseState": ` +
			string(rune('0'+tt.state)) + `}`
		record, err := ParsePurchaseRecord(payload, "")
		require.NoError(t, err)
		assert.Equal(t, tt.expected, record.State)
	}
}

func TestParsePurchaseRecord_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", "not json at all"},
		{"empty", ""},
		{"missing productId", `{"purchaseToken": "token-abc"}`},
		{"missing purchaseToken", `{"productId": "premium"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePurchaseRecord(tt.payload, "sig")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedPayload)
		})
	}
}

func TestPayloadHasAutoRenewing(t *testing.T) {
	assert.True(t, PayloadHasAutoRenewing(`{"productId":"p","autoRenewing":true}`))
	assert.True(t, PayloadHasAutoRenewing(`{"productId":"p","autoRenewing":false}`))
	assert.False(t, PayloadHasAutoRenewing(`{"productId":"p"}`))
	assert.False(t, PayloadHasAutoRenewing("not json"))
}
