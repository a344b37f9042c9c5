package domain

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPendingPurchase_OneTimeGetsNonce(t *testing.T) {
	pending := NewPendingPurchase(KindOneTime, "premium", "")

	require.NotEmpty(t, pending.Nonce)
	_, err := uuid.Parse(pending.Nonce)
	assert.NoError(t, err)
}

func TestNewPendingPurchase_SubscriptionGetsNoNonce(t *testing.T) {
	pending := NewPendingPurchase(KindSubscription, "monthly", "")
	assert.Empty(t, pending.Nonce)
}

func TestNewPendingPurchase_NoncesAreUnique(t *testing.T) {
	a := NewPendingPurchase(KindOneTime, "premium", "")
	b := NewPendingPurchase(KindOneTime, "premium", "")
	assert.NotEqual(t, a.Nonce, b.Nonce)
}

func TestPendingPurchase_String(t *testing.T) {
	t.Run("one-time with developer payload", func(t *testing.T) {
		pending := NewPendingPurchase(KindOneTime, "premium", "dev-data")
		serialized := pending.String()

		parts := strings.Split(serialized, ":")
		require.Len(t, parts, 4)
		assert.Equal(t, "inapp", parts[0])
		assert.Equal(t, "premium", parts[1])
		assert.Equal(t, pending.Nonce, parts[2])
		assert.Equal(t, "dev-data", parts[3])
	})

	t.Run("subscription without developer payload", func(t *testing.T) {
		pending := NewPendingPurchase(KindSubscription, "monthly", "")
		assert.Equal(t, "subs:monthly", pending.String())
	})
}

func TestDetectKind(t *testing.T) {
	oneTimePayload := `{"productId":"p","purchaseToken":"t"}`
	subPayload := `{"productId":"p","purchaseToken":"t","autoRenewing":true}`

	t.Run("pending payload wins", func(t *testing.T) {
		// The correlation record says subscription even though the response
		// payload carries no autoRenewing field.
		assert.Equal(t, KindSubscription, DetectKind("subs:monthly", oneTimePayload))
	})

	t.Run("autoRenewing presence marks subscription", func(t *testing.T) {
		assert.Equal(t, KindSubscription, DetectKind("", subPayload))
	})

	t.Run("autoRenewing false still marks subscription", func(t *testing.T) {
		payload := `{"productId":"p","purchaseToken":"t","autoRenewing":false}`
		assert.Equal(t, KindSubscription, DetectKind("", payload))
	})

	t.Run("defaults to one-time", func(t *testing.T) {
		assert.Equal(t, KindOneTime, DetectKind("", oneTimePayload))
	})

	t.Run("one-time pending does not override subscription payload", func(t *testing.T) {
		pending := NewPendingPurchase(KindOneTime, "monthly", "")
		assert.Equal(t, KindSubscription, DetectKind(pending.String(), subPayload))
	})
}
