package fulfillment

import (
	"testing"
	"time"

	"fulfillment/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProviderTag(t *testing.T) {
	cases := map[string]string{
		"WOMPI_NEQUI":   "wompi_nequi",
		"WOMPI_CARD":    "wompi_card",
		"WOMPI_PSE":     "wompi_card",
		"EPAYCO_PAYPAL": "epayco_paypal",
		"EPAYCO_CARD":   "epayco_card",
		"CASH":          "unknown",
		"":              "unknown",
	}
	for in, want := range cases {
		assert.Equal(t, want, ProviderTag(in), in)
	}
}

func TestPeriodEnd(t *testing.T) {
	start := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC), PeriodEnd(start, model.BillingMonthly))
	assert.Equal(t, time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC), PeriodEnd(start, model.BillingYearly))
}

func TestGeneratePackCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		code, err := GeneratePackCode()
		require.NoError(t, err)
		assert.Regexp(t, `^PACK-[ABCDEFGHJKLMNPQRSTUVWXYZ23456789]{6}$`, code)
		seen[code] = true
	}
	assert.Greater(t, len(seen), 190)
}

func TestIdempotencyKey(t *testing.T) {
	a := IdempotencyKey("order-1", "membership")
	assert.Len(t, a, 64)
	assert.Equal(t, a, IdempotencyKey("order-1", "membership"))
	assert.NotEqual(t, a, IdempotencyKey("order-1", "course"))
	assert.NotEqual(t, a, IdempotencyKey("order-2", "membership"))
}
