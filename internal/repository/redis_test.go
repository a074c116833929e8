package repository

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestVelocityCounterCentsRoundTrip(t *testing.T) {
	cases := []string{"0", "0.01", "500", "1234.56", "9999.99"}
	for _, c := range cases {
		amount, err := decimal.NewFromString(c)
		assert.NoError(t, err)
		assert.True(t, usdFromCents(centsFromUSD(amount)).Equal(amount), "round trip of %s", c)
	}
}

func TestVelocityCounterCentsSymmetricRelease(t *testing.T) {
	// A reserve followed by its release must cancel exactly, including
	// for sub-cent inputs that round.
	amount := decimal.RequireFromString("12.345")
	assert.Equal(t, int64(0), centsFromUSD(amount)+centsFromUSD(amount.Neg()))

	// Repeated small increments stay exact; this is where float
	// accumulation would drift.
	total := int64(0)
	delta := decimal.RequireFromString("0.10")
	for i := 0; i < 1000; i++ {
		total += centsFromUSD(delta)
	}
	assert.True(t, usdFromCents(total).Equal(decimal.RequireFromString("100.00")))
}
