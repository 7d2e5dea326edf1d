package service

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestComputeFee(t *testing.T) {
	rate := decimal.RequireFromString("0.05")

	tests := []struct {
		name   string
		price  int64
		fee    int64
		seller int64
	}{
		{"half-up on 99.95", 1999, 100, 1899},
		{"exact", 1000, 50, 950},
		{"25.00", 2500, 125, 2375},
		{"rounds down below half", 1989, 99, 1890},
		{"one cent", 1, 0, 1},
		{"ten cents rounds half up", 10, 1, 9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeFee(tt.price, rate)
			assert.Equal(t, tt.fee, got.PlatformFeeCents)
			assert.Equal(t, tt.seller, got.SellerAmountCents)
			assert.Equal(t, tt.price, got.PlatformFeeCents+got.SellerAmountCents)
		})
	}
}

func TestComputeFeeZeroRate(t *testing.T) {
	got := ComputeFee(1999, decimal.Zero)
	assert.Equal(t, int64(0), got.PlatformFeeCents)
	assert.Equal(t, int64(1999), got.SellerAmountCents)
}
