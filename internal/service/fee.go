package service

import "github.com/shopspring/decimal"

// FeeSplit divides a price between the platform and the seller, in minor
// units.
type FeeSplit struct {
	PriceCents        int64
	PlatformFeeCents  int64
	SellerAmountCents int64
}

// ComputeFee rounds price*rate half-up to the minor unit.  The seller
// amount absorbs the remainder so the parts always add up to the price.
func ComputeFee(priceCents int64, rate decimal.Decimal) FeeSplit {
	fee := decimal.NewFromInt(priceCents).Mul(rate).Round(0).IntPart()
	if fee < 0 {
		fee = 0
	}
	if fee > priceCents {
		fee = priceCents
	}
	return FeeSplit{
		PriceCents:        priceCents,
		PlatformFeeCents:  fee,
		SellerAmountCents: priceCents - fee,
	}
}
