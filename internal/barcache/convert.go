package barcache

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

func timeFromUnixNano(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

func decimalFromString(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return d, nil
}
