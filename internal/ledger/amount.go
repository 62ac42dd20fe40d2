package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

func parseAmount(raw string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("malformed amount %q: %w", raw, err)
	}
	if amount.Sign() < 0 {
		return decimal.Decimal{}, fmt.Errorf("negative amount %q", raw)
	}
	return amount, nil
}
