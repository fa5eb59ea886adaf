package units

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

const EtherDecimals = 18

// ToDecimal converts a base unit amount to a human-readable decimal
func ToDecimal(value *big.Int, decimals int32) decimal.Decimal {
	if value == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(value, -decimals)
}

// ParseUnits converts a decimal string such as "0.25" into base units. Amounts
// finer than the token's precision are rejected rather than rounded.
func ParseUnits(value string, decimals int32) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return new(big.Int), nil
	}

	num, err := decimal.NewFromString(value)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", value, err)
	}
	if num.IsNegative() {
		return nil, fmt.Errorf("invalid amount %q: must not be negative", value)
	}

	base := num.Shift(decimals)
	if !base.IsInteger() {
		return nil, fmt.Errorf("invalid amount %q: more than %d decimals", value, decimals)
	}
	return base.BigInt(), nil
}

func ParseEther(value string) (*big.Int, error) {
	return ParseUnits(value, EtherDecimals)
}

func FormatEther(wei *big.Int) string {
	return ToDecimal(wei, EtherDecimals).String()
}
