package eip1559

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
)

var (
	// Minimum tip of 2 gwei for bundler profitability
	minTip = big.NewInt(2_000_000_000)
	// Minimum maxFeePerGas of 20 gwei for high-basefee chains like Base
	minMaxFee = big.NewInt(20_000_000_000)
)

// FeeSource is the part of the node client used to price a UserOp.
type FeeSource interface {
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// Fees holds the two fee-market fields of a UserOperation.
type Fees struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

func SuggestFee(ctx context.Context, client FeeSource) (*Fees, error) {
	tipCap, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, err
	}

	// Estimate base fee for the next block
	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, err
	}

	return FromTipAndBaseFee(tipCap, header.BaseFee), nil
}

// FromTipAndBaseFee applies the fee policy to a suggested tip and base fee. A nil
// baseFee means a legacy (pre-EIP-1559) chain.
func FromTipAndBaseFee(tipCap, baseFee *big.Int) *Fees {
	// Add 13% buffer to tip for safety
	buffer := new(big.Int).Div(tipCap, big.NewInt(100))
	buffer.Mul(buffer, big.NewInt(13))
	maxPriorityFeePerGas := new(big.Int).Add(tipCap, buffer)

	if maxPriorityFeePerGas.Cmp(minTip) < 0 {
		maxPriorityFeePerGas = new(big.Int).Set(minTip)
	}

	if baseFee == nil {
		return &Fees{
			MaxFeePerGas:         new(big.Int).Set(maxPriorityFeePerGas),
			MaxPriorityFeePerGas: maxPriorityFeePerGas,
		}
	}

	// maxFeePerGas = 2*baseFee + tip, so the op stays includable if baseFee doubles
	maxFeePerGas := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), maxPriorityFeePerGas)
	if maxFeePerGas.Cmp(minMaxFee) < 0 {
		maxFeePerGas = new(big.Int).Set(minMaxFee)
	}

	return &Fees{MaxFeePerGas: maxFeePerGas, MaxPriorityFeePerGas: maxPriorityFeePerGas}
}
