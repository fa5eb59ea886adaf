package bundler

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/AvaProtocol/userop-sponsor/pkg/erc4337/userop"
)

// GasEstimator returns per-operation gas limits for a draft UserOperation.
type GasEstimator interface {
	EstimateUserOperationGas(ctx context.Context, op *userop.UserOperation) (*GasEstimation, error)
}

type GasEstimation struct {
	PreVerificationGas   *big.Int
	VerificationGasLimit *big.Int
	CallGasLimit         *big.Int
}

// Quantity decodes the integer encodings bundlers use in practice: 0x-hex
// strings, decimal strings and bare JSON numbers.
type Quantity big.Int

func (q *Quantity) UnmarshalJSON(input []byte) error {
	raw := strings.TrimSpace(string(input))
	if raw == "null" {
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(input, &s); err != nil {
			return err
		}
		raw = s
	}

	v := new(big.Int)
	var ok bool
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		if len(raw) == 2 {
			raw = "0x0"
		}
		_, ok = v.SetString(raw[2:], 16)
	} else {
		_, ok = v.SetString(raw, 10)
	}
	if !ok || v.Sign() < 0 {
		return fmt.Errorf("invalid quantity %q", raw)
	}
	(*big.Int)(q).Set(v)
	return nil
}

// Int returns a copy as *big.Int. A nil Quantity yields nil.
func (q *Quantity) Int() *big.Int {
	if q == nil {
		return nil
	}
	return new(big.Int).Set((*big.Int)(q))
}

type gasEstimationResult struct {
	PreVerificationGas   *Quantity `json:"preVerificationGas"`
	VerificationGasLimit *Quantity `json:"verificationGasLimit"`
	// older bundlers name it verificationGas
	VerificationGas *Quantity `json:"verificationGas"`
	CallGasLimit    *Quantity `json:"callGasLimit"`
}

func (r *gasEstimationResult) toEstimation() (*GasEstimation, error) {
	verification := r.VerificationGasLimit
	if verification == nil {
		verification = r.VerificationGas
	}
	if r.PreVerificationGas == nil || verification == nil || r.CallGasLimit == nil {
		return nil, fmt.Errorf("incomplete gas estimation result")
	}
	return &GasEstimation{
		PreVerificationGas:   r.PreVerificationGas.Int(),
		VerificationGasLimit: verification.Int(),
		CallGasLimit:         r.CallGasLimit.Int(),
	}, nil
}
