// Package paymaster attaches gas sponsorship to a UserOperation. A Middleware
// runs after gas estimation and before signing, since the paymaster signs over
// the gas fields.
package paymaster

import (
	"context"
	"math/big"

	"github.com/AvaProtocol/userop-sponsor/pkg/erc4337/userop"
)

// Middleware obtains a sponsorship grant for a gas-populated draft operation.
type Middleware interface {
	Sponsor(ctx context.Context, op *userop.UserOperation) (*Sponsorship, error)
}

// Sponsorship is the grant returned by a paymaster. Gas fields are optional
// overrides some paymasters return alongside paymasterAndData; they must be
// applied before paymasterAndData since the grant covers them.
type Sponsorship struct {
	PaymasterAndData     []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
}

// Apply writes the grant into op.
func (s *Sponsorship) Apply(op *userop.UserOperation) {
	if s.CallGasLimit != nil {
		op.CallGasLimit = new(big.Int).Set(s.CallGasLimit)
	}
	if s.VerificationGasLimit != nil {
		op.VerificationGasLimit = new(big.Int).Set(s.VerificationGasLimit)
	}
	if s.PreVerificationGas != nil {
		op.PreVerificationGas = new(big.Int).Set(s.PreVerificationGas)
	}
	op.PaymasterAndData = append([]byte{}, s.PaymasterAndData...)
}

type noop struct{}

func (noop) Sponsor(ctx context.Context, op *userop.UserOperation) (*Sponsorship, error) {
	return &Sponsorship{}, nil
}

// Noop is the middleware for self-funded operations: it grants nothing and
// leaves paymasterAndData empty.
func Noop() Middleware {
	return noop{}
}

// IsNoop reports whether m sponsors nothing, in which case the builder skips
// the sponsoring stage.
func IsNoop(m Middleware) bool {
	if m == nil {
		return true
	}
	_, ok := m.(noop)
	return ok
}
