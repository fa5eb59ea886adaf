package preset

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/userop-sponsor/core/chainio/aa"
	"github.com/AvaProtocol/userop-sponsor/pkg/erc4337"
)

// AccountOptions identifies a SimpleAccount. Address overrides the factory
// lookup when the account address is already known.
type AccountOptions struct {
	Owner      common.Address
	Factory    common.Address
	EntryPoint common.Address
	Salt       *big.Int
	Address    *common.Address
}

// Call is one inner call of an executeBatch.
type Call struct {
	Target common.Address
	Data   []byte
}

// SimpleAccount is the eth-infinitism SimpleAccount owned by a single EOA.
type SimpleAccount struct {
	chain      bind.ContractCaller
	owner      common.Address
	factory    common.Address
	entryPoint common.Address
	salt       *big.Int
	address    common.Address
}

// NewSimpleAccount resolves the counterfactual address once; every other
// accessor is pure afterwards.
func NewSimpleAccount(ctx context.Context, chain bind.ContractCaller, opts AccountOptions) (*SimpleAccount, error) {
	if opts.Owner == (common.Address{}) {
		return nil, erc4337.Newf(erc4337.KindInvalidInput, "account", "owner address is required")
	}
	if opts.EntryPoint == (common.Address{}) {
		opts.EntryPoint = aa.EntrypointAddress
	}
	if opts.Factory == (common.Address{}) {
		opts.Factory = aa.DefaultFactoryAddress
	}
	if opts.Salt == nil {
		opts.Salt = new(big.Int)
	}

	account := &SimpleAccount{
		chain:      chain,
		owner:      opts.Owner,
		factory:    opts.Factory,
		entryPoint: opts.EntryPoint,
		salt:       new(big.Int).Set(opts.Salt),
	}

	if opts.Address != nil {
		account.address = *opts.Address
		return account, nil
	}

	sender, err := aa.GetSenderAddress(ctx, chain, opts.Factory, opts.Owner, opts.Salt)
	if err != nil {
		return nil, err
	}
	account.address = sender
	return account, nil
}

func (a *SimpleAccount) Address() common.Address    { return a.address }
func (a *SimpleAccount) Owner() common.Address      { return a.owner }
func (a *SimpleAccount) EntryPoint() common.Address { return a.entryPoint }
func (a *SimpleAccount) Factory() common.Address    { return a.factory }

// ParseTarget validates a user supplied address string.
func ParseTarget(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, erc4337.Newf(erc4337.KindInvalidInput, "parseTarget", "invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

// BuildCallData encodes execute(target, value, data). It is deterministic.
// The zero address is rejected as KindInvalidInput: a call to 0x0 burns value
// and is almost always an unset target. ParseTarget accepts it, so the check
// lives here.
func (a *SimpleAccount) BuildCallData(target common.Address, value *big.Int, data []byte) ([]byte, error) {
	if target == (common.Address{}) {
		return nil, erc4337.Newf(erc4337.KindInvalidInput, "buildCallData", "target address is required")
	}
	if value == nil || value.Sign() < 0 {
		return nil, erc4337.Newf(erc4337.KindInvalidInput, "buildCallData", "value must be a non-negative integer")
	}

	callData, err := aa.PackExecute(target, value, data)
	if err != nil {
		return nil, erc4337.New(erc4337.KindInvalidInput, "buildCallData", err)
	}
	return callData, nil
}

// BuildBatchCallData encodes executeBatch over calls. SimpleAccount v0.6
// batches carry no value. A zero target is rejected as in BuildCallData.
func (a *SimpleAccount) BuildBatchCallData(calls []Call) ([]byte, error) {
	if len(calls) == 0 {
		return nil, erc4337.Newf(erc4337.KindInvalidInput, "buildBatchCallData", "at least one call is required")
	}

	targets := make([]common.Address, len(calls))
	datas := make([][]byte, len(calls))
	for i, call := range calls {
		if call.Target == (common.Address{}) {
			return nil, erc4337.Newf(erc4337.KindInvalidInput, "buildBatchCallData", "call %d has no target", i)
		}
		targets[i] = call.Target
		datas[i] = call.Data
		if datas[i] == nil {
			datas[i] = []byte{}
		}
	}

	callData, err := aa.PackExecuteBatch(targets, datas)
	if err != nil {
		return nil, erc4337.New(erc4337.KindInvalidInput, "buildBatchCallData", err)
	}
	return callData, nil
}

// NeedsInitCode reports whether the account contract is not deployed yet.
func (a *SimpleAccount) NeedsInitCode(ctx context.Context) (bool, error) {
	deployed, err := aa.IsDeployed(ctx, a.chain, a.address)
	if err != nil {
		return false, err
	}
	return !deployed, nil
}

// InitCode returns factory ++ createAccount(owner, salt).
func (a *SimpleAccount) InitCode() ([]byte, error) {
	return aa.GetInitCode(a.factory, a.owner, a.salt)
}

// Nonce reads the account's next nonce (key 0) from the EntryPoint.
func (a *SimpleAccount) Nonce(ctx context.Context) (*big.Int, error) {
	return aa.GetNonce(ctx, a.chain, a.entryPoint, a.address, nil)
}

// AssertInitCode fails when initCode is set for an account that is already
// deployed, which the EntryPoint would reject as a double deployment.
func (a *SimpleAccount) AssertInitCode(ctx context.Context, initCode []byte) error {
	if len(initCode) == 0 {
		return nil
	}
	needs, err := a.NeedsInitCode(ctx)
	if err != nil {
		return err
	}
	if !needs {
		return erc4337.Newf(erc4337.KindInvalidInput, "assertInitCode", "account %s is already deployed, initCode must be empty", a.address.Hex())
	}
	return nil
}
