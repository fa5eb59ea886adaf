package aa

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

var (
	factoryABI       = mustParseABI("factory", factoryABIJSON)
	entryPointABI    = mustParseABI("entrypoint", entryPointABIJSON)
	simpleAccountABI = mustParseABI("simple account", simpleAccountABIJSON)
)

func mustParseABI(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Errorf("invalid %s ABI: %w", name, err))
	}
	return parsed
}

func FactoryABI() abi.ABI       { return factoryABI }
func EntryPointABI() abi.ABI    { return entryPointABI }
func SimpleAccountABI() abi.ABI { return simpleAccountABI }

func saltOrDefault(salt *big.Int) *big.Int {
	if salt == nil {
		return defaultSalt
	}
	return salt
}

// GetInitCode returns factory ++ createAccount(owner, salt), the initCode of the
// first UserOperation of an undeployed account.
func GetInitCode(factory, owner common.Address, salt *big.Int) ([]byte, error) {
	calldata, err := factoryABI.Pack("createAccount", owner, saltOrDefault(salt))
	if err != nil {
		return nil, err
	}

	data := make([]byte, 0, common.AddressLength+len(calldata))
	data = append(data, factory.Bytes()...)
	return append(data, calldata...), nil
}

// GetSenderAddress asks the factory for the counterfactual account address.
func GetSenderAddress(ctx context.Context, conn bind.ContractCaller, factory, owner common.Address, salt *big.Int) (common.Address, error) {
	contract := bind.NewBoundContract(factory, factoryABI, conn, nil, nil)

	var out []interface{}
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, "getAddress", owner, saltOrDefault(salt)); err != nil {
		return common.Address{}, fmt.Errorf("factory getAddress: %w", err)
	}
	sender, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("factory getAddress: unexpected output %T", out[0])
	}
	return sender, nil
}

// GetNonce reads EntryPoint.getNonce(sender, key). A nil key means key 0.
func GetNonce(ctx context.Context, conn bind.ContractCaller, entryPoint, sender common.Address, key *big.Int) (*big.Int, error) {
	contract := bind.NewBoundContract(entryPoint, entryPointABI, conn, nil, nil)

	var out []interface{}
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, "getNonce", sender, saltOrDefault(key)); err != nil {
		return nil, fmt.Errorf("entrypoint getNonce: %w", err)
	}
	nonce, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("entrypoint getNonce: unexpected output %T", out[0])
	}
	return nonce, nil
}

// IsDeployed reports whether address has contract code at the latest block.
func IsDeployed(ctx context.Context, conn bind.ContractCaller, address common.Address) (bool, error) {
	code, err := conn.CodeAt(ctx, address, nil)
	if err != nil {
		return false, fmt.Errorf("get code for %s: %w", address.Hex(), err)
	}
	return len(code) > 0, nil
}

// PackExecute generates SimpleAccount.execute calldata for a UserOp
func PackExecute(targetAddress common.Address, ethValue *big.Int, calldata []byte) ([]byte, error) {
	if calldata == nil {
		calldata = []byte{}
	}
	return simpleAccountABI.Pack("execute", targetAddress, ethValue, calldata)
}

func PackExecuteBatch(targets []common.Address, calldatas [][]byte) ([]byte, error) {
	if len(targets) != len(calldatas) {
		return nil, fmt.Errorf("executeBatch: %d targets but %d calldatas", len(targets), len(calldatas))
	}
	return simpleAccountABI.Pack("executeBatch", targets, calldatas)
}
