package userop

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	addressT, _ = abi.NewType("address", "", nil)
	uint256T, _ = abi.NewType("uint256", "", nil)
	bytes32T, _ = abi.NewType("bytes32", "", nil)

	// Layout hashed by EntryPoint v0.6 UserOperationLib.pack, with the dynamic
	// fields replaced by their keccak256.
	packArgs = abi.Arguments{
		{Name: "sender", Type: addressT},
		{Name: "nonce", Type: uint256T},
		{Name: "hashInitCode", Type: bytes32T},
		{Name: "hashCallData", Type: bytes32T},
		{Name: "callGasLimit", Type: uint256T},
		{Name: "verificationGasLimit", Type: uint256T},
		{Name: "preVerificationGas", Type: uint256T},
		{Name: "maxFeePerGas", Type: uint256T},
		{Name: "maxPriorityFeePerGas", Type: uint256T},
		{Name: "hashPaymasterAndData", Type: bytes32T},
	}

	hashArgs = abi.Arguments{
		{Name: "userOpHash", Type: bytes32T},
		{Name: "entryPoint", Type: addressT},
		{Name: "chainId", Type: uint256T},
	}
)

// UserOperation represents an EIP-4337 style transaction for a smart contract account.
type UserOperation struct {
	Sender               common.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData     []byte
	Signature            []byte
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// Pack returns the ABI encoding hashed by the EntryPoint. Signature is excluded.
func (op *UserOperation) Pack() []byte {
	packed, err := packArgs.Pack(
		op.Sender,
		orZero(op.Nonce),
		crypto.Keccak256Hash(op.InitCode),
		crypto.Keccak256Hash(op.CallData),
		orZero(op.CallGasLimit),
		orZero(op.VerificationGasLimit),
		orZero(op.PreVerificationGas),
		orZero(op.MaxFeePerGas),
		orZero(op.MaxPriorityFeePerGas),
		crypto.Keccak256Hash(op.PaymasterAndData),
	)
	if err != nil {
		// all argument types are static and fixed above
		panic(fmt.Errorf("pack user operation: %w", err))
	}
	return packed
}

// GetUserOpHash computes the hash the owner signs. Binding the EntryPoint and
// chain id prevents a signature being replayed on another chain or EntryPoint.
func (op *UserOperation) GetUserOpHash(entryPoint common.Address, chainID *big.Int) common.Hash {
	encoded, err := hashArgs.Pack(crypto.Keccak256Hash(op.Pack()), entryPoint, orZero(chainID))
	if err != nil {
		panic(fmt.Errorf("pack user operation hash: %w", err))
	}
	return crypto.Keccak256Hash(encoded)
}

// SponsorDigest covers every field a paymaster signs over: everything except
// paymasterAndData and signature.
func (op *UserOperation) SponsorDigest() common.Hash {
	draft := op.Clone()
	draft.PaymasterAndData = nil
	draft.Signature = nil
	return crypto.Keccak256Hash(draft.Pack())
}

func (op *UserOperation) IsSigned() bool {
	return len(op.Signature) > 0
}

func (op *UserOperation) HasPaymaster() bool {
	return len(op.PaymasterAndData) > 0
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}

// Clone returns a deep copy, safe to hand to observers.
func (op *UserOperation) Clone() *UserOperation {
	return &UserOperation{
		Sender:               op.Sender,
		Nonce:                cloneBig(op.Nonce),
		InitCode:             cloneBytes(op.InitCode),
		CallData:             cloneBytes(op.CallData),
		CallGasLimit:         cloneBig(op.CallGasLimit),
		VerificationGasLimit: cloneBig(op.VerificationGasLimit),
		PreVerificationGas:   cloneBig(op.PreVerificationGas),
		MaxFeePerGas:         cloneBig(op.MaxFeePerGas),
		MaxPriorityFeePerGas: cloneBig(op.MaxPriorityFeePerGas),
		PaymasterAndData:     cloneBytes(op.PaymasterAndData),
		Signature:            cloneBytes(op.Signature),
	}
}

// wireUserOperation is the ERC-4337 JSON-RPC form: quantities and bytes as 0x hex.
type wireUserOperation struct {
	Sender               string        `json:"sender"`
	Nonce                *hexutil.Big  `json:"nonce"`
	InitCode             hexutil.Bytes `json:"initCode"`
	CallData             hexutil.Bytes `json:"callData"`
	CallGasLimit         *hexutil.Big  `json:"callGasLimit"`
	VerificationGasLimit *hexutil.Big  `json:"verificationGasLimit"`
	PreVerificationGas   *hexutil.Big  `json:"preVerificationGas"`
	MaxFeePerGas         *hexutil.Big  `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big  `json:"maxPriorityFeePerGas"`
	PaymasterAndData     hexutil.Bytes `json:"paymasterAndData"`
	Signature            hexutil.Bytes `json:"signature"`
}

func hexBig(v *big.Int) *hexutil.Big {
	return (*hexutil.Big)(orZero(v))
}

func hexBytes(b []byte) hexutil.Bytes {
	if b == nil {
		return hexutil.Bytes{}
	}
	return b
}

// MarshalJSON returns the ERC-4337 wire encoding.
func (op *UserOperation) MarshalJSON() ([]byte, error) {
	return json.Marshal(&wireUserOperation{
		// Some bundlers only accept EIP-55 checksummed addresses.
		Sender:               op.Sender.Hex(),
		Nonce:                hexBig(op.Nonce),
		InitCode:             hexBytes(op.InitCode),
		CallData:             hexBytes(op.CallData),
		CallGasLimit:         hexBig(op.CallGasLimit),
		VerificationGasLimit: hexBig(op.VerificationGasLimit),
		PreVerificationGas:   hexBig(op.PreVerificationGas),
		MaxFeePerGas:         hexBig(op.MaxFeePerGas),
		MaxPriorityFeePerGas: hexBig(op.MaxPriorityFeePerGas),
		PaymasterAndData:     hexBytes(op.PaymasterAndData),
		Signature:            hexBytes(op.Signature),
	})
}

func (op *UserOperation) UnmarshalJSON(input []byte) error {
	var w wireUserOperation
	if err := json.Unmarshal(input, &w); err != nil {
		return err
	}

	if !common.IsHexAddress(w.Sender) {
		return fmt.Errorf("invalid sender address %q", w.Sender)
	}
	op.Sender = common.HexToAddress(w.Sender)
	op.Nonce = w.Nonce.ToInt()
	op.InitCode = w.InitCode
	op.CallData = w.CallData
	op.CallGasLimit = w.CallGasLimit.ToInt()
	op.VerificationGasLimit = w.VerificationGasLimit.ToInt()
	op.PreVerificationGas = w.PreVerificationGas.ToInt()
	op.MaxFeePerGas = w.MaxFeePerGas.ToInt()
	op.MaxPriorityFeePerGas = w.MaxPriorityFeePerGas.ToInt()
	op.PaymasterAndData = w.PaymasterAndData
	op.Signature = w.Signature
	return nil
}
