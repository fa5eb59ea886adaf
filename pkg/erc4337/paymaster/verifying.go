package paymaster

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/AvaProtocol/userop-sponsor/core/chainio/signer"
	"github.com/AvaProtocol/userop-sponsor/pkg/erc4337"
	"github.com/AvaProtocol/userop-sponsor/pkg/erc4337/userop"
)

const (
	// address(20) + abi.encode(uint48,uint48)(64) + signature(65) = 149 bytes
	validityOffset  = common.AddressLength
	signatureOffset = validityOffset + 64
	packedLength    = signatureOffset + crypto.SignatureLength

	// skew tolerated between our clock and the bundler's
	validAfterSkew = 120 * time.Second
)

var (
	addressT, _ = abi.NewType("address", "", nil)
	uint256T, _ = abi.NewType("uint256", "", nil)
	uint48T, _  = abi.NewType("uint48", "", nil)
	bytes32T, _ = abi.NewType("bytes32", "", nil)

	validityArgs = abi.Arguments{
		{Name: "validUntil", Type: uint48T},
		{Name: "validAfter", Type: uint48T},
	}

	paymasterHashArgs = abi.Arguments{
		{Name: "sender", Type: addressT},
		{Name: "nonce", Type: uint256T},
		{Name: "hashInitCode", Type: bytes32T},
		{Name: "hashCallData", Type: bytes32T},
		{Name: "callGasLimit", Type: uint256T},
		{Name: "verificationGasLimit", Type: uint256T},
		{Name: "preVerificationGas", Type: uint256T},
		{Name: "maxFeePerGas", Type: uint256T},
		{Name: "maxPriorityFeePerGas", Type: uint256T},
		{Name: "chainId", Type: uint256T},
		{Name: "paymaster", Type: addressT},
		{Name: "validUntil", Type: uint48T},
		{Name: "validAfter", Type: uint48T},
	}
)

// VerifyingPaymasterData is the decoded paymasterAndData of a verifying paymaster.
type VerifyingPaymasterData struct {
	Paymaster  common.Address
	ValidUntil *big.Int
	ValidAfter *big.Int
	Signature  []byte
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// PaymasterHash is the digest a VerifyingPaymaster signer approves. It covers
// every gas field, so any change to them after sponsorship voids the grant.
func PaymasterHash(op *userop.UserOperation, paymaster common.Address, chainID, validUntil, validAfter *big.Int) (common.Hash, error) {
	packed, err := paymasterHashArgs.Pack(
		op.Sender,
		orZero(op.Nonce),
		crypto.Keccak256Hash(op.InitCode),
		crypto.Keccak256Hash(op.CallData),
		orZero(op.CallGasLimit),
		orZero(op.VerificationGasLimit),
		orZero(op.PreVerificationGas),
		orZero(op.MaxFeePerGas),
		orZero(op.MaxPriorityFeePerGas),
		orZero(chainID),
		paymaster,
		validUntil,
		validAfter,
	)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(packed), nil
}

// PackPaymasterAndData lays out address ++ abi.encode(validUntil, validAfter) ++ signature.
func PackPaymasterAndData(paymaster common.Address, validUntil, validAfter *big.Int, signature []byte) ([]byte, error) {
	validity, err := validityArgs.Pack(validUntil, validAfter)
	if err != nil {
		return nil, fmt.Errorf("failed to ABI encode timestamps: %w", err)
	}

	out := make([]byte, 0, packedLength)
	out = append(out, paymaster.Bytes()...)
	out = append(out, validity...)
	return append(out, signature...), nil
}

// ParsePaymasterAndData reverses PackPaymasterAndData.
func ParsePaymasterAndData(data []byte) (*VerifyingPaymasterData, error) {
	if len(data) != packedLength {
		return nil, fmt.Errorf("paymasterAndData must be %d bytes, got %d", packedLength, len(data))
	}

	validity, err := validityArgs.Unpack(data[validityOffset:signatureOffset])
	if err != nil {
		return nil, fmt.Errorf("decode validity window: %w", err)
	}
	return &VerifyingPaymasterData{
		Paymaster:  common.BytesToAddress(data[:validityOffset]),
		ValidUntil: validity[0].(*big.Int),
		ValidAfter: validity[1].(*big.Int),
		Signature:  common.CopyBytes(data[signatureOffset:]),
	}, nil
}

// VerifyingMiddleware sponsors operations itself by signing for a deployed
// VerifyingPaymaster contract whose verifyingSigner is key.
type VerifyingMiddleware struct {
	paymaster common.Address
	chainID   *big.Int
	validity  time.Duration
	keys      signer.KeyExporter

	now func() time.Time
}

func NewVerifyingMiddleware(paymaster common.Address, chainID *big.Int, validity time.Duration, keys signer.KeyExporter) *VerifyingMiddleware {
	return &VerifyingMiddleware{
		paymaster: paymaster,
		chainID:   chainID,
		validity:  validity,
		keys:      keys,
		now:       time.Now,
	}
}

// StaticKey wraps a verifying signer key loaded from configuration.
func StaticKey(key *ecdsa.PrivateKey) signer.KeyExporter {
	return signer.KeyExporterFunc(func(context.Context) (*ecdsa.PrivateKey, error) { return key, nil })
}

// window returns (validUntil, validAfter). validAfter is set in the past to
// tolerate clock drift between services and the bundler.
func (m *VerifyingMiddleware) window() (*big.Int, *big.Int) {
	now := m.now()
	return big.NewInt(now.Add(m.validity).Unix()), big.NewInt(now.Add(-validAfterSkew).Unix())
}

func (m *VerifyingMiddleware) Sponsor(ctx context.Context, op *userop.UserOperation) (*Sponsorship, error) {
	validUntil, validAfter := m.window()

	hash, err := PaymasterHash(op, m.paymaster, m.chainID, validUntil, validAfter)
	if err != nil {
		return nil, erc4337.New(erc4337.KindSponsorshipDenied, "verifyingPaymaster", err)
	}

	key, err := m.keys.ExportKey(ctx)
	if err != nil {
		return nil, erc4337.New(erc4337.KindSponsorshipUnavailable, "verifyingPaymaster", err)
	}
	// The contract checks ECDSA.toEthSignedMessageHash(getHash(...)), so this
	// is an EIP-191 signature over the 32 byte hash.
	sig, err := signer.SignMessage(key, hash.Bytes())
	if err != nil {
		return nil, erc4337.New(erc4337.KindSponsorshipDenied, "verifyingPaymaster", err)
	}

	paymasterAndData, err := PackPaymasterAndData(m.paymaster, validUntil, validAfter, sig)
	if err != nil {
		return nil, erc4337.New(erc4337.KindSponsorshipDenied, "verifyingPaymaster", err)
	}
	return &Sponsorship{PaymasterAndData: paymasterAndData}, nil
}

// RecoverPaymasterSigner returns the address that approved op's sponsorship.
func RecoverPaymasterSigner(op *userop.UserOperation, chainID *big.Int) (common.Address, error) {
	data, err := ParsePaymasterAndData(op.PaymasterAndData)
	if err != nil {
		return common.Address{}, err
	}
	hash, err := PaymasterHash(op, data.Paymaster, chainID, data.ValidUntil, data.ValidAfter)
	if err != nil {
		return common.Address{}, err
	}
	return signer.RecoverMessageSigner(hash.Bytes(), data.Signature)
}
