package signer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/AvaProtocol/userop-sponsor/pkg/erc4337/userop"
)

var ErrInvalidSignature = errors.New("invalid signature length")

// KeyExporter hands out the owner key for the duration of a single signature.
type KeyExporter interface {
	ExportKey(ctx context.Context) (*ecdsa.PrivateKey, error)
}

type KeyExporterFunc func(ctx context.Context) (*ecdsa.PrivateKey, error)

func (f KeyExporterFunc) ExportKey(ctx context.Context) (*ecdsa.PrivateKey, error) {
	return f(ctx)
}

func ParsePrivateKey(privateKeyHex string) (*ecdsa.PrivateKey, error) {
	privateKeyHex = strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// SignMessage generates an EIP-191 personal_sign signature with v in {27, 28}.
func SignMessage(key *ecdsa.PrivateKey, data []byte) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(data), key)
	if err != nil {
		return nil, err
	}
	// https://stackoverflow.com/questions/69762108/implementing-ethereum-personal-sign-eip-191-from-go-ethereum-gives-different-s
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// RecoverMessageSigner is the inverse of SignMessage.
func RecoverMessageSigner(data, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	normalized := common.CopyBytes(sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash(data), normalized)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// UserOpSigner signs UserOperations for one EntryPoint on one chain.
type UserOpSigner struct {
	EntryPoint common.Address
	ChainID    *big.Int
}

func NewUserOpSigner(entryPoint common.Address, chainID *big.Int) *UserOpSigner {
	return &UserOpSigner{EntryPoint: entryPoint, ChainID: chainID}
}

// Sign returns the owner signature over the operation hash. SimpleAccount
// validates an eth-signed hash, so the hash is signed as an EIP-191 message.
// The exported key is not retained past this call.
func (s *UserOpSigner) Sign(ctx context.Context, op *userop.UserOperation, keys KeyExporter) ([]byte, error) {
	if keys == nil {
		return nil, errors.New("no key exporter")
	}
	hash := op.GetUserOpHash(s.EntryPoint, s.ChainID)

	key, err := keys.ExportKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("export owner key: %w", err)
	}
	return SignMessage(key, hash.Bytes())
}

// Recover returns the address that produced op.Signature.
func (s *UserOpSigner) Recover(op *userop.UserOperation) (common.Address, error) {
	return RecoverUserOpSigner(op, s.EntryPoint, s.ChainID)
}

func RecoverUserOpSigner(op *userop.UserOperation, entryPoint common.Address, chainID *big.Int) (common.Address, error) {
	return RecoverMessageSigner(op.GetUserOpHash(entryPoint, chainID).Bytes(), op.Signature)
}

// Verify reports whether op is signed by owner.
func (s *UserOpSigner) Verify(op *userop.UserOperation, owner common.Address) bool {
	recovered, err := s.Recover(op)
	return err == nil && recovered == owner
}
