package signer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/userop-sponsor/pkg/erc4337/userop"
)

const testKeyHex = "0xe90d75baafee04b3d9941bd8d76abe799b391aec596515dee11a9bd55f05709c"

var testEntryPoint = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")

func staticKey(t *testing.T) (*ecdsa.PrivateKey, KeyExporter) {
	key, err := ParsePrivateKey(testKeyHex)
	require.NoError(t, err)
	return key, KeyExporterFunc(func(context.Context) (*ecdsa.PrivateKey, error) { return key, nil })
}

func readyOp() *userop.UserOperation {
	return &userop.UserOperation{
		Sender:               common.HexToAddress("0x7c3a76086588230c7B3f4839A4c1F5BBafcd57C6"),
		Nonce:                big.NewInt(5),
		CallData:             common.FromHex("0xb61d27f6"),
		CallGasLimit:         big.NewInt(200000),
		VerificationGasLimit: big.NewInt(1000000),
		PreVerificationGas:   big.NewInt(50000),
		MaxFeePerGas:         big.NewInt(20_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(2_000_000_000),
	}
}

func TestSignMessageRecovers(t *testing.T) {
	key, _ := staticKey(t)
	sig, err := SignMessage(key, []byte("hello"))
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.Contains(t, []byte{27, 28}, sig[64])

	addr, err := RecoverMessageSigner([]byte("hello"), sig)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), addr)
}

func TestParsePrivateKeyAcceptsBarePrefix(t *testing.T) {
	a, err := ParsePrivateKey(testKeyHex)
	require.NoError(t, err)
	b, err := ParsePrivateKey(testKeyHex[2:])
	require.NoError(t, err)
	assert.True(t, a.Equal(b))

	_, err = ParsePrivateKey("0x1234")
	assert.Error(t, err)
}

func TestUserOpSignatureVerifies(t *testing.T) {
	key, keys := staticKey(t)
	s := NewUserOpSigner(testEntryPoint, big.NewInt(43113))

	op := readyOp()
	sig, err := s.Sign(context.Background(), op, keys)
	require.NoError(t, err)
	op.Signature = sig

	assert.True(t, s.Verify(op, crypto.PubkeyToAddress(key.PublicKey)))
}

func TestUserOpSignatureFailsAfterMutation(t *testing.T) {
	key, keys := staticKey(t)
	owner := crypto.PubkeyToAddress(key.PublicKey)
	s := NewUserOpSigner(testEntryPoint, big.NewInt(43113))

	mutations := map[string]func(op *userop.UserOperation){
		"nonce":            func(op *userop.UserOperation) { op.Nonce = big.NewInt(6) },
		"callData":         func(op *userop.UserOperation) { op.CallData = []byte{0} },
		"callGasLimit":     func(op *userop.UserOperation) { op.CallGasLimit = big.NewInt(1) },
		"maxFeePerGas":     func(op *userop.UserOperation) { op.MaxFeePerGas = big.NewInt(1) },
		"paymasterAndData": func(op *userop.UserOperation) { op.PaymasterAndData = []byte{1} },
		"initCode":         func(op *userop.UserOperation) { op.InitCode = []byte{1} },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			op := readyOp()
			sig, err := s.Sign(context.Background(), op, keys)
			require.NoError(t, err)
			op.Signature = sig

			mutate(op)
			assert.False(t, s.Verify(op, owner))
		})
	}
}

func TestSignatureBoundToChain(t *testing.T) {
	key, keys := staticKey(t)
	op := readyOp()
	sig, err := NewUserOpSigner(testEntryPoint, big.NewInt(1)).Sign(context.Background(), op, keys)
	require.NoError(t, err)
	op.Signature = sig

	assert.False(t, NewUserOpSigner(testEntryPoint, big.NewInt(2)).Verify(op, crypto.PubkeyToAddress(key.PublicKey)))
}

func TestSignPropagatesExportError(t *testing.T) {
	s := NewUserOpSigner(testEntryPoint, big.NewInt(1))
	_, err := s.Sign(context.Background(), readyOp(), KeyExporterFunc(func(context.Context) (*ecdsa.PrivateKey, error) {
		return nil, errors.New("provider locked")
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider locked")
}

func TestRecoverRejectsShortSignature(t *testing.T) {
	op := readyOp()
	op.Signature = []byte{1, 2, 3}
	_, err := RecoverUserOpSigner(op, testEntryPoint, big.NewInt(1))
	assert.ErrorIs(t, err, ErrInvalidSignature)
}
