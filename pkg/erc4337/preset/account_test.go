package preset

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/userop-sponsor/core/chainio/aa"
	"github.com/AvaProtocol/userop-sponsor/core/testutil"
	"github.com/AvaProtocol/userop-sponsor/pkg/erc4337"
)

func newTestAccount(t *testing.T, chain *testutil.FakeChain) *SimpleAccount {
	account, err := NewSimpleAccount(context.Background(), chain, AccountOptions{
		Owner:      testutil.OwnerAddress(),
		Factory:    testutil.Factory,
		EntryPoint: testutil.EntryPoint,
	})
	require.NoError(t, err)
	return account
}

func TestNewSimpleAccountResolvesAddressFromFactory(t *testing.T) {
	account := newTestAccount(t, testutil.NewFakeChain())

	assert.Equal(t, testutil.SmartAccount, account.Address())
	assert.Equal(t, testutil.OwnerAddress(), account.Owner())
	assert.Equal(t, testutil.EntryPoint, account.EntryPoint())
}

func TestNewSimpleAccountAddressOverride(t *testing.T) {
	override := common.HexToAddress("0x1111111111111111111111111111111111111111")
	account, err := NewSimpleAccount(context.Background(), nil, AccountOptions{
		Owner:   testutil.OwnerAddress(),
		Address: &override,
	})
	require.NoError(t, err)

	assert.Equal(t, override, account.Address())
	assert.Equal(t, aa.EntrypointAddress, account.EntryPoint())
	assert.Equal(t, aa.DefaultFactoryAddress, account.Factory())
}

func TestNewSimpleAccountRequiresOwner(t *testing.T) {
	_, err := NewSimpleAccount(context.Background(), testutil.NewFakeChain(), AccountOptions{})
	assert.True(t, errors.Is(err, erc4337.ErrInvalidInput))
}

func TestBuildCallDataIsDeterministic(t *testing.T) {
	account := newTestAccount(t, testutil.NewFakeChain())

	cases := []struct {
		name  string
		value *big.Int
		data  []byte
	}{
		{"empty", big.NewInt(0), nil},
		{"value", big.NewInt(1_000_000_000_000_000), nil},
		{"data", big.NewInt(0), common.FromHex("0xa9059cbb000000000000000000000000036cbd53842c5426634e7929541ec2318f3dcf7e")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			first, err := account.BuildCallData(testutil.Recipient, tc.value, tc.data)
			require.NoError(t, err)
			second, err := account.BuildCallData(testutil.Recipient, new(big.Int).Set(tc.value), append([]byte(nil), tc.data...))
			require.NoError(t, err)
			assert.Equal(t, first, second)

			execute := aa.SimpleAccountABI().Methods["execute"]
			assert.Equal(t, execute.ID, first[:4])
			args, err := execute.Inputs.Unpack(first[4:])
			require.NoError(t, err)
			assert.Equal(t, testutil.Recipient, args[0])
			assert.Equal(t, 0, tc.value.Cmp(args[1].(*big.Int)))
			assert.Equal(t, len(tc.data), len(args[2].([]byte)))
		})
	}
}

func TestBuildCallDataRejectsInvalidInput(t *testing.T) {
	account := newTestAccount(t, testutil.NewFakeChain())

	_, err := account.BuildCallData(common.Address{}, big.NewInt(0), nil)
	assert.True(t, errors.Is(err, erc4337.ErrInvalidInput))

	_, err = account.BuildCallData(testutil.Recipient, big.NewInt(-1), nil)
	assert.True(t, errors.Is(err, erc4337.ErrInvalidInput))

	_, err = account.BuildCallData(testutil.Recipient, nil, nil)
	assert.True(t, errors.Is(err, erc4337.ErrInvalidInput))
}

func TestZeroTargetIsRejected(t *testing.T) {
	account := newTestAccount(t, testutil.NewFakeChain())

	// parses fine, the account refuses to call it
	zero, err := ParseTarget("0x0000000000000000000000000000000000000000")
	require.NoError(t, err)

	_, err = account.BuildCallData(zero, big.NewInt(1), []byte{0x01})
	assert.ErrorIs(t, err, erc4337.ErrInvalidInput)
	assert.Contains(t, err.Error(), "target address is required")

	_, err = account.BuildBatchCallData([]Call{{Target: testutil.Recipient}, {Target: zero}})
	assert.ErrorIs(t, err, erc4337.ErrInvalidInput)
	assert.Contains(t, err.Error(), "call 1 has no target")
}

func TestParseTarget(t *testing.T) {
	addr, err := ParseTarget(" 0x036CbD53842c5426634e7929541eC2318f3dCF7e ")
	require.NoError(t, err)
	assert.Equal(t, testutil.Recipient, addr)

	for _, bad := range []string{"", "0x1234", "not an address", "0x036CbD53842c5426634e7929541eC2318f3dCF7eff"} {
		_, err := ParseTarget(bad)
		assert.True(t, errors.Is(err, erc4337.ErrInvalidInput), bad)
	}
}

func TestBuildBatchCallData(t *testing.T) {
	account := newTestAccount(t, testutil.NewFakeChain())
	other := common.HexToAddress("0x2222222222222222222222222222222222222222")

	callData, err := account.BuildBatchCallData([]Call{
		{Target: testutil.Recipient, Data: common.FromHex("0x01")},
		{Target: other},
	})
	require.NoError(t, err)

	batch := aa.SimpleAccountABI().Methods["executeBatch"]
	assert.Equal(t, batch.ID, callData[:4])
	args, err := batch.Inputs.Unpack(callData[4:])
	require.NoError(t, err)
	assert.Equal(t, []common.Address{testutil.Recipient, other}, args[0])

	_, err = account.BuildBatchCallData(nil)
	assert.True(t, errors.Is(err, erc4337.ErrInvalidInput))

	_, err = account.BuildBatchCallData([]Call{{Data: []byte{1}}})
	assert.True(t, errors.Is(err, erc4337.ErrInvalidInput))
}

func TestNeedsInitCodeFollowsDeployment(t *testing.T) {
	chain := testutil.NewFakeChain()
	account := newTestAccount(t, chain)
	ctx := context.Background()

	needs, err := account.NeedsInitCode(ctx)
	require.NoError(t, err)
	assert.True(t, needs)

	initCode, err := account.InitCode()
	require.NoError(t, err)
	assert.Equal(t, testutil.Factory.Bytes(), initCode[:20])
	assert.NoError(t, account.AssertInitCode(ctx, initCode))

	chain.SetDeployed(testutil.SmartAccount)
	needs, err = account.NeedsInitCode(ctx)
	require.NoError(t, err)
	assert.False(t, needs)

	assert.True(t, errors.Is(account.AssertInitCode(ctx, initCode), erc4337.ErrInvalidInput))
	assert.NoError(t, account.AssertInitCode(ctx, nil))
}

func TestAccountNonceReadsEntryPoint(t *testing.T) {
	chain := testutil.NewFakeChain()
	chain.SetNonce(testutil.SmartAccount, 7)
	account := newTestAccount(t, chain)

	nonce, err := account.Nonce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), nonce.Int64())
}
