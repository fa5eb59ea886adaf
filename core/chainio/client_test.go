package chainio_test

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/userop-sponsor/core/chainio"
	"github.com/AvaProtocol/userop-sponsor/core/testutil"
)

var _ chainio.ChainClient = (*testutil.FakeChain)(nil)

func TestResolveChainID(t *testing.T) {
	chain := testutil.NewFakeChain()

	id, err := chainio.ResolveChainID(context.Background(), chain, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(testutil.ChainID), id.Int64())

	id, err = chainio.ResolveChainID(context.Background(), chain, big.NewInt(0))
	require.NoError(t, err)
	assert.Equal(t, int64(testutil.ChainID), id.Int64())

	id, err = chainio.ResolveChainID(context.Background(), chain, big.NewInt(43113))
	require.NoError(t, err)
	assert.Equal(t, int64(43113), id.Int64())
}

func TestDialRejectsBadURL(t *testing.T) {
	_, err := chainio.Dial(context.Background(), "ftp://nowhere")
	assert.Error(t, err)
}
