package chainio

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ChainClient is the subset of the node RPC surface the pipeline reads from.
// *ethclient.Client satisfies it.
type ChainClient interface {
	bind.ContractCaller

	ChainID(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

var _ ChainClient = (*ethclient.Client)(nil)

func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc %s: %w", rpcURL, err)
	}
	return client, nil
}

// ResolveChainID returns configured when it is non-zero, otherwise asks the node.
func ResolveChainID(ctx context.Context, client ChainClient, configured *big.Int) (*big.Int, error) {
	if configured != nil && configured.Sign() > 0 {
		return configured, nil
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve chain id: %w", err)
	}
	return chainID, nil
}
