package testutil

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/AvaProtocol/userop-sponsor/core/chainio/aa"
)

// FakeChain is an in-memory chainio.ChainClient serving the factory and
// EntryPoint reads used by the pipeline.
type FakeChain struct {
	mu sync.Mutex

	chainID *big.Int
	account common.Address
	nonces  map[common.Address]*big.Int
	code    map[common.Address][]byte

	nonceReads int
}

func NewFakeChain() *FakeChain {
	return &FakeChain{
		chainID: big.NewInt(ChainID),
		account: SmartAccount,
		nonces:  map[common.Address]*big.Int{},
		code:    map[common.Address][]byte{},
	}
}

func (c *FakeChain) SetNonce(sender common.Address, nonce int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nonces[sender] = big.NewInt(nonce)
}

func (c *FakeChain) SetDeployed(address common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.code[address] = []byte{0x60, 0x80, 0x60, 0x40}
}

func (c *FakeChain) NonceReads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonceReads
}

func (c *FakeChain) CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if contract == EntryPoint || contract == Factory {
		return []byte{0x60}, nil
	}
	return c.code[contract], nil
}

func (c *FakeChain) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	getAddress := aa.FactoryABI().Methods["getAddress"]
	getNonce := aa.EntryPointABI().Methods["getNonce"]

	switch {
	case bytes.HasPrefix(call.Data, getAddress.ID):
		return getAddress.Outputs.Pack(c.account)
	case bytes.HasPrefix(call.Data, getNonce.ID):
		args, err := getNonce.Inputs.Unpack(call.Data[4:])
		if err != nil {
			return nil, err
		}
		c.nonceReads++
		nonce, ok := c.nonces[args[0].(common.Address)]
		if !ok {
			nonce = new(big.Int)
		}
		return getNonce.Outputs.Pack(nonce)
	}
	return nil, errors.New("fake chain: unsupported call")
}

func (c *FakeChain) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.chainID), nil
}

func (c *FakeChain) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_500_000_000), nil
}

func (c *FakeChain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(100), BaseFee: big.NewInt(5_000_000_000)}, nil
}
