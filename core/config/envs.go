package config

import (
	"fmt"
	"math/big"
)

type ChainEnv struct {
	Name     string
	Explorer string
}

var knownChains = map[int64]ChainEnv{
	1:        {Name: "ethereum", Explorer: "https://etherscan.io"},
	10:       {Name: "optimism", Explorer: "https://optimistic.etherscan.io"},
	137:      {Name: "polygon", Explorer: "https://polygonscan.com"},
	8453:     {Name: "base", Explorer: "https://basescan.org"},
	84532:    {Name: "base-sepolia", Explorer: "https://sepolia.basescan.org"},
	80002:    {Name: "polygon-amoy", Explorer: "https://amoy.polygonscan.com"},
	11155111: {Name: "sepolia", Explorer: "https://sepolia.etherscan.io"},
	43113:    {Name: "avalanche-fuji", Explorer: "https://testnet.snowtrace.io"},
}

// ChainEnvFor returns the known chain for chainID.
func ChainEnvFor(chainID *big.Int) (ChainEnv, bool) {
	if chainID == nil || !chainID.IsInt64() {
		return ChainEnv{}, false
	}
	env, ok := knownChains[chainID.Int64()]
	return env, ok
}

// TxURL links a transaction on the chain's block explorer, or returns "" for
// chains without one.
func TxURL(chainID *big.Int, txHash string) string {
	env, ok := ChainEnvFor(chainID)
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s/tx/%s", env.Explorer, txHash)
}
