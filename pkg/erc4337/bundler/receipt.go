package bundler

import (
	"github.com/ethereum/go-ethereum/common"
)

// UserOperationReceipt is the eth_getUserOperationReceipt result.
type UserOperationReceipt struct {
	UserOpHash    common.Hash    `json:"userOpHash"`
	Sender        common.Address `json:"sender"`
	Nonce         *Quantity      `json:"nonce"`
	Paymaster     common.Address `json:"paymaster"`
	ActualGasCost *Quantity      `json:"actualGasCost"`
	ActualGasUsed *Quantity      `json:"actualGasUsed"`
	Success       bool           `json:"success"`
	Reason        string         `json:"reason"`
	Receipt       *TxReceipt     `json:"receipt"`
}

// TxReceipt carries the fields of the bundle transaction receipt the relay
// reports. Bundlers return the full receipt; the rest is ignored.
type TxReceipt struct {
	TransactionHash common.Hash `json:"transactionHash"`
	BlockHash       common.Hash `json:"blockHash"`
	BlockNumber     *Quantity   `json:"blockNumber"`
	GasUsed         *Quantity   `json:"gasUsed"`
}

// TransactionHash returns the bundle transaction hash, or nil when the bundler
// did not report one.
func (r *UserOperationReceipt) TransactionHash() *common.Hash {
	if r == nil || r.Receipt == nil || r.Receipt.TransactionHash == (common.Hash{}) {
		return nil
	}
	h := r.Receipt.TransactionHash
	return &h
}
