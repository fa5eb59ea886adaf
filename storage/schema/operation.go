package schema

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

type OperationStatus string

// Status of a journaled operation. submitted and timeout can still settle.
const (
	StatusSubmitted OperationStatus = "submitted"
	StatusRejected  OperationStatus = "rejected"
	StatusSuccess   OperationStatus = "success"
	StatusReverted  OperationStatus = "reverted"
	StatusTimeout   OperationStatus = "timeout"
)

var Statuses = []OperationStatus{StatusSubmitted, StatusRejected, StatusSuccess, StatusReverted, StatusTimeout}

func (s OperationStatus) Final() bool {
	return s == StatusRejected || s == StatusSuccess || s == StatusReverted
}

// OperationRecord is one UserOperation handed to the bundler.
type OperationRecord struct {
	BuildID         string          `json:"build_id"`
	UserOpHash      string          `json:"user_op_hash"`
	Sender          string          `json:"sender"`
	Nonce           string          `json:"nonce"`
	Target          string          `json:"target,omitempty"`
	Value           string          `json:"value,omitempty"`
	Sponsored       bool            `json:"sponsored"`
	Status          OperationStatus `json:"status"`
	TransactionHash string          `json:"transaction_hash,omitempty"`
	Error           string          `json:"error,omitempty"`
	CreatedAt       int64           `json:"created_at"`
	UpdatedAt       int64           `json:"updated_at"`
}

// OperationStorageKey is op:<userOpHash>
func OperationStorageKey(hash common.Hash) []byte {
	return []byte(fmt.Sprintf("op:%s", strings.ToLower(hash.Hex())))
}

func OperationPrefix() []byte {
	return []byte("op:")
}

// SenderOperationKey is s:<sender>:<buildID>. Build ids are ULIDs, so keys of
// one sender sort by creation time. The value is the userOpHash.
func SenderOperationKey(sender common.Address, buildID string) []byte {
	return []byte(fmt.Sprintf("s:%s:%s", strings.ToLower(sender.Hex()), buildID))
}

func SenderOperationPrefix(sender common.Address) []byte {
	return []byte(fmt.Sprintf("s:%s:", strings.ToLower(sender.Hex())))
}

// StatusCounterKey counts transitions into status.
func StatusCounterKey(status OperationStatus) []byte {
	return []byte(fmt.Sprintf("ct:%s", status))
}
