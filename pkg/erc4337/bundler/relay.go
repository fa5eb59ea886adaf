package bundler

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/allegro/bigcache/v3"
	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/userop-sponsor/pkg/erc4337"
	"github.com/AvaProtocol/userop-sponsor/pkg/erc4337/userop"
	"github.com/AvaProtocol/userop-sponsor/pkg/logger"
)

// RelayBackend is the part of the bundler RPC surface the relay drives.
// *BundlerClient satisfies it.
type RelayBackend interface {
	SendUserOperation(ctx context.Context, op *userop.UserOperation) (common.Hash, error)
	GetUserOperationReceipt(ctx context.Context, hash common.Hash) (*UserOperationReceipt, error)
}

type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeReverted Outcome = "reverted"
	// OutcomeTimeout means not mined before the deadline. The caller may poll
	// again with the same hash.
	OutcomeTimeout Outcome = "timeout"
)

// Receipt is the result of tracking a submitted operation.
type Receipt struct {
	UserOpHash      common.Hash  `json:"userOpHash"`
	TransactionHash *common.Hash `json:"transactionHash,omitempty"`
	Success         bool         `json:"success"`
	Outcome         Outcome      `json:"outcome"`
	Reason          string       `json:"reason,omitempty"`
	BlockNumber     *big.Int     `json:"blockNumber,omitempty"`
	ActualGasCost   *big.Int     `json:"actualGasCost,omitempty"`
	ActualGasUsed   *big.Int     `json:"actualGasUsed,omitempty"`
}

func (r *Receipt) Terminal() bool {
	return r.Outcome == OutcomeSuccess || r.Outcome == OutcomeReverted
}

// Err maps a non-success outcome onto the pipeline error kinds. Timeout is a
// pending state, so callers usually check the outcome before calling Err.
func (r *Receipt) Err() error {
	switch r.Outcome {
	case OutcomeReverted:
		return erc4337.Newf(erc4337.KindReverted, "waitForReceipt", "user operation %s reverted: %s", r.UserOpHash.Hex(), r.Reason)
	case OutcomeTimeout:
		return erc4337.Newf(erc4337.KindTimeout, "waitForReceipt", "user operation %s not mined yet", r.UserOpHash.Hex())
	}
	return nil
}

func receiptFromBundler(hash common.Hash, r *UserOperationReceipt) *Receipt {
	receipt := &Receipt{
		UserOpHash:      hash,
		TransactionHash: r.TransactionHash(),
		Success:         r.Success,
		Outcome:         OutcomeReverted,
		Reason:          r.Reason,
		ActualGasCost:   r.ActualGasCost.Int(),
		ActualGasUsed:   r.ActualGasUsed.Int(),
	}
	if r.Success {
		receipt.Outcome = OutcomeSuccess
	}
	if r.Receipt != nil {
		receipt.BlockNumber = r.Receipt.BlockNumber.Int()
	}
	return receipt
}

// Relay submits signed operations and tracks them to inclusion.
type Relay struct {
	backend RelayBackend
	cache   *bigcache.BigCache
	logger  sdklogging.Logger
}

// NewRelay creates a Relay. cache holds terminal receipts so that repeated
// waits on a resolved hash do not poll again; it may be nil.
func NewRelay(backend RelayBackend, cache *bigcache.BigCache, log sdklogging.Logger) *Relay {
	return &Relay{
		backend: backend,
		cache:   cache,
		logger:  logger.EnsureLogger(log),
	}
}

// Submit sends op to the bundler. op must be signed.
func (r *Relay) Submit(ctx context.Context, op *userop.UserOperation) (common.Hash, error) {
	if op == nil || !op.IsSigned() {
		return common.Hash{}, erc4337.Newf(erc4337.KindNotSigned, "submit", "user operation has no signature")
	}
	return r.backend.SendUserOperation(ctx, op)
}

// WaitForReceipt polls the bundler immediately and then every interval until
// the operation is mined or timeout elapses. Reaching the timeout is not an
// error: the returned receipt has OutcomeTimeout. Cancelling ctx stops polling
// and returns ctx.Err().
func (r *Relay) WaitForReceipt(ctx context.Context, hash common.Hash, interval, timeout time.Duration) (*Receipt, error) {
	if interval <= 0 || timeout <= 0 {
		return nil, erc4337.Newf(erc4337.KindInvalidInput, "waitForReceipt", "poll interval and timeout must be positive")
	}

	if cached, ok := r.cached(hash); ok {
		return cached, nil
	}

	deadline := time.Now().Add(timeout)
	expired := time.NewTimer(timeout)
	defer expired.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		// a tick and the deadline can be ready together, the deadline wins
		if attempt > 1 && !time.Now().Before(deadline) {
			return &Receipt{UserOpHash: hash, Outcome: OutcomeTimeout}, nil
		}

		// a slow poll must not outlive the caller's ceiling
		pollCtx, cancel := context.WithDeadline(ctx, deadline)
		receipt, err := r.backend.GetUserOperationReceipt(pollCtx, hash)
		cancel()
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil && !time.Now().Before(deadline):
			r.logger.Debug("receipt poll cut short by deadline", "userOpHash", hash.Hex(), "attempt", attempt)
		case err != nil:
			// polling is read-only, a failed poll is retried on the next tick
			r.logger.Warn("receipt poll failed", "userOpHash", hash.Hex(), "attempt", attempt, "error", err)
		case receipt != nil:
			result := receiptFromBundler(hash, receipt)
			r.remember(result)
			r.logger.Info("user operation mined", "userOpHash", hash.Hex(), "attempt", attempt, "outcome", result.Outcome)
			return result, nil
		default:
			r.logger.Debug("user operation pending", "userOpHash", hash.Hex(), "attempt", attempt)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-expired.C:
			return &Receipt{UserOpHash: hash, Outcome: OutcomeTimeout}, nil
		case <-ticker.C:
		}
	}
}

func (r *Relay) cached(hash common.Hash) (*Receipt, bool) {
	if r.cache == nil {
		return nil, false
	}
	raw, err := r.cache.Get(hash.Hex())
	if err != nil {
		if !errors.Is(err, bigcache.ErrEntryNotFound) {
			r.logger.Warn("receipt cache read failed", "userOpHash", hash.Hex(), "error", err)
		}
		return nil, false
	}

	var receipt Receipt
	if err := json.Unmarshal(raw, &receipt); err != nil {
		return nil, false
	}
	return &receipt, true
}

func (r *Relay) remember(receipt *Receipt) {
	if r.cache == nil || !receipt.Terminal() {
		return
	}
	raw, err := json.Marshal(receipt)
	if err != nil {
		return
	}
	if err := r.cache.Set(receipt.UserOpHash.Hex(), raw); err != nil {
		r.logger.Warn("receipt cache write failed", "userOpHash", receipt.UserOpHash.Hex(), "error", err)
	}
}
