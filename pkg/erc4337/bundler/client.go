// Package bundler provides primitives to work with an ERC-4337 bundler RPC:
// gas estimation, submission, receipt lookup, and the relay built on them.
// Bundler RPC is stateless.
package bundler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/AvaProtocol/userop-sponsor/pkg/erc4337"
	"github.com/AvaProtocol/userop-sponsor/pkg/erc4337/userop"
	"github.com/AvaProtocol/userop-sponsor/pkg/logger"
)

const DefaultCallTimeout = 15 * time.Second

// dummySignature is a well-formed 65 byte ECDSA signature. Bundlers simulate
// validation during estimation, so the signature must have the right length
// even though its value is ignored.
var dummySignature = common.FromHex("0xfffffffffffffffffffffffffffffff0000000000000000000000000000000007aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa1c")

// staleNonceMarkers are fragments of the bundler error raised when the
// operation nonce does not match the EntryPoint.
var staleNonceMarkers = []string{"AA25", "invalid account nonce"}

// BundlerClient defines a client for interacting with an EIP-4337 bundler RPC endpoint.
type BundlerClient struct {
	client     *rpc.Client
	url        string
	entryPoint common.Address
	timeout    time.Duration
	logger     sdklogging.Logger
}

// NewBundlerClient creates a new BundlerClient that connects to the given URL.
// A zero timeout uses DefaultCallTimeout for every call.
func NewBundlerClient(url string, entryPoint common.Address, timeout time.Duration, log sdklogging.Logger) (*BundlerClient, error) {
	// DialHTTP is more compatible with HTTP-based bundler endpoints than Dial.
	c, err := rpc.DialHTTP(url)
	if err != nil {
		return nil, fmt.Errorf("error creating bundler client: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &BundlerClient{
		client:     c,
		url:        url,
		entryPoint: entryPoint,
		timeout:    timeout,
		logger:     logger.EnsureLogger(log),
	}, nil
}

// Close closes the underlying RPC client connection.
func (bc *BundlerClient) Close() {
	bc.client.Close()
}

func (bc *BundlerClient) EntryPoint() common.Address {
	return bc.entryPoint
}

func (bc *BundlerClient) call(ctx context.Context, result any, method string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, bc.timeout)
	defer cancel()

	start := time.Now()
	err := bc.client.CallContext(ctx, result, method, args...)
	bc.logger.Debug("bundler call", "method", method, "took", time.Since(start), "error", err)
	return err
}

// EstimateUserOperationGas estimates the gas required for a UserOperation.
// https://eips.ethereum.org/EIPS/eip-4337#rpc-methods-eth-namespace
// The signature and paymasterAndData of op are not sent; a dummy signature of
// the right length takes the place of the former.
func (bc *BundlerClient) EstimateUserOperationGas(ctx context.Context, op *userop.UserOperation) (*GasEstimation, error) {
	draft := op.Clone()
	draft.Signature = dummySignature
	draft.PaymasterAndData = nil

	var result gasEstimationResult
	if err := bc.call(ctx, &result, "eth_estimateUserOperationGas", draft, bc.entryPoint.Hex()); err != nil {
		return nil, classify(erc4337.KindEstimationFailed, "eth_estimateUserOperationGas", err)
	}

	estimation, err := result.toEstimation()
	if err != nil {
		return nil, erc4337.New(erc4337.KindEstimationFailed, "eth_estimateUserOperationGas", err)
	}
	return estimation, nil
}

// SendUserOperation forwards op verbatim and returns the bundler's operation hash.
func (bc *BundlerClient) SendUserOperation(ctx context.Context, op *userop.UserOperation) (common.Hash, error) {
	var hash common.Hash
	if err := bc.call(ctx, &hash, "eth_sendUserOperation", op, bc.entryPoint.Hex()); err != nil {
		return common.Hash{}, classifySend(err)
	}

	bc.logger.Info("user operation sent", "sender", op.Sender.Hex(), "nonce", op.Nonce, "userOpHash", hash.Hex())
	return hash, nil
}

// GetUserOperationReceipt fetches the receipt of a UserOperation. It returns
// nil without error while the operation is not yet mined.
func (bc *BundlerClient) GetUserOperationReceipt(ctx context.Context, hash common.Hash) (*UserOperationReceipt, error) {
	var receipt *UserOperationReceipt
	if err := bc.call(ctx, &receipt, "eth_getUserOperationReceipt", hash.Hex()); err != nil {
		return nil, err
	}
	return receipt, nil
}

// SupportedEntryPoints lists the EntryPoints the bundler accepts operations for.
func (bc *BundlerClient) SupportedEntryPoints(ctx context.Context) ([]common.Address, error) {
	var entryPoints []common.Address
	if err := bc.call(ctx, &entryPoints, "eth_supportedEntryPoints"); err != nil {
		return nil, err
	}
	return entryPoints, nil
}

func rpcPayload(err error) *erc4337.RPCErrorPayload {
	var rpcErr rpc.Error
	if !errors.As(err, &rpcErr) {
		return nil
	}
	payload := &erc4337.RPCErrorPayload{Code: rpcErr.ErrorCode(), Message: rpcErr.Error()}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		payload.Data = dataErr.ErrorData()
	}
	return payload
}

// classify attaches the JSON-RPC error object when the bundler returned one,
// otherwise wraps the transport error.
func classify(kind erc4337.Kind, op string, err error) error {
	if payload := rpcPayload(err); payload != nil {
		return erc4337.WithPayload(kind, op, payload)
	}
	return erc4337.New(kind, op, err)
}

func classifySend(err error) error {
	const op = "eth_sendUserOperation"
	payload := rpcPayload(err)
	if payload == nil {
		return erc4337.New(erc4337.KindRelaySubmissionFailed, op, err)
	}
	for _, marker := range staleNonceMarkers {
		if strings.Contains(payload.Message, marker) {
			return erc4337.WithPayload(erc4337.KindStaleNonce, op, payload)
		}
	}
	return erc4337.WithPayload(erc4337.KindRelaySubmissionFailed, op, payload)
}
