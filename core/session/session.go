// Package session ties a logged in owner to the UserOperation pipeline:
// build, sponsor, sign, submit and wait for inclusion.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/allegro/bigcache/v3"
	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/userop-sponsor/core/chainio"
	"github.com/AvaProtocol/userop-sponsor/core/chainio/signer"
	"github.com/AvaProtocol/userop-sponsor/core/config"
	"github.com/AvaProtocol/userop-sponsor/core/identity"
	"github.com/AvaProtocol/userop-sponsor/metrics"
	"github.com/AvaProtocol/userop-sponsor/pkg/erc4337"
	"github.com/AvaProtocol/userop-sponsor/pkg/erc4337/bundler"
	"github.com/AvaProtocol/userop-sponsor/pkg/erc4337/paymaster"
	"github.com/AvaProtocol/userop-sponsor/pkg/erc4337/preset"
	"github.com/AvaProtocol/userop-sponsor/pkg/logger"
	"github.com/AvaProtocol/userop-sponsor/storage"
	"github.com/AvaProtocol/userop-sponsor/storage/schema"
)

var (
	ErrNotLoggedIn = errors.New("not logged in")
	ErrNoJournal   = errors.New("operation journal is not enabled")
)

// Bundler is the bundler RPC surface a session needs. *bundler.BundlerClient
// satisfies it.
type Bundler interface {
	bundler.GasEstimator
	bundler.RelayBackend
}

type Options struct {
	Config  *config.Config
	Chain   chainio.ChainClient
	Bundler Bundler
	// Paymaster overrides the middleware selected from Config.
	Paymaster paymaster.Middleware
	Journal   *storage.Journal
	Cache     *bigcache.BigCache
	Metrics   metrics.Recorder
	Logger    sdklogging.Logger
}

// Session holds the pipeline collaborators and, after Login, the owner and
// its smart account. A Session is safe for concurrent use.
type Session struct {
	config    *config.Config
	chain     chainio.ChainClient
	chainID   *big.Int
	estimator bundler.GasEstimator
	relay     *bundler.Relay
	paymaster paymaster.Middleware
	nonces    *bundler.NonceManager
	journal   *storage.Journal
	metrics   metrics.Recorder
	stages    *stageTimer
	logger    sdklogging.Logger

	mu       sync.RWMutex
	identity *identity.Identity
	builder  *preset.Builder

	closers []func()
}

func New(ctx context.Context, opts Options) (*Session, error) {
	if opts.Config == nil || opts.Chain == nil || opts.Bundler == nil {
		return nil, errors.New("session requires a config, a chain client and a bundler")
	}
	log := logger.EnsureLogger(opts.Logger)

	chainID, err := chainio.ResolveChainID(ctx, opts.Chain, opts.Config.ChainID)
	if err != nil {
		return nil, err
	}

	pm := opts.Paymaster
	if pm == nil {
		pm = paymasterFromConfig(opts.Config, chainID, log)
	}

	rec := metrics.EnsureRecorder(opts.Metrics)
	s := &Session{
		config:    opts.Config,
		chain:     opts.Chain,
		chainID:   chainID,
		estimator: opts.Bundler,
		relay:     bundler.NewRelay(opts.Bundler, opts.Cache, log),
		paymaster: pm,
		nonces:    bundler.NewNonceManager(opts.Config.NonceClaimTTL, log),
		journal:   opts.Journal,
		metrics:   rec,
		stages:    newStageTimer(rec),
		logger:    log,
	}

	log.Info("session ready", "chainId", chainID, "entrypoint", opts.Config.EntrypointAddress.Hex(), "selfFunded", paymaster.IsNoop(pm))
	return s, nil
}

// paymasterFromConfig picks the remote paymaster, the local verifying signer
// or no sponsorship at all.
func paymasterFromConfig(c *config.Config, chainID *big.Int, log sdklogging.Logger) paymaster.Middleware {
	switch {
	case c.PaymasterUrl != "":
		return paymaster.NewRPCMiddleware(c.PaymasterUrl, c.EntrypointAddress, c.PaymasterContext, c.RpcTimeout, log)
	case c.VerifyingPaymaster != nil:
		vp := c.VerifyingPaymaster
		return paymaster.NewVerifyingMiddleware(vp.Address, chainID, vp.Validity, paymaster.StaticKey(vp.SignerKey))
	}
	return paymaster.Noop()
}

func (s *Session) ChainID() *big.Int {
	return new(big.Int).Set(s.chainID)
}

// Login connects the identity provider, derives the owner and resolves its
// smart account. Logging in again replaces the previous owner.
func (s *Session) Login(ctx context.Context, p identity.Provider) (*identity.Identity, error) {
	ident, err := identity.Login(ctx, p, s.logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.RpcTimeout)
	defer cancel()

	account, err := preset.NewSimpleAccount(ctx, s.chain, preset.AccountOptions{
		Owner:      ident.Owner,
		Factory:    s.config.FactoryAddress,
		EntryPoint: s.config.EntrypointAddress,
		Salt:       s.config.AccountSalt,
	})
	if err != nil {
		return nil, fmt.Errorf("resolve smart account: %w", err)
	}

	builder, err := preset.NewBuilder(preset.BuilderOptions{
		Account:      account,
		Estimator:    s.estimator,
		Paymaster:    s.paymaster,
		Signer:       signer.NewUserOpSigner(s.config.EntrypointAddress, s.chainID),
		Keys:         ident.Keys(),
		Nonces:       s.nonces,
		Fees:         s.chain,
		Observer:     s.stages.observe,
		StageTimeout: s.config.RpcTimeout,
		Logger:       s.logger,
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.identity = ident
	s.builder = builder
	s.mu.Unlock()

	s.logger.Info("logged in", "owner", ident.Owner.Hex(), "account", account.Address().Hex())
	return ident, nil
}

// Logout forgets the owner. Builds already running keep their builder.
func (s *Session) Logout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity != nil {
		s.logger.Info("logged out", "owner", s.identity.Owner.Hex())
	}
	s.identity = nil
	s.builder = nil
}

func (s *Session) Identity() *identity.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

func (s *Session) current() *preset.Builder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.builder
}

// AccountInfo describes the logged in owner and its smart account.
type AccountInfo struct {
	Owner    common.Address `json:"owner"`
	Address  common.Address `json:"address"`
	Factory  common.Address `json:"factory"`
	Deployed bool           `json:"deployed"`
	ChainID  *big.Int       `json:"chainId"`
}

func (s *Session) AccountInfo(ctx context.Context) (*AccountInfo, error) {
	builder := s.current()
	if builder == nil {
		return nil, ErrNotLoggedIn
	}
	account := builder.Account()

	ctx, cancel := context.WithTimeout(ctx, s.config.RpcTimeout)
	defer cancel()
	needsInit, err := account.NeedsInitCode(ctx)
	if err != nil {
		return nil, err
	}
	return &AccountInfo{
		Owner:    account.Owner(),
		Address:  account.Address(),
		Factory:  account.Factory(),
		Deployed: !needsInit,
		ChainID:  s.ChainID(),
	}, nil
}

// Receipt polls an already submitted operation with the configured interval
// and timeout. A timeout is returned as a receipt with OutcomeTimeout.
func (s *Session) Receipt(ctx context.Context, hash common.Hash) (*bundler.Receipt, error) {
	if hash == (common.Hash{}) {
		return nil, erc4337.Newf(erc4337.KindInvalidInput, "receipt", "empty userOpHash")
	}
	receipt, err := s.relay.WaitForReceipt(ctx, hash, s.config.ReceiptPollInterval, s.config.ReceiptTimeout)
	if err != nil {
		return nil, err
	}
	s.metrics.IncReceipt(string(receipt.Outcome))
	s.settle(receipt)
	return receipt, nil
}

// History lists the journaled operations of the logged in account, newest
// first.
func (s *Session) History(limit int) ([]*schema.OperationRecord, error) {
	if s.journal == nil {
		return nil, ErrNoJournal
	}
	builder := s.current()
	if builder == nil {
		return nil, ErrNotLoggedIn
	}
	return s.journal.History(builder.Account().Address(), limit)
}

// TxURL links txHash on the block explorer of the session's chain.
func (s *Session) TxURL(txHash common.Hash) string {
	return config.TxURL(s.chainID, txHash.Hex())
}

// settle moves the journal record of a tracked operation to its outcome.
func (s *Session) settle(receipt *bundler.Receipt) {
	if s.journal == nil {
		return
	}

	var txHash string
	if receipt.TransactionHash != nil {
		txHash = receipt.TransactionHash.Hex()
	}
	_, err := s.journal.UpdateStatus(receipt.UserOpHash, schema.OperationStatus(receipt.Outcome), txHash, receipt.Reason)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("cannot update journal", "userOpHash", receipt.UserOpHash.Hex(), "error", err)
	}
}

func (s *Session) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
