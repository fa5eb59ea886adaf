package preset

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/oklog/ulid/v2"

	"github.com/AvaProtocol/userop-sponsor/core/chainio/signer"
	"github.com/AvaProtocol/userop-sponsor/pkg/eip1559"
	"github.com/AvaProtocol/userop-sponsor/pkg/erc4337"
	"github.com/AvaProtocol/userop-sponsor/pkg/erc4337/bundler"
	"github.com/AvaProtocol/userop-sponsor/pkg/erc4337/paymaster"
	"github.com/AvaProtocol/userop-sponsor/pkg/erc4337/userop"
	"github.com/AvaProtocol/userop-sponsor/pkg/logger"
)

const DefaultStageTimeout = 30 * time.Second

// Request describes the action the account performs. When Calls is set the
// operation uses executeBatch and Target, Value and Data are ignored.
type Request struct {
	Target common.Address
	Value  *big.Int
	Data   []byte
	Calls  []Call
}

// BuilderOptions wires the collaborators of a Builder. Paymaster may be nil for
// self-funded operations.
type BuilderOptions struct {
	Account      *SimpleAccount
	Estimator    bundler.GasEstimator
	Paymaster    paymaster.Middleware
	Signer       *signer.UserOpSigner
	Keys         signer.KeyExporter
	Nonces       *bundler.NonceManager
	Fees         eip1559.FeeSource
	Observer     Observer
	StageTimeout time.Duration
	Logger       sdklogging.Logger
}

// Builder drives a UserOperation through
// drafting -> estimating -> sponsoring -> signing -> ready.
// A Builder is safe for concurrent use; a single Build is not.
type Builder struct {
	account      *SimpleAccount
	estimator    bundler.GasEstimator
	paymaster    paymaster.Middleware
	signer       *signer.UserOpSigner
	keys         signer.KeyExporter
	nonces       *bundler.NonceManager
	fees         eip1559.FeeSource
	observer     Observer
	stageTimeout time.Duration
	logger       sdklogging.Logger
}

func NewBuilder(opts BuilderOptions) (*Builder, error) {
	if opts.Account == nil || opts.Estimator == nil || opts.Signer == nil || opts.Keys == nil || opts.Fees == nil {
		return nil, errors.New("builder requires an account, estimator, signer, key exporter and fee source")
	}
	if opts.Nonces == nil {
		opts.Nonces = bundler.NewNonceManager(bundler.DefaultClaimTTL, opts.Logger)
	}
	if opts.Paymaster == nil {
		opts.Paymaster = paymaster.Noop()
	}
	if opts.StageTimeout <= 0 {
		opts.StageTimeout = DefaultStageTimeout
	}

	return &Builder{
		account:      opts.Account,
		estimator:    opts.Estimator,
		paymaster:    opts.Paymaster,
		signer:       opts.Signer,
		keys:         opts.Keys,
		nonces:       opts.Nonces,
		fees:         opts.Fees,
		observer:     opts.Observer,
		stageTimeout: opts.StageTimeout,
		logger:       logger.EnsureLogger(opts.Logger),
	}, nil
}

func (b *Builder) Account() *SimpleAccount         { return b.account }
func (b *Builder) Nonces() *bundler.NonceManager   { return b.nonces }
func (b *Builder) Signer() *signer.UserOpSigner    { return b.signer }
func (b *Builder) Paymaster() paymaster.Middleware { return b.paymaster }

// Build is one UserOperation moving through the pipeline.
type Build struct {
	ID      string
	Request Request

	state    State
	failedIn State
	err      error
	op       *userop.UserOperation

	claim         *bundler.NonceClaim
	sponsored     bool
	sponsorDigest common.Hash
	grantHash     common.Hash
	userOpHash    common.Hash

	observers []Observer
}

func (b *Build) State() State    { return b.state }
func (b *Build) FailedIn() State { return b.failedIn }
func (b *Build) Err() error      { return b.err }

// Op returns a copy of the operation in its current stage.
func (b *Build) Op() *userop.UserOperation { return b.op.Clone() }

// UserOpHash is set once the build is Ready.
func (b *Build) UserOpHash() common.Hash { return b.userOpHash }

func (b *Build) Nonce() *big.Int {
	if b.op.Nonce == nil {
		return nil
	}
	return new(big.Int).Set(b.op.Nonce)
}

// Update mutates the draft operation. A Ready operation is frozen, and sender
// and nonce belong to the build's claim so they cannot be changed.
func (b *Build) Update(fn func(op *userop.UserOperation)) error {
	if b.state == StateReady {
		return erc4337.Newf(erc4337.KindFrozen, "update", "operation %s is signed", b.userOpHash.Hex())
	}

	draft := b.op.Clone()
	fn(draft)
	if draft.Sender != b.op.Sender {
		return erc4337.Newf(erc4337.KindInvalidInput, "update", "sender cannot change")
	}
	if (draft.Nonce == nil) != (b.op.Nonce == nil) || (draft.Nonce != nil && draft.Nonce.Cmp(b.op.Nonce) != 0) {
		return erc4337.Newf(erc4337.KindInvalidInput, "update", "nonce is owned by the build's claim")
	}
	b.op = draft
	return nil
}

func (b *Build) grantMatches() bool {
	return b.op.SponsorDigest() == b.sponsorDigest &&
		crypto.Keccak256Hash(b.op.PaymasterAndData) == b.grantHash
}

// Commit marks the claimed nonce as used. Call it after the bundler accepted
// the operation.
func (b *Build) Commit() error {
	if b.claim == nil {
		return bundler.ErrClaimNotActive
	}
	return b.claim.Commit()
}

// Abort gives the nonce back. It is a no-op when there is nothing held.
func (b *Build) Abort() {
	if b.claim != nil && b.claim.Valid() {
		_ = b.claim.Release()
	}
}

// NewBuild starts a build in the drafting state.
func (b *Builder) NewBuild(req Request, observers ...Observer) *Build {
	build := &Build{
		ID:        ulid.MustNew(ulid.Now(), rand.Reader).String(),
		Request:   req,
		state:     StateDrafting,
		op:        &userop.UserOperation{Sender: b.account.Address()},
		observers: observers,
	}
	b.emit(build, "", nil)
	return build
}

// Build runs a new build to completion.
func (b *Builder) Build(ctx context.Context, req Request, observers ...Observer) (*Build, error) {
	build := b.NewBuild(req, observers...)
	return build, b.Run(ctx, build)
}

// Run steps the build until it is Ready or Failed.
func (b *Builder) Run(ctx context.Context, build *Build) error {
	for !build.state.Terminal() {
		if err := b.Step(ctx, build); err != nil {
			return err
		}
	}
	return build.err
}

// Step performs exactly one transition.
func (b *Builder) Step(ctx context.Context, build *Build) error {
	if build.state.Terminal() {
		return erc4337.Newf(erc4337.KindInvalidInput, "step", "build %s is %s", build.ID, build.state)
	}

	ctx, cancel := context.WithTimeout(ctx, b.stageTimeout)
	defer cancel()

	switch build.state {
	case StateDrafting:
		return b.draft(ctx, build)
	case StateEstimating:
		return b.estimate(ctx, build)
	case StateSponsoring:
		return b.sponsor(ctx, build)
	case StateSigning:
		return b.sign(ctx, build)
	}
	return nil
}

// Resume continues a failed build. The failed stage is re-entered when the
// nonce claim is still held, otherwise the build starts over with a fresh
// claim.
func (b *Builder) Resume(ctx context.Context, build *Build) error {
	if build.state != StateFailed {
		return erc4337.Newf(erc4337.KindInvalidInput, "resume", "build %s is %s", build.ID, build.state)
	}

	if build.claim != nil && build.claim.Valid() && build.failedIn != StateDrafting {
		b.logger.Info("resuming build", "build", build.ID, "stage", build.failedIn, "nonce", build.op.Nonce)
		build.err = nil
		b.transition(build, build.failedIn, nil)
		return b.Run(ctx, build)
	}

	b.logger.Info("restarting build from drafting", "build", build.ID, "failed_in", build.failedIn)
	build.Abort()
	build.claim = nil
	build.err = nil
	build.sponsored = false
	build.op = &userop.UserOperation{Sender: b.account.Address()}
	b.transition(build, StateDrafting, nil)
	return b.Run(ctx, build)
}

// Revalidate checks a Ready build against the chain right before submission.
// It returns StaleNonce when the nonce was consumed elsewhere or the claim
// lapsed. The build is left untouched so the caller decides whether to abort
// or rebuild.
func (b *Builder) Revalidate(ctx context.Context, build *Build) error {
	if build.state != StateReady {
		return erc4337.Newf(erc4337.KindNotSigned, "revalidate", "build %s is %s", build.ID, build.state)
	}
	if build.claim == nil || !build.claim.Valid() {
		return erc4337.Newf(erc4337.KindStaleNonce, "revalidate", "nonce claim for %s has expired", build.op.Nonce)
	}

	ctx, cancel := context.WithTimeout(ctx, b.stageTimeout)
	defer cancel()

	onChain, err := b.account.Nonce(ctx)
	if err != nil {
		return err
	}
	if onChain.Cmp(build.op.Nonce) > 0 {
		return erc4337.Newf(erc4337.KindStaleNonce, "revalidate", "on-chain nonce %s is past claimed nonce %s", onChain, build.op.Nonce)
	}
	return b.account.AssertInitCode(ctx, build.op.InitCode)
}

func (b *Builder) draft(ctx context.Context, build *Build) error {
	req := build.Request

	var (
		callData []byte
		err      error
	)
	if len(req.Calls) > 0 {
		callData, err = b.account.BuildBatchCallData(req.Calls)
	} else {
		callData, err = b.account.BuildCallData(req.Target, req.Value, req.Data)
	}
	if err != nil {
		return b.fail(build, err)
	}

	op := &userop.UserOperation{
		Sender:   b.account.Address(),
		CallData: callData,
	}

	needsInit, err := b.account.NeedsInitCode(ctx)
	if err != nil {
		return b.fail(build, err)
	}
	if needsInit {
		if op.InitCode, err = b.account.InitCode(); err != nil {
			return b.fail(build, err)
		}
	}

	fees, err := eip1559.SuggestFee(ctx, b.fees)
	if err != nil {
		return b.fail(build, err)
	}
	op.MaxFeePerGas = fees.MaxFeePerGas
	op.MaxPriorityFeePerGas = fees.MaxPriorityFeePerGas

	// claimed last so that a failed draft holds no nonce
	claim, err := b.nonces.Claim(ctx, op.Sender, b.account.Nonce)
	if err != nil {
		return b.fail(build, err)
	}
	build.claim = claim
	op.Nonce = new(big.Int).Set(claim.Nonce)
	build.op = op

	b.logger.Debug("drafted user operation", "build", build.ID, "sender", op.Sender.Hex(), "nonce", op.Nonce, "deploy", needsInit)
	b.transition(build, StateEstimating, nil)
	return nil
}

func (b *Builder) estimate(ctx context.Context, build *Build) error {
	gas, err := b.estimator.EstimateUserOperationGas(ctx, build.op.Clone())
	if err != nil {
		if erc4337.KindOf(err) == "" {
			err = erc4337.New(erc4337.KindEstimationFailed, "estimate", err)
		}
		return b.fail(build, err)
	}

	build.op.CallGasLimit = new(big.Int).Set(gas.CallGasLimit)
	build.op.VerificationGasLimit = new(big.Int).Set(gas.VerificationGasLimit)
	build.op.PreVerificationGas = new(big.Int).Set(gas.PreVerificationGas)

	b.logger.Debug("estimated gas", "build", build.ID,
		"callGasLimit", gas.CallGasLimit, "verificationGasLimit", gas.VerificationGasLimit, "preVerificationGas", gas.PreVerificationGas)

	if paymaster.IsNoop(b.paymaster) {
		b.transition(build, StateSigning, nil)
	} else {
		b.transition(build, StateSponsoring, nil)
	}
	return nil
}

func (b *Builder) sponsor(ctx context.Context, build *Build) error {
	draft := build.op.Clone()
	draft.PaymasterAndData = nil
	draft.Signature = nil

	grant, err := b.paymaster.Sponsor(ctx, draft)
	if err != nil {
		if erc4337.KindOf(err) == "" {
			err = erc4337.New(erc4337.KindSponsorshipUnavailable, "sponsor", err)
		}
		return b.fail(build, err)
	}
	if grant == nil || len(grant.PaymasterAndData) == 0 {
		return b.fail(build, erc4337.Newf(erc4337.KindSponsorshipDenied, "sponsor", "paymaster returned an empty grant"))
	}

	grant.Apply(build.op)
	build.sponsored = true
	build.sponsorDigest = build.op.SponsorDigest()
	build.grantHash = crypto.Keccak256Hash(build.op.PaymasterAndData)

	b.logger.Debug("operation sponsored", "build", build.ID, "paymasterAndDataLen", len(build.op.PaymasterAndData))
	b.transition(build, StateSigning, nil)
	return nil
}

func (b *Builder) sign(ctx context.Context, build *Build) error {
	if build.sponsored && !build.grantMatches() {
		// the grant no longer covers the operation, or was edited itself
		b.logger.Info("operation changed after sponsorship, requesting a new grant", "build", build.ID)
		build.sponsored = false
		build.op.PaymasterAndData = nil
		b.transition(build, StateSponsoring, nil)
		return nil
	}

	build.op.Signature = nil
	sig, err := b.signer.Sign(ctx, build.op, b.keys)
	if err != nil {
		return b.fail(build, erc4337.New(erc4337.KindNotSigned, "sign", err))
	}
	build.op.Signature = sig

	if !b.signer.Verify(build.op, b.account.Owner()) {
		build.op.Signature = nil
		return b.fail(build, erc4337.Newf(erc4337.KindNotSigned, "sign", "signature does not recover to owner %s", b.account.Owner().Hex()))
	}

	build.userOpHash = build.op.GetUserOpHash(b.signer.EntryPoint, b.signer.ChainID)
	b.logger.Info("user operation ready", "build", build.ID, "sender", build.op.Sender.Hex(), "nonce", build.op.Nonce, "userOpHash", build.userOpHash.Hex())
	b.transition(build, StateReady, nil)
	return nil
}

// fail moves the build to Failed. The nonce claim survives only when the
// failed stage can be retried as is.
func (b *Builder) fail(build *Build, err error) error {
	stage := build.state
	build.failedIn = stage
	build.err = err

	if !erc4337.IsRetryable(err) {
		build.Abort()
	}

	b.logger.Error("build failed", "build", build.ID, "stage", stage, "kind", erc4337.KindOf(err), "error", err)
	b.transition(build, StateFailed, err)
	return err
}

func (b *Builder) transition(build *Build, to State, err error) {
	previous := build.state
	build.state = to
	b.emit(build, previous, err)
}

func (b *Builder) emit(build *Build, previous State, err error) {
	if b.observer == nil && len(build.observers) == 0 {
		return
	}
	ev := Event{
		BuildID:  build.ID,
		State:    build.state,
		Previous: previous,
		Op:       build.op.Clone(),
		Err:      err,
		At:       time.Now(),
	}
	if b.observer != nil {
		b.observer(ev)
	}
	for _, o := range build.observers {
		// each observer gets its own snapshot
		next := ev
		next.Op = build.op.Clone()
		o(next)
	}
}
