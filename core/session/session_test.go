package session

import (
	"context"
	"encoding/json"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/userop-sponsor/core/config"
	"github.com/AvaProtocol/userop-sponsor/core/identity"
	"github.com/AvaProtocol/userop-sponsor/core/testutil"
	"github.com/AvaProtocol/userop-sponsor/pkg/erc4337"
	"github.com/AvaProtocol/userop-sponsor/pkg/erc4337/bundler"
	"github.com/AvaProtocol/userop-sponsor/pkg/erc4337/paymaster"
	"github.com/AvaProtocol/userop-sponsor/pkg/erc4337/preset"
	"github.com/AvaProtocol/userop-sponsor/pkg/erc4337/userop"
	"github.com/AvaProtocol/userop-sponsor/storage"
	"github.com/AvaProtocol/userop-sponsor/storage/schema"
)

var txHash = common.HexToHash("0xfeed")

type countingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{counts: map[string]int{}}
}

func (r *countingRecorder) inc(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[key]++
}

func (r *countingRecorder) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[key]
}

func (r *countingRecorder) IncBuild(result string)               { r.inc("build:" + result) }
func (r *countingRecorder) IncStageFailure(stage, kind string)   { r.inc("failure:" + stage + ":" + kind) }
func (r *countingRecorder) ObserveStage(stage string, _ float64) { r.inc("stage:" + stage) }
func (r *countingRecorder) IncSubmission(status string)          { r.inc("submission:" + status) }
func (r *countingRecorder) IncReceipt(outcome string)            { r.inc("receipt:" + outcome) }
func (r *countingRecorder) IncRebuild()                          { r.inc("rebuild") }

type fixture struct {
	chain   *testutil.FakeChain
	bundler *testutil.RPCServer
	client  *bundler.BundlerClient
	config  *config.Config
	journal *storage.Journal
	metrics *countingRecorder
}

func minedReceipt(hash string, success bool) map[string]any {
	r := map[string]any{
		"userOpHash":    hash,
		"success":       success,
		"actualGasCost": "0x2386f26fc10000",
		"actualGasUsed": "0x1d4c0",
		"receipt": map[string]any{
			"transactionHash": txHash.Hex(),
			"blockNumber":     "0x10",
		},
	}
	if !success {
		r["reason"] = "execution reverted"
	}
	return r
}

func newFixture(t *testing.T) *fixture {
	chain := testutil.NewFakeChain()
	chain.SetDeployed(testutil.SmartAccount)
	chain.SetNonce(testutil.SmartAccount, 5)

	server := testutil.NewRPCServer(t)
	server.Handle("eth_estimateUserOperationGas", func(params []json.RawMessage) (any, *testutil.RPCError) {
		return map[string]string{
			"preVerificationGas":   "0xc350",
			"verificationGasLimit": "0x186a0",
			"callGasLimit":         "0x88b8",
		}, nil
	})
	server.Handle("eth_sendUserOperation", func(params []json.RawMessage) (any, *testutil.RPCError) {
		var op userop.UserOperation
		if err := json.Unmarshal(params[0], &op); err != nil {
			return nil, &testutil.RPCError{Code: -32602, Message: err.Error()}
		}
		return op.GetUserOpHash(testutil.EntryPoint, big.NewInt(testutil.ChainID)).Hex(), nil
	})
	server.Handle("eth_getUserOperationReceipt", func(params []json.RawMessage) (any, *testutil.RPCError) {
		var hash string
		_ = json.Unmarshal(params[0], &hash)
		return minedReceipt(hash, true), nil
	})

	client, err := bundler.NewBundlerClient(server.URL, testutil.EntryPoint, time.Second, testutil.GetLogger())
	require.NoError(t, err)
	t.Cleanup(client.Close)

	db, err := storage.New(&storage.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return &fixture{
		chain:   chain,
		bundler: server,
		client:  client,
		config: &config.Config{
			EntrypointAddress:   testutil.EntryPoint,
			FactoryAddress:      testutil.Factory,
			AccountSalt:         new(big.Int),
			ChainID:             big.NewInt(testutil.ChainID),
			RpcTimeout:          2 * time.Second,
			ReceiptPollInterval: 5 * time.Millisecond,
			ReceiptTimeout:      100 * time.Millisecond,
			NonceClaimTTL:       time.Minute,
		},
		journal: storage.NewJournal(db, testutil.GetLogger()),
		metrics: newCountingRecorder(),
	}
}

func (f *fixture) session(t *testing.T, pm paymaster.Middleware) *Session {
	s, err := New(context.Background(), Options{
		Config:    f.config,
		Chain:     f.chain,
		Bundler:   f.client,
		Paymaster: pm,
		Journal:   f.journal,
		Cache:     testutil.GetDefaultCache(),
		Metrics:   f.metrics,
		Logger:    testutil.GetLogger(),
	})
	require.NoError(t, err)

	provider, err := identity.NewStaticProvider(testutil.OwnerKeyHex, "")
	require.NoError(t, err)
	_, err = s.Login(context.Background(), provider)
	require.NoError(t, err)
	return s
}

func transfer() SendRequest {
	return SendRequest{Target: testutil.Recipient, Value: big.NewInt(0), Data: []byte{}}
}

func send(t *testing.T, s *Session, req SendRequest) []Event {
	events, err := s.BuildAndSend(context.Background(), req)
	require.NoError(t, err)
	out := Collect(events)
	require.NotEmpty(t, out)
	return out
}

func progress(events []Event) []string {
	var lines []string
	for _, ev := range events {
		if ev.Kind == EventProgress {
			lines = append(lines, ev.Message)
		}
	}
	return lines
}

func stages(events []Event) []preset.State {
	var out []preset.State
	for _, ev := range events {
		if ev.Kind == EventStage {
			out = append(out, ev.Stage)
		}
	}
	return out
}

func assertSingleTerminal(t *testing.T, events []Event) Event {
	t.Helper()
	for _, ev := range events[:len(events)-1] {
		assert.False(t, ev.Terminal(), "only the last event is terminal, got %s before the end", ev.Kind)
	}
	last := events[len(events)-1]
	require.True(t, last.Terminal())
	return last
}

func TestLoginWithoutProvider(t *testing.T) {
	f := newFixture(t)
	s, err := New(context.Background(), Options{Config: f.config, Chain: f.chain, Bundler: f.client})
	require.NoError(t, err)

	_, err = s.Login(context.Background(), nil)
	assert.ErrorIs(t, err, identity.ErrNoProvider)

	_, err = s.BuildAndSend(context.Background(), transfer())
	assert.ErrorIs(t, err, ErrNotLoggedIn)
}

func TestLoginConnectsProvider(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, nil)

	ident := s.Identity()
	require.NotNil(t, ident)
	assert.Equal(t, testutil.OwnerAddress(), ident.Owner)

	info, err := s.AccountInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testutil.SmartAccount, info.Address)
	assert.Equal(t, testutil.OwnerAddress(), info.Owner)
	assert.True(t, info.Deployed)

	s.Logout()
	assert.Nil(t, s.Identity())
	_, err = s.AccountInfo(context.Background())
	assert.ErrorIs(t, err, ErrNotLoggedIn)
}

func TestBuildAndSendSelfFunded(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, nil)

	events := send(t, s, transfer())
	last := assertSingleTerminal(t, events)
	require.Equal(t, EventReceipt, last.Kind, last.Error)
	assert.Equal(t, bundler.OutcomeSuccess, last.Receipt.Outcome)

	lines := progress(events)
	require.Len(t, lines, 5)
	assert.Equal(t, "Sending transaction...", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "Signed UserOperation: {"), lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "UserOpHash: 0x"), lines[2])
	assert.Equal(t, "Waiting for transaction...", lines[3])
	assert.Equal(t, "Transaction hash: "+txHash.Hex(), lines[4])

	assert.Equal(t, []preset.State{
		preset.StateDrafting, preset.StateEstimating, preset.StateSigning, preset.StateReady,
	}, stages(events))

	var sent userop.UserOperation
	require.NoError(t, json.Unmarshal(f.bundler.LastParams("eth_sendUserOperation")[0], &sent))
	assert.Equal(t, int64(5), sent.Nonce.Int64())
	assert.Len(t, sent.Signature, 65)
	assert.Empty(t, sent.PaymasterAndData)

	hash := sent.GetUserOpHash(testutil.EntryPoint, big.NewInt(testutil.ChainID))
	assert.Equal(t, hash.Hex(), last.UserOpHash)

	rec, err := f.journal.Get(hash)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSuccess, rec.Status)
	assert.Equal(t, txHash.Hex(), rec.TransactionHash)
	assert.Equal(t, "5", rec.Nonce)
	assert.False(t, rec.Sponsored)

	assert.Equal(t, 1, f.metrics.count("build:ready"))
	assert.Equal(t, 1, f.metrics.count("submission:accepted"))
	assert.Equal(t, 1, f.metrics.count("receipt:success"))
	assert.Equal(t, 1, f.metrics.count("stage:estimating"))
	assert.Zero(t, s.stages.inFlight())
}

func TestBuildAndSendLinksExplorer(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, nil)

	events := send(t, s, transfer())
	for _, ev := range events {
		if strings.HasPrefix(ev.Message, "Transaction hash: ") {
			assert.Equal(t, "https://sepolia.etherscan.io/tx/"+txHash.Hex(), ev.ExplorerURL)
			return
		}
	}
	t.Fatal("no transaction hash event")
}

func TestBuildAndSendSponsorshipDeclined(t *testing.T) {
	f := newFixture(t)
	pm := testutil.NewRPCServer(t)
	pm.Handle(paymaster.SponsorMethod, func(params []json.RawMessage) (any, *testutil.RPCError) {
		return nil, &testutil.RPCError{Code: -32501, Message: "sponsorship policy rejected the operation"}
	})
	f.config.PaymasterUrl = pm.URL
	f.config.PaymasterContext = map[string]interface{}{"type": "payg"}
	s := f.session(t, nil)

	last := assertSingleTerminal(t, send(t, s, transfer()))
	assert.Equal(t, EventError, last.Kind)
	assert.Equal(t, erc4337.KindSponsorshipDenied, last.ErrorKind)
	assert.ErrorIs(t, last.Err, erc4337.ErrSponsorshipDenied)

	assert.Equal(t, 1, pm.Calls(paymaster.SponsorMethod))
	assert.Zero(t, f.bundler.Calls("eth_sendUserOperation"), "a declined operation is never submitted")
	assert.Equal(t, 1, f.metrics.count("failure:sponsoring:SponsorshipDenied"))

	history, err := s.History(10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

type flakyPaymaster struct {
	calls atomic.Int32
}

func (p *flakyPaymaster) Sponsor(ctx context.Context, op *userop.UserOperation) (*paymaster.Sponsorship, error) {
	if p.calls.Add(1) == 1 {
		return nil, erc4337.Newf(erc4337.KindSponsorshipUnavailable, "sponsor", "paymaster timed out")
	}
	data := append(testutil.PaymasterAddr.Bytes(), make([]byte, 64+65)...)
	return &paymaster.Sponsorship{PaymasterAndData: data}, nil
}

func TestBuildAndSendRetriesUnavailablePaymaster(t *testing.T) {
	f := newFixture(t)
	pm := &flakyPaymaster{}
	s := f.session(t, pm)

	events := send(t, s, transfer())
	last := assertSingleTerminal(t, events)
	require.Equal(t, EventReceipt, last.Kind, last.Error)

	assert.EqualValues(t, 2, pm.calls.Load())
	assert.Contains(t, progress(events), "Retrying sponsoring after SponsorshipUnavailable")

	var sent userop.UserOperation
	require.NoError(t, json.Unmarshal(f.bundler.LastParams("eth_sendUserOperation")[0], &sent))
	assert.Equal(t, int64(5), sent.Nonce.Int64(), "the retry keeps the claimed nonce")
	assert.Len(t, sent.PaymasterAndData, 20+64+65)

	rec, err := f.journal.Get(sent.GetUserOpHash(testutil.EntryPoint, big.NewInt(testutil.ChainID)))
	require.NoError(t, err)
	assert.True(t, rec.Sponsored)
}

// bumpNonceOnFirstEstimate moves the on-chain nonce while the first build is
// in flight, as if another client used it.
func bumpNonceOnFirstEstimate(f *fixture) {
	var bumped atomic.Bool
	f.bundler.Handle("eth_estimateUserOperationGas", func(params []json.RawMessage) (any, *testutil.RPCError) {
		if !bumped.Swap(true) {
			f.chain.SetNonce(testutil.SmartAccount, 6)
		}
		return map[string]string{"preVerificationGas": "0xc350", "verificationGasLimit": "0x186a0", "callGasLimit": "0x88b8"}, nil
	})
}

func TestBuildAndSendStaleNonce(t *testing.T) {
	f := newFixture(t)
	bumpNonceOnFirstEstimate(f)
	s := f.session(t, nil)

	last := assertSingleTerminal(t, send(t, s, transfer()))
	assert.Equal(t, EventError, last.Kind)
	assert.Equal(t, erc4337.KindStaleNonce, last.ErrorKind)
	assert.Zero(t, f.bundler.Calls("eth_sendUserOperation"))
	assert.Equal(t, 1, f.metrics.count("submission:stale"))
}

func TestBuildAndSendRenoncesOnStale(t *testing.T) {
	f := newFixture(t)
	f.config.RenonceOnStale = true
	bumpNonceOnFirstEstimate(f)
	s := f.session(t, nil)

	events := send(t, s, transfer())
	last := assertSingleTerminal(t, events)
	require.Equal(t, EventReceipt, last.Kind, last.Error)
	assert.Contains(t, progress(events), "Nonce 5 is stale, rebuilding with a fresh nonce")

	var sent userop.UserOperation
	require.NoError(t, json.Unmarshal(f.bundler.LastParams("eth_sendUserOperation")[0], &sent))
	assert.Equal(t, int64(6), sent.Nonce.Int64())
	assert.Equal(t, 1, f.metrics.count("rebuild"))
	assert.Equal(t, 2, f.metrics.count("build:ready"))
}

func TestBuildAndSendRejectedBySubmission(t *testing.T) {
	f := newFixture(t)
	f.bundler.Handle("eth_sendUserOperation", func(params []json.RawMessage) (any, *testutil.RPCError) {
		return nil, &testutil.RPCError{Code: -32500, Message: "AA21 didn't pay prefund"}
	})
	s := f.session(t, nil)

	events := send(t, s, transfer())
	last := assertSingleTerminal(t, events)
	assert.Equal(t, EventError, last.Kind)
	assert.Equal(t, erc4337.KindRelaySubmissionFailed, last.ErrorKind)
	assert.Contains(t, last.Error, "AA21")

	// the nonce is free again
	next, ok := s.nonces.Pending(testutil.SmartAccount)
	require.True(t, ok)
	assert.Equal(t, int64(5), next.Int64())

	history, err := s.History(10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, schema.StatusRejected, history[0].Status)
	assert.Contains(t, history[0].Error, "AA21")
	assert.Equal(t, 1, f.metrics.count("submission:rejected"))
}

func TestBuildAndSendKeepsNonceWhenSubmissionTimesOut(t *testing.T) {
	f := newFixture(t)
	f.bundler.Handle("eth_sendUserOperation", func(params []json.RawMessage) (any, *testutil.RPCError) {
		time.Sleep(600 * time.Millisecond)
		return nil, &testutil.RPCError{Code: -32500, Message: "too late"}
	})
	client, err := bundler.NewBundlerClient(f.bundler.URL, testutil.EntryPoint, 200*time.Millisecond, testutil.GetLogger())
	require.NoError(t, err)
	t.Cleanup(client.Close)
	f.client = client
	s := f.session(t, nil)

	events := send(t, s, transfer())
	last := assertSingleTerminal(t, events)
	assert.Equal(t, EventError, last.Kind)
	assert.Equal(t, erc4337.KindRelaySubmissionFailed, last.ErrorKind)
	assert.Contains(t, last.Error, "submission outcome unknown")

	var opHash string
	for _, ev := range events {
		if ev.UserOpHash != "" {
			opHash = ev.UserOpHash
		}
	}
	require.NotEmpty(t, opHash)

	// the bundler may still include nonce 5, the next build must not reuse it
	next, ok := s.nonces.Pending(testutil.SmartAccount)
	require.True(t, ok)
	assert.Equal(t, int64(6), next.Int64())

	history, err := s.History(10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, schema.StatusSubmitted, history[0].Status)
	assert.Equal(t, opHash, history[0].UserOpHash)
	assert.NotEmpty(t, history[0].Error)
	assert.Equal(t, 1, f.metrics.count("submission:unknown"))
	assert.Zero(t, f.metrics.count("submission:rejected"))
}

func TestBuildAndSendStaleAtSubmissionResetsNonces(t *testing.T) {
	f := newFixture(t)
	f.bundler.Handle("eth_sendUserOperation", func(params []json.RawMessage) (any, *testutil.RPCError) {
		return nil, &testutil.RPCError{Code: -32500, Message: "AA25 invalid account nonce"}
	})
	s := f.session(t, nil)

	last := assertSingleTerminal(t, send(t, s, transfer()))
	assert.Equal(t, EventError, last.Kind)
	assert.Equal(t, erc4337.KindStaleNonce, last.ErrorKind)

	// the next claim reads the chain again
	_, ok := s.nonces.Pending(testutil.SmartAccount)
	assert.False(t, ok)
}

func TestBuildAndSendReverted(t *testing.T) {
	f := newFixture(t)
	f.bundler.Handle("eth_getUserOperationReceipt", func(params []json.RawMessage) (any, *testutil.RPCError) {
		var hash string
		_ = json.Unmarshal(params[0], &hash)
		return minedReceipt(hash, false), nil
	})
	s := f.session(t, nil)

	last := assertSingleTerminal(t, send(t, s, transfer()))
	assert.Equal(t, EventError, last.Kind)
	assert.Equal(t, erc4337.KindReverted, last.ErrorKind)
	require.NotNil(t, last.Receipt)
	assert.Equal(t, bundler.OutcomeReverted, last.Receipt.Outcome)

	history, err := s.History(10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, schema.StatusReverted, history[0].Status)
}

func TestBuildAndSendTimeoutIsNotAnError(t *testing.T) {
	f := newFixture(t)
	var mined atomic.Bool
	f.bundler.Handle("eth_getUserOperationReceipt", func(params []json.RawMessage) (any, *testutil.RPCError) {
		if !mined.Load() {
			return nil, nil
		}
		var hash string
		_ = json.Unmarshal(params[0], &hash)
		return minedReceipt(hash, true), nil
	})
	s := f.session(t, nil)

	last := assertSingleTerminal(t, send(t, s, transfer()))
	require.Equal(t, EventReceipt, last.Kind, last.Error)
	assert.Equal(t, bundler.OutcomeTimeout, last.Receipt.Outcome)

	hash := common.HexToHash(last.UserOpHash)
	rec, err := f.journal.Get(hash)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusTimeout, rec.Status)

	mined.Store(true)
	receipt, err := s.Receipt(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, bundler.OutcomeSuccess, receipt.Outcome)

	rec, err = f.journal.Get(hash)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSuccess, rec.Status)
}

func TestBuildAndSendInvalidRequest(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, nil)

	last := assertSingleTerminal(t, send(t, s, SendRequest{Target: testutil.Recipient, Value: big.NewInt(-1)}))
	assert.Equal(t, EventError, last.Kind)
	assert.Equal(t, erc4337.KindInvalidInput, last.ErrorKind)
	assert.Zero(t, f.bundler.Calls("eth_estimateUserOperationGas"))
}

func TestSequentialSendsUseNextNonce(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, nil)

	for i := 0; i < 2; i++ {
		last := assertSingleTerminal(t, send(t, s, transfer()))
		require.Equal(t, EventReceipt, last.Kind, last.Error)
	}

	history, err := s.History(10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	// newest first, and the chain never saw the first one mined
	assert.Equal(t, "6", history[0].Nonce)
	assert.Equal(t, "5", history[1].Nonce)
}

func TestReceiptRejectsEmptyHash(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, nil)

	_, err := s.Receipt(context.Background(), common.Hash{})
	assert.ErrorIs(t, err, erc4337.ErrInvalidInput)
}
