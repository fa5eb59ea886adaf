package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/userop-sponsor/pkg/erc4337"
	"github.com/AvaProtocol/userop-sponsor/pkg/erc4337/bundler"
	"github.com/AvaProtocol/userop-sponsor/pkg/erc4337/preset"
	"github.com/AvaProtocol/userop-sponsor/storage/schema"
)

// Enough for every event of a build that is rebuilt once, so the pipeline
// never blocks on a slow reader.
const eventBuffer = 64

type SendRequest struct {
	Target common.Address
	Value  *big.Int
	Data   []byte
}

// BuildAndSend builds, signs and submits a call from the smart account, then
// waits for inclusion. Progress is streamed on the returned channel, which
// ends with one terminal event and is then closed.
func (s *Session) BuildAndSend(ctx context.Context, req SendRequest) (<-chan Event, error) {
	builder := s.current()
	if builder == nil {
		return nil, ErrNotLoggedIn
	}

	events := make(chan Event, eventBuffer)
	run := &sendRun{session: s, builder: builder, events: events}
	go func() {
		defer close(events)
		run.execute(ctx, req)
	}()
	return events, nil
}

// sendRun is one BuildAndSend call.
type sendRun struct {
	session *Session
	builder *preset.Builder
	events  chan<- Event
	buildID string
}

func (r *sendRun) emit(ev Event) {
	if ev.BuildID == "" {
		ev.BuildID = r.buildID
	}
	ev.At = time.Now()
	r.events <- ev
}

func (r *sendRun) progress(format string, args ...any) {
	r.emit(Event{Kind: EventProgress, Message: fmt.Sprintf(format, args...)})
}

func (r *sendRun) fail(err error, receipt *bundler.Receipt) {
	r.emit(Event{
		Kind:      EventError,
		ErrorKind: erc4337.KindOf(err),
		Error:     err.Error(),
		Receipt:   receipt,
		Err:       err,
	})
}

func (r *sendRun) observe(ev preset.Event) {
	r.buildID = ev.BuildID
	if ev.State == preset.StateFailed {
		// reported by the terminal event
		return
	}
	r.emit(Event{Kind: EventStage, BuildID: ev.BuildID, Stage: ev.State, Message: string(ev.State)})
}

func (r *sendRun) execute(ctx context.Context, req SendRequest) {
	s := r.session
	r.progress("Sending transaction...")

	build, err := r.build(ctx, req)
	if err != nil {
		r.fail(err, nil)
		return
	}

	op := build.Op()
	signed, err := json.Marshal(op)
	if err != nil {
		build.Abort()
		r.fail(err, nil)
		return
	}
	r.progress("Signed UserOperation: %s", signed)

	hash, err := s.relay.Submit(ctx, op)
	if err != nil && erc4337.IsTransport(err) {
		// the bundler may hold the operation, so its nonce stays taken
		if cerr := build.Commit(); cerr != nil {
			s.logger.Warn("nonce claim lapsed before commit", "build", build.ID, "nonce", build.Nonce(), "error", cerr)
		}
		s.metrics.IncSubmission("unknown")
		r.journal(build, build.UserOpHash(), schema.StatusSubmitted, err)
		r.emit(Event{Kind: EventProgress, Message: "UserOpHash: " + build.UserOpHash().Hex(), UserOpHash: build.UserOpHash().Hex()})
		r.fail(fmt.Errorf("submission outcome unknown for %s: %w", build.UserOpHash().Hex(), err), nil)
		return
	}
	if err != nil {
		build.Abort()
		if errors.Is(err, erc4337.ErrStaleNonce) {
			s.nonces.Reset(op.Sender)
		}
		s.metrics.IncSubmission("rejected")
		r.journal(build, build.UserOpHash(), schema.StatusRejected, err)
		r.fail(err, nil)
		return
	}
	if err := build.Commit(); err != nil {
		s.logger.Warn("nonce claim lapsed before commit", "build", build.ID, "nonce", build.Nonce(), "error", err)
	}
	s.metrics.IncSubmission("accepted")
	if hash != build.UserOpHash() {
		s.logger.Warn("bundler returned a different userOpHash", "build", build.ID, "local", build.UserOpHash().Hex(), "bundler", hash.Hex())
	}
	r.journal(build, hash, schema.StatusSubmitted, nil)

	r.emit(Event{Kind: EventProgress, Message: "UserOpHash: " + hash.Hex(), UserOpHash: hash.Hex()})
	r.progress("Waiting for transaction...")

	receipt, err := s.relay.WaitForReceipt(ctx, hash, s.config.ReceiptPollInterval, s.config.ReceiptTimeout)
	if err != nil {
		r.fail(err, nil)
		return
	}
	s.metrics.IncReceipt(string(receipt.Outcome))
	s.settle(receipt)

	if receipt.TransactionHash != nil {
		txHash := receipt.TransactionHash.Hex()
		r.emit(Event{
			Kind:        EventProgress,
			Message:     "Transaction hash: " + txHash,
			UserOpHash:  hash.Hex(),
			ExplorerURL: s.TxURL(*receipt.TransactionHash),
		})
	}

	if receipt.Outcome == bundler.OutcomeReverted {
		r.fail(receipt.Err(), receipt)
		return
	}
	r.emit(Event{Kind: EventReceipt, UserOpHash: hash.Hex(), Receipt: receipt})
}

// build runs the builder to Ready and revalidates the nonce. A retryable
// failure re-enters the failed stage once. A stale nonce is rebuilt from
// scratch once when renonce_on_stale is set.
func (r *sendRun) build(ctx context.Context, req SendRequest) (*preset.Build, error) {
	s := r.session
	renonced := false

	for {
		build := r.builder.NewBuild(preset.Request{Target: req.Target, Value: req.Value, Data: req.Data}, r.observe)
		err := r.builder.Run(ctx, build)
		if err != nil && erc4337.IsRetryable(err) {
			r.progress("Retrying %s after %s", build.FailedIn(), erc4337.KindOf(err))
			err = r.builder.Resume(ctx, build)
		}
		if err != nil {
			build.Abort()
			return nil, err
		}

		err = r.builder.Revalidate(ctx, build)
		if err == nil {
			return build, nil
		}
		build.Abort()

		if !errors.Is(err, erc4337.ErrStaleNonce) {
			return nil, err
		}
		if !s.config.RenonceOnStale || renonced {
			s.metrics.IncSubmission("stale")
			return nil, err
		}

		renonced = true
		s.metrics.IncRebuild()
		s.logger.Info("nonce went stale before submission, rebuilding", "build", build.ID, "nonce", build.Nonce())
		r.progress("Nonce %s is stale, rebuilding with a fresh nonce", build.Nonce())
	}
}

func (r *sendRun) journal(build *preset.Build, hash common.Hash, status schema.OperationStatus, cause error) {
	s := r.session
	if s.journal == nil {
		return
	}

	op := build.Op()
	rec := &schema.OperationRecord{
		BuildID:    build.ID,
		UserOpHash: hash.Hex(),
		Sender:     op.Sender.Hex(),
		Nonce:      op.Nonce.String(),
		Sponsored:  op.HasPaymaster(),
		Status:     status,
	}
	if len(build.Request.Calls) == 0 {
		rec.Target = build.Request.Target.Hex()
		if build.Request.Value != nil {
			rec.Value = build.Request.Value.String()
		}
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	if err := s.journal.Record(rec); err != nil {
		s.logger.Warn("cannot journal operation", "build", build.ID, "userOpHash", hash.Hex(), "error", err)
	}
}
