// Package erc4337 holds the error vocabulary shared by the UserOperation
// pipeline: builder, paymaster middleware, bundler relay and signer.
package erc4337

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/samber/lo"
)

type Kind string

const (
	KindInvalidInput           Kind = "InvalidInput"
	KindEstimationFailed       Kind = "EstimationFailed"
	KindSponsorshipDenied      Kind = "SponsorshipDenied"
	KindSponsorshipUnavailable Kind = "SponsorshipUnavailable"
	KindNotSigned              Kind = "NotSigned"
	KindRelaySubmissionFailed  Kind = "RelaySubmissionFailed"
	KindStaleNonce             Kind = "StaleNonce"
	KindTimeout                Kind = "Timeout"
	KindReverted               Kind = "Reverted"
	// KindFrozen is returned when a signed operation is mutated in place.
	KindFrozen Kind = "Frozen"
)

// Sentinels, one per kind, so callers can use errors.Is(err, erc4337.ErrStaleNonce).
var (
	ErrInvalidInput           = &Error{Kind: KindInvalidInput}
	ErrEstimationFailed       = &Error{Kind: KindEstimationFailed}
	ErrSponsorshipDenied      = &Error{Kind: KindSponsorshipDenied}
	ErrSponsorshipUnavailable = &Error{Kind: KindSponsorshipUnavailable}
	ErrNotSigned              = &Error{Kind: KindNotSigned}
	ErrRelaySubmissionFailed  = &Error{Kind: KindRelaySubmissionFailed}
	ErrStaleNonce             = &Error{Kind: KindStaleNonce}
	ErrTimeout                = &Error{Kind: KindTimeout}
	ErrReverted               = &Error{Kind: KindReverted}
	ErrFrozen                 = &Error{Kind: KindFrozen}
)

var retryableKinds = []Kind{KindSponsorshipUnavailable}

// RPCErrorPayload is the JSON-RPC error object returned by a bundler or paymaster.
type RPCErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (p *RPCErrorPayload) String() string {
	if p == nil {
		return ""
	}
	if p.Data != nil {
		return fmt.Sprintf("JSON-RPC error %d: %s (data: %v)", p.Code, p.Message, p.Data)
	}
	return fmt.Sprintf("JSON-RPC error %d: %s", p.Code, p.Message)
}

// Error is a classified pipeline failure. Op names the step that failed, Payload
// carries the remote error object when there is one.
type Error struct {
	Kind    Kind
	Op      string
	Payload *RPCErrorPayload
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Payload != nil {
		msg += ": " + e.Payload.String()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, which makes the package sentinels work
// with errors.Is regardless of Op, Payload or the wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Newf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func WithPayload(kind Kind, op string, payload *RPCErrorPayload) *Error {
	return &Error{Kind: kind, Op: op, Payload: payload}
}

// KindOf returns the kind of the first *Error in err's chain, or "" when err is
// not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether re-entering the failed stage may succeed without
// changing the operation.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if lo.Contains(retryableKinds, KindOf(err)) {
		return true
	}
	return IsTransport(err)
}

// IsTransport reports whether err comes from the network rather than from the
// remote endpoint rejecting the request.
func IsTransport(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
