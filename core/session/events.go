package session

import (
	"time"

	"github.com/AvaProtocol/userop-sponsor/pkg/erc4337"
	"github.com/AvaProtocol/userop-sponsor/pkg/erc4337/bundler"
	"github.com/AvaProtocol/userop-sponsor/pkg/erc4337/preset"
)

type EventKind string

const (
	// EventProgress carries a human readable line, the same lines a console
	// user sees.
	EventProgress EventKind = "progress"
	// EventStage is emitted on every builder state transition.
	EventStage EventKind = "stage"

	EventReceipt EventKind = "receipt"
	EventError   EventKind = "error"
)

// Event is one item of the stream returned by BuildAndSend. The stream ends
// with exactly one EventReceipt or EventError.
type Event struct {
	Kind        EventKind        `json:"kind"`
	BuildID     string           `json:"buildId,omitempty"`
	Stage       preset.State     `json:"stage,omitempty"`
	Message     string           `json:"message,omitempty"`
	UserOpHash  string           `json:"userOpHash,omitempty"`
	ExplorerURL string           `json:"explorerUrl,omitempty"`
	Receipt     *bundler.Receipt `json:"receipt,omitempty"`
	ErrorKind   erc4337.Kind     `json:"errorKind,omitempty"`
	Error       string           `json:"error,omitempty"`
	At          time.Time        `json:"at"`

	Err error `json:"-"`
}

func (e Event) Terminal() bool {
	return e.Kind == EventReceipt || e.Kind == EventError
}

// Collect drains events and returns them with the terminal event last.
func Collect(events <-chan Event) []Event {
	var out []Event
	for ev := range events {
		out = append(out, ev)
	}
	return out
}
