package preset

import (
	"time"

	"github.com/AvaProtocol/userop-sponsor/pkg/erc4337/userop"
)

// State is a stage of the build pipeline.
type State string

const (
	StateDrafting   State = "drafting"
	StateEstimating State = "estimating"
	StateSponsoring State = "sponsoring"
	StateSigning    State = "signing"
	StateReady      State = "ready"
	StateFailed     State = "failed"
)

func (s State) Terminal() bool {
	return s == StateReady || s == StateFailed
}

func (s State) String() string {
	return string(s)
}

// Event is emitted on every state transition. Op is a snapshot; observers may
// keep it without affecting the build.
type Event struct {
	BuildID  string
	State    State
	Previous State
	Op       *userop.UserOperation
	Err      error
	At       time.Time
}

// Observer receives transition events synchronously, on the goroutine driving
// the build.
type Observer func(Event)
