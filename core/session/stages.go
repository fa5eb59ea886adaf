package session

import (
	"sync"
	"time"

	"github.com/AvaProtocol/userop-sponsor/metrics"
	"github.com/AvaProtocol/userop-sponsor/pkg/erc4337"
	"github.com/AvaProtocol/userop-sponsor/pkg/erc4337/preset"
)

// stageTimer turns builder events into stage latency and outcome metrics.
type stageTimer struct {
	rec metrics.Recorder

	mu      sync.Mutex
	entered map[string]time.Time
}

func newStageTimer(rec metrics.Recorder) *stageTimer {
	return &stageTimer{rec: rec, entered: map[string]time.Time{}}
}

func (t *stageTimer) observe(ev preset.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if start, ok := t.entered[ev.BuildID]; ok && ev.Previous != "" && ev.Previous != preset.StateFailed {
		t.rec.ObserveStage(string(ev.Previous), ev.At.Sub(start).Seconds())
	}

	switch ev.State {
	case preset.StateReady:
		t.rec.IncBuild("ready")
		delete(t.entered, ev.BuildID)
	case preset.StateFailed:
		t.rec.IncBuild("failed")
		t.rec.IncStageFailure(string(ev.Previous), string(erc4337.KindOf(ev.Err)))
		delete(t.entered, ev.BuildID)
	default:
		t.entered[ev.BuildID] = ev.At
	}
}

// inFlight is the number of builds currently being timed.
func (t *stageTimer) inFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entered)
}
