package session

import (
	"context"
	"sync"
	"time"
)

// warningScheduler arms one timer per configured warning threshold for
// every pending session. Delivery dedup lives in Store.MarkWarned, so a
// timer that fires late or twice is harmless.
type warningScheduler struct {
	machine  *Machine
	warnings []float64 // minutes remaining, descending
	now      func() time.Time

	mu     sync.Mutex
	timers map[string][]*time.Timer
	closed bool
}

func newWarningScheduler(m *Machine, warnings []float64, now func() time.Time) *warningScheduler {
	return &warningScheduler{
		machine:  m,
		warnings: warnings,
		now:      now,
		timers:   make(map[string][]*time.Timer),
	}
}

// schedule arms the warning timers for a session expiring at expiry.
// Thresholds already in the past are skipped rather than fired in a burst.
func (ws *warningScheduler) schedule(sessionID string, expiry time.Time) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.closed {
		return
	}

	now := ws.now()
	var armed []*time.Timer
	for i, minutes := range ws.warnings {
		fireAt := expiry.Add(-time.Duration(minutes * float64(time.Minute)))
		delay := fireAt.Sub(now)
		if delay <= 0 {
			continue
		}
		idx := i
		armed = append(armed, time.AfterFunc(delay, func() {
			ws.machine.fireWarning(context.Background(), sessionID, idx)
		}))
	}
	ws.timers[sessionID] = armed
}

// cancel disarms every timer for a session.
func (ws *warningScheduler) cancel(sessionID string) {
	ws.mu.Lock()
	armed := ws.timers[sessionID]
	delete(ws.timers, sessionID)
	ws.mu.Unlock()
	for _, t := range armed {
		t.Stop()
	}
}

// stop disarms everything; used on shutdown.
func (ws *warningScheduler) stop() {
	ws.mu.Lock()
	ws.closed = true
	all := ws.timers
	ws.timers = make(map[string][]*time.Timer)
	ws.mu.Unlock()
	for _, armed := range all {
		for _, t := range armed {
			t.Stop()
		}
	}
}
