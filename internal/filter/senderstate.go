package filter

import (
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/zeebo/xxh3"
)

// recentMessage is one sent message remembered for repeat detection.
type recentMessage struct {
	hash uint64
	at   time.Time
}

// SenderState is the per-sender sliding window the stateful checks read.
// One instance exists per sender key; the chain records into it only after
// a message passes, so cancelled spam does not extend its own windows.
type SenderState struct {
	mu       sync.Mutex
	lastSent time.Time
	recent   []recentMessage // bounded by maxRecent
	burst    []time.Time     // send times inside the flood window
}

const (
	maxRecent   = 16
	floodWindow = time.Minute
)

// textHash is case-insensitive so "SPAM" and "spam" count as repeats.
func textHash(text string) uint64 {
	return xxh3.HashString(strings.ToLower(text))
}

// record notes an accepted message.
func (st *SenderState) record(now time.Time, text string) {
	h := textHash(text)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.lastSent = now

	st.recent = append(st.recent, recentMessage{hash: h, at: now})
	if len(st.recent) > maxRecent {
		st.recent = st.recent[len(st.recent)-maxRecent:]
	}

	st.burst = append(st.burst, now)
	st.trimBurst(now)
}

// sinceLast returns the gap since the previous accepted message.
func (st *SenderState) sinceLast(now time.Time) (time.Duration, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.lastSent.IsZero() {
		return 0, false
	}
	return now.Sub(st.lastSent), true
}

// repeats counts accepted messages with identical text inside the window.
func (st *SenderState) repeats(now time.Time, text string, window time.Duration) int {
	h := textHash(text)
	st.mu.Lock()
	defer st.mu.Unlock()
	n := 0
	for _, r := range st.recent {
		if r.hash == h && now.Sub(r.at) <= window {
			n++
		}
	}
	return n
}

// burstCount counts accepted messages inside the flood window.
func (st *SenderState) burstCount(now time.Time) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.trimBurst(now)
	return len(st.burst)
}

// trimBurst drops timestamps older than the flood window. Caller holds mu.
func (st *SenderState) trimBurst(now time.Time) {
	cut := 0
	for cut < len(st.burst) && now.Sub(st.burst[cut]) > floodWindow {
		cut++
	}
	st.burst = st.burst[cut:]
}

// idle reports whether the sender has been quiet long enough to forget.
func (st *SenderState) idle(now time.Time, horizon time.Duration) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return !st.lastSent.IsZero() && now.Sub(st.lastSent) > horizon
}

// senderStates holds one SenderState per sender key.
type senderStates struct {
	m *xsync.Map[string, *SenderState]
}

func newSenderStates() *senderStates {
	return &senderStates{m: xsync.NewMap[string, *SenderState]()}
}

func (s *senderStates) get(key string) *SenderState {
	st, _ := s.m.LoadOrStore(key, &SenderState{})
	return st
}

// prune forgets senders idle for over an hour, keeping the map bounded.
func (s *senderStates) prune(now time.Time) int {
	removed := 0
	s.m.Range(func(key string, st *SenderState) bool {
		if st.idle(now, time.Hour) {
			s.m.Delete(key)
			removed++
		}
		return true
	})
	return removed
}
