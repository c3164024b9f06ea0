package receiver

import (
	"math/rand"
	"sync"
	"time"

	"mcastrelay/internal/config"
	"mcastrelay/internal/metrics"
)

// Covers reports whether other's missing-bitmap is a superset of mine's
// covers(other, mine) == (mine & other) == mine.
func Covers(other, mine uint64) bool {
	return mine&other == mine
}

// pendingNack is "at most one active context per receiver", modeled with
// a generation counter rather than a shared suppressed flag alone: a
// stale timer firing for a superseded generation is simply a no-op.
type pendingNack struct {
	generation uint64
	windowID   uint32
	roundID    uint16
	missing    uint64
	suppressed bool
}

// Suppressor implements the per-receiver NACK suppression engine: a
// random backoff before emitting a NACK, cancelled if an overheard NACK
// from another receiver already covers the local loss set.
type Suppressor struct {
	mu      sync.Mutex
	gen     uint64
	pending pendingNack
	rnd     *rand.Rand
	timeout time.Duration

	// Emit is called with the receiver's own missing-bitmap when a timer
	// fires uncancelled; it is expected to send a NACK on the wire.
	Emit func(windowID uint32, roundID uint16, missing uint64)

	Metrics *metrics.ReceiverMetrics // optional; nil-safe on every call
}

// NewSuppressor builds a suppression engine with the given backoff upper
// bound and a private PRNG seeded independently per receiver, so backoffs
// across receivers are uncorrelated.
func NewSuppressor(seed int64, timeoutMS int) *Suppressor {
	if timeoutMS <= 0 {
		timeoutMS = config.NackTimeoutMS
	}
	return &Suppressor{
		rnd:     rand.New(rand.NewSource(seed)),
		timeout: time.Duration(timeoutMS) * time.Millisecond,
	}
}

// Arm installs a new pending NACK context for (windowID, roundID, missing)
// and schedules its timer after a uniform random delay in [0, timeout).
// Any previously active context is implicitly superseded: its generation no
// longer matches, so its timer becomes a no-op when it eventually fires.
func (s *Suppressor) Arm(windowID uint32, roundID uint16, missing uint64) {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.pending = pendingNack{generation: gen, windowID: windowID, roundID: roundID, missing: missing}
	delay := time.Duration(s.rnd.Int63n(int64(s.timeout)))
	s.mu.Unlock()

	time.AfterFunc(delay, func() { s.fire(gen) })
}

func (s *Suppressor) fire(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending.generation != gen {
		return // superseded by a newer Arm; stale timer, no-op
	}
	if s.pending.suppressed {
		s.Metrics.IncNacksSuppressed()
		return // an overheard NACK already covered our loss set
	}
	windowID, roundID, missing := s.pending.windowID, s.pending.roundID, s.pending.missing
	s.Metrics.IncNacksSent()
	if s.Emit != nil {
		s.Emit(windowID, roundID, missing)
	}
}

// Observe inspects an overheard NACK from another UAV for the same
// (window, round). If its missing-bitmap covers ours, our pending context
// is marked suppressed and will stay silent when its timer fires.
func (s *Suppressor) Observe(windowID uint32, roundID uint16, otherMissing uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending.generation == 0 {
		return
	}
	if s.pending.windowID != windowID || s.pending.roundID != roundID {
		return
	}
	if Covers(otherMissing, s.pending.missing) {
		s.pending.suppressed = true
	}
}
