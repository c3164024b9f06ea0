package master

import (
	"sync"
	"time"
)

// WindowState is the Master's view of one window's repair progress
// need_retransmit is the OR-union of this round's reported
// missing-bitmaps, responded_uav_bitmap tracks who has NACKed this round.
type WindowState struct {
	WindowID           uint32
	NeedRetransmit     uint64
	RoundCount         int
	RespondedUAVBitmap uint32
	Completed          bool
}

// chunksInWindow returns how many chunks belong to window w, mirroring
// the receiver's partial-final-window accounting.
func chunksInWindow(w int, totalChunks int, windowSize int) int {
	start := w * windowSize
	if start >= totalChunks {
		return 0
	}
	remaining := totalChunks - start
	if remaining > windowSize {
		return windowSize
	}
	return remaining
}

// expectedBitmap mirrors receiver.ExpectedBitmap: chunksInWindow must be
// in [0,64]; the all-64 case is explicit to avoid a shift-by-width.
func expectedBitmap(chunksInWindow int) uint64 {
	if chunksInWindow <= 0 {
		return 0
	}
	if chunksInWindow >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << uint(chunksInWindow)) - 1
}

// Session is the Master's global per-file_id state: per-window repair
// state plus the monotonically-growing known_uavs_bitmap.
//
// Guarded by a single mutex, deliberately not split the way the receiver
// splits session state from NACK-context state — that disjoint-lock
// pattern is worth avoiding without an explicit, documented lock order,
// and the Master has no second lock to order against.
type Session struct {
	mu sync.Mutex

	FileID      uint16
	TotalChunks uint32
	WindowSize  int
	windows     []WindowState

	knownUAVs      uint32
	lastSeen       map[uint8]time.Time
	livenessTimeout time.Duration
}

// NewSession allocates per-window state for a file of totalChunks chunks
// delivered windowSize chunks at a time. livenessTimeout answers the open
// design question of how to handle a known-but-quiet UAV (see
// config.UAVLivenessTimeout's doc comment for the rationale).
func NewSession(fileID uint16, totalChunks uint32, windowSize int, livenessTimeout time.Duration) *Session {
	totalWindows := uint32(0)
	if totalChunks > 0 {
		totalWindows = (totalChunks + uint32(windowSize) - 1) / uint32(windowSize)
	}
	windows := make([]WindowState, totalWindows)
	for i := range windows {
		windows[i].WindowID = uint32(i)
	}
	return &Session{
		FileID:          fileID,
		TotalChunks:     totalChunks,
		WindowSize:      windowSize,
		windows:         windows,
		lastSeen:        make(map[uint8]time.Time),
		livenessTimeout: livenessTimeout,
	}
}

// TotalWindows returns the window count this session was built with.
func (s *Session) TotalWindows() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint32(len(s.windows))
}

// ExpectedBitmap returns the fully-received bitmap for windowID.
func (s *Session) ExpectedBitmap(windowID uint32) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return expectedBitmap(chunksInWindow(int(windowID), int(s.TotalChunks), s.WindowSize))
}

// ResetRound clears need_retransmit and responded_uav_bitmap for the start
// of a new repair round and bumps round_count.
func (s *Session) ResetRound(windowID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := &s.windows[windowID]
	w.NeedRetransmit = 0
	w.RespondedUAVBitmap = 0
	w.RoundCount++
}

// RecordNack demultiplexes one NACK: need_retransmit[w] |= missing and
// responded_uav_bitmap[w] |= (1<<uavID) under the session mutex;
// known_uavs_bitmap and the UAV's last-seen time are updated
// unconditionally, even if windowID happens to be out of range.
func (s *Session) RecordNack(uavID uint8, windowID uint32, missing uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.knownUAVs |= uint32(1) << uavID
	s.lastSeen[uavID] = time.Now()
	if int(windowID) >= len(s.windows) {
		return
	}
	w := &s.windows[windowID]
	w.NeedRetransmit |= missing
	w.RespondedUAVBitmap |= uint32(1) << uavID
}

// SnapshotNeedRetransmit returns the current round's aggregated
// missing-bitmap for windowID: the OR of all missing_bitmaps observed
// this round, as of the moment of the call.
func (s *Session) SnapshotNeedRetransmit(windowID uint32) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.windows[windowID].NeedRetransmit
}

// KnownUAVBitmap returns the all-time union of UAV IDs that have ever
// NACKed anything.
func (s *Session) KnownUAVBitmap() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.knownUAVs
}

// AliveKnownUAVBitmap returns knownUAVs minus any UAV whose last NACK is
// older than the session's liveness timeout (the livenessTimeout passed to
// NewSession), so a permanently-known but dead
// receiver can't stall every round's completion check forever.
// known_uavs_bitmap itself is untouched; only the "has everyone answered"
// heuristic excludes the stale ID.
func (s *Session) AliveKnownUAVBitmap() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	alive := s.knownUAVs
	now := time.Now()
	for id, seen := range s.lastSeen {
		if now.Sub(seen) > s.livenessTimeout {
			alive &^= uint32(1) << id
		}
	}
	return alive
}

// AllKnownResponded reports whether every UAV in aliveKnown has NACKed
// windowID's current round, or aliveKnown is empty (no UAVs known yet).
func (s *Session) AllKnownResponded(windowID uint32, aliveKnown uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if aliveKnown == 0 {
		return true
	}
	responded := s.windows[windowID].RespondedUAVBitmap
	return responded&aliveKnown == aliveKnown
}

// MarkCompleted marks windowID as done after NACK stabilization. A window
// whose repair rounds run out is left not completed.
func (s *Session) MarkCompleted(windowID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows[windowID].Completed = true
}

// RoundCount returns how many repair rounds windowID has consumed so far.
func (s *Session) RoundCount(windowID uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.windows[windowID].RoundCount
}
