package receiver

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mcastrelay/internal/config"
	"mcastrelay/internal/protocol"
)

// fakeTransport is an in-memory Transport: Send appends to sent (for
// assertions), and inject feeds a frame to the next Recv — mirroring
// internal/master's test double, kept separate since the two packages'
// tests must not import each other's unexported test helpers.
type fakeTransport struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  [][]byte
	closed bool
	sent   [][]byte
}

func newFakeTransport() *fakeTransport {
	t := &fakeTransport{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

func (t *fakeTransport) Send(b []byte) error {
	t.mu.Lock()
	t.sent = append(t.sent, append([]byte(nil), b...))
	t.cond.Broadcast()
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) inject(b []byte) {
	t.mu.Lock()
	t.queue = append(t.queue, append([]byte(nil), b...))
	t.cond.Signal()
	t.mu.Unlock()
}

func (t *fakeTransport) Recv() ([]byte, net.Addr, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for len(t.queue) == 0 && !t.closed {
		t.cond.Wait()
	}
	if t.closed {
		return nil, nil, net.ErrClosed
	}
	b := t.queue[0]
	t.queue = t.queue[1:]
	return b, nil, nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.cond.Broadcast()
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) sentFrames() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.sent...)
}

func (t *fakeTransport) waitForSentType(msgType protocol.MsgType) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, f := range t.sentFrames() {
			if h, _, err := protocol.Decode(f); err == nil && h.MsgType == msgType {
				return true
			}
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

func fastNackProfile() *config.NetworkProfile {
	p := config.DefaultProfile()
	p.NackTimeoutMS = 5
	return p
}

// TestDriverWritesAnnouncedChunksAndVerifiesEnd drives a clean session
// (no losses) through handleAnnounce/handleDataChunk/handleEnd and checks
// the Driver reports it as finished.
func TestDriverWritesAnnouncedChunksAndVerifiesEnd(t *testing.T) {
	chdirTemp(t)
	tr := newFakeTransport()
	d := NewDriver(tr, 3, fastNackProfile(), nil, nil)

	chunks := [][]byte{{1, 2}, {3, 4}, {5, 6}}
	padded := []byte{1, 2, 3, 4, 5, 6}
	ann := protocol.SessionAnnounce{FileID: 9, TotalChunks: 3, WindowSize: 64, ChunkSize: 2, Filename: "x.bin"}
	tr.inject(protocol.EncodeSessionAnnounce(ann))
	for i, c := range chunks {
		tr.inject(protocol.EncodeDataChunk(9, uint32(i), c, 2))
	}
	tr.inject(protocol.EncodeEnd(protocol.End{FileID: 9, TotalChunks: 3, FileHash: protocol.FileHash(padded)}))

	done := make(chan error, 1)
	go func() { done <- d.Run() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("driver did not finish processing END")
	}
	require.Equal(t, uint64(3), d.session.ReceivedChunks())
}

// TestDriverArmsSuppressorOnStatusReqAndEmitsNack exercises the
// STATUS_REQ -> Suppressor.Arm -> Emit -> NACK-on-wire path with nothing
// to suppress it.
func TestDriverArmsSuppressorOnStatusReqAndEmitsNack(t *testing.T) {
	chdirTemp(t)
	tr := newFakeTransport()
	d := NewDriver(tr, 2, fastNackProfile(), nil, nil)

	ann := protocol.SessionAnnounce{FileID: 4, TotalChunks: 2, WindowSize: 64, ChunkSize: 2, Filename: "y.bin"}
	tr.inject(protocol.EncodeSessionAnnounce(ann))
	// Only chunk 0 arrives; chunk 1 stays missing.
	tr.inject(protocol.EncodeDataChunk(4, 0, []byte{9, 9}, 2))
	tr.inject(protocol.EncodeStatusReq(protocol.StatusReq{FileID: 4, WindowID: 0, RoundID: 0}))

	go func() { _ = d.Run() }()

	require.True(t, tr.waitForSentType(protocol.MsgNack))
	for _, f := range tr.sentFrames() {
		h, payload, err := protocol.Decode(f)
		if err != nil || h.MsgType != protocol.MsgNack {
			continue
		}
		nack, err := protocol.DecodeNack(payload)
		require.NoError(t, err)
		require.Equal(t, uint8(2), nack.UAVID)
		require.Equal(t, uint64(0b10), nack.MissingBitmap)
	}
	require.NoError(t, tr.Close())
}

// TestDriverSuppressesNackWhenOverheardNackCovers arms a pending NACK and
// then observes another UAV's NACK that covers the same loss set; the
// local Suppressor must then stay silent for that round.
func TestDriverSuppressesNackWhenOverheardNackCovers(t *testing.T) {
	chdirTemp(t)
	tr := newFakeTransport()
	profile := fastNackProfile()
	profile.NackTimeoutMS = 200 // wide enough for the overheard NACK to land first
	d := NewDriver(tr, 1, profile, nil, nil)

	ann := protocol.SessionAnnounce{FileID: 6, TotalChunks: 2, WindowSize: 64, ChunkSize: 2, Filename: "z.bin"}
	tr.inject(protocol.EncodeSessionAnnounce(ann))
	tr.inject(protocol.EncodeStatusReq(protocol.StatusReq{FileID: 6, WindowID: 0, RoundID: 0}))
	// A different UAV's NACK covering the same missing set should suppress ours.
	tr.inject(protocol.EncodeNack(protocol.Nack{FileID: 6, WindowID: 0, RoundID: 0, UAVID: 9, MissingBitmap: 0b11}))

	go func() { _ = d.Run() }()

	time.Sleep(time.Duration(profile.NackTimeoutMS)*time.Millisecond + 100*time.Millisecond)
	for _, f := range tr.sentFrames() {
		h, _, err := protocol.Decode(f)
		require.NoError(t, err)
		require.NotEqual(t, protocol.MsgNack, h.MsgType, "no NACK from uav 1 should have been emitted")
	}
	require.NoError(t, tr.Close())
}
