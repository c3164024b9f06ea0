package master

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mcastrelay/internal/config"
	"mcastrelay/internal/protocol"
)

// fakeTransport is an in-memory Transport: Send records each frame in sent
// (for assertions), and Recv returns only frames a test feeds in via
// inject (simulated NACKs). This lets driver_test exercise the repair loop
// without a real socket.
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
	t.mu.Unlock()
	return nil
}

// inject simulates an inbound frame (e.g. a NACK from a UAV) arriving on
// the wire, to be picked up by the next Recv.
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

// waitForSentType polls sent (Send, not Recv — the driver's own NACK-receiver
// goroutine is the only Recv consumer) until a frame of msgType has gone out,
// or the deadline passes.
func waitForSentType(t *fakeTransport, msgType protocol.MsgType) bool {
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

// fastProfile shrinks every timing knob so the driver's state machine runs
// in milliseconds instead of the production multi-second cadence, without
// changing any of its decision logic.
func fastProfile(windowSize int) *config.NetworkProfile {
	p := config.DefaultProfile()
	p.WindowSize = windowSize
	p.AnnounceRepeatCount = 1
	p.AnnounceSpacing = time.Millisecond
	p.AnnouncePause = time.Millisecond
	p.ChunkPacing = 0
	p.StatusReqInterval = 5 * time.Millisecond
	p.MaxResendBitmapAsk = 2
	p.MaxRetransRounds = 8
	p.NoNackRoundsToComplete = 2
	p.EndSpacing = time.Millisecond
	p.EndDrain = time.Millisecond
	// Short enough that a UAV gone quiet because it has nothing left to
	// report (not because it died) drops out of the "must respond" set
	// within a round or two, instead of only via full round-exhaustion.
	p.UAVLivenessTimeout = 2 * p.StatusReqInterval
	return p
}

func countDataChunks(frames [][]byte) int {
	n := 0
	for _, f := range frames {
		h, _, err := protocol.Decode(f)
		if err == nil && h.MsgType == protocol.MsgDataChunk {
			n++
		}
	}
	return n
}

func TestCleanDeliveryNoUAVsKnownCompletesImmediately(t *testing.T) {
	tr := newFakeTransport()
	src := &FileSource{Filename: "f.bin", ChunkSize: 4}
	src.chunks = [][]byte{{1, 2, 3, 4}, {5, 6, 7, 8}, {9, 0, 0, 0}}
	d := NewDriver(tr, src, 1, fastProfile(64), nil, nil)

	require.NoError(t, d.Run())
	require.True(t, d.Session.windows[0].Completed)
	require.Equal(t, 3, countDataChunks(tr.sentFrames()))
}

func TestSingleReceiverLossTriggersExactlyOneRetransmitRound(t *testing.T) {
	tr := newFakeTransport()
	src := &FileSource{Filename: "f.bin", ChunkSize: 4}
	src.chunks = [][]byte{{1, 1, 1, 1}, {2, 2, 2, 2}, {3, 3, 3, 3}}
	profile := fastProfile(64)
	d := NewDriver(tr, src, 1, profile, nil, nil)

	go func() {
		if waitForSentType(tr, protocol.MsgStatusReq) {
			nack := protocol.EncodeNack(protocol.Nack{
				FileID: 1, WindowID: 0, RoundID: 0, UAVID: 5, MissingBitmap: 0b110,
			})
			tr.inject(nack)
		}
	}()

	require.NoError(t, d.Run())
	require.True(t, d.Session.windows[0].Completed)
	// 3 original + 2 retransmitted (chunks 1 and 2).
	require.Equal(t, 5, countDataChunks(tr.sentFrames()))
	require.Equal(t, uint32(1)<<5, d.Session.KnownUAVBitmap())
}

func TestDisjointMultiReceiverLossUnionsIntoOneRound(t *testing.T) {
	tr := newFakeTransport()
	src := &FileSource{Filename: "f.bin", ChunkSize: 2}
	src.chunks = make([][]byte, 16)
	for i := range src.chunks {
		src.chunks[i] = []byte{byte(i), byte(i)}
	}
	profile := fastProfile(64)
	d := NewDriver(tr, src, 7, profile, nil, nil)

	go func() {
		if waitForSentType(tr, protocol.MsgStatusReq) {
			tr.inject(protocol.EncodeNack(protocol.Nack{FileID: 7, WindowID: 0, RoundID: 0, UAVID: 0, MissingBitmap: 0b0011}))
			tr.inject(protocol.EncodeNack(protocol.Nack{FileID: 7, WindowID: 0, RoundID: 0, UAVID: 1, MissingBitmap: 0b1100}))
		}
	}()

	require.NoError(t, d.Run())
	require.True(t, d.Session.windows[0].Completed)
	require.Equal(t, uint32(0b11), d.Session.KnownUAVBitmap())
	// 16 original + 4 retransmitted (chunks 0,1,2,3).
	require.Equal(t, 20, countDataChunks(tr.sentFrames()))
}

func TestZeroLengthFileGoesStraightToEnd(t *testing.T) {
	tr := newFakeTransport()
	src := &FileSource{Filename: "empty.bin", ChunkSize: 4}
	d := NewDriver(tr, src, 1, fastProfile(64), nil, nil)

	require.NoError(t, d.Run())
	require.Equal(t, uint32(0), d.Session.TotalWindows())

	var sawEnd bool
	for _, f := range tr.sentFrames() {
		h, payload, err := protocol.Decode(f)
		if err != nil || h.MsgType != protocol.MsgEnd {
			continue
		}
		end, err := protocol.DecodeEnd(payload)
		require.NoError(t, err)
		require.Equal(t, uint32(0), end.TotalChunks)
		sawEnd = true
	}
	require.True(t, sawEnd)
}
