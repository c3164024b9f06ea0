package master

import (
	"strconv"
	"time"

	"mcastrelay/internal/config"
	"mcastrelay/internal/logger"
	"mcastrelay/internal/metrics"
	"mcastrelay/internal/protocol"
	"mcastrelay/internal/transport"
)

// Driver runs the Master's transmission state machine over a single
// FileSource: ANNOUNCE repeat, per-window BROADCAST+REPAIR, then END with
// a file-hash commit. The concurrent NACK receiver is the other activity
// running alongside it, sharing session via its mutex.
type Driver struct {
	Transport transport.Transport
	Source    *FileSource
	Session   *Session
	FileID    uint16
	Profile   *config.NetworkProfile
	Log       *logger.Logger
	Metrics   *metrics.MasterMetrics
}

// NewDriver wires a Driver from its collaborators. profile, log, and m may
// be nil; a nil log disables logging and a nil m disables metrics.
func NewDriver(t transport.Transport, source *FileSource, fileID uint16, profile *config.NetworkProfile, log *logger.Logger, m *metrics.MasterMetrics) *Driver {
	if profile == nil {
		profile = config.DefaultProfile()
	}
	session := NewSession(fileID, source.TotalChunks(), profile.WindowSize, profile.UAVLivenessTimeout)
	return &Driver{
		Transport: t,
		Source:    source,
		Session:   session,
		FileID:    fileID,
		Profile:   profile,
		Log:       log,
		Metrics:   m,
	}
}

// Run drives one complete session end to end: ANNOUNCE, every window's
// BROADCAST+REPAIR, then END. The caller is responsible for closing
// d.Transport once Run returns (or once it gives up waiting) so the
// concurrent NACK-receiver goroutine's blocking Recv unblocks with an
// error and the goroutine exits.
func (d *Driver) Run() error {
	stop := make(chan struct{})
	go d.runNackReceiver(stop)
	defer close(stop)

	d.announce()

	total := d.Session.TotalWindows()
	for w := uint32(0); w < total; w++ {
		d.runWindow(w)
	}

	return d.finish()
}

// announce sends SESSION_ANNOUNCE ANNOUNCE_REPEAT_COUNT times at ~10ms
// spacing, then pauses to let receivers allocate session state.
func (d *Driver) announce() {
	msg := protocol.SessionAnnounce{
		FileID:      d.FileID,
		TotalChunks: d.Source.TotalChunks(),
		WindowSize:  uint16(d.Profile.WindowSize),
		ChunkSize:   uint32(d.Source.ChunkSize),
		Filename:    d.Source.Filename,
	}
	frame := protocol.EncodeSessionAnnounce(msg)
	for i := 0; i < d.Profile.AnnounceRepeatCount; i++ {
		d.send(frame)
		time.Sleep(d.Profile.AnnounceSpacing)
	}
	d.Log.WithField("file_id", strconv.Itoa(int(d.FileID))).Info(
		"announced total_chunks=%d filename=%s", msg.TotalChunks, msg.Filename)
	time.Sleep(d.Profile.AnnouncePause)
}

// runWindow broadcasts every chunk in the window, then runs repair rounds
// until stabilized or exhausted (a zero-length trailing window never
// arises here since Session only allocates windows that cover >=1 chunk).
func (d *Driver) runWindow(w uint32) {
	wlog := d.Log.WithField("window_id", strconv.Itoa(int(w)))
	d.broadcastWindow(w)

	noNackRounds := 0
	completed := false
	for round := 0; round < d.Profile.MaxRetransRounds; round++ {
		rlog := wlog.WithField("round", strconv.Itoa(round))
		d.Session.ResetRound(w)
		d.probe(w, uint16(round))

		missing := d.Session.SnapshotNeedRetransmit(w)
		if missing != 0 {
			rlog.Debug("retransmitting missing_bitmap=%064b", missing)
			d.retransmit(w, missing)
			noNackRounds = 0
			continue
		}

		alive := d.Session.AliveKnownUAVBitmap()
		if d.Session.AllKnownResponded(w, alive) {
			noNackRounds++
			if noNackRounds >= d.Profile.NoNackRoundsToComplete {
				completed = true
				break
			}
		} else {
			noNackRounds = 0
		}
	}

	if completed {
		d.Session.MarkCompleted(w)
		d.Metrics.IncWindowsComplete()
		wlog.Debug("completed after %d rounds", d.Session.RoundCount(w))
	} else {
		wlog.Warn("not completed after %d repair rounds; proceeding best-effort", d.Profile.MaxRetransRounds)
	}
	d.Metrics.SetRoundCount(w, d.Session.RoundCount(w))
	d.Metrics.SetKnownUAVs(popcount32(d.Session.KnownUAVBitmap()))
}

// broadcastWindow sends every chunk of window w at the configured
// inter-chunk pacing.
func (d *Driver) broadcastWindow(w uint32) {
	expected := d.Session.ExpectedBitmap(w)
	start := w * uint32(d.Profile.WindowSize)
	for bit := 0; bit < 64; bit++ {
		if expected&(uint64(1)<<uint(bit)) == 0 {
			continue
		}
		chunkID := start + uint32(bit)
		d.sendChunk(chunkID)
		time.Sleep(d.Profile.ChunkPacing)
	}
}

// probe sends STATUS_REQ(w, round) up to MAX_RESEND_BITMAP_ASK times,
// stopping early once every known (and alive) UAV has answered this round,
// or no UAV is known yet.
func (d *Driver) probe(w uint32, round uint16) {
	req := protocol.EncodeStatusReq(protocol.StatusReq{FileID: d.FileID, WindowID: w, RoundID: round})
	for ask := 0; ask < d.Profile.MaxResendBitmapAsk; ask++ {
		d.send(req)
		time.Sleep(d.Profile.StatusReqInterval)
		alive := d.Session.AliveKnownUAVBitmap()
		if d.Session.AllKnownResponded(w, alive) {
			return
		}
	}
}

// retransmit resends exactly the chunks named by missing (a "missing"
// polarity bitmap), without clearing need_retransmit — that happens at
// the top of the next round via ResetRound.
func (d *Driver) retransmit(w uint32, missing uint64) {
	start := w * uint32(d.Profile.WindowSize)
	sent := 0
	for bit := 0; bit < 64; bit++ {
		if missing&(uint64(1)<<uint(bit)) == 0 {
			continue
		}
		d.sendChunk(start + uint32(bit))
		sent++
	}
	d.Metrics.AddRetransmissions(sent)
}

func (d *Driver) sendChunk(chunkID uint32) {
	data := d.Source.Chunk(chunkID)
	frame := protocol.EncodeDataChunk(d.FileID, chunkID, data, d.Source.ChunkSize)
	d.send(frame)
	d.Metrics.AddChunksSent(1)
}

// finish computes file_hash, sends END five times at ~50ms spacing, then
// drains so trailing retransmission traffic the receivers might still be
// processing has time to land.
func (d *Driver) finish() error {
	end := protocol.End{FileID: d.FileID, TotalChunks: d.Source.TotalChunks(), FileHash: d.Source.Hash()}
	frame := protocol.EncodeEnd(end)
	for i := 0; i < 5; i++ {
		d.send(frame)
		time.Sleep(d.Profile.EndSpacing)
	}
	d.Log.WithField("file_id", strconv.Itoa(int(d.FileID))).Info(
		"sent END file_hash=%08x, draining %s", end.FileHash, d.Profile.EndDrain)
	time.Sleep(d.Profile.EndDrain)
	return nil
}

func (d *Driver) send(frame []byte) {
	if err := d.Transport.Send(frame); err != nil {
		d.Log.Error("send failed: %v", err)
		return
	}
	d.Metrics.AddBytesSent(len(frame))
}

// runNackReceiver demultiplexes inbound NACK frames into the session's
// per-window aggregates. It exits as soon as Transport.Recv returns an
// error (the transport was closed) or stop is signaled first.
func (d *Driver) runNackReceiver(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		raw, _, err := d.Transport.Recv()
		if err != nil {
			return
		}
		header, payload, err := protocol.Decode(raw)
		if err != nil || header.MsgType != protocol.MsgNack {
			continue
		}
		nack, err := protocol.DecodeNack(payload)
		if err != nil || nack.FileID != d.FileID {
			continue
		}
		d.Session.RecordNack(nack.UAVID, nack.WindowID, nack.MissingBitmap)
		d.Metrics.IncNacksReceived()
		d.Log.WithFields(map[string]string{
			"window_id": strconv.Itoa(int(nack.WindowID)),
			"uav_id":    strconv.Itoa(int(nack.UAVID)),
		}).Debug("NACK missing_bitmap=%064b", nack.MissingBitmap)
	}
}

func popcount32(v uint32) int {
	n := 0
	for v != 0 {
		v &= v - 1
		n++
	}
	return n
}
