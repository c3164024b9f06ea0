package receiver

import (
	"strconv"
	"time"

	"github.com/rs/xid"

	"mcastrelay/internal/config"
	"mcastrelay/internal/logger"
	"mcastrelay/internal/metrics"
	"mcastrelay/internal/protocol"
	"mcastrelay/internal/transport"
)

// Driver runs one UAV's receive loop: it demultiplexes inbound frames by
// message kind, opens a Session on SESSION_ANNOUNCE, feeds DATA_CHUNKs
// into it, and answers STATUS_REQ via its Suppressor.
// clientudp.RunTransfer ran a comparable read-dispatch-respond loop, driven
// by its own REQ/NACK round-trips rather than a server-paced push.
type Driver struct {
	Transport transport.Transport
	UAVID     uint8
	Profile   *config.NetworkProfile
	Log       *logger.Logger
	Metrics   *metrics.ReceiverMetrics

	session    *Session
	supp       *Suppressor
	sessionID  string         // correlation ID for log lines spanning one announced session
	sessionLog *logger.Logger // d.Log tagged with sessionID, built once per announce
}

// NewDriver wires a Driver from its collaborators. profile, log, and m may
// be nil; a nil log disables logging and a nil m disables metrics.
func NewDriver(t transport.Transport, uavID uint8, profile *config.NetworkProfile, log *logger.Logger, m *metrics.ReceiverMetrics) *Driver {
	if profile == nil {
		profile = config.DefaultProfile()
	}
	return &Driver{
		Transport: t,
		UAVID:     uavID,
		Profile:   profile,
		Log:       log,
		Metrics:   m,
	}
}

// Run reads frames from d.Transport until End handling verifies the file
// (or the transport is closed). It returns once a session completes and
// its END has been handled, or Recv returns an error.
func (d *Driver) Run() error {
	for {
		raw, _, err := d.Transport.Recv()
		if err != nil {
			return err
		}
		header, payload, err := protocol.Decode(raw)
		if err != nil {
			continue
		}
		switch header.MsgType {
		case protocol.MsgSessionAnnounce:
			d.handleAnnounce(payload)
		case protocol.MsgDataChunk:
			d.handleDataChunk(payload)
		case protocol.MsgStatusReq:
			d.handleStatusReq(payload)
		case protocol.MsgNack:
			d.handleNack(payload)
		case protocol.MsgEnd:
			if done := d.handleEnd(payload); done {
				return nil
			}
		}
	}
}

// handleAnnounce reacts to a session announcement: allocate windows, open
// the output file, and arm a fresh suppression engine seeded per-UAV so
// receivers' backoffs are uncorrelated.
func (d *Driver) handleAnnounce(payload []byte) {
	ann, err := protocol.DecodeSessionAnnounce(payload)
	if err != nil {
		d.Log.Warn("malformed SESSION_ANNOUNCE: %v", err)
		return
	}
	s, err := New(int(d.UAVID), ann)
	if err != nil {
		d.Log.Error("failed to open session for file_id=%d: %v", ann.FileID, err)
		return
	}
	s.Metrics = d.Metrics
	d.session = s
	d.sessionID = xid.New().String()
	d.sessionLog = d.Log.WithField("session", d.sessionID)

	supp := NewSuppressor(int64(d.UAVID)+time.Now().UnixNano(), d.Profile.NackTimeoutMS)
	supp.Metrics = d.Metrics
	supp.Emit = func(windowID uint32, roundID uint16, missing uint64) {
		nack := protocol.EncodeNack(protocol.Nack{
			FileID: ann.FileID, WindowID: windowID, RoundID: roundID, UAVID: d.UAVID, MissingBitmap: missing,
		})
		if err := d.Transport.Send(nack); err != nil {
			d.sessionLog.Error("send NACK failed: %v", err)
		}
	}
	d.supp = supp

	d.sessionLog.WithFields(map[string]string{
		"file_id":      strconv.Itoa(int(ann.FileID)),
		"total_chunks": strconv.Itoa(int(ann.TotalChunks)),
		"window_size":  strconv.Itoa(int(ann.WindowSize)),
	}).Info("announced filename=%s", ann.Filename)
}

func (d *Driver) handleDataChunk(payload []byte) {
	if d.session == nil {
		return
	}
	chunk, err := protocol.DecodeDataChunk(payload)
	if err != nil {
		return
	}
	if err := d.session.ProcessDataChunk(chunk); err != nil && err != ErrCRCMismatch {
		d.sessionLog.Error("process chunk %d: %v", chunk.ChunkID, err)
	}
}

// handleStatusReq is the receiver-side reaction to a probe: compute the
// local missing-bitmap and, if non-empty, arm the suppression engine
// rather than emitting immediately.
func (d *Driver) handleStatusReq(payload []byte) {
	if d.session == nil {
		return
	}
	req, err := protocol.DecodeStatusReq(payload)
	if err != nil {
		return
	}
	missing, completed := d.session.MissingBitmap(req.WindowID)
	if completed || missing == 0 {
		return
	}
	d.supp.Arm(req.WindowID, req.RoundID, missing)
}

// handleNack is suppression-by-overhearing: a NACK from another UAV for
// the same window/round that covers our own missing set cancels our own
// pending timer.
func (d *Driver) handleNack(payload []byte) {
	if d.session == nil || d.supp == nil {
		return
	}
	nack, err := protocol.DecodeNack(payload)
	if err != nil || nack.UAVID == d.UAVID {
		return
	}
	d.supp.Observe(nack.WindowID, nack.RoundID, nack.MissingBitmap)
}

// handleEnd verifies the hash if every chunk arrived, logs the outcome,
// and reports whether this session is now finished (so Run can return).
func (d *Driver) handleEnd(payload []byte) bool {
	if d.session == nil {
		return false
	}
	end, err := protocol.DecodeEnd(payload)
	if err != nil {
		return false
	}
	matched, err := d.session.Verify(end.TotalChunks, end.FileHash)
	if err != nil {
		d.sessionLog.Error("verify failed: %v", err)
		return false
	}
	if d.session.ReceivedChunks() < uint64(end.TotalChunks) {
		d.sessionLog.Warn("END received with %d/%d chunks missing for file_id=%d",
			uint64(end.TotalChunks)-d.session.ReceivedChunks(), end.TotalChunks, end.FileID)
		return false
	}
	if matched {
		d.sessionLog.Info("transfer complete, hash verified, wrote %s", d.session.OutputPath)
	} else {
		d.sessionLog.Error("transfer complete but hash mismatch for %s", d.session.OutputPath)
	}
	return true
}
