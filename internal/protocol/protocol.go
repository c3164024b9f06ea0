// Package protocol defines the wire format shared by the Master and every
// Receiver: a common 4-byte header, five fixed-layout message kinds, and
// the integrity helpers (CRC-16 per chunk, FNV-1a-32 over the whole file).
//
// All multi-byte fields are little-endian and packed with no inter-field
// padding — both peers are assumed homogeneous, so this is the host's
// natural order, encoded explicitly rather than relied upon via memory
// layout.
package protocol

import (
	"encoding/binary"
	"errors"
	"hash/fnv"
)

// Message kinds on the wire.
type MsgType uint8

const (
	MsgSessionAnnounce MsgType = 1
	MsgDataChunk       MsgType = 2
	MsgStatusReq       MsgType = 3
	MsgNack            MsgType = 4
	MsgEnd             MsgType = 5
)

// Header is the 4-byte frame prefix shared by every message kind.
type Header struct {
	MsgType    MsgType
	Reserved   uint8
	PayloadLen uint16
}

const HeaderSize = 4

var errShortFrame = errors.New("protocol: frame shorter than header")
var errShortPayload = errors.New("protocol: payload shorter than declared fixed portion")

func encodeHeader(t MsgType, payloadLen int) []byte {
	b := make([]byte, HeaderSize)
	b[0] = byte(t)
	b[1] = 0
	binary.LittleEndian.PutUint16(b[2:4], uint16(payloadLen))
	return b
}

// DecodeHeader parses the 4-byte header. A frame shorter than the header is
// silently dropped by callers; this just reports the error.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, errShortFrame
	}
	return Header{
		MsgType:    MsgType(b[0]),
		Reserved:   b[1],
		PayloadLen: binary.LittleEndian.Uint16(b[2:4]),
	}, nil
}

const FilenameFieldSize = 64

// SessionAnnounce is the (1) message: announces a new file transfer.
type SessionAnnounce struct {
	FileID      uint16
	TotalChunks uint32
	WindowSize  uint16
	ChunkSize   uint32
	Filename    string
}

func EncodeSessionAnnounce(m SessionAnnounce) []byte {
	payload := make([]byte, 2+4+2+4+FilenameFieldSize)
	binary.LittleEndian.PutUint16(payload[0:2], m.FileID)
	binary.LittleEndian.PutUint32(payload[2:6], m.TotalChunks)
	binary.LittleEndian.PutUint16(payload[6:8], m.WindowSize)
	binary.LittleEndian.PutUint32(payload[8:12], m.ChunkSize)
	copy(payload[12:12+FilenameFieldSize], padFilename(m.Filename))
	return append(encodeHeader(MsgSessionAnnounce, len(payload)), payload...)
}

func DecodeSessionAnnounce(payload []byte) (SessionAnnounce, error) {
	const fixed = 2 + 4 + 2 + 4 + FilenameFieldSize
	if len(payload) < fixed {
		return SessionAnnounce{}, errShortPayload
	}
	m := SessionAnnounce{
		FileID:      binary.LittleEndian.Uint16(payload[0:2]),
		TotalChunks: binary.LittleEndian.Uint32(payload[2:6]),
		WindowSize:  binary.LittleEndian.Uint16(payload[6:8]),
		ChunkSize:   binary.LittleEndian.Uint32(payload[8:12]),
		Filename:    unpadFilename(payload[12 : 12+FilenameFieldSize]),
	}
	return m, nil
}

func padFilename(name string) []byte {
	b := make([]byte, FilenameFieldSize)
	n := copy(b, name)
	_ = n
	return b
}

func unpadFilename(b []byte) string {
	i := 0
	for i < len(b) && b[i] != 0 {
		i++
	}
	return string(b[:i])
}

// DataChunk is the (2) message: one chunk's worth of file data plus its
// per-chunk CRC. The data field is always padded to the session's
// chunk_size so every DATA_CHUNK frame for a given session has the same
// wire size; DataLen says how many of those bytes are meaningful.
type DataChunk struct {
	FileID  uint16
	ChunkID uint32
	DataLen uint16
	CRC     uint16
	Data    []byte // exactly DataLen bytes of real payload
}

const dataChunkFixed = 2 + 4 + 2 + 2

// EncodeDataChunk builds a DATA_CHUNK frame. data is the real payload
// (len(data) <= chunkSize); it is zero-padded to chunkSize on the wire.
func EncodeDataChunk(fileID uint16, chunkID uint32, data []byte, chunkSize int) []byte {
	crc := CRC16(data)
	payload := make([]byte, dataChunkFixed+chunkSize)
	binary.LittleEndian.PutUint16(payload[0:2], fileID)
	binary.LittleEndian.PutUint32(payload[2:6], chunkID)
	binary.LittleEndian.PutUint16(payload[6:8], uint16(len(data)))
	binary.LittleEndian.PutUint16(payload[8:10], crc)
	copy(payload[dataChunkFixed:], data)
	return append(encodeHeader(MsgDataChunk, len(payload)), payload...)
}

// DecodeDataChunk parses a DATA_CHUNK payload. The padded data field's size
// is derived from the payload's own length, not from an external chunk_size,
// so decoding never depends on session state.
func DecodeDataChunk(payload []byte) (DataChunk, error) {
	if len(payload) < dataChunkFixed {
		return DataChunk{}, errShortPayload
	}
	dataLen := binary.LittleEndian.Uint16(payload[6:8])
	paddedSize := len(payload) - dataChunkFixed
	if int(dataLen) > paddedSize {
		return DataChunk{}, errShortPayload
	}
	d := DataChunk{
		FileID:  binary.LittleEndian.Uint16(payload[0:2]),
		ChunkID: binary.LittleEndian.Uint32(payload[2:6]),
		DataLen: dataLen,
		CRC:     binary.LittleEndian.Uint16(payload[8:10]),
	}
	d.Data = append([]byte(nil), payload[dataChunkFixed:dataChunkFixed+int(dataLen)]...)
	return d, nil
}

// StatusReq is the (3) message: probes a window for missing chunks.
type StatusReq struct {
	FileID   uint16
	WindowID uint32
	RoundID  uint16
}

const statusReqSize = 2 + 4 + 2

func EncodeStatusReq(m StatusReq) []byte {
	payload := make([]byte, statusReqSize)
	binary.LittleEndian.PutUint16(payload[0:2], m.FileID)
	binary.LittleEndian.PutUint32(payload[2:6], m.WindowID)
	binary.LittleEndian.PutUint16(payload[6:8], m.RoundID)
	return append(encodeHeader(MsgStatusReq, len(payload)), payload...)
}

func DecodeStatusReq(payload []byte) (StatusReq, error) {
	if len(payload) < statusReqSize {
		return StatusReq{}, errShortPayload
	}
	return StatusReq{
		FileID:   binary.LittleEndian.Uint16(payload[0:2]),
		WindowID: binary.LittleEndian.Uint32(payload[2:6]),
		RoundID:  binary.LittleEndian.Uint16(payload[6:8]),
	}, nil
}

// Nack is the (4) message: a receiver's missing-bitmap for one window/round.
type Nack struct {
	FileID        uint16
	WindowID      uint32
	RoundID       uint16
	UAVID         uint8
	MissingBitmap uint64
}

const nackSize = 2 + 4 + 2 + 1 + 8

func EncodeNack(m Nack) []byte {
	payload := make([]byte, nackSize)
	binary.LittleEndian.PutUint16(payload[0:2], m.FileID)
	binary.LittleEndian.PutUint32(payload[2:6], m.WindowID)
	binary.LittleEndian.PutUint16(payload[6:8], m.RoundID)
	payload[8] = m.UAVID
	binary.LittleEndian.PutUint64(payload[9:17], m.MissingBitmap)
	return append(encodeHeader(MsgNack, len(payload)), payload...)
}

func DecodeNack(payload []byte) (Nack, error) {
	if len(payload) < nackSize {
		return Nack{}, errShortPayload
	}
	return Nack{
		FileID:        binary.LittleEndian.Uint16(payload[0:2]),
		WindowID:      binary.LittleEndian.Uint32(payload[2:6]),
		RoundID:       binary.LittleEndian.Uint16(payload[6:8]),
		UAVID:         payload[8],
		MissingBitmap: binary.LittleEndian.Uint64(payload[9:17]),
	}, nil
}

// End is the (5) message: session finalization with a whole-file hash.
type End struct {
	FileID      uint16
	TotalChunks uint32
	FileHash    uint32
}

const endSize = 2 + 4 + 4

func EncodeEnd(m End) []byte {
	payload := make([]byte, endSize)
	binary.LittleEndian.PutUint16(payload[0:2], m.FileID)
	binary.LittleEndian.PutUint32(payload[2:6], m.TotalChunks)
	binary.LittleEndian.PutUint32(payload[6:10], m.FileHash)
	return append(encodeHeader(MsgEnd, len(payload)), payload...)
}

func DecodeEnd(payload []byte) (End, error) {
	if len(payload) < endSize {
		return End{}, errShortPayload
	}
	return End{
		FileID:      binary.LittleEndian.Uint16(payload[0:2]),
		TotalChunks: binary.LittleEndian.Uint32(payload[2:6]),
		FileHash:    binary.LittleEndian.Uint32(payload[6:10]),
	}, nil
}

// Decode splits a raw datagram into its header and payload, dropping (with
// an error) any frame too short for its own header or for the payload_len
// that header declares. Each kind's Decode* function checks that kind's
// fixed portion.
func Decode(b []byte) (Header, []byte, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return Header{}, nil, err
	}
	payload := b[HeaderSize:]
	if len(payload) < int(h.PayloadLen) {
		return Header{}, nil, errShortPayload
	}
	return h, payload[:h.PayloadLen], nil
}

// crc16Table implements CRC-16/IBM: polynomial 0xA001 (reflected), init
// 0xFFFF, no final XOR.
var crc16Table = func() [256]uint16 {
	var table [256]uint16
	const poly = 0xA001
	for i := 0; i < 256; i++ {
		crc := uint16(i)
		for j := 0; j < 8; j++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ poly
			} else {
				crc >>= 1
			}
		}
		table[i] = crc
	}
	return table
}()

// CRC16 computes CRC-16/IBM over data.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc = (crc >> 8) ^ crc16Table[byte(crc)^b]
	}
	return crc
}

// FileHash computes the FNV-1a-32 hash over the padded byte range actually
// written to disk: total_chunks * chunk_size bytes, not the true file
// length. Go's hash/fnv already uses the standard FNV-1a offset basis
// (0x811C9DC5) and prime (0x01000193), so no custom implementation is
// needed.
func FileHash(data []byte) uint32 {
	h := fnv.New32a()
	h.Write(data)
	return h.Sum32()
}
