// Package master implements the Master's session state and transmission
// driver: session announcement, per-window broadcast/repair, and end-of-
// session finalization.
//
// internal/serverudp loaded a requested file into a []byte chunk slice
// plus a Meta header on every REQ; here the file is loaded once at
// startup (there is exactly one file per session, pushed rather than
// requested) and its chunks are replayed window by window and
// retransmitted by chunk_id on repair.
package master

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"mcastrelay/internal/protocol"
)

// FileSource holds one file's chunks in memory, segmented the way the
// wire protocol addresses them, grounded on internal/serverudp's loadFile.
type FileSource struct {
	Filename  string
	ChunkSize int
	chunks    [][]byte
}

// LoadFile reads path from disk and segments it into chunkSize-byte
// chunks; the final chunk may be shorter.
func LoadFile(path string, chunkSize int) (*FileSource, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("master: stat %s: %w", path, err)
	}
	if st.IsDir() {
		return nil, fmt.Errorf("master: %s is a directory", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("master: open %s: %w", path, err)
	}
	defer f.Close()

	var chunks [][]byte
	buf := make([]byte, chunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			chunks = append(chunks, append([]byte(nil), buf[:n]...))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("master: read %s: %w", path, err)
		}
	}

	return &FileSource{
		Filename:  filepath.Base(path),
		ChunkSize: chunkSize,
		chunks:    chunks,
	}, nil
}

// TotalChunks returns ceil(file_size / chunk_size).
func (s *FileSource) TotalChunks() uint32 { return uint32(len(s.chunks)) }

// Chunk returns the real (unpadded) bytes of chunkID.
func (s *FileSource) Chunk(chunkID uint32) []byte { return s.chunks[chunkID] }

// Hash computes the FNV-1a-32 file hash over total_chunks * chunk_size
// padded bytes, matching what a Receiver computes at END — never the
// true file length.
func (s *FileSource) Hash() uint32 {
	padded := make([]byte, 0, len(s.chunks)*s.ChunkSize)
	for _, c := range s.chunks {
		padded = append(padded, c...)
		if short := s.ChunkSize - len(c); short > 0 {
			padded = append(padded, make([]byte, short)...)
		}
	}
	return protocol.FileHash(padded)
}
