package syncer

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/s2"

	"github.com/slipstream-db/slipstream/encoding"
)

// The spool buffers snapshot rows on disk between the read phase and the
// load phase, so the consistent read on the source finishes quickly even
// when the destination loads slowly. Chunks are s2-compressed msgpack with
// an xxhash checksum per chunk:
//
//	[4-byte length][8-byte xxhash of compressed data][compressed rows]
type spoolWriter struct {
	f      *os.File
	chunks int
	rows   int
}

func newSpoolWriter(dir, table string) (*spoolWriter, error) {
	f, err := os.CreateTemp(dir, "sync_"+table+"_*.spool")
	if err != nil {
		return nil, fmt.Errorf("failed to create spool: %w", err)
	}
	return &spoolWriter{f: f}, nil
}

func (w *spoolWriter) WriteChunk(rows RowBatch) error {
	if len(rows) == 0 {
		return nil
	}

	raw, err := encoding.Marshal(rows)
	if err != nil {
		return fmt.Errorf("failed to marshal spool chunk: %w", err)
	}
	compressed := s2.Encode(nil, raw)

	header := make([]byte, 12)
	binary.BigEndian.PutUint32(header[0:4], uint32(len(compressed)))
	binary.BigEndian.PutUint64(header[4:12], xxhash.Sum64(compressed))

	if _, err := w.f.Write(header); err != nil {
		return fmt.Errorf("failed to write spool chunk: %w", err)
	}
	if _, err := w.f.Write(compressed); err != nil {
		return fmt.Errorf("failed to write spool chunk: %w", err)
	}

	w.chunks++
	w.rows += len(rows)
	return nil
}

// Reader rewinds the spool and returns a chunk reader. The writer must not
// be written to afterwards.
func (w *spoolWriter) Reader() (*spoolReader, error) {
	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind spool: %w", err)
	}
	return &spoolReader{f: w.f}, nil
}

// Discard removes the spool file.
func (w *spoolWriter) Discard() {
	name := w.f.Name()
	w.f.Close()
	os.Remove(name)
}

type spoolReader struct {
	f *os.File
}

// NextChunk returns the next chunk of rows, or io.EOF at the end. A
// checksum mismatch means the spool was corrupted on disk and the whole
// copy must restart.
func (r *spoolReader) NextChunk() (RowBatch, error) {
	header := make([]byte, 12)
	if _, err := io.ReadFull(r.f, header); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read spool header: %w", err)
	}

	length := binary.BigEndian.Uint32(header[0:4])
	sum := binary.BigEndian.Uint64(header[4:12])

	compressed := make([]byte, length)
	if _, err := io.ReadFull(r.f, compressed); err != nil {
		return nil, fmt.Errorf("failed to read spool chunk: %w", err)
	}
	if xxhash.Sum64(compressed) != sum {
		return nil, fmt.Errorf("spool chunk checksum mismatch")
	}

	raw, err := s2.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress spool chunk: %w", err)
	}

	var rows RowBatch
	if err := encoding.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("failed to unmarshal spool chunk: %w", err)
	}
	return rows, nil
}
