// Package chunker implements Cage's C4 component: planning byte
// ranges over a large input and processing them sequentially with
// optional checkpointed resume. It deliberately does not open or own
// any file; callers supply an io.ReaderAt (normally an *os.File) plus
// the total size, which keeps the planning logic pure and testable
// against in-memory readers.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/padlokk/cage/internal/cageerr"
)

// DefaultChunkSize matches spec §4.4's default of 64 MiB.
const DefaultChunkSize uint64 = 64 * 1024 * 1024

// ChunkSpec is an immutable byte-range descriptor: [Start, End).
type ChunkSpec struct {
	Start uint64
	End   uint64
	Index int
}

func (c ChunkSpec) Len() uint64 { return c.End - c.Start }

// Plan covers [0, totalBytes) with contiguous, non-overlapping chunks
// of chunkSize (the last one possibly shorter). len(Plan(...)) always
// equals ceil(totalBytes/chunkSize), so totalBytes == 0 yields no
// chunks.
func Plan(totalBytes uint64, chunkSize uint64) []ChunkSpec {
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	count := (totalBytes + chunkSize - 1) / chunkSize
	specs := make([]ChunkSpec, 0, count)
	var start uint64
	idx := 0
	for start < totalBytes {
		end := start + chunkSize
		if end > totalBytes {
			end = totalBytes
		}
		specs = append(specs, ChunkSpec{Start: start, End: end, Index: idx})
		start = end
		idx++
	}
	return specs
}

// Processor receives one chunk's bytes. It must not retain the slice
// beyond the call: Process reuses the backing buffer across chunks.
type Processor func(spec ChunkSpec, data []byte) error

// HashReaderAt computes a stable content hash for resume comparison by
// reading the whole source through ReadAt in DefaultChunkSize windows.
// Chunker does not care which hash a caller trusts for their own
// checkpoint file; this helper exists so the common case (no
// caller-supplied hash) has a deterministic default.
func HashReaderAt(r io.ReaderAt, totalBytes uint64) (string, error) {
	h := sha256.New()
	buf := make([]byte, DefaultChunkSize)
	var offset uint64
	for offset < totalBytes {
		want := DefaultChunkSize
		if remaining := totalBytes - offset; remaining < want {
			want = remaining
		}
		n, err := r.ReadAt(buf[:want], int64(offset))
		if n > 0 {
			h.Write(buf[:n])
		}
		if err != nil && err != io.EOF {
			return "", err
		}
		offset += uint64(n)
		if n == 0 {
			break
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Process iterates the chunk plan for source in order, skipping chunks
// already marked complete in resumeFrom (nil means start fresh), and
// invokes proc for each remaining chunk. It does not itself persist a
// checkpoint -- see Checkpoint.Save for that -- it only consults
// resumeFrom and, after proc succeeds for a chunk, marks that chunk
// completed in resumeFrom, so callers can compose checkpoint I/O
// however fits their component.
func Process(source io.ReaderAt, totalBytes uint64, chunkSize uint64, resumeFrom *Checkpoint, sourceHash string, proc Processor) error {
	if resumeFrom != nil && resumeFrom.SourceHash != "" && resumeFrom.SourceHash != sourceHash {
		return cageerr.New(cageerr.SourceChanged, "chunker checkpoint source hash does not match current source")
	}

	specs := Plan(totalBytes, chunkSize)
	buf := make([]byte, chunkSize)
	if chunkSize == 0 {
		buf = make([]byte, DefaultChunkSize)
	}

	for _, spec := range specs {
		if resumeFrom != nil && resumeFrom.Completed[spec.Index] {
			continue
		}
		n := int(spec.Len())
		if n > len(buf) {
			buf = make([]byte, n)
		}
		if n > 0 {
			read, err := source.ReadAt(buf[:n], int64(spec.Start))
			if err != nil && !(err == io.EOF && read == n) {
				return fmt.Errorf("chunker: read chunk %d: %w", spec.Index, err)
			}
		}
		if err := proc(spec, buf[:n]); err != nil {
			return fmt.Errorf("chunker: process chunk %d: %w", spec.Index, err)
		}
		if resumeFrom != nil {
			resumeFrom.Completed[spec.Index] = true
		}
	}
	return nil
}
