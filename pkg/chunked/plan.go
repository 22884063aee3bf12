package chunked

import (
	"errors"
	"fmt"
)

// DefaultChunkSize is the size of a single remote fetch.
const DefaultChunkSize int64 = 1 << 20

// ErrRangeNotSatisfiable is matched by errors returned from NewPlan when the
// requested interval does not fit the file.
var ErrRangeNotSatisfiable = errors.New("chunked: range not satisfiable")

// ErrInvalidChunkSize is returned when the chunk size is not positive.
var ErrInvalidChunkSize = errors.New("chunked: chunk size must be positive")

// RangeError describes an unsatisfiable interval.
type RangeError struct {
	Start int64
	End   int64
	Size  int64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("chunked: range %d-%d not satisfiable for size %d", e.Start, e.End, e.Size)
}

// Is reports whether target is ErrRangeNotSatisfiable.
func (e *RangeError) Is(target error) bool {
	return target == ErrRangeNotSatisfiable
}

// Plan describes how to satisfy an inclusive byte interval with whole chunks.
type Plan struct {
	// Start and End are the requested interval, both inclusive.
	Start int64
	End   int64

	// Size is the total file size.
	Size int64

	// ChunkSize is the size of every fetch.
	ChunkSize int64

	// FetchOffset is the chunk-aligned offset of the first fetch.
	FetchOffset int64

	// ChunkCount is the number of chunks to fetch (>= 1).
	ChunkCount int

	// FirstTrim is the number of bytes dropped from the front of the first chunk.
	FirstTrim int64

	// LastTrim is the exclusive cut point within the last chunk.
	LastTrim int64

	// TotalLength is End-Start+1.
	TotalLength int64
}

// NewPlan computes the plan for the inclusive interval [start, end] of a file
// of the given size.
func NewPlan(start, end, size, chunkSize int64) (Plan, error) {
	if chunkSize <= 0 {
		return Plan{}, ErrInvalidChunkSize
	}
	if size <= 0 || start < 0 || end < start || end >= size {
		return Plan{}, &RangeError{Start: start, End: end, Size: size}
	}

	fetchOffset := start - start%chunkSize
	lastChunk := (end + chunkSize) / chunkSize // ceil((end+1)/C)

	return Plan{
		Start:       start,
		End:         end,
		Size:        size,
		ChunkSize:   chunkSize,
		FetchOffset: fetchOffset,
		ChunkCount:  int(lastChunk - fetchOffset/chunkSize),
		FirstTrim:   start - fetchOffset,
		LastTrim:    end%chunkSize + 1,
		TotalLength: end - start + 1,
	}, nil
}

// Whole returns the plan covering an entire file.
func Whole(size, chunkSize int64) (Plan, error) {
	return NewPlan(0, size-1, size, chunkSize)
}

// ChunkOffset returns the absolute offset of the given 1-based part.
func (p Plan) ChunkOffset(part int) int64 {
	return p.FetchOffset + int64(part-1)*p.ChunkSize
}

// Want returns the minimum number of bytes part must deliver. Every part but
// the last must be a full chunk; the last must reach LastTrim.
func (p Plan) Want(part int) int64 {
	if part == p.ChunkCount {
		return p.LastTrim
	}
	return p.ChunkSize
}

// Trim cuts chunk down to the bytes part contributes to the interval.
// The chunk must hold at least Want(part) bytes.
func (p Plan) Trim(part int, chunk []byte) []byte {
	switch {
	case p.ChunkCount == 1:
		return chunk[p.FirstTrim:p.LastTrim]
	case part == 1:
		return chunk[p.FirstTrim:]
	case part == p.ChunkCount:
		return chunk[:p.LastTrim]
	default:
		return chunk
	}
}
