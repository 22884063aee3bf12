package chunked

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrTruncated is returned when the source runs out of bytes before the plan
// is complete.
var ErrTruncated = errors.New("chunked: source truncated")

// ErrOversizedChunk is returned when a fetch returns more than ChunkSize bytes.
var ErrOversizedChunk = errors.New("chunked: chunk larger than requested")

// ChunkError records which part of a plan failed.
type ChunkError struct {
	Part   int
	Offset int64
	Err    error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunked: part %d at offset %d: %v", e.Part, e.Offset, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

// Fetcher retrieves up to limit bytes starting at offset. An empty result
// signals end of data.
type Fetcher interface {
	FetchChunk(ctx context.Context, offset, limit int64) ([]byte, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, offset, limit int64) ([]byte, error)

// FetchChunk calls f.
func (f FetcherFunc) FetchChunk(ctx context.Context, offset, limit int64) ([]byte, error) {
	return f(ctx, offset, limit)
}

// Stream yields the bytes of a Plan one chunk at a time.
// A Stream is forward-only and not safe for concurrent use.
type Stream struct {
	plan    Plan
	fetcher Fetcher

	part    int
	emitted int64
	err     error
}

// NewStream returns a stream over plan backed by f.
func NewStream(plan Plan, f Fetcher) *Stream {
	return &Stream{
		plan:    plan,
		fetcher: f,
		part:    1,
		emitted: plan.Start,
	}
}

// Plan returns the plan the stream follows.
func (s *Stream) Plan() Plan {
	return s.plan
}

// Emitted returns the absolute offset one past the last byte yielded.
func (s *Stream) Emitted() int64 {
	return s.emitted
}

// Next fetches the next chunk and returns its trimmed bytes. It returns io.EOF
// once every part has been yielded. After any error, Next keeps returning it.
func (s *Stream) Next(ctx context.Context) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.part > s.plan.ChunkCount {
		s.err = io.EOF
		return nil, s.err
	}
	if err := ctx.Err(); err != nil {
		s.err = err
		return nil, err
	}

	offset := s.plan.ChunkOffset(s.part)
	chunk, err := s.fetcher.FetchChunk(ctx, offset, s.plan.ChunkSize)
	if err == nil {
		err = s.check(chunk)
	}
	if err != nil {
		s.err = &ChunkError{Part: s.part, Offset: offset, Err: err}
		return nil, s.err
	}

	out := s.plan.Trim(s.part, chunk)
	s.emitted += int64(len(out))
	s.part++
	return out, nil
}

func (s *Stream) check(chunk []byte) error {
	n := int64(len(chunk))
	if n == 0 {
		return ErrTruncated
	}
	if n > s.plan.ChunkSize {
		return fmt.Errorf("%w: got %d bytes", ErrOversizedChunk, n)
	}
	if want := s.plan.Want(s.part); n < want {
		return fmt.Errorf("%w: got %d bytes, need %d", ErrTruncated, n, want)
	}
	return nil
}

type flusher interface {
	Flush()
}

// CopyTo drains the stream into w, flushing after every chunk when w
// supports it. It returns the number of bytes written.
func (s *Stream) CopyTo(ctx context.Context, w io.Writer) (int64, error) {
	f, canFlush := w.(flusher)

	var written int64
	for {
		b, err := s.Next(ctx)
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}

		n, err := w.Write(b)
		written += int64(n)
		if err != nil {
			return written, fmt.Errorf("chunked: write: %w", err)
		}
		if canFlush {
			f.Flush()
		}
	}
}
