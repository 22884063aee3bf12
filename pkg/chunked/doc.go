// Package chunked maps HTTP byte ranges onto chunk-oriented remote storage.
//
// Remote media is only retrievable in fixed-size, chunk-aligned pieces. This
// package turns a requested byte interval into a [Plan] describing which
// chunks to fetch and how to trim them, and drives a [Fetcher] through that
// plan with a [Stream] so that the concatenated output is exactly the
// requested bytes.
//
// # Planning
//
// Use [NewPlan] with the inclusive interval, the file size and the chunk size:
//
//	plan, err := chunked.NewPlan(500000, 1500000, 2500000, 1000000)
//	// plan.FetchOffset == 0
//	// plan.ChunkCount  == 2
//	// plan.FirstTrim   == 500000
//	// plan.LastTrim    == 500001
//	// plan.TotalLength == 1000001
//
// Intervals outside the file yield an error matching [ErrRangeNotSatisfiable].
//
// # Trimming
//
// Each fetched chunk is trimmed by [Plan.Trim] according to its 1-based part
// number:
//
//	single chunk   chunk[FirstTrim:LastTrim]
//	first of many  chunk[FirstTrim:]
//	last of many   chunk[:LastTrim]
//	otherwise      chunk
//
// # Streaming
//
// [NewStream] binds a plan to a [Fetcher]. [Stream.Next] fetches one chunk per
// call, strictly in increasing offset order, and returns io.EOF once the plan
// is complete:
//
//	s := chunked.NewStream(plan, fetcher)
//	for {
//	    b, err := s.Next(ctx)
//	    if err == io.EOF {
//	        break
//	    }
//	    if err != nil {
//	        return err
//	    }
//	    w.Write(b)
//	}
//
// A chunk shorter than the plan needs is reported as [ErrTruncated]; the stream
// never pads. [Stream.Emitted] reports the absolute offset reached so far.
package chunked
