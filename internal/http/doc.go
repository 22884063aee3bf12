// Package http implements the byte-range header codec shared by the relay and
// its client, plus a retrying client for downloading from a relay.
//
// This package handles:
//   - Parsing Range headers into a single inclusive ByteRange
//   - Formatting and parsing Content-Range
//   - HEAD requests to get file metadata
//   - Range requests that verify the returned Content-Range
//   - Retry with exponential backoff, and resuming bodies that end early
//
// # Usage
//
//	r, partial, err := http.ParseRange(req.Header.Get("Range"), size)
//
//	client := http.NewClient(http.DefaultOptions())
//	info, err := client.Head(ctx, url)
//	n, err := client.CopyRange(ctx, url, file, 0, info.Size-1, reporter.Add)
package http
