// Package progress provides progress reporting for the telestore CLI.
//
// This package outputs human-readable progress information to stdout,
// including completion percentage, transfer speed, and ETA. It also parses
// the human-readable sizes accepted by the configuration.
//
// # Usage
//
//	reporter := progress.NewReporter(progress.Options{
//	    TotalSize: totalBytes,
//	    Resumed:   existingBytes,
//	    Output:    os.Stderr,
//	})
//
//	reporter.Start()
//	defer reporter.Stop()
//
//	client.CopyRange(ctx, url, f, existingBytes, totalBytes-1, reporter.Add)
//
// # Output Format
//
//	[telestore] Downloading: https://media.example.com/dl/65f1c0ffee0000000000beef
//	[telestore] Total size: 1.40 GB | Chunk size: 1.00 MB | Resuming at: 512.00 MB
//	[telestore] Progress: 45.2% | 648.00 MB / 1.40 GB | Speed: 12.30 MB/s | ETA: 1m 2s
package progress
