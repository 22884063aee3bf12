package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/OtakuFlix/Telestore/internal/backend"
	relayhttp "github.com/OtakuFlix/Telestore/internal/http"
	"github.com/OtakuFlix/Telestore/internal/progress"
	"github.com/OtakuFlix/Telestore/pkg/chunked"
)

// runPlan prints the backend requests the relay makes for a Range header.
func runPlan(args []string) int {
	fs := flag.NewFlagSet("plan", flag.ExitOnError)

	size := fs.Int64("size", 0, "File size in bytes (required)")
	rangeHeader := fs.String("range", "", `Range header, e.g. "bytes=1000-2000" (default: whole file)`)
	chunkSize := fs.String("chunk-size", "1MB", "Size of each backend request")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: telestore plan [options]

Show how a byte range is split into aligned backend requests.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}
	if *size <= 0 {
		fmt.Fprintln(os.Stderr, "Error: -size must be positive")
		fs.Usage()
		return ExitInvalidArgs
	}

	chunkBytes, err := progress.ParseBytes(*chunkSize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid chunk size: %v\n", err)
		return ExitInvalidArgs
	}
	if err := backend.ValidateChunkSize(chunkBytes); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid chunk size: %v\n", err)
		return ExitInvalidArgs
	}

	br, _, err := relayhttp.ParseRange(*rangeHeader, *size)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	plan, err := chunked.NewPlan(br.Start, br.End, *size, chunkBytes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	printPlan(os.Stdout, plan)
	return ExitSuccess
}

func printPlan(w io.Writer, p chunked.Plan) {
	fmt.Fprintf(w, "range:        %d-%d/%d (%s)\n", p.Start, p.End, p.Size, progress.FormatBytes(p.TotalLength))
	fmt.Fprintf(w, "chunk size:   %d\n", p.ChunkSize)
	fmt.Fprintf(w, "fetch offset: %d\n", p.FetchOffset)
	fmt.Fprintf(w, "first trim:   %d\n", p.FirstTrim)
	fmt.Fprintf(w, "last trim:    %d\n", p.LastTrim)
	fmt.Fprintf(w, "chunks:       %d\n", p.ChunkCount)

	for part := 1; part <= p.ChunkCount; part++ {
		fmt.Fprintf(w, "  #%d offset=%d limit=%d want=%d\n", part, p.ChunkOffset(part), p.ChunkSize, p.Want(part))
	}
}
