package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/OtakuFlix/Telestore/internal/config"
	relayhttp "github.com/OtakuFlix/Telestore/internal/http"
	"github.com/OtakuFlix/Telestore/internal/progress"
)

// runGet downloads a relayed file to a local file. An existing partial
// output file is resumed from its current size.
func runGet(args []string) int {
	defaults := config.Default()
	fs := flag.NewFlagSet("get", flag.ExitOnError)

	url := fs.String("url", "", "Relay URL of the file (required)")
	output := fs.String("output", "", "Output file path, - for stdout (required)")
	start := fs.Int64("start", 0, "First byte to download")
	end := fs.Int64("end", -1, "Last byte to download (default: end of file)")
	showProgress := fs.Bool("progress", false, "Show progress output")
	retryAttempts := fs.Int("retry-attempts", defaults.Retry.Attempts, "Max retry attempts per request")
	retryBackoff := fs.Duration("retry-backoff", defaults.Retry.Backoff, "Initial retry backoff")
	retryMaxBackoff := fs.Duration("retry-max-backoff", defaults.Retry.MaxBackoff, "Max retry backoff")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: telestore get [options]

Download a file from a relay using range requests. Interrupted transfers
are resumed; rerunning the command continues a partial output file.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	if *url == "" || *output == "" {
		fmt.Fprintln(os.Stderr, "Error: -url and -output are required")
		fs.Usage()
		return ExitInvalidArgs
	}
	if *start < 0 {
		fmt.Fprintln(os.Stderr, "Error: -start must not be negative")
		return ExitInvalidArgs
	}

	ctx, cancel := signalContext()
	defer cancel()

	opts := relayhttp.DefaultOptions()
	opts.RetryAttempts = *retryAttempts
	opts.RetryBackoff = *retryBackoff
	opts.RetryMaxBackoff = *retryMaxBackoff
	client := relayhttp.NewClient(opts)

	req := getRequest{
		URL:      *url,
		Output:   *output,
		Start:    *start,
		End:      *end,
		Progress: *showProgress,
	}
	if err := getFile(ctx, client, req); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return getExitCode(err)
	}
	return ExitSuccess
}

type getRequest struct {
	URL      string
	Output   string
	Start    int64
	End      int64
	Progress bool
}

func getFile(ctx context.Context, client *relayhttp.Client, req getRequest) error {
	info, err := client.Head(ctx, req.URL)
	if err != nil {
		return err
	}
	if !info.AcceptsRanges {
		return relayhttp.ErrRangeNotSupported
	}

	end := req.End
	if end < 0 || end >= info.Size {
		end = info.Size - 1
	}

	var w io.Writer = os.Stdout
	var resumed int64
	if req.Output != "-" {
		f, err := os.OpenFile(req.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		defer f.Close()

		st, err := f.Stat()
		if err != nil {
			return err
		}
		resumed = st.Size()
		w = f
	}

	if info.Size == 0 || req.Start > end {
		return nil
	}

	length := end - req.Start + 1
	if resumed > length {
		return fmt.Errorf("%s holds %d bytes, more than the %d requested", req.Output, resumed, length)
	}
	if resumed == length {
		fmt.Fprintf(os.Stderr, "[telestore] Already complete: %s\n", req.Output)
		return nil
	}
	if resumed > 0 {
		fmt.Fprintf(os.Stderr, "[telestore] Resuming at byte %d\n", req.Start+resumed)
	}

	var onProgress func(int64)
	if req.Progress {
		reporter := progress.NewReporter(progress.Options{
			TotalSize:      length,
			Resumed:        resumed,
			Output:         os.Stderr,
			UpdateInterval: time.Second,
			SourceURL:      req.URL,
		})
		reporter.Start()
		defer reporter.Stop()
		onProgress = reporter.Add
	}

	_, err = client.CopyRange(ctx, req.URL, w, req.Start+resumed, end, onProgress)
	return err
}

func getExitCode(err error) int {
	switch {
	case errors.Is(err, relayhttp.ErrRangeNotSupported):
		return ExitRangeNotSupported
	case errors.Is(err, relayhttp.ErrNotFound),
		errors.Is(err, relayhttp.ErrForbidden),
		errors.Is(err, relayhttp.ErrUnauthorized),
		errors.Is(err, relayhttp.ErrBadRequest),
		errors.Is(err, relayhttp.ErrServerError):
		return ExitSourceNotAccess
	default:
		return ExitGeneralError
	}
}
