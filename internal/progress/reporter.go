package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Options configures the progress reporter.
type Options struct {
	// TotalSize is the total size in bytes of the transfer.
	TotalSize int64

	// Resumed is the number of bytes already present before the transfer
	// started. They count towards completion but not towards speed.
	Resumed int64

	// ChunkSize is the relay chunk size (for display).
	ChunkSize int64

	// Output is where to write progress output.
	// Default: os.Stdout
	Output io.Writer

	// UpdateInterval is how often to update the progress display.
	// Default: 500ms
	UpdateInterval time.Duration

	// SourceURL is the URL being downloaded (for display).
	SourceURL string
}

// Reporter outputs human-readable progress information.
type Reporter struct {
	opts Options

	mu             sync.Mutex
	completedBytes atomic.Int64
	startTime      time.Time
	lastUpdate     time.Time
	lastBytes      int64
	stopCh         chan struct{}
	doneCh         chan struct{}
	started        bool
	stopped        bool
}

// NewReporter creates a new progress reporter.
func NewReporter(opts Options) *Reporter {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.UpdateInterval == 0 {
		opts.UpdateInterval = 500 * time.Millisecond
	}

	r := &Reporter{
		opts:   opts,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	r.completedBytes.Store(opts.Resumed)
	r.lastBytes = opts.Resumed
	return r
}

// Start begins outputting progress information.
func (r *Reporter) Start() {
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()

	r.startTime = time.Now()
	r.lastUpdate = r.startTime

	fmt.Fprintf(r.opts.Output, "[telestore] Downloading: %s\n", r.opts.SourceURL)
	fmt.Fprintf(r.opts.Output, "[telestore] Total size: %s | Chunk size: %s",
		formatBytes(r.opts.TotalSize),
		formatBytes(r.opts.ChunkSize),
	)
	if r.opts.Resumed > 0 {
		fmt.Fprintf(r.opts.Output, " | Resuming at: %s", formatBytes(r.opts.Resumed))
	}
	fmt.Fprintln(r.opts.Output)

	go r.updateLoop()
}

// Stop stops the progress reporter and waits for the final status line.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	started := r.started
	r.mu.Unlock()

	close(r.stopCh)
	if started {
		<-r.doneCh
	}
}

// Add records n transferred bytes. It matches the progress callback of
// the download client.
func (r *Reporter) Add(n int64) {
	r.completedBytes.Add(n)
}

// Completed returns the number of bytes present so far, including resumed
// bytes.
func (r *Reporter) Completed() int64 {
	return r.completedBytes.Load()
}

// updateLoop periodically updates the progress display.
func (r *Reporter) updateLoop() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.opts.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			r.printFinalStatus()
			return
		case <-ticker.C:
			r.printProgress()
		}
	}
}

// printProgress outputs the current progress.
func (r *Reporter) printProgress() {
	now := time.Now()
	completed := r.completedBytes.Load()

	// Calculate speed
	elapsed := now.Sub(r.lastUpdate).Seconds()
	if elapsed < 0.1 {
		elapsed = 0.1
	}
	speed := float64(completed-r.lastBytes) / elapsed

	r.lastUpdate = now
	r.lastBytes = completed

	// Calculate percentage and ETA
	var percent float64
	var eta string
	if r.opts.TotalSize > 0 {
		percent = float64(completed) / float64(r.opts.TotalSize) * 100
		if speed > 0 {
			remaining := float64(r.opts.TotalSize - completed)
			eta = formatDuration(time.Duration(remaining / speed * float64(time.Second)))
		} else {
			eta = "calculating..."
		}
	}

	fmt.Fprintf(r.opts.Output, "\r[telestore] Progress: %.1f%% | %s / %s | Speed: %s/s | ETA: %s    ",
		percent,
		formatBytes(completed),
		formatBytes(r.opts.TotalSize),
		formatBytes(int64(speed)),
		eta,
	)
}

// printFinalStatus outputs the final status.
func (r *Reporter) printFinalStatus() {
	completed := r.completedBytes.Load()
	duration := time.Since(r.startTime)
	transferred := completed - r.opts.Resumed
	avgSpeed := float64(transferred) / max(duration.Seconds(), 0.001)

	state := "Complete!"
	if r.opts.TotalSize > 0 && completed < r.opts.TotalSize {
		state = "Incomplete"
	}

	fmt.Fprintf(r.opts.Output, "\r[telestore] Progress: %s / %s | %s    \n",
		formatBytes(completed),
		formatBytes(r.opts.TotalSize),
		state,
	)
	fmt.Fprintf(r.opts.Output, "[telestore] Total time: %s | Transferred: %s | Average speed: %s/s\n",
		formatDuration(duration),
		formatBytes(transferred),
		formatBytes(int64(avgSpeed)),
	)
}

// formatBytes formats bytes as a human-readable string.
func formatBytes(b int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
		TB = GB * 1024
	)

	switch {
	case b >= TB:
		return fmt.Sprintf("%.2f TB", float64(b)/float64(TB))
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %dm %ds", h, m, s)
}

// FormatBytes is exported for use by other packages.
func FormatBytes(b int64) string {
	return formatBytes(b)
}

// ParseBytes parses a human-readable byte string (e.g., "256KB").
// Units are binary: 1KB is 1024 bytes.
func ParseBytes(s string) (int64, error) {
	var multiplier int64 = 1
	s = trimSuffix(s, " ")

	switch {
	case hasSuffix(s, "TB"):
		multiplier = 1024 * 1024 * 1024 * 1024
		s = s[:len(s)-2]
	case hasSuffix(s, "GB"):
		multiplier = 1024 * 1024 * 1024
		s = s[:len(s)-2]
	case hasSuffix(s, "MB"):
		multiplier = 1024 * 1024
		s = s[:len(s)-2]
	case hasSuffix(s, "KB"):
		multiplier = 1024
		s = s[:len(s)-2]
	case hasSuffix(s, "B"):
		s = s[:len(s)-1]
	}

	var value float64
	_, err := fmt.Sscanf(s, "%f", &value)
	if err != nil {
		return 0, fmt.Errorf("invalid byte string: %s", s)
	}

	return int64(value * float64(multiplier)), nil
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

func trimSuffix(s, suffix string) string {
	for hasSuffix(s, suffix) {
		s = s[:len(s)-len(suffix)]
	}
	return s
}
