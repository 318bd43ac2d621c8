package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Options configures the progress reporter.
type Options struct {
	// TotalRows is the number of rows in the result set. Zero hides the
	// percentage and ETA.
	TotalRows int64

	// TotalChunks is the number of result files.
	TotalChunks int

	// Threads is the download parallelism (for display).
	Threads int

	// Output is where to write progress output.
	// Default: os.Stdout
	Output io.Writer

	// UpdateInterval is how often to update the progress display.
	// Default: 500ms
	UpdateInterval time.Duration

	// Source names the link manifest being fetched (for display).
	Source string
}

// Stats is a snapshot of the work reported so far.
type Stats struct {
	Rows    int64
	Bytes   int64
	Chunks  int
	Retries int
	Elapsed time.Duration
}

// Reporter outputs human-readable progress information.
type Reporter struct {
	opts Options

	rows    atomic.Int64
	bytes   atomic.Int64
	chunks  atomic.Int32
	retries atomic.Int32

	mu        sync.Mutex
	startTime time.Time
	lastTick  time.Time
	lastRows  int64
	started   bool
	stopped   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewReporter creates a new progress reporter.
func NewReporter(opts Options) *Reporter {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.UpdateInterval == 0 {
		opts.UpdateInterval = 500 * time.Millisecond
	}

	return &Reporter{
		opts:   opts,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start prints the header and begins periodic progress updates.
func (r *Reporter) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.startTime = time.Now()
	r.lastTick = r.startTime
	r.mu.Unlock()

	fmt.Fprintf(r.opts.Output, "[cloudfetch] Fetching: %s\n", r.opts.Source)
	fmt.Fprintf(r.opts.Output, "[cloudfetch] Total rows: %s | Links: %d | Threads: %d\n",
		formatCount(r.opts.TotalRows),
		r.opts.TotalChunks,
		r.opts.Threads,
	)

	go r.updateLoop()
}

// Stop prints the final status and stops updates. It waits for the last line
// to be written.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if !r.started || r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.stopCh)
	<-r.doneCh
}

// ChunkDelivered records a chunk handed to the consumer.
func (r *Reporter) ChunkDelivered(rows, bytes int64) {
	r.rows.Add(rows)
	r.bytes.Add(bytes)
	r.chunks.Add(1)
}

// Retried records a retry round: fresh links or a backoff.
func (r *Reporter) Retried() {
	r.retries.Add(1)
}

// Stats returns the totals reported so far.
func (r *Reporter) Stats() Stats {
	r.mu.Lock()
	start := r.startTime
	r.mu.Unlock()

	var elapsed time.Duration
	if !start.IsZero() {
		elapsed = time.Since(start)
	}
	return Stats{
		Rows:    r.rows.Load(),
		Bytes:   r.bytes.Load(),
		Chunks:  int(r.chunks.Load()),
		Retries: int(r.retries.Load()),
		Elapsed: elapsed,
	}
}

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

func (r *Reporter) printProgress() {
	now := time.Now()
	rows := r.rows.Load()

	r.mu.Lock()
	elapsed := now.Sub(r.lastTick).Seconds()
	if elapsed < 0.1 {
		elapsed = 0.1
	}
	speed := float64(rows-r.lastRows) / elapsed
	r.lastTick = now
	r.lastRows = rows
	r.mu.Unlock()

	var percent float64
	eta := "unknown"
	if r.opts.TotalRows > 0 {
		percent = float64(rows) / float64(r.opts.TotalRows) * 100
		if speed > 0 {
			remaining := float64(r.opts.TotalRows-rows) / speed
			eta = formatDuration(time.Duration(remaining * float64(time.Second)))
		} else {
			eta = "calculating..."
		}
	}

	fmt.Fprintf(r.opts.Output, "\r[cloudfetch] Progress: %.1f%% | %s / %s rows | %s | Speed: %s rows/s | ETA: %s    ",
		percent,
		formatCount(rows),
		formatCount(r.opts.TotalRows),
		formatBytes(r.bytes.Load()),
		formatCount(int64(speed)),
		eta,
	)
	fmt.Fprintf(r.opts.Output, "\n[cloudfetch] Chunks: %d / %d delivered | %d retries    \033[A",
		r.chunks.Load(),
		r.opts.TotalChunks,
		r.retries.Load(),
	)
}

func (r *Reporter) printFinalStatus() {
	s := r.Stats()
	seconds := s.Elapsed.Seconds()
	if seconds <= 0 {
		seconds = 1
	}

	fmt.Fprintf(r.opts.Output, "\r[cloudfetch] Progress: complete | %s rows | %s    \n",
		formatCount(s.Rows),
		formatBytes(s.Bytes),
	)
	fmt.Fprintf(r.opts.Output, "[cloudfetch] Chunks: %d delivered | %d retries    \n",
		s.Chunks,
		s.Retries,
	)
	fmt.Fprintf(r.opts.Output, "[cloudfetch] Total time: %s | Average speed: %s rows/s, %s/s\n",
		formatDuration(s.Elapsed),
		formatCount(int64(float64(s.Rows)/seconds)),
		formatBytes(int64(float64(s.Bytes)/seconds)),
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

// formatCount formats a row count with thousands separators.
func formatCount(n int64) string {
	if n < 0 {
		return "-" + formatCount(-n)
	}
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}

	var b strings.Builder
	lead := len(s) % 3
	if lead > 0 {
		b.WriteString(s[:lead])
	}
	for i := lead; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
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

// FormatCount is exported for use by other packages.
func FormatCount(n int64) string {
	return formatCount(n)
}

// ParseBytes parses a human-readable byte string (e.g., "256MB" or "256MiB").
// Both spellings are binary multiples.
func ParseBytes(s string) (int64, error) {
	var multiplier int64 = 1
	s = strings.TrimSpace(s)

	units := []struct {
		suffix string
		mult   int64
	}{
		{"TiB", 1 << 40}, {"GiB", 1 << 30}, {"MiB", 1 << 20}, {"KiB", 1 << 10},
		{"TB", 1 << 40}, {"GB", 1 << 30}, {"MB", 1 << 20}, {"KB", 1 << 10},
		{"B", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			multiplier = u.mult
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			break
		}
	}

	var value float64
	if _, err := fmt.Sscanf(s, "%f", &value); err != nil || value < 0 {
		return 0, fmt.Errorf("invalid byte string: %s", s)
	}

	return int64(value * float64(multiplier)), nil
}
