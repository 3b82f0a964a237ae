// Package progress reports a backup run's state to whatever is
// watching: counters, a moving-average throughput figure, and a final
// report.
//
// Grounded on backup_progress.py's BackupProgress: same counters
// (files found, scanned bytes, uploaded bytes), same compute_report
// shape, same "what is the driver doing right now" string. ttystatus's
// live terminal display is replaced by a tview-backed Reporter; the
// counters themselves are the same ones the original increments.
package progress

import (
	"fmt"
	"sync"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"
)

// Reporter receives progress updates during a backup run. The Reporter
// NoOp returns can be passed anywhere a driver expects one, so callers
// that don't want live output don't need a branch.
type Reporter interface {
	What(what string)
	FileFound(path string)
	Scanned(amount int64)
	Uploaded(amount int64)
	Error(msg string, err error)
	CheckpointRemoved(generation uint64)
	Finish()
}

// noop discards every update. Used by drivers and tests that don't
// care about progress reporting.
type noop struct{}

// NoOp returns a Reporter that does nothing.
func NoOp() Reporter { return noop{} }

func (noop) What(string)                  {}
func (noop) FileFound(string)             {}
func (noop) Scanned(int64)                {}
func (noop) Uploaded(int64)               {}
func (noop) Error(string, error)          {}
func (noop) CheckpointRemoved(uint64)     {}
func (noop) Finish()                      {}

// Counters accumulates the numbers compute_report derives a Report
// from. A *Counters is itself a Reporter, so it can either drive a
// live display (see Live) or be used headless when the caller only
// wants the final Report.
type Counters struct {
	mu sync.Mutex

	started       time.Time
	fileCount     int64
	scannedBytes  int64
	uploadedBytes int64
	errors        bool

	// uploadRate smooths instantaneous upload throughput the way
	// ttystatus's byte-rate widgets do, over a short trailing window.
	// Access is already serialised by mu, so the plain (non-concurrent)
	// constructor is enough here.
	uploadRate *movingaverage.MovingAverage
}

// NewCounters returns a Counters with its clock started now.
func NewCounters() *Counters {
	return &Counters{
		started:    time.Now(),
		uploadRate: movingaverage.New(30),
	}
}

func (c *Counters) What(string) {}

func (c *Counters) FileFound(string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fileCount++
}

func (c *Counters) Scanned(amount int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scannedBytes += amount
}

func (c *Counters) Uploaded(amount int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uploadedBytes += amount
	c.uploadRate.Add(float64(amount))
}

func (c *Counters) Error(string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = true
}

func (c *Counters) CheckpointRemoved(uint64) {}
func (c *Counters) Finish()                  {}

// UploadRate returns the smoothed bytes/operation moving average
// computed over recent Uploaded calls.
func (c *Counters) UploadRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uploadRate.Avg()
}

// Snapshot returns the running file count and uploaded-chunk byte total
// accumulated so far, the two figures a driver records onto a
// generation's own keys (REPO_GENERATION_FILE_COUNT/TOTAL_DATA) at each
// checkpoint, ahead of the run's final Compute.
func (c *Counters) Snapshot() (fileCount, uploadedBytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fileCount, c.uploadedBytes
}

// byteCounterFS is the subset of fsiface.FS a Report needs to account
// for storage overhead the way compute_report does (fs.bytes_written +
// fs.bytes_read - uploaded_bytes).
type byteCounterFS interface {
	BytesWritten() uint64
	BytesRead() uint64
}

// Report is the final accounting of a backup run, the Go shape of
// compute_report's dict.
type Report struct {
	Duration              time.Duration
	FileCount             int64
	ScannedBytes          int64
	UploadedChunkBytes    int64
	UploadedTotalBytes    uint64
	DownloadedTotalBytes  uint64
	OverheadTotalBytes    int64
	EffectiveUploadSpeed  float64 // bytes/second
	HadErrors             bool
}

// Compute produces a Report from the counters accumulated so far and
// fs's running byte totals.
func (c *Counters) Compute(fs byteCounterFS) Report {
	c.mu.Lock()
	defer c.mu.Unlock()

	duration := time.Since(c.started)
	overhead := int64(fs.BytesWritten()+fs.BytesRead()) - c.uploadedBytes
	var speed float64
	if duration > 0 {
		speed = float64(c.uploadedBytes) / duration.Seconds()
	}

	return Report{
		Duration:             duration,
		FileCount:            c.fileCount,
		ScannedBytes:         c.scannedBytes,
		UploadedChunkBytes:   c.uploadedBytes,
		UploadedTotalBytes:   fs.BytesWritten(),
		DownloadedTotalBytes: fs.BytesRead(),
		OverheadTotalBytes:   overhead,
		EffectiveUploadSpeed: speed,
		HadErrors:            c.errors,
	}
}

// String renders a Report the way report_stats logs it, one line per
// figure.
func (r Report) String() string {
	return fmt.Sprintf(
		"duration=%s files=%d scanned=%d uploaded=%d total-written=%d total-read=%d overhead=%d speed=%.0fB/s errors=%v",
		r.Duration.Round(time.Second), r.FileCount, r.ScannedBytes, r.UploadedChunkBytes,
		r.UploadedTotalBytes, r.DownloadedTotalBytes, r.OverheadTotalBytes,
		r.EffectiveUploadSpeed, r.HadErrors,
	)
}
