package progress

import (
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// Live is a terminal Reporter, the tview-backed counterpart to
// backup_progress.py's ttystatus display: one line of running counters
// (elapsed time, files found, bytes scanned, bytes uploaded) followed
// by a scrolling log of "what" the driver is doing and any errors.
type Live struct {
	counters *Counters
	app      *tview.Application
	status   *tview.TextView
	log      *tview.TextView

	done chan struct{}
}

// NewLive builds a Live reporter. Run must be called (typically in its
// own goroutine) to actually draw it; Stop tears it down.
func NewLive() *Live {
	status := tview.NewTextView().SetDynamicColors(true)
	log := tview.NewTextView().SetDynamicColors(true).SetScrollable(true)
	log.SetBorder(true).SetTitle("progress").SetBorderColor(tcell.ColorYellow)

	flex := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(status, 1, 0, false).
		AddItem(log, 0, 1, false)

	app := tview.NewApplication().SetRoot(flex, true)

	l := &Live{
		counters: NewCounters(),
		app:      app,
		status:   status,
		log:      log,
		done:     make(chan struct{}),
	}
	go l.tick()
	return l
}

func (l *Live) tick() {
	t := time.NewTicker(500 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-t.C:
			l.redrawStatus()
		}
	}
}

func (l *Live) redrawStatus() {
	l.app.QueueUpdateDraw(func() {
		l.status.SetText(fmt.Sprintf(
			"[yellow]elapsed=%s[white] files=%d scanned=%s uploaded=%s",
			time.Since(l.counters.started).Round(time.Second),
			l.counters.fileCount,
			humaniseBytes(l.counters.scannedBytes),
			humaniseBytes(l.counters.uploadedBytes),
		))
	})
}

// Run blocks drawing the terminal UI until Stop is called or the
// application errors out.
func (l *Live) Run() error {
	return l.app.Run()
}

// Stop ends the UI loop and restores the terminal.
func (l *Live) Stop() {
	close(l.done)
	l.app.Stop()
}

func (l *Live) What(what string) {
	l.counters.What(what)
	l.appendLog(what)
}

func (l *Live) FileFound(path string) {
	l.counters.FileFound(path)
	l.appendLog(path)
}

func (l *Live) Scanned(amount int64)  { l.counters.Scanned(amount) }
func (l *Live) Uploaded(amount int64) { l.counters.Uploaded(amount) }

func (l *Live) Error(msg string, err error) {
	l.counters.Error(msg, err)
	l.appendLog(fmt.Sprintf("[red]ERROR: %s: %v[white]", msg, err))
}

func (l *Live) CheckpointRemoved(generation uint64) {
	l.counters.CheckpointRemoved(generation)
	l.appendLog(fmt.Sprintf("removed checkpoint generation %d", generation))
}

func (l *Live) Finish() {
	l.redrawStatus()
}

func (l *Live) appendLog(line string) {
	l.app.QueueUpdateDraw(func() {
		fmt.Fprintln(l.log, line)
	})
}

// Report returns the final accounting for fs, the same figures
// compute_report derives.
func (l *Live) Report(fs byteCounterFS) Report {
	return l.counters.Compute(fs)
}

func humaniseBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
