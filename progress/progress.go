// Package progress renders a live download progress bar to the terminal,
// using schollz/progressbar/v3 and golang.org/x/term for the one place in
// this engine that has a natural home for a terminal UI: reporting
// piece-completion progress while a download runs.
package progress

import (
	"io"
	"os"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// Bar wraps a progressbar.ProgressBar sized to a torrent's piece count. It
// is safe to call PieceDone/Close only from the coordinator's own goroutine,
// matching every other piece of state the coordinator owns.
type Bar struct {
	bar *progressbar.ProgressBar
}

// New returns a Bar describing total pieces for name. When stdout isn't a
// terminal (piped output, CI logs), the returned Bar writes to io.Discard
// rather than emitting escape sequences into a log file.
func New(name string, total int) *Bar {
	var out io.Writer = os.Stdout
	width := 40
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		width = w - 30
		if width < 10 {
			width = 10
		}
	}
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		out = io.Discard
	}

	bar := progressbar.NewOptions(total,
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetWidth(width),
		progressbar.OptionSetDescription(name),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionClearOnFinish(),
	)
	return &Bar{bar: bar}
}

// PieceDone advances the bar by one piece.
func (b *Bar) PieceDone() {
	b.bar.Add(1)
}

// Close finalizes the bar, clearing it from the terminal.
func (b *Bar) Close() error {
	return b.bar.Finish()
}
