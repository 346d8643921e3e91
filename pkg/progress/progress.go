// Package progress provides a terminal ProgressSink. No progress-bar
// library appears anywhere in the retrieved example corpus, so this renders
// a plain percentage line with fmt, in the spirit of the Python original's
// own hand-rolled progressbar module.
package progress

import (
	"fmt"
	"io"
	"os"

	"github.com/samsamfire/avrboot"
)

// Terminal is a bootloader.ProgressSink that writes a single updating line
// to an io.Writer, typically os.Stdout.
type Terminal struct {
	Out   io.Writer
	width int
}

// NewTerminal returns a Terminal writing to os.Stdout with a 40-character bar.
func NewTerminal() *Terminal {
	return &Terminal{Out: os.Stdout, width: 40}
}

func (t *Terminal) Report(state bootloader.ProgressState, progress float64) {
	if t.Out == nil {
		return
	}
	switch state {
	case bootloader.Waiting:
		fmt.Fprint(t.Out, "connecting...\r")
	case bootloader.Start:
		t.render(0)
	case bootloader.InProgress:
		t.render(progress)
	case bootloader.End:
		t.render(1.0)
		fmt.Fprintln(t.Out)
	case bootloader.ErrorState:
		fmt.Fprintln(t.Out, "\nflash failed")
	}
}

func (t *Terminal) render(progress float64) {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	filled := int(progress * float64(t.width))
	bar := make([]byte, t.width)
	for i := range bar {
		if i < filled {
			bar[i] = '='
		} else {
			bar[i] = ' '
		}
	}
	fmt.Fprintf(t.Out, "\r[%s] %5.1f%%", bar, progress*100)
}
