package main

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/mattn/go-isatty"

	"github.com/olympus-tools/ahornrun/internal/supervisor"
)

// renderer writes run records to the terminal. On a TTY progress updates overwrite
// each other in place; elsewhere every record is its own line.
type renderer struct {
	out      io.Writer
	tty      bool
	progress lipgloss.Style
	// open is true while a progress line is on screen without its newline.
	open bool
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{
		out:      out,
		tty:      isTerminal(out),
		progress: lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
	}
}

func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func (r *renderer) Record(record supervisor.Record) error {
	if r.tty && record.IsProgressUpdate {
		_, err := fmt.Fprint(r.out, "\r"+ansi.EraseEntireLine+r.progress.Render(record.Text))
		r.open = true
		return err
	}
	if err := r.Finish(); err != nil {
		return err
	}
	_, err := fmt.Fprintln(r.out, record.Text)
	return err
}

// Finish terminates an open progress line.
func (r *renderer) Finish() error {
	if !r.open {
		return nil
	}
	r.open = false
	_, err := fmt.Fprintln(r.out)
	return err
}
