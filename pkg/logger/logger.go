package logger

import (
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"
)

// New returns a slog.Logger tagged with the given component name. Output is
// JSON unless stdout is an interactive terminal, in which case the text
// handler is used so harness runs stay readable on a developer machine.
func New(component string, level slog.Level) *slog.Logger {
	return NewWithWriter(component, level, os.Stdout)
}

// NewWithWriter builds a logger writing to w. Handler selection follows the
// same terminal detection as New when w is an *os.File.
func NewWithWriter(component string, level slog.Level, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h).With("component", component)
}
