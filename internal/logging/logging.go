// Package logging wires the global slog logger to a charmbracelet/log
// backend: colored text on a terminal, JSON when piped.
package logging

import (
	"io"
	"log/slog"
	"os"

	charmlog "github.com/charmbracelet/log"
	"golang.org/x/term"
)

// Options controls logger setup.
type Options struct {
	// Verbose enables debug-level output.
	Verbose bool
	// Quiet raises the level to warnings only. Verbose wins if both set.
	Quiet bool
	// Output defaults to stderr.
	Output io.Writer
}

// Setup installs the default slog logger.
func Setup(opts Options) {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	handler := charmlog.NewWithOptions(out, charmlog.Options{
		ReportTimestamp: true,
		Prefix:          "revq",
	})

	switch {
	case opts.Verbose:
		handler.SetLevel(charmlog.DebugLevel)
	case opts.Quiet:
		handler.SetLevel(charmlog.WarnLevel)
	default:
		handler.SetLevel(charmlog.InfoLevel)
	}

	if f, ok := out.(*os.File); !ok || !term.IsTerminal(int(f.Fd())) {
		handler.SetFormatter(charmlog.JSONFormatter)
	}

	slog.SetDefault(slog.New(handler))
}
