package goadb

import (
	"io"
	"os"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// EnableConsoleLogging points the global zerolog logger at a human-readable
// console writer, colorized when stdout is a real terminal, mirroring the
// dev-mode logging setup the teacher wires in its own command-line entry
// points. Library callers who already configure zerolog themselves don't
// need to call this.
func EnableConsoleLogging() {
	var out io.Writer = os.Stdout
	if isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		out = colorable.NewColorable(os.Stdout)
	} else {
		out = colorable.NewNonColorable(os.Stdout)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
}
