// Package cli provides shared formatting helpers for the chainlab CLI.
package cli

import (
	"os"
	"strings"

	"golang.org/x/term"
)

// colorEnabled is true only when stdout is a terminal and NO_COLOR is unset
// (per no-color.org).
var colorEnabled = os.Getenv("NO_COLOR") == "" && term.IsTerminal(int(os.Stdout.Fd()))

// SetColor overrides terminal detection.
func SetColor(on bool) {
	colorEnabled = on
}

func wrap(code, s string) string {
	if !colorEnabled {
		return s
	}
	return "\033[" + code + "m" + s + "\033[0m"
}

// Green wraps s in ANSI green.
func Green(s string) string { return wrap("32", s) }

// Yellow wraps s in ANSI yellow.
func Yellow(s string) string { return wrap("33", s) }

// Red wraps s in ANSI red.
func Red(s string) string { return wrap("31", s) }

// Bold wraps s in ANSI bold.
func Bold(s string) string { return wrap("1", s) }

// Dim wraps s in ANSI dim.
func Dim(s string) string { return wrap("2", s) }

// Status colors a daemon or lab status word.
func Status(s string) string {
	switch s {
	case "running", "daemons-running", "ok":
		return Green(s)
	case "starting", "stopping", "built", "configured", "daemons-stopped":
		return Yellow(s)
	case "dead", "error", "failed":
		return Red(s)
	}
	return Dim(s)
}

// DotPad pads name with dots to the given width.
// Example: DotPad("r1/bgpd", 20) → "r1/bgpd ............"
func DotPad(name string, width int) string {
	if width <= 0 || len(name) >= width-1 {
		return name
	}
	dots := width - len(name) - 1
	return name + " " + strings.Repeat(".", dots)
}
