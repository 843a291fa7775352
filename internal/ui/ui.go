// Package ui formats corral's human-facing terminal output. Color is used
// only when the stream is a terminal and NO_COLOR is unset.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-isatty"
	"golang.org/x/term"
)

var writer io.Writer = os.Stderr

// SetWriter overrides the message writer. Nil restores stderr.
func SetWriter(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	writer = w
}

var stdoutColor = detectColor(os.Stdout)
var stderrColor = detectColor(os.Stderr)

func detectColor(f *os.File) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// SetColorEnabled overrides color detection.
func SetColorEnabled(enabled bool) {
	stdoutColor = enabled
	stderrColor = enabled
}

// StdinIsTerminal reports whether stdin is interactive, so commands know
// whether a prompt can be read from it.
func StdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

func style(enabled bool, code, s string) string {
	if !enabled {
		return s
	}
	return "\033[" + code + "m" + s + "\033[0m"
}

func Bold(s string) string   { return style(stdoutColor, "1", s) }
func Dim(s string) string    { return style(stdoutColor, "2", s) }
func Green(s string) string  { return style(stdoutColor, "32", s) }
func Red(s string) string    { return style(stdoutColor, "31", s) }
func Yellow(s string) string { return style(stdoutColor, "33", s) }

// Outcome colors a request status word: success green, interrupted
// yellow, anything else red.
func Outcome(status string) string {
	switch status {
	case "success":
		return Green(status)
	case "interrupted":
		return Yellow(status)
	default:
		return Red(status)
	}
}

// Ago renders the time since t at a human scale.
func Ago(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

// Table writes rows as aligned columns with a bold header.
func Table(w io.Writer, header []string, rows [][]string) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	bold := make([]string, len(header))
	for i, h := range header {
		bold[i] = Bold(h)
	}
	fmt.Fprintln(tw, strings.Join(bold, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

// Warnf prints a warning to the message writer.
func Warnf(format string, args ...any) {
	fmt.Fprintf(writer, "%s %s\n", style(stderrColor, "33", "Warning:"), fmt.Sprintf(format, args...))
}

// Errorf prints an error to the message writer.
func Errorf(format string, args ...any) {
	fmt.Fprintf(writer, "%s %s\n", style(stderrColor, "31", "Error:"), fmt.Sprintf(format, args...))
}

// Infof prints a plain message to the message writer.
func Infof(format string, args ...any) {
	fmt.Fprintf(writer, format+"\n", args...)
}
