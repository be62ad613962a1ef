package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/modeldeck/modeldeck/internal/ops"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+fmt.Sprintf(format, args...)))
}

func printError(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+fmt.Sprintf(format, args...)))
}

func printWarning(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+fmt.Sprintf(format, args...)))
}

func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "  %s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}

// printProgress renders a download progress event in place, rewriting the
// current terminal line. Call finishProgress before any other output.
func printProgress(ev ops.Event) {
	var b strings.Builder
	b.WriteString(ev.Status)
	if ev.Percentage != nil {
		fmt.Fprintf(&b, " %3.0f%%", *ev.Percentage)
	}
	if ev.Speed != "" {
		b.WriteString("  ")
		b.WriteString(ev.Speed)
	}
	if ev.Size != "" {
		b.WriteString("  ")
		b.WriteString(ev.Size)
	}
	// Pad so a shorter line fully overwrites a longer previous one.
	fmt.Fprintf(os.Stderr, "\r%-60s", colorize(colorCyan, b.String()))
}

// finishProgress terminates the in-place progress line.
func finishProgress() {
	fmt.Fprint(os.Stderr, "\r"+strings.Repeat(" ", 60)+"\r")
}
