package logger

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
)

// ANSI color codes. Disabled automatically when stdout is not a terminal
// or NO_COLOR is set.
const (
	reset  = "\033[0m"
	cyan   = "\033[36m"
	green  = "\033[32m"
	yellow = "\033[33m"
	red    = "\033[31m"
	bold   = "\033[1m"
	dim    = "\033[2m"
)

var colorEnabled = os.Getenv("NO_COLOR") == "" && isatty.IsTerminal(os.Stdout.Fd())

func paint(code, s string) string {
	if !colorEnabled {
		return s
	}
	return code + s + reset
}

func emit(code, tag, msg string) {
	ts := time.Now().Format("15:04:05")
	fmt.Fprintf(os.Stdout, "%s %s %s\n", paint(dim, ts), paint(code, "["+tag+"]"), msg)
}

// Info logs a neutral progress message under the given tag.
func Info(tag, msg string) {
	emit(cyan, tag, msg)
}

// Success logs a completed-step message under the given tag.
func Success(tag, msg string) {
	emit(green, tag, msg)
}

// Warn logs a recoverable problem under the given tag.
func Warn(tag, msg string) {
	emit(yellow, tag, msg)
}

// Error logs a failure under the given tag.
func Error(tag, msg string) {
	emit(red, tag, msg)
}

// Banner prints the startup banner with the given version string.
func Banner(version string) {
	name := "INFONOMY"
	line := strings.Repeat("=", 46)
	fmt.Fprintln(os.Stdout, paint(bold+cyan, line))
	if version != "" {
		fmt.Fprintf(os.Stdout, "%s\n", paint(bold+cyan, fmt.Sprintf("  %s  %s", name, version)))
	} else {
		fmt.Fprintf(os.Stdout, "%s\n", paint(bold+cyan, "  "+name))
	}
	fmt.Fprintln(os.Stdout, paint(bold+cyan, line))
}

// Section prints a titled separator used to group startup statistics.
func Section(title string) {
	fmt.Fprintf(os.Stdout, "%s %s\n", paint(bold, "--"), paint(bold, title))
}

// Stats prints an aligned label/value pair under the most recent Section.
func Stats(label string, value int) {
	fmt.Fprintf(os.Stdout, "   %-18s %d\n", label, value)
}
