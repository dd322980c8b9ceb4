package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

const (
	ansiReset = "\033[0m"
	ansiBold  = "\033[1m"
	ansiCyan  = "\033[96m"
)

type bannerOptions struct {
	Version   string
	SessionID string
	Model     string
	DataDir   string
}

func printBanner(w io.Writer, opts bannerOptions) {
	width := terminalWidth(w)
	title := "L O R E K E E P E R"
	if isTerminalWriter(w) {
		title = ansiBold + ansiCyan + title + ansiReset
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, centerWithAnsi(title, width))
	if v := strings.TrimSpace(opts.Version); v != "" {
		fmt.Fprintln(w, center("Version: "+v, width))
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Session: %s\n", opts.SessionID)
	if opts.Model != "" {
		fmt.Fprintf(w, "Model:   %s\n", opts.Model)
	}
	fmt.Fprintf(w, "Data:    %s\n", opts.DataDir)
	fmt.Fprintln(w, "Type :help for commands.")
	fmt.Fprintln(w)
}

func isTerminalWriter(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

func terminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok {
		return 0
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		return 0
	}
	return width
}

func center(text string, width int) string {
	n := len([]rune(text))
	if width <= 0 || n >= width {
		return text
	}
	return strings.Repeat(" ", (width-n)/2) + text
}

func centerWithAnsi(text string, width int) string {
	visible := strings.NewReplacer(ansiReset, "", ansiBold, "", ansiCyan, "").Replace(text)
	n := len([]rune(visible))
	if width <= 0 || n >= width {
		return text
	}
	return strings.Repeat(" ", (width-n)/2) + text
}
