package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/hyperengineering/fieldsync"
)

// Palette
var (
	colorPrimary      = lipgloss.Color("#2B7FD4") // field blue
	colorPrimaryLight = lipgloss.Color("#5AA2E8")

	colorText  = lipgloss.Color("#F2F3F3")
	colorMuted = lipgloss.Color("240")

	colorSuccess = lipgloss.Color("#22C55E")
	colorWarning = lipgloss.Color("#F59E0B")
	colorError   = lipgloss.Color("#EF4444")
)

var (
	successStyle = lipgloss.NewStyle().Foreground(colorSuccess).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(colorWarning).Bold(true)
	infoStyle    = lipgloss.NewStyle().Foreground(colorPrimary)
	mutedStyle   = lipgloss.NewStyle().Foreground(colorMuted)
	labelStyle   = lipgloss.NewStyle().Foreground(colorPrimaryLight).Bold(true)
	valueStyle   = lipgloss.NewStyle().Foreground(colorText)
)

const (
	iconSuccess = "✓"
	iconError   = "✗"
	iconWarning = "⚠"
	iconInfo    = "●"
)

// isTTY returns true if stdout is a terminal
func isTTY() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

// printStyled prints a message with an icon, applying style only in TTY mode
func printStyled(w io.Writer, icon string, style lipgloss.Style, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if isTTY() {
		fmt.Fprintf(w, "%s %s\n", style.Render(icon), msg)
	} else {
		fmt.Fprintf(w, "%s %s\n", icon, msg)
	}
}

func printSuccess(w io.Writer, format string, args ...any) {
	printStyled(w, iconSuccess, successStyle, format, args...)
}

func printError(w io.Writer, format string, args ...any) {
	printStyled(w, iconError, errorStyle, format, args...)
}

func printWarning(w io.Writer, format string, args ...any) {
	printStyled(w, iconWarning, warningStyle, format, args...)
}

func printInfo(w io.Writer, format string, args ...any) {
	printStyled(w, iconInfo, infoStyle, format, args...)
}

func printMuted(w io.Writer, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if isTTY() {
		fmt.Fprintln(w, mutedStyle.Render(msg))
	} else {
		fmt.Fprintln(w, msg)
	}
}

// printField prints an aligned "label: value" line.
func printField(w io.Writer, label string, value any) {
	padded := fmt.Sprintf("%-14s", label+":")
	v := fmt.Sprint(value)
	if isTTY() {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render(padded), valueStyle.Render(v))
	} else {
		fmt.Fprintf(w, "%s %s\n", padded, v)
	}
}

// stateStyle colors an operation or record state.
func stateStyle(state string) lipgloss.Style {
	switch state {
	case string(fieldsync.StatusFailed), string(fieldsync.SyncConflict):
		return errorStyle
	case string(fieldsync.StatusInFlight), string(fieldsync.SyncDirty):
		return warningStyle
	default:
		return mutedStyle
	}
}

func renderState(state string) string {
	if isTTY() {
		return stateStyle(state).Render(state)
	}
	return state
}

// renderMarkdown renders markdown content with glamour on a terminal.
func renderMarkdown(content string) string {
	if !isTTY() {
		return content
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return content
	}

	rendered, err := renderer.Render(content)
	if err != nil {
		return content
	}

	return strings.TrimSpace(rendered)
}
