// Package ui provides terminal rendering helpers for the CLI.
package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	dimStyle    = lipgloss.NewStyle().Faint(true)
)

// isTerminal gates styling: piped output stays plain.
func isTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func render(style lipgloss.Style, s string) string {
	if !isTerminal() {
		return s
	}
	return style.Render(s)
}

// RenderAccent highlights informational markers.
func RenderAccent(s string) string { return render(accentStyle, s) }

// RenderPass marks success.
func RenderPass(s string) string { return render(passStyle, s) }

// RenderWarn marks a warning.
func RenderWarn(s string) string { return render(warnStyle, s) }

// RenderFail marks a failure.
func RenderFail(s string) string { return render(failStyle, s) }

// RenderDim de-emphasizes supporting detail.
func RenderDim(s string) string { return render(dimStyle, s) }
