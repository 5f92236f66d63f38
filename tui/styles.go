package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/piperack/piperack/engine"
)

var (
	helpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))

	styleRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("40"))
	styleReady   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWaiting = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleExited  = lipgloss.NewStyle().Foreground(lipgloss.Color("250"))
	styleRestart = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

// statusStyle maps a process's Status to the color the teacher's renderer
// used for per-process banners (A2Y-D5L-multiproc/renderer/terminal.go),
// generalized over Piperack's larger Status set.
func statusStyle(s engine.Status) lipgloss.Style {
	switch s {
	case engine.StatusRunning, engine.StatusStarting, engine.StatusPreCmdRunning:
		return styleRunning
	case engine.StatusReady:
		return styleReady
	case engine.StatusPending, engine.StatusWaitingForDeps:
		return styleWaiting
	case engine.StatusFailed:
		return styleFailed
	case engine.StatusRestarting:
		return styleRestart
	default:
		return styleExited
	}
}
