// Package ui renders dump progress in the terminal.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	nameStyle = lipgloss.NewStyle().Bold(true)
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// PartStartMsg announces the partition being dumped next.
type PartStartMsg struct {
	Name string
	Size uint64
}

// PartProgressMsg carries the running byte offset of the current dump.
type PartProgressMsg struct {
	Off uint64
}

// PartDoneMsg ends the current partition, with its outcome.
type PartDoneMsg struct {
	Err error
}

// QuitMsg ends the program once all partitions are handled.
type QuitMsg struct{}

// DumpModel is the bubbletea model for the dump-mtd progress display. The
// dump driver feeds it with Program.Send; quitting the display (Ctrl-C/q)
// makes Program.Run return, which the driver takes as the cancel signal.
type DumpModel struct {
	bar      progress.Model
	finished []string
	name     string
	size     uint64
	off      uint64
	active   bool
}

// NewDumpModel returns an empty progress display.
func NewDumpModel() DumpModel {
	return DumpModel{bar: progress.New(progress.WithDefaultGradient())}
}

// Init implements tea.Model.
func (m DumpModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m DumpModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.bar.Width = msg.Width - 30
		if m.bar.Width > 60 {
			m.bar.Width = 60
		}

	case PartStartMsg:
		m.name = msg.Name
		m.size = msg.Size
		m.off = 0
		m.active = true

	case PartProgressMsg:
		m.off = msg.Off

	case PartDoneMsg:
		line := fmt.Sprintf("%s %s (%d bytes)", okStyle.Render("✓"), m.name, m.off)
		if msg.Err != nil {
			line = fmt.Sprintf("%s %s: %v", errStyle.Render("✗"), m.name, msg.Err)
		}
		m.finished = append(m.finished, line)
		m.active = false

	case QuitMsg:
		return m, tea.Quit
	}
	return m, nil
}

// View implements tea.Model.
func (m DumpModel) View() string {
	var b strings.Builder
	for _, line := range m.finished {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if m.active {
		percent := 0.0
		if m.size > 0 {
			percent = float64(m.off) / float64(m.size)
		}
		fmt.Fprintf(&b, "%s %s %d/%d\n", nameStyle.Render(m.name), m.bar.ViewAs(percent), m.off, m.size)
	}
	return b.String()
}
