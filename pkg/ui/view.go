package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// View renders the current model state
func (m *Model) View() string {
	running := len(m.forwarder.Running())
	title := lipgloss.NewStyle().Foreground(lipgloss.Color(ColorTitle)).Bold(true).
		Render(fmt.Sprintf("Tunnels - %d configured, %d running", m.forwarder.Store().Len(), running))

	help := "Space: Start/Stop | R: Rename | V: Verify | A: Adopt | G: Group | /: Filter | Ctrl+R: Reload | Q: Quit"
	if m.width < 100 {
		help = "Space:Toggle | R:Rename | V:Verify | A:Adopt | G:Group | /:Filter | Q:Quit"
	}
	helpStyle := lipgloss.NewStyle().Foreground(lipgloss.Color(ColorHelp))
	helpText := helpStyle.Render(help)

	tableView := lipgloss.PlaceHorizontal(m.width, lipgloss.Left, m.tunnelsTable.View())

	// Always reserve space for the filter box to prevent layout shift
	var filterView string
	switch {
	case m.filterMode:
		filterView = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color(ColorBorder)).
			Padding(0, 1).
			Render("Filter: " + m.filterInput.View())
	case m.filterInput.Value() != "":
		filterView = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("8")).
			Foreground(lipgloss.Color("8")).
			Padding(0, 1).
			Render(fmt.Sprintf("Filter: %s (Press / to edit, Esc to clear)", m.filterInput.Value()))
	default:
		filterView = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color(ColorBorder)).
			Foreground(lipgloss.Color(ColorBorder)).
			Padding(0, 1).
			Render("Press / to filter...")
	}

	top := title
	if m.width >= 100 {
		if spacing := m.width - lipgloss.Width(title) - lipgloss.Width(helpText); spacing > 0 {
			top = lipgloss.JoinHorizontal(lipgloss.Left, title, strings.Repeat(" ", spacing), helpText)
		}
	}

	sections := []string{top, "", filterView, tableView}

	if m.renameMode {
		label := lipgloss.NewStyle().Foreground(lipgloss.Color(ColorEdit)).Render(fmt.Sprintf("Rename %s: ", m.renameTarget))
		sections = append(sections, label+m.renameInput.View()+" (Enter to save, Esc to cancel)")
	}

	sections = append(sections, m.viewOutput())

	if m.errorMsg != "" {
		sections = append(sections, lipgloss.NewStyle().Foreground(lipgloss.Color(ColorError)).Render("ERROR: "+m.errorMsg))
	} else if m.statusMsg != "" {
		sections = append(sections, lipgloss.NewStyle().Foreground(lipgloss.Color(ColorStatus)).Render(m.statusMsg))
	}

	if m.width < 100 {
		sections = append(sections, helpText)
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// viewOutput renders the last output lines of the selected tunnel
func (m *Model) viewOutput() string {
	style := lipgloss.NewStyle().Foreground(lipgloss.Color(ColorOutput))
	name, err := m.selectedName()
	if err != nil {
		return style.Render("")
	}

	header := fmt.Sprintf("Output of %s:", name)
	if reason, failed := m.failed[name]; failed {
		header = fmt.Sprintf("Output of %s (last failure: %s):", name, reason)
	}
	lines := m.output[name]
	if len(lines) == 0 {
		lines = []string{"(no output)"}
	}
	return style.Render(header + "\n  " + strings.Join(lines, "\n  "))
}
