package ui

import (
	"errors"
	"fmt"
	"strings"

	tferrors "github.com/xlttj/tunfwd/pkg/errors"
	"github.com/xlttj/tunfwd/pkg/logging"

	tea "github.com/charmbracelet/bubbletea"
)

// updateTunnels handles key presses for the tunnel table
func (m *Model) updateTunnels(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	// Rename prompt first
	if m.renameMode {
		switch msg.String() {
		case "esc":
			m.exitRenameMode()
			return m, nil
		case "enter":
			return m.commitRename()
		default:
			m.renameInput, cmd = m.renameInput.Update(msg)
			return m, cmd
		}
	}

	// Filter mode second
	if m.filterMode {
		switch msg.String() {
		case "esc":
			m.filterMode = false
			m.filterInput.Blur()
			m.filterInput.SetValue("")
			m.filteredConfigs = nil
			m.refreshTable()
			m.tunnelsTable.Focus()
			return m, nil
		case "enter":
			// Keep the filter applied
			m.filterMode = false
			m.filterInput.Blur()
			m.tunnelsTable.Focus()
			return m, nil
		default:
			m.filterInput, cmd = m.filterInput.Update(msg)
			m.applyFilter()
			m.refreshTable()
			return m, cmd
		}
	}

	switch msg.String() {
	case ShortcutFilter:
		m.errorMsg = ""
		m.statusMsg = ""
		m.filterMode = true
		m.filterInput.Focus()
		m.tunnelsTable.Blur()
		return m, nil
	case "q":
		return m, tea.Quit
	case "esc":
		if m.filterInput.Value() != "" {
			m.filterInput.SetValue("")
			m.filteredConfigs = nil
			m.refreshTable()
		}
		return m, nil
	case ShortcutToggle:
		m.errorMsg = ""
		m.statusMsg = ""

		if m.groupingEnabled && m.isGroupHeaderSelected() {
			if state, exists := m.groupStates[m.getSelectedGroupName()]; exists {
				state.Expanded = !state.Expanded
				m.refreshTable()
			}
			return m, nil
		}

		name, err := m.selectedName()
		if err != nil {
			m.errorMsg = fmt.Sprintf("Cannot toggle: %v", err)
			return m, nil
		}
		if m.forwarder.IsRunning(name) {
			return m.stopTunnel(name)
		}
		return m.startTunnel(name)
	case ShortcutGroup:
		m.errorMsg = ""
		m.statusMsg = ""
		m.groupingEnabled = !m.groupingEnabled
		m.refreshTable()
		return m, nil
	case ShortcutRename:
		m.errorMsg = ""
		m.statusMsg = ""
		name, err := m.selectedName()
		if err != nil {
			m.errorMsg = fmt.Sprintf("Cannot rename: %v", err)
			return m, nil
		}
		m.renameMode = true
		m.renameTarget = name
		m.renameInput.SetValue(name)
		m.renameInput.CursorEnd()
		m.renameInput.Focus()
		m.tunnelsTable.Blur()
		return m, nil
	case ShortcutVerify:
		m.errorMsg = ""
		m.statusMsg = "Verifying running tunnels..."
		return m, m.runVerify(true)
	case ShortcutAdopt:
		m.errorMsg = ""
		m.statusMsg = "Looking for orphaned tunnels..."
		fwd := m.forwarder
		return m, func() tea.Msg {
			adopted, err := fwd.AdoptOrphans()
			return orphansMsg{adopted: adopted, err: err}
		}
	case ShortcutReloadConfig:
		m.reloadConfig()
		return m, nil
	}

	m.tunnelsTable, cmd = m.tunnelsTable.Update(msg)
	return m, cmd
}

// startTunnel runs Start off the event loop; interface creation may block
func (m *Model) startTunnel(name string) (tea.Model, tea.Cmd) {
	if m.starting[name] {
		m.statusMsg = fmt.Sprintf("%s is already starting", name)
		return m, nil
	}
	m.starting[name] = true
	delete(m.failed, name)
	m.refreshTable()

	fwd := m.forwarder
	return m, func() tea.Msg {
		pid, err := fwd.Start(name)
		return startResultMsg{name: name, pid: pid, err: err}
	}
}

func (m *Model) stopTunnel(name string) (tea.Model, tea.Cmd) {
	pid, err := m.forwarder.Stop(name)
	switch {
	case errors.Is(err, tferrors.ErrNotRunning):
		m.statusMsg = fmt.Sprintf("%s was already stopped", name)
	case err != nil:
		logging.LogError("Error stopping tunnel %s: %v", name, err)
		m.errorMsg = fmt.Sprintf("Error stopping %s: %s", name, formatError(err))
	default:
		m.statusMsg = fmt.Sprintf("Stopped %s (PID %d)", name, pid)
	}
	m.refreshTable()
	return m, nil
}

func (m *Model) exitRenameMode() {
	m.renameMode = false
	m.renameTarget = ""
	m.renameInput.Blur()
	m.tunnelsTable.Focus()
}

// commitRename applies the rename prompt to the store and the registry
func (m *Model) commitRename() (tea.Model, tea.Cmd) {
	oldName := m.renameTarget
	newName := strings.TrimSpace(m.renameInput.Value())
	m.exitRenameMode()

	if newName == oldName {
		return m, nil
	}
	if err := m.forwarder.Rename(oldName, newName); err != nil {
		m.errorMsg = fmt.Sprintf("Cannot rename %s: %s", oldName, formatError(err))
		return m, nil
	}

	if lines, ok := m.output[oldName]; ok {
		m.output[newName] = lines
		delete(m.output, oldName)
	}
	delete(m.failed, oldName)
	if m.filterInput.Value() != "" {
		m.applyFilter()
	}
	m.statusMsg = fmt.Sprintf("Renamed %s to %s", oldName, newName)
	m.refreshTable()
	return m, nil
}
