package ui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xlttj/tunfwd/pkg/config"

	"github.com/charmbracelet/bubbles/table"
)

// statusText returns the STATUS cell for a tunnel
func (m *Model) statusText(name string) string {
	if info, ok := m.forwarder.Registry().Get(name); ok {
		if info.Adopted {
			return fmt.Sprintf("%s %d", StatusAdopted, info.PID)
		}
		return fmt.Sprintf("%s %d", StatusRunning, info.PID)
	}
	if m.starting[name] {
		return "Starting..."
	}
	if _, failed := m.failed[name]; failed {
		return StatusFailed
	}
	return StatusStopped
}

func bindText(cfg config.TunnelConfig) string {
	if cfg.LocalInterface != "" {
		return cfg.LocalInterface
	}
	return config.DefaultBindIP
}

func groupKey(cfg config.TunnelConfig) string {
	if cfg.Backend == config.BackendSSH {
		return "(ssh)"
	}
	if cfg.Context == "" {
		return "(current context)"
	}
	return cfg.Context
}

func (m *Model) itemRow(cfg config.TunnelConfig, indent string) table.Row {
	return table.Row{
		indent + cfg.Name,
		cfg.Context,
		cfg.Namespace,
		cfg.Service,
		strings.Join(cfg.Ports, ","),
		bindText(cfg),
		m.statusText(cfg.Name),
	}
}

// generateTunnelRows converts configs to flat table rows
func (m *Model) generateTunnelRows(configs []config.TunnelConfig) []table.Row {
	rows := make([]table.Row, 0, len(configs))
	m.tableRows = make([]TableRow, 0, len(configs))
	for _, cfg := range configs {
		row := m.itemRow(cfg, "")
		rows = append(rows, row)
		m.tableRows = append(m.tableRows, TableRow{Type: RowTypeItem, Name: cfg.Name, GroupName: groupKey(cfg), Data: row})
	}
	return rows
}

// generateGroupedRows creates grouped table rows with collapsible sections
func (m *Model) generateGroupedRows(configs []config.TunnelConfig) []table.Row {
	groups := make(map[string][]config.TunnelConfig)
	for _, cfg := range configs {
		key := groupKey(cfg)
		groups[key] = append(groups[key], cfg)
	}

	groupNames := make([]string, 0, len(groups))
	for name := range groups {
		groupNames = append(groupNames, name)
	}
	sort.Strings(groupNames)

	var rows []table.Row
	m.tableRows = []TableRow{}

	for _, groupName := range groupNames {
		items := groups[groupName]
		state, exists := m.groupStates[groupName]
		if !exists {
			state = &GroupState{Expanded: true}
			m.groupStates[groupName] = state
		}
		state.Count = len(items)
		state.Active = 0
		for _, cfg := range items {
			if m.forwarder.IsRunning(cfg.Name) {
				state.Active++
			}
		}

		expandIcon := "▼"
		if !state.Expanded {
			expandIcon = "▶"
		}
		header := table.Row{
			fmt.Sprintf("%s %s", expandIcon, groupName),
			fmt.Sprintf("%d total, %d active", state.Count, state.Active),
			"", "", "", "", "",
		}
		rows = append(rows, header)
		m.tableRows = append(m.tableRows, TableRow{Type: RowTypeGroup, GroupName: groupName, Data: header})

		if !state.Expanded {
			continue
		}
		for _, cfg := range items {
			row := m.itemRow(cfg, "  ")
			rows = append(rows, row)
			m.tableRows = append(m.tableRows, TableRow{Type: RowTypeItem, Name: cfg.Name, GroupName: groupName, Data: row})
		}
	}
	return rows
}

// visibleConfigs returns the filtered configs when a filter is set
func (m *Model) visibleConfigs() []config.TunnelConfig {
	if m.filterInput.Value() != "" && m.filteredConfigs != nil {
		return m.filteredConfigs
	}
	return m.forwarder.Store().GetAll()
}

// refreshTable rebuilds the rows for the current grouping and filter state
func (m *Model) refreshTable() {
	configs := m.visibleConfigs()
	if m.groupingEnabled {
		m.tunnelsTable.SetRows(m.generateGroupedRows(configs))
	} else {
		m.tunnelsTable.SetRows(m.generateTunnelRows(configs))
	}
	if cursor := m.tunnelsTable.Cursor(); cursor >= len(m.tableRows) && len(m.tableRows) > 0 {
		m.tunnelsTable.SetCursor(len(m.tableRows) - 1)
	}
}

// selectedName returns the tunnel name of the current table selection
func (m *Model) selectedName() (string, error) {
	idx := m.tunnelsTable.Cursor()
	if idx < 0 || idx >= len(m.tableRows) {
		return "", fmt.Errorf("invalid table selection")
	}
	row := m.tableRows[idx]
	if row.Type != RowTypeItem {
		return "", fmt.Errorf("selected row is not a tunnel")
	}
	return row.Name, nil
}

// isGroupHeaderSelected returns true if a group header is currently selected
func (m *Model) isGroupHeaderSelected() bool {
	idx := m.tunnelsTable.Cursor()
	if idx < 0 || idx >= len(m.tableRows) {
		return false
	}
	return m.tableRows[idx].Type == RowTypeGroup
}

// getSelectedGroupName returns the group name of the currently selected row
func (m *Model) getSelectedGroupName() string {
	idx := m.tunnelsTable.Cursor()
	if idx < 0 || idx >= len(m.tableRows) {
		return ""
	}
	return m.tableRows[idx].GroupName
}
