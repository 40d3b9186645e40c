package ui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/xlttj/tunfwd/pkg/config"
	tferrors "github.com/xlttj/tunfwd/pkg/errors"
	"github.com/xlttj/tunfwd/pkg/executor"
	"github.com/xlttj/tunfwd/pkg/forward"
	"github.com/xlttj/tunfwd/pkg/logging"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Model represents the state of the UI
type Model struct {
	// Core components
	forwarder *forward.Forwarder
	watch     <-chan config.WatchEvent
	width     int
	height    int

	// Central error message
	errorMsg string
	// Status/info message (non-error feedback)
	statusMsg string

	tunnelsTable table.Model

	// Grouping state
	groupStates     map[string]*GroupState // Map of group name to state
	tableRows       []TableRow             // Enhanced rows with metadata
	groupingEnabled bool

	// Filter state
	filterMode      bool
	filterInput     textinput.Model
	filteredConfigs []config.TunnelConfig

	// Rename state
	renameMode   bool
	renameInput  textinput.Model
	renameTarget string

	// Runtime decorations keyed by tunnel name
	starting map[string]bool
	failed   map[string]string
	output   map[string][]string
}

// calculateColumnWidths returns column widths based on terminal width
func (m *Model) calculateColumnWidths() []table.Column {
	minWidths := map[string]int{
		ColName:      6,
		ColContext:   8,
		ColNamespace: 9,
		ColService:   8,
		ColPorts:     8,
		ColBind:      9,
		ColStatus:    8,
	}

	availableWidth := max(m.width-12, 70)

	totalMinWidth := 0
	for _, width := range minWidths {
		totalMinWidth += width
	}
	remainingSpace := max(availableWidth-totalMinWidth, 0)

	finalWidths := make(map[string]int, len(minWidths))
	for col, minWidth := range minWidths {
		finalWidths[col] = minWidth
	}

	// Most important first
	expandPriority := []string{ColName, ColService, ColNamespace, ColContext, ColStatus, ColPorts, ColBind}
	for _, col := range expandPriority {
		if remainingSpace <= 0 {
			break
		}
		var extraForCol int
		switch col {
		case ColName, ColService:
			extraForCol = remainingSpace * 30 / 100
		case ColNamespace, ColContext, ColStatus:
			extraForCol = remainingSpace * 20 / 100
		default:
			extraForCol = remainingSpace * 10 / 100
		}
		extraForCol = min(extraForCol, remainingSpace)
		finalWidths[col] += extraForCol
		remainingSpace -= extraForCol
	}

	return []table.Column{
		{Title: ColName, Width: finalWidths[ColName]},
		{Title: ColContext, Width: finalWidths[ColContext]},
		{Title: ColNamespace, Width: finalWidths[ColNamespace]},
		{Title: ColService, Width: finalWidths[ColService]},
		{Title: ColPorts, Width: finalWidths[ColPorts]},
		{Title: ColBind, Width: finalWidths[ColBind]},
		{Title: ColStatus, Width: finalWidths[ColStatus]},
	}
}

// NewModel builds the tunnel table over fwd. watch may be nil when config
// file watching is disabled.
func NewModel(fwd *forward.Forwarder, watch <-chan config.WatchEvent) *Model {
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color(ColorBorder)).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color(ColorSelectedFg)).
		Background(lipgloss.Color(ColorSelectedBg)).
		Bold(false)

	ti := textinput.New()
	ti.Placeholder = "Filter..."
	ti.CharLimit = 156
	ti.Width = 20

	ri := textinput.New()
	ri.Placeholder = "new name"
	ri.CharLimit = 64
	ri.Width = 30

	m := &Model{
		forwarder:       fwd,
		watch:           watch,
		width:           80, // Updated on first WindowSizeMsg
		height:          24,
		groupStates:     make(map[string]*GroupState),
		groupingEnabled: true,
		filterInput:     ti,
		renameInput:     ri,
		starting:        make(map[string]bool),
		failed:          make(map[string]string),
		output:          make(map[string][]string),
	}

	m.tunnelsTable = table.New(
		table.WithColumns(m.calculateColumnWidths()),
		table.WithFocused(true),
		table.WithHeight(10),
		table.WithStyles(s),
	)
	m.refreshTable()

	if running := fwd.Running(); len(running) > 0 {
		m.statusMsg = fmt.Sprintf("%d tunnel(s) restored from the previous session", len(running))
	}
	return m
}

// Cleanup stops every running tunnel. Called once the program has exited.
func (m *Model) Cleanup() error {
	pids, err := m.forwarder.CleanupAll()
	logging.LogDebug("UI cleanup stopped %d tunnels", len(pids))
	m.forwarder.Close()
	return err
}

// Init starts the background listeners
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.waitForTunnelEvent(), m.scheduleVerify(), m.waitForConfigChange())
}

func (m *Model) waitForTunnelEvent() tea.Cmd {
	events := m.forwarder.Events()
	return func() tea.Msg {
		return tunnelEventMsg(<-events)
	}
}

func (m *Model) waitForConfigChange() tea.Cmd {
	if m.watch == nil {
		return nil
	}
	watch := m.watch
	return func() tea.Msg {
		ev, ok := <-watch
		if !ok {
			return watchClosedMsg{}
		}
		return configChangedMsg(ev)
	}
}

func (m *Model) scheduleVerify() tea.Cmd {
	return tea.Tick(VerifyInterval, func(time.Time) tea.Msg { return verifyTickMsg{} })
}

func (m *Model) runVerify(manual bool) tea.Cmd {
	fwd := m.forwarder
	return func() tea.Msg {
		statuses, err := fwd.Verify()
		return verifyResultMsg{statuses: statuses, err: err, manual: manual}
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.tunnelsTable.SetHeight(max(m.height-TunnelsViewOffset, MinTableHeight))
		m.tunnelsTable.SetColumns(m.calculateColumnWidths())
		m.filterInput.Width = max(m.width-4, 20)
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", ShortcutExit:
			return m, tea.Quit
		}
		return m.updateTunnels(msg)

	case tunnelEventMsg:
		m.handleTunnelEvent(forward.TunnelEvent(msg))
		return m, m.waitForTunnelEvent()

	case startResultMsg:
		return m.handleStartResult(msg)

	case verifyTickMsg:
		return m, m.runVerify(false)

	case verifyResultMsg:
		m.handleVerifyResult(msg)
		if msg.manual {
			return m, nil
		}
		return m, m.scheduleVerify()

	case orphansMsg:
		if msg.err != nil {
			m.errorMsg = fmt.Sprintf("Orphan detection: %s", formatError(msg.err))
		} else if len(msg.adopted) == 0 {
			m.statusMsg = "No orphaned tunnels found"
		} else {
			names := make([]string, 0, len(msg.adopted))
			for _, o := range msg.adopted {
				names = append(names, fmt.Sprintf("%s (PID %d)", o.Config.Name, o.PID))
			}
			m.statusMsg = fmt.Sprintf("Adopted %s", strings.Join(names, ", "))
		}
		m.refreshTable()
		return m, nil

	case configChangedMsg:
		if msg.Err != nil {
			m.errorMsg = fmt.Sprintf("Config watch error: %v", msg.Err)
			return m, m.waitForConfigChange()
		}
		logging.LogDebug("Config file %s changed, reloading", msg.Path)
		m.reloadConfig()
		return m, m.waitForConfigChange()

	case watchClosedMsg:
		m.watch = nil
		return m, nil
	}

	var cmd tea.Cmd
	m.tunnelsTable, cmd = m.tunnelsTable.Update(msg)
	return m, cmd
}

func (m *Model) handleTunnelEvent(ev forward.TunnelEvent) {
	switch ev.Event.Kind {
	case executor.EventStdout, executor.EventStderr:
		m.appendOutput(ev.Name, ev.Event.Line)
	case executor.EventError:
		m.appendOutput(ev.Name, fmt.Sprintf("output error: %v", ev.Event.Err))
	case executor.EventTerminated:
		m.appendOutput(ev.Name, fmt.Sprintf("process %d exited with code %d", ev.PID, ev.Event.ExitCode))
		if ev.Diagnosis != nil {
			m.failed[ev.Name] = ev.Diagnosis.Error()
			m.errorMsg = fmt.Sprintf("Tunnel %s failed: %s", ev.Name, formatError(ev.Diagnosis))
		}
		m.refreshTable()
	}
}

func (m *Model) appendOutput(name, line string) {
	lines := append(m.output[name], line)
	if len(lines) > OutputLines {
		lines = lines[len(lines)-OutputLines:]
	}
	m.output[name] = lines
}

func (m *Model) handleStartResult(msg startResultMsg) (tea.Model, tea.Cmd) {
	delete(m.starting, msg.name)
	switch {
	case msg.err != nil && msg.pid > 0:
		m.errorMsg = fmt.Sprintf("Started %s (PID %d) but: %s", msg.name, msg.pid, formatError(msg.err))
	case msg.err != nil:
		m.failed[msg.name] = msg.err.Error()
		m.errorMsg = fmt.Sprintf("Error starting %s: %s", msg.name, formatError(msg.err))
	default:
		delete(m.failed, msg.name)
		m.statusMsg = fmt.Sprintf("Started %s (PID %d)", msg.name, msg.pid)
	}
	m.refreshTable()
	return m, nil
}

func (m *Model) handleVerifyResult(msg verifyResultMsg) {
	var pruned []string
	for _, st := range msg.statuses {
		if !st.Alive && st.Err == nil {
			pruned = append(pruned, st.Name)
		}
	}
	if len(pruned) > 0 {
		sort.Strings(pruned)
		m.errorMsg = fmt.Sprintf("Tunnel(s) no longer running: %s", strings.Join(pruned, ", "))
	}
	if msg.err != nil {
		logging.LogWarn("Background verify: %v", msg.err)
	}
	m.refreshTable()
}

// reloadConfig re-reads the config store and stops tunnels whose definition changed
func (m *Model) reloadConfig() {
	m.errorMsg = ""
	m.statusMsg = ""

	result, err := m.forwarder.Reload()
	if err != nil {
		m.errorMsg = fmt.Sprintf("Config reload failed: %s", formatError(err))
		return
	}
	if m.filterInput.Value() != "" {
		m.applyFilter()
	}
	m.refreshTable()

	if len(result.Errors) > 0 {
		m.errorMsg = formatReloadSummary(result)
	} else {
		m.statusMsg = formatReloadSummary(result)
	}
}

// formatReloadSummary creates user-friendly reload summary
func formatReloadSummary(result *forward.ReloadResult) string {
	if len(result.Errors) > 0 {
		names := make([]string, 0, len(result.Errors))
		for name := range result.Errors {
			names = append(names, name)
		}
		sort.Strings(names)
		errorMsgs := make([]string, 0, len(names))
		for _, name := range names {
			errorMsgs = append(errorMsgs, fmt.Sprintf("%s: %v", name, result.Errors[name]))
		}
		return fmt.Sprintf("Reload errors: %s", strings.Join(errorMsgs, "; "))
	}

	var parts []string
	if len(result.Stopped) > 0 {
		parts = append(parts, fmt.Sprintf("%d stopped", len(result.Stopped)))
	}
	if len(result.Updated) > 0 {
		parts = append(parts, fmt.Sprintf("%d updated", len(result.Updated)))
	}
	if len(result.Added) > 0 {
		parts = append(parts, fmt.Sprintf("%d added", len(result.Added)))
	}
	if len(result.Removed) > 0 {
		parts = append(parts, fmt.Sprintf("%d removed", len(result.Removed)))
	}
	if len(parts) == 0 {
		return "Config reloaded: no changes needed"
	}
	return fmt.Sprintf("Config reloaded: %s", strings.Join(parts, ", "))
}

// formatError renders err with its remediation hint, if any
func formatError(err error) string {
	if hint := tferrors.HintOf(err); hint != "" {
		return fmt.Sprintf("%v (hint: %s)", err, hint)
	}
	return err.Error()
}

// applyFilter filters configs based on the current filter text
func (m *Model) applyFilter() {
	filterText := strings.ToLower(strings.TrimSpace(m.filterInput.Value()))
	all := m.forwarder.Store().GetAll()
	if filterText == "" {
		m.filteredConfigs = nil
		return
	}

	m.filteredConfigs = []config.TunnelConfig{}
	for _, cfg := range all {
		fields := []string{cfg.Name, cfg.Context, cfg.Namespace, cfg.Service, strings.Join(cfg.Ports, ","), cfg.LocalInterface}
		for _, field := range fields {
			if strings.Contains(strings.ToLower(field), filterText) {
				m.filteredConfigs = append(m.filteredConfigs, cfg)
				break
			}
		}
	}
}
