package ui

import "time"

// Table Column Titles
const (
	ColName      = "NAME"
	ColContext   = "CONTEXT"
	ColNamespace = "NAMESPACE"
	ColService   = "SERVICE"
	ColPorts     = "PORTS"
	ColBind      = "BIND"
	ColStatus    = "STATUS"
)

// Keyboard shortcuts
const (
	ShortcutExit         = "ctrl+x"
	ShortcutReloadConfig = "ctrl+r"
	ShortcutVerify       = "v"
	ShortcutAdopt        = "a"
	ShortcutRename       = "r"
	ShortcutGroup        = "g"
	ShortcutFilter       = "/"
	ShortcutToggle       = " "
)

// Numeric Constants for Layout/Indexing
const (
	MinTableHeight    = 4  // Minimum height for tables after calculation
	TunnelsViewOffset = 14 // Estimated non-table lines in the tunnels view, output pane included
	OutputLines       = 5  // Output lines kept per tunnel for the output pane
)

// VerifyInterval is how often the registry is re-probed in the background
const VerifyInterval = 5 * time.Second

// Status Strings - these are display-only, not stored in config
const (
	StatusStopped = "Stopped"
	StatusRunning = "Running"
	StatusAdopted = "Running (adopted)"
	StatusFailed  = "Failed"
)

// Lipgloss Colors
const (
	ColorBorder     = "240"
	ColorSelectedFg = "229"
	ColorSelectedBg = "57"
	ColorTitle      = "14"  // Cyan for titles
	ColorHelp       = "245" // Grey for help text
	ColorError      = "9"   // Red for errors
	ColorStatus     = "10"  // Green for status messages
	ColorEdit       = "11"  // Yellow for the rename prompt
	ColorOutput     = "250"
)
