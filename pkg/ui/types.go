package ui

import (
	"github.com/xlttj/tunfwd/pkg/config"
	"github.com/xlttj/tunfwd/pkg/forward"
	"github.com/xlttj/tunfwd/pkg/registry"
)

// GroupState represents whether a group is expanded or collapsed
type GroupState struct {
	Expanded bool
	Count    int // Total items in group
	Active   int // Active items in group
}

// RowType represents the type of row in the table
type RowType int

const (
	RowTypeGroup RowType = iota
	RowTypeItem
)

// TableRow represents a row with metadata
type TableRow struct {
	Type      RowType
	Name      string // Tunnel name, empty for group headers
	GroupName string // Group name for group headers
	Data      []string
}

// tunnelEventMsg carries one event from the Forwarder's channel
type tunnelEventMsg forward.TunnelEvent

// verifyTickMsg triggers a background Verify
type verifyTickMsg struct{}

// verifyResultMsg is the outcome of a background Verify
type verifyResultMsg struct {
	statuses []registry.Status
	err      error
	// manual results do not schedule the next background tick
	manual bool
}

// configChangedMsg reports a change to the tunnel config file
type configChangedMsg config.WatchEvent

// watchClosedMsg is sent once the config watch channel is closed
type watchClosedMsg struct{}

// orphansMsg is the outcome of adopting orphaned tunnels
type orphansMsg struct {
	adopted []registry.Orphan
	err     error
}

// startResultMsg is the outcome of a Start issued from the table
type startResultMsg struct {
	name string
	pid  int
	err  error
}
