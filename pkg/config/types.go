package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	tferrors "github.com/xlttj/tunfwd/pkg/errors"
)

// Backend selects which external binary carries a tunnel
type Backend string

const (
	BackendKubectl Backend = "kubectl"
	BackendSSH     Backend = "ssh"
)

// DefaultBindIP is used when a tunnel has no local interface configured
const DefaultBindIP = "127.0.0.1"

// UnmarshalText accepts any casing ("Kubectl", "ssh", ...) and defaults to kubectl
func (b *Backend) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "", "kubectl":
		*b = BackendKubectl
	case "ssh":
		*b = BackendSSH
	default:
		return fmt.Errorf("unknown forward_type %q (expected kubectl or ssh)", string(text))
	}
	return nil
}

// TunnelConfig is a named tunnel definition.
// Runtime status is owned by the registry, never stored here.
type TunnelConfig struct {
	Name           string   `json:"name" yaml:"name"`
	Context        string   `json:"context" yaml:"context"`
	Namespace      string   `json:"namespace" yaml:"namespace"`
	Service        string   `json:"service" yaml:"service"` // k8s service or ssh target
	Ports          []string `json:"ports" yaml:"ports"`     // "local" or "local:remote"
	LocalInterface string   `json:"local_interface,omitempty" yaml:"local_interface,omitempty"`
	Backend        Backend  `json:"forward_type" yaml:"forward_type"`
}

// ConfigFile is the on-disk tunnel list document
type ConfigFile struct {
	Configs []TunnelConfig `json:"configs" yaml:"configs"`
}

// Normalized returns a copy with defaults applied
func (c TunnelConfig) Normalized() TunnelConfig {
	if c.Backend == "" {
		c.Backend = BackendKubectl
	}
	c.Name = strings.TrimSpace(c.Name)
	c.LocalInterface = strings.TrimSpace(c.LocalInterface)
	c.Ports = append([]string(nil), c.Ports...)
	return c
}

// Validate checks the fields the command builders depend on
func (c TunnelConfig) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return tferrors.Newf(tferrors.KindInvalidInput, "validate", c.Name, format, args...)
	}

	if strings.TrimSpace(c.Name) == "" {
		return invalid("name must not be empty")
	}
	if strings.TrimSpace(c.Service) == "" {
		return invalid("service must not be empty")
	}
	if len(c.Ports) == 0 {
		return invalid("at least one port is required")
	}
	for i, p := range c.Ports {
		if strings.TrimSpace(p) == "" {
			return invalid("port entry %d is empty", i)
		}
	}
	switch c.Backend {
	case "", BackendKubectl, BackendSSH:
	default:
		return invalid("unknown forward_type %q", c.Backend)
	}
	if _, _, err := c.BindAddress(); err != nil {
		return err
	}
	return nil
}

// BindAddress splits LocalInterface into the bind IP and an optional local
// port override (0 when absent). A trailing ":port" is only an override when
// it parses as a port number; bare IPv6 addresses are never split. An empty
// LocalInterface yields ("", 0, nil).
func (c TunnelConfig) BindAddress() (string, int, error) {
	return ParseBindAddress(c.LocalInterface)
}

// BindIP returns the bind address, defaulting to 127.0.0.1
func (c TunnelConfig) BindIP() string {
	ip, _, err := c.BindAddress()
	if err != nil || ip == "" {
		return DefaultBindIP
	}
	return ip
}

// ParseBindAddress implements TunnelConfig.BindAddress for a raw string
func ParseBindAddress(s string) (string, int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", 0, nil
	}
	if isHost(s) {
		return s, 0, nil
	}

	// [::1]:8080
	if strings.HasPrefix(s, "[") {
		host, port, err := net.SplitHostPort(s)
		if err == nil && isHost(host) {
			if p, ok := parsePort(port); ok {
				return host, p, nil
			}
		}
		return "", 0, tferrors.Newf(tferrors.KindInvalidInput, "parse local interface", "", "invalid address %q", s)
	}

	if idx := strings.LastIndex(s, ":"); idx > 0 {
		host, port := s[:idx], s[idx+1:]
		if p, ok := parsePort(port); ok && isHost(host) {
			return host, p, nil
		}
	}
	return "", 0, tferrors.Newf(tferrors.KindInvalidInput, "parse local interface", "", "invalid address %q", s)
}

// StripPort removes a ":port" suffix from an address, leaving bare IPs untouched
func StripPort(address string) string {
	ip, _, err := ParseBindAddress(address)
	if err != nil || ip == "" {
		return strings.TrimSpace(address)
	}
	return ip
}

func isHost(s string) bool {
	return s == "localhost" || net.ParseIP(s) != nil
}

func parsePort(s string) (int, bool) {
	p, err := strconv.ParseUint(s, 10, 16)
	if err != nil || p == 0 {
		return 0, false
	}
	return int(p), true
}

// LocalPorts returns the local port of each Ports entry, after the
// LocalInterface override. Entries that don't carry a numeric local port
// (custom multi-colon forms, ":remote") are skipped.
func (c TunnelConfig) LocalPorts() []int {
	_, override, _ := c.BindAddress()
	var ports []int
	for _, entry := range c.Ports {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) > 2 {
			continue
		}
		if override > 0 {
			ports = append(ports, override)
			continue
		}
		if p, ok := parsePort(parts[0]); ok {
			ports = append(ports, p)
		}
	}
	return ports
}

// Equal reports whether two configs describe the same tunnel
func (c TunnelConfig) Equal(other TunnelConfig) bool {
	a, b := c.Normalized(), other.Normalized()
	if a.Name != b.Name || a.Context != b.Context || a.Namespace != b.Namespace ||
		a.Service != b.Service || a.LocalInterface != b.LocalInterface || a.Backend != b.Backend {
		return false
	}
	if len(a.Ports) != len(b.Ports) {
		return false
	}
	for i := range a.Ports {
		if a.Ports[i] != b.Ports[i] {
			return false
		}
	}
	return true
}
