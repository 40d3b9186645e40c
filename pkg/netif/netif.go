package netif

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"runtime"
	"strings"

	"github.com/xlttj/tunfwd/pkg/config"
	tferrors "github.com/xlttj/tunfwd/pkg/errors"
	"github.com/xlttj/tunfwd/pkg/executor"
	"github.com/xlttj/tunfwd/pkg/logging"

	"github.com/kballard/go-shellquote"
)

// Manager creates loopback aliases for tunnels bound to non-default addresses.
// Every OS command goes through the Executor.
type Manager struct {
	exec executor.Executor
	goos string
}

// NewManager returns a Manager for the running platform
func NewManager(exec executor.Executor) *Manager {
	return NewManagerFor(exec, runtime.GOOS)
}

// NewManagerFor returns a Manager for the given GOOS value
func NewManagerFor(exec executor.Executor, goos string) *Manager {
	return &Manager{exec: exec, goos: goos}
}

// IsDefaultAddress reports whether address needs no alias
func IsDefaultAddress(address string) bool {
	switch config.StripPort(address) {
	case "", "127.0.0.1", "0.0.0.0", "localhost":
		return true
	}
	return false
}

// EnsureInterfaceExists makes sure address (optionally "ip:port") is bound to
// a local interface, creating a loopback alias when needed. Creation is tried
// unprivileged first, then with `sudo -n`; it never prompts for a password.
func (m *Manager) EnsureInterfaceExists(ctx context.Context, address string) error {
	if IsDefaultAddress(address) {
		return nil
	}

	ip := config.StripPort(address)
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return tferrors.Newf(tferrors.KindInvalidInput, "interface", "", "invalid IP address %q", ip)
	}

	var addArgs []string
	switch m.goos {
	case "windows":
		// Alias creation isn't supported; the address only has to be well formed
		return nil
	case "linux":
		prefix := "/32"
		if parsed.To4() == nil {
			prefix = "/128"
		}
		addArgs = []string{"ip", "addr", "add", ip + prefix, "dev", "lo"}
	case "darwin":
		if parsed.To4() == nil {
			addArgs = []string{"ifconfig", "lo0", "inet6", "alias", ip}
		} else {
			addArgs = []string{"ifconfig", "lo0", "alias", ip}
		}
	default:
		return tferrors.Newf(tferrors.KindSystem, "interface", "", "creating interface aliases is not supported on %s", m.goos)
	}

	exists, err := m.Exists(ctx, ip)
	if err != nil {
		logging.LogDebug("Interface check for %s failed, trying to create it: %v", ip, err)
	}
	if exists {
		logging.LogDebug("Interface %s already exists", ip)
		return nil
	}

	if m.run(ctx, addArgs) {
		logging.LogInfo("Created interface alias %s", ip)
		return nil
	}

	sudoArgs := append([]string{"sudo", "-n"}, addArgs...)
	if m.run(ctx, sudoArgs) {
		logging.LogInfo("Created interface alias %s with sudo", ip)
		return nil
	}

	manual := shellquote.Join(append([]string{"sudo"}, addArgs...)...)
	logging.LogError("Failed to create interface %s, manual command: %s", ip, manual)
	return tferrors.Newf(tferrors.KindSystem, "interface", "", "failed to create interface %s. Please run: '%s'", ip, manual).
		WithHint(manual)
}

// Exists reports whether ip is assigned to a local interface
func (m *Manager) Exists(ctx context.Context, ip string) (bool, error) {
	var args []string
	switch m.goos {
	case "linux":
		args = []string{"ip", "addr", "show"}
	case "darwin":
		args = []string{"ifconfig"}
	default:
		return false, nil
	}

	out, err := m.exec.Execute(ctx, args[0], args[1:], nil)
	if err != nil {
		return false, err
	}
	if !out.Success {
		return false, fmt.Errorf("%s failed: %s", args[0], strings.TrimSpace(string(out.Stderr)))
	}
	return containsAddress(out.Stdout, ip), nil
}

func (m *Manager) run(ctx context.Context, args []string) bool {
	out, err := m.exec.Execute(ctx, args[0], args[1:], nil)
	if err != nil {
		logging.LogDebug("%s: %v", shellquote.Join(args...), err)
		return false
	}
	if !out.Success {
		logging.LogDebug("%s: %s", shellquote.Join(args...), strings.TrimSpace(string(out.Stderr)))
		return false
	}
	return true
}

// containsAddress scans `ip addr show` or `ifconfig` output for an
// inet/inet6 line carrying ip
func containsAddress(output []byte, ip string) bool {
	want := net.ParseIP(ip)
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || (fields[0] != "inet" && fields[0] != "inet6") {
			continue
		}
		addr := fields[1]
		if i := strings.IndexByte(addr, '/'); i >= 0 {
			addr = addr[:i]
		}
		if i := strings.IndexByte(addr, '%'); i >= 0 {
			addr = addr[:i]
		}
		if got := net.ParseIP(addr); got != nil && want != nil && got.Equal(want) {
			return true
		}
		if addr == ip {
			return true
		}
	}
	return false
}
