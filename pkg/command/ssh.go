package command

import (
	"net"
	"strings"

	"github.com/xlttj/tunfwd/pkg/config"
)

// sshOptions never prompt: batch mode, no host key confirmation, 10s
// connect timeout and keep-alive probing
var sshOptions = []string{
	"-N",
	"-o", "BatchMode=yes",
	"-o", "StrictHostKeyChecking=no",
	"-o", "ConnectTimeout=10",
	"-o", "ServerAliveInterval=60",
	"-o", "ServerAliveCountMax=3",
}

// SSHBuilder builds `ssh -N -L ...` invocations
type SSHBuilder struct{}

// Build returns the ssh command for cfg; Service is the ssh target
func (SSHBuilder) Build(cfg config.TunnelConfig) Command {
	args := append([]string(nil), sshOptions...)
	for _, mapping := range BuildPortMappings(cfg.Ports, cfg.LocalInterface) {
		args = append(args, "-L", mapping)
	}
	args = append(args, cfg.Service)
	return Command{Program: "ssh", Args: args}
}

// BuildPortMappings turns port entries into ssh -L forward specs of the form
// bindIP:localPort:localhost:remotePort. localInterface may carry a port that
// overrides every local port. Entries with more than one colon are passed
// through as bindIP:<entry>.
func BuildPortMappings(ports []string, localInterface string) []string {
	bindIP, override := config.DefaultBindIP, ""
	if localInterface != "" {
		ip, port, err := config.ParseBindAddress(localInterface)
		if err != nil {
			bindIP = strings.TrimSpace(localInterface)
		} else {
			bindIP = ip
			if port > 0 {
				override = portString(port)
			}
		}
	}
	if strings.Contains(bindIP, ":") && net.ParseIP(bindIP) != nil {
		bindIP = "[" + bindIP + "]"
	}

	mappings := make([]string, 0, len(ports))
	for _, entry := range ports {
		mappings = append(mappings, formatPortMapping(entry, bindIP, override))
	}
	return mappings
}

func formatPortMapping(entry, bindIP, override string) string {
	parts := strings.Split(entry, ":")
	switch len(parts) {
	case 1:
		local := parts[0]
		if override != "" {
			local = override
		}
		return bindIP + ":" + local + ":localhost:" + parts[0]
	case 2:
		local := parts[0]
		if override != "" {
			local = override
		}
		return bindIP + ":" + local + ":localhost:" + parts[1]
	default:
		return bindIP + ":" + entry
	}
}
