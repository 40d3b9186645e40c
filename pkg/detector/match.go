package detector

import (
	"strings"

	"github.com/xlttj/tunfwd/pkg/command"
	"github.com/xlttj/tunfwd/pkg/config"
)

// Matches reports whether a process line looks like the tunnel described by
// cfg. This is a substring heuristic over the command line, not an argv
// comparison: a process started with the same namespace, service and one
// shared port token matches even if its other arguments differ.
func Matches(line string, cfg config.TunnelConfig) bool {
	switch cfg.Normalized().Backend {
	case config.BackendKubectl:
		return matchesKubectl(line, cfg)
	case config.BackendSSH:
		return matchesSSH(line, cfg)
	}
	return false
}

func matchesKubectl(line string, cfg config.TunnelConfig) bool {
	if !strings.Contains(line, "kubectl") || !strings.Contains(line, "port-forward") {
		return false
	}
	if !matchesNamespace(line, cfg.Namespace) {
		return false
	}
	if cfg.Service == "" || !strings.Contains(line, cfg.Service) {
		return false
	}
	return containsAny(line, cfg.Ports)
}

func matchesNamespace(line, namespace string) bool {
	return strings.Contains(line, "-n "+namespace) ||
		strings.Contains(line, "--namespace="+namespace) ||
		strings.Contains(line, "--namespace "+namespace)
}

func matchesSSH(line string, cfg config.TunnelConfig) bool {
	if !strings.Contains(line, "ssh") || !strings.Contains(line, "-L") {
		return false
	}
	if cfg.Service == "" || !strings.Contains(line, cfg.Service) {
		return false
	}
	return containsAny(line, command.BuildPortMappings(cfg.Ports, cfg.LocalInterface))
}

func containsAny(line string, tokens []string) bool {
	for _, t := range tokens {
		if t != "" && strings.Contains(line, t) {
			return true
		}
	}
	return false
}
