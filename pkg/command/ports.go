package command

import (
	"os"
	"runtime"
	"strconv"

	"github.com/xlttj/tunfwd/pkg/config"
)

// PrivilegedPortLimit is the first port an unprivileged user may bind on Unix
const PrivilegedPortLimit = 1024

// PrivilegedPorts lists the local ports of cfg below 1024
func PrivilegedPorts(cfg config.TunnelConfig) []int {
	var ports []int
	for _, p := range cfg.LocalPorts() {
		if p < PrivilegedPortLimit {
			ports = append(ports, p)
		}
	}
	return ports
}

// CanBindPrivileged reports whether this process may bind ports below 1024
func CanBindPrivileged() bool {
	if runtime.GOOS == "windows" {
		return true
	}
	return os.Geteuid() == 0
}

func portString(p int) string {
	return strconv.Itoa(p)
}
