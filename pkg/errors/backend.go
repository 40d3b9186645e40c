package errors

import (
	"fmt"
	"strings"
)

// backendRule maps a set of output fragments to user guidance.
// All fragments must be present (case-insensitive) for the rule to match.
type backendRule struct {
	all  []string
	msg  string
	hint string
}

var kubectlRules = []backendRule{
	{all: []string{"address already in use"}, msg: "local port already in use", hint: "Stop the process holding the port or choose another local port"},
	{all: []string{"unable to listen on any of the requested ports"}, msg: "local port already in use", hint: "Stop the process holding the port or choose another local port"},
	{all: []string{"gke-gcloud-auth-plugin"}, msg: "GKE auth plugin required", hint: "gcloud components install gke-gcloud-auth-plugin"},
	{all: []string{"gke_gcloud_auth_plugin"}, msg: "GKE auth plugin required", hint: "gcloud components install gke-gcloud-auth-plugin"},
	{all: []string{"token", "expired"}, msg: "authentication token expired", hint: "For GKE clusters, run: gcloud auth application-default login"},
	{all: []string{"unauthorized"}, msg: "authentication failed", hint: "For GKE clusters, run: gcloud auth application-default login"},
	{all: []string{"forbidden"}, msg: "authentication failed", hint: "Check that your user may port-forward in this namespace"},
	{all: []string{"unable to connect"}, msg: "unable to connect to cluster", hint: "Check your internet connection and cluster status"},
	{all: []string{"connection refused"}, msg: "unable to connect to cluster", hint: "Check your internet connection and cluster status"},
	{all: []string{"context", "does not exist"}, msg: "kubectl context not found", hint: "kubectl config get-contexts, then fix the tunnel's context"},
	{all: []string{"no cluster"}, msg: "no active kubectl context", hint: "kubectl config use-context <context-name>"},
	{all: []string{"notfound"}, msg: "service or namespace not found", hint: "Check the namespace and service of the tunnel"},
	{all: []string{"not found"}, msg: "service or namespace not found", hint: "Check the namespace and service of the tunnel"},
}

var sshRules = []backendRule{
	{all: []string{"address already in use"}, msg: "local port already in use", hint: "Stop the process holding the port or choose another local port"},
	{all: []string{"permission denied", "publickey"}, msg: "ssh authentication failed", hint: "Load your key with ssh-add or configure IdentityFile in ~/.ssh/config"},
	{all: []string{"host key verification failed"}, msg: "ssh host key verification failed", hint: "Remove the stale entry with ssh-keygen -R <host>"},
	{all: []string{"could not resolve hostname"}, msg: "ssh host not found", hint: "Check the tunnel's target host name"},
	{all: []string{"connection refused"}, msg: "ssh connection refused", hint: "Check that sshd is running on the target and the port is reachable"},
	{all: []string{"timed out"}, msg: "ssh connection timed out", hint: "Check network access to the target host"},
}

// DiagnoseBackend pattern-matches the output of a failed kubectl or ssh run
// and returns a Backend error with actionable guidance. Unknown output is
// still wrapped as a Backend error carrying the last non-empty line.
func DiagnoseBackend(backend, name, output string) *Error {
	rules := kubectlRules
	if backend == "ssh" {
		rules = sshRules
	}

	lower := strings.ToLower(output)
	for _, rule := range rules {
		if matchesAll(lower, rule.all) {
			return New(KindBackend, backend, name, fmt.Errorf("%s", rule.msg)).WithHint(rule.hint)
		}
	}

	last := lastLine(output)
	if last == "" {
		last = "exited with an error"
	}
	return New(KindBackend, backend, name, fmt.Errorf("%s", last))
}

func matchesAll(s string, fragments []string) bool {
	for _, f := range fragments {
		if !strings.Contains(s, f) {
			return false
		}
	}
	return true
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
