package command

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
)

// ErrKubectlNotFound is returned when kubectl is neither on PATH nor in a known location
var ErrKubectlNotFound = errors.New("kubectl not found")

var kubectlCandidates = []string{
	"/opt/homebrew/bin/kubectl",
	"/usr/local/bin/kubectl",
	"/usr/bin/kubectl",
	"/snap/bin/kubectl",
	"/usr/local/google-cloud-sdk/bin/kubectl",
}

// DetectKubectlPath resolves kubectl from PATH, then from common install locations
func DetectKubectlPath() (string, error) {
	return detectKubectlPath(exec.LookPath, fileExists)
}

func detectKubectlPath(lookPath func(string) (string, error), exists func(string) bool) (string, error) {
	if path, err := lookPath("kubectl"); err == nil {
		return path, nil
	}
	for _, candidate := range kubectlCandidates {
		if exists(candidate) {
			return candidate, nil
		}
	}
	return "", ErrKubectlNotFound
}

// ExpandKubeconfig expands ~ in a configured kubeconfig override. An empty
// override stays empty, so KUBECONFIG is only set when one was configured.
func ExpandKubeconfig(override string) string {
	if override == "" {
		return ""
	}
	if expanded, err := homedir.Expand(override); err == nil {
		return expanded
	}
	return override
}

// ResolveKubeconfig returns the kubeconfig kubectl will end up using: the configured
// override, else $KUBECONFIG, else ~/.kube/config when it exists. An empty
// result lets kubectl apply its own defaults.
func ResolveKubeconfig(override string) string {
	return resolveKubeconfig(override, os.LookupEnv, fileExists)
}

func resolveKubeconfig(override string, lookup func(string) (string, bool), exists func(string) bool) string {
	if override != "" {
		return ExpandKubeconfig(override)
	}
	if env, ok := lookup("KUBECONFIG"); ok && env != "" {
		return env
	}
	home, err := homedir.Dir()
	if err != nil {
		return ""
	}
	def := filepath.Join(home, ".kube", "config")
	if exists(def) {
		return def
	}
	return ""
}
