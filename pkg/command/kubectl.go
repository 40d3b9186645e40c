package command

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/xlttj/tunfwd/pkg/config"
)

// extraPathDirs are common install locations of credential plugins
// (gke-gcloud-auth-plugin, aws-iam-authenticator, ...). Desktop launches
// don't inherit the login shell PATH, so they are appended when present.
var extraPathDirs = []string{
	"/usr/local/bin",
	"/opt/homebrew/bin",
	"/opt/homebrew/sbin",
	"/usr/bin",
	"/bin",
	"/usr/sbin",
	"/sbin",
}

var extraHomePathDirs = []string{
	".local/bin",
	"bin",
	"google-cloud-sdk/bin",
	".krew/bin",
}

// passthroughVars are copied into the kubectl environment when set
var passthroughVars = []string{
	// Google Cloud
	"GOOGLE_APPLICATION_CREDENTIALS",
	"CLOUDSDK_CONFIG",
	"CLOUDSDK_ACTIVE_CONFIG_NAME",
	// AWS
	"AWS_PROFILE",
	"AWS_DEFAULT_PROFILE",
	"AWS_CONFIG_FILE",
	"AWS_SHARED_CREDENTIALS_FILE",
	"AWS_ACCESS_KEY_ID",
	"AWS_SECRET_ACCESS_KEY",
	"AWS_SESSION_TOKEN",
	"AWS_REGION",
	"AWS_DEFAULT_REGION",
	// Azure
	"AZURE_CONFIG_DIR",
	// Generic
	"USER",
	"SHELL",
}

// KubectlBuilder builds `kubectl port-forward` invocations
type KubectlBuilder struct {
	KubectlPath    string
	KubeconfigPath string

	lookupEnv  func(string) (string, bool)
	pathExists func(string) bool
}

// NewKubectlBuilder returns a builder reading the process environment
func NewKubectlBuilder(kubectlPath, kubeconfigPath string) KubectlBuilder {
	if kubectlPath == "" {
		kubectlPath = "kubectl"
	}
	return KubectlBuilder{
		KubectlPath:    kubectlPath,
		KubeconfigPath: kubeconfigPath,
		lookupEnv:      os.LookupEnv,
		pathExists:     fileExists,
	}
}

// Build returns the port-forward command for cfg. Ports are passed verbatim.
func (b KubectlBuilder) Build(cfg config.TunnelConfig) Command {
	var args []string
	if cfg.Context != "" {
		args = append(args, "--context", cfg.Context)
	}
	args = append(args, "-n", cfg.Namespace, "port-forward", cfg.Service)

	if cfg.LocalInterface != "" {
		args = append(args, "--address", config.StripPort(cfg.LocalInterface))
	}
	args = append(args, cfg.Ports...)

	program := b.KubectlPath
	if program == "" {
		program = "kubectl"
	}
	return Command{Program: program, Args: args, Env: b.environment()}
}

func (b KubectlBuilder) environment() []string {
	lookup := b.lookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}

	env := []string{"PATH=" + b.pathEnv()}
	if home, ok := lookup("HOME"); ok {
		env = append(env, "HOME="+home)
	}
	for _, name := range passthroughVars {
		if value, ok := lookup(name); ok {
			env = append(env, name+"="+value)
		}
	}
	if b.KubeconfigPath != "" {
		env = append(env, "KUBECONFIG="+b.KubeconfigPath)
	}
	return env
}

func (b KubectlBuilder) pathEnv() string {
	lookup := b.lookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	exists := b.pathExists
	if exists == nil {
		exists = fileExists
	}

	var paths []string
	if current, ok := lookup("PATH"); ok && current != "" {
		paths = append(paths, current)
	}
	for _, dir := range extraPathDirs {
		if exists(dir) {
			paths = append(paths, dir)
		}
	}
	if home, ok := lookup("HOME"); ok && home != "" {
		for _, rel := range extraHomePathDirs {
			dir := filepath.Join(home, rel)
			if exists(dir) {
				paths = append(paths, dir)
			}
		}
	}
	return strings.Join(paths, string(os.PathListSeparator))
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
