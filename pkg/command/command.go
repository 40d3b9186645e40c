package command

import (
	"fmt"

	"github.com/xlttj/tunfwd/pkg/config"
	tferrors "github.com/xlttj/tunfwd/pkg/errors"

	"github.com/kballard/go-shellquote"
)

// Command is a fully resolved external invocation
type Command struct {
	Program string
	Args    []string
	// Env is a KEY=VALUE list layered on top of the inherited environment
	Env []string
}

// String renders the command line as a shell would accept it
func (c Command) String() string {
	return shellquote.Join(append([]string{c.Program}, c.Args...)...)
}

// Builder dispatches to the kubectl or ssh builder based on the tunnel's backend
type Builder struct {
	Kubectl KubectlBuilder
	SSH     SSHBuilder
}

// NewBuilder returns a Builder for the given kubectl binary and optional kubeconfig
func NewBuilder(kubectlPath, kubeconfigPath string) *Builder {
	return &Builder{
		Kubectl: NewKubectlBuilder(kubectlPath, kubeconfigPath),
		SSH:     SSHBuilder{},
	}
}

// Build returns the command that runs the tunnel
func (b *Builder) Build(cfg config.TunnelConfig) (Command, error) {
	switch cfg.Normalized().Backend {
	case config.BackendKubectl:
		return b.Kubectl.Build(cfg), nil
	case config.BackendSSH:
		return b.SSH.Build(cfg), nil
	default:
		return Command{}, tferrors.New(tferrors.KindInvalidInput, "build", cfg.Name,
			fmt.Errorf("unknown forward_type %q", cfg.Backend))
	}
}
