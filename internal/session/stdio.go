package session

import (
	"context"
	"os"
	"os/exec"

	"github.com/mark3labs/mcp-go/client/transport"

	"github.com/michaelbrown/kiln/internal/catalog"
)

// StdioTransport launches cfg.Command with cfg.Args in cfg.Cwd and speaks
// MCP over its stdin and stdout.
func StdioTransport(cfg catalog.ServerConfig) (transport.Interface, error) {
	if cfg.Command == "" {
		return nil, ErrNoCommand
	}
	cmdFunc := func(ctx context.Context, command string, env []string, args []string) (*exec.Cmd, error) {
		cmd := exec.CommandContext(ctx, command, args...)
		cmd.Env = append(os.Environ(), env...)
		cmd.Dir = cfg.Cwd
		return cmd, nil
	}
	return transport.NewStdioWithOptions(cfg.Command, cfg.Environ(), cfg.Args,
		transport.WithCommandFunc(cmdFunc)), nil
}
