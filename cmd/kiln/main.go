package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configFlag   string
	logLevelFlag string
)

// errFailed signals a failed execution or tool call whose details were
// already printed.
var errFailed = errors.New("failed")

var rootCmd = &cobra.Command{
	Use:   "kiln",
	Short: "Kiln - sandboxed executor for tool-calling programs",
	Long: `Kiln runs small generated programs against tools served by MCP servers.

Each program runs in a restricted Starlark sandbox where every configured
tool is a callable. Every tool call spawns a fresh server process.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default: ./kiln.yaml or $HOME/.kiln/kiln.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errFailed) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
