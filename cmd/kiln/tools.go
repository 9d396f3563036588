package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/michaelbrown/kiln/internal/catalog"
)

var (
	serversFlag []string
	formatFlag  string
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools offered by the configured servers",
	Long: `Probe every enabled server and list the catalogued tools.

Examples:
  kiln tools
  kiln tools --servers math,docs
  kiln tools --format yaml`,
	Args: cobra.NoArgs,
	RunE: runTools,
}

func init() {
	toolsCmd.Flags().StringSliceVar(&serversFlag, "servers", nil, "Restrict the listing to these server ids")
	toolsCmd.Flags().StringVar(&formatFlag, "format", "text", "Output format: text, json or yaml")
	rootCmd.AddCommand(toolsCmd)
}

// toolView is the listing form of a descriptor.
type toolView struct {
	Name        string          `json:"name" yaml:"name"`
	Server      string          `json:"server" yaml:"server"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	Signature   string          `json:"signature" yaml:"signature"`
	Nested      bool            `json:"nested,omitempty" yaml:"nested,omitempty"`
	Params      []catalog.Param `json:"params" yaml:"params"`
}

func toolViews(descs []*catalog.Descriptor) []toolView {
	views := make([]toolView, len(descs))
	for i, d := range descs {
		views[i] = toolView{
			Name:        d.Name,
			Server:      d.Server.ID,
			Description: d.Description,
			Signature:   catalog.Signature(d),
			Nested:      d.Nested(),
			Params:      d.Params,
		}
	}
	return views
}

func runTools(cmd *cobra.Command, args []string) error {
	a, err := bootstrap(context.Background(), setup{tools: true})
	if err != nil {
		return err
	}
	defer a.Close()

	for _, s := range a.catalog.Skipped() {
		fmt.Fprintf(os.Stderr, "Warning: server %s skipped: %s\n", s.ID, s.Error)
	}

	switch strings.ToLower(formatFlag) {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(toolViews(a.catalog.Tools(serversFlag...)))
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(toolViews(a.catalog.Tools(serversFlag...)))
	case "text":
		listing := a.catalog.Describe(serversFlag...)
		if listing == "" {
			fmt.Println("No tools available.")
			return nil
		}
		fmt.Println(listing)
		return nil
	default:
		return fmt.Errorf("unknown format %q (want text, json or yaml)", formatFlag)
	}
}
