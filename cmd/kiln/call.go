package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/michaelbrown/kiln/internal/dispatch"
)

var callCmd = &cobra.Command{
	Use:   "call <expr> | <tool> [args...]",
	Short: "Call one tool directly",
	Long: `Call a single tool through the dispatcher, bypassing the sandbox.

With one argument containing "(", the argument is parsed as a call
expression with literal arguments. Otherwise the first argument is the tool
name and each further argument is decoded as a YAML scalar or collection.

Examples:
  kiln call 'add(2, 3)'
  kiln call add 2 3
  kiln call word_count "hello world"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCall,
}

func init() {
	rootCmd.AddCommand(callCmd)
}

// parseArg decodes a command-line argument as YAML, so 2 is an int,
// true a bool and [1, 2] a list. Anything else stays a string.
func parseArg(raw string) any {
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
		return raw
	}
	switch v.(type) {
	case map[string]any, []any, int, float64, bool:
		return v
	default:
		return raw
	}
}

func runCall(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx, setup{tools: true})
	if err != nil {
		return err
	}
	defer a.Close()

	var result any
	if len(args) == 1 {
		result, err = a.dispatcher.Dispatch(ctx, args[0])
	} else {
		callArgs := make([]any, len(args)-1)
		for i, raw := range args[1:] {
			callArgs[i] = parseArg(raw)
		}
		result, err = a.dispatcher.Call(ctx, args[0], callArgs...)
	}
	if err != nil {
		return err
	}
	return printValue(result)
}

func printValue(v any) error {
	if res, ok := v.(*mcp.CallToolResult); ok {
		if msg, failed := dispatch.ErrorText(res); failed {
			fmt.Fprintf(os.Stderr, "\033[31mtool error: %s\033[0m\n", msg)
			return errFailed
		}
		for _, c := range res.Content {
			if text, ok := dispatch.TextOf(c); ok {
				fmt.Println(text)
			}
		}
		return nil
	}
	if s, ok := v.(string); ok {
		fmt.Println(s)
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
