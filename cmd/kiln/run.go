package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/kiln/internal/sandbox"
	"github.com/michaelbrown/kiln/internal/storage"
)

var (
	evalFlag   string
	jsonFlag   bool
	noSaveFlag bool
)

var runCmd = &cobra.Command{
	Use:   "run [file|-]",
	Short: "Execute a program in the sandbox",
	Long: `Execute a program against the configured tools and print its result.

The program is read from the given file, from stdin when the file is "-",
or from --eval.

Examples:
  kiln run plan.star
  echo 'result = add(2, 3)' | kiln run -
  kiln run -e 'result = multiply(6, 7)' --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&evalFlag, "eval", "e", "", "Program text to execute")
	runCmd.Flags().BoolVar(&jsonFlag, "json", false, "Print the result envelope as JSON")
	runCmd.Flags().BoolVar(&noSaveFlag, "no-save", false, "Do not record the execution in history")
	rootCmd.AddCommand(runCmd)
}

func readProgram(args []string) (string, error) {
	switch {
	case evalFlag != "":
		return evalFlag, nil
	case len(args) == 0 || args[0] == "-":
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		return string(data), nil
	default:
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", fmt.Errorf("reading program: %w", err)
		}
		return string(data), nil
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	program, err := readProgram(args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx, setup{tools: true, store: !noSaveFlag})
	if err != nil {
		return err
	}
	defer a.Close()

	res := a.engine.Execute(ctx, program)
	id := a.save(program, res)

	if jsonFlag {
		env := res.Envelope()
		if id != "" {
			env["id"] = id
		}
		if res.Output != "" {
			env["output"] = res.Output
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(env); err != nil {
			return err
		}
	} else {
		printResult(res)
	}

	if !res.OK() {
		return errFailed
	}
	return nil
}

// save records res in history and returns its id, or "" when history is off.
func (a *app) save(program string, res *sandbox.Result) string {
	if a.store == nil {
		return ""
	}
	id := uuid.New().String()
	if err := a.store.SaveExecution(context.Background(), storage.FromResult(id, program, res)); err != nil {
		a.logger.Warn("saving execution", slog.String("error", err.Error()))
		return ""
	}
	return id
}

func printResult(res *sandbox.Result) {
	if res.Output != "" {
		fmt.Print(res.Output)
	}
	if res.OK() {
		fmt.Println(res.Payload)
		fmt.Printf("\033[90m(%ss, started %s)\033[0m\n", res.TotalTime(), res.ExecutionTime())
		return
	}
	fmt.Fprintf(os.Stderr, "\033[31merror: %s\033[0m\n", res.Payload)
	fmt.Fprintf(os.Stderr, "\033[90m(%s, %ss)\033[0m\n", res.Category(), res.TotalTime())
}
