package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Start an interactive program prompt",
	Long: `Start an interactive prompt that executes programs in the sandbox.

Type program lines; a blank line runs the buffered program. Ctrl+C cancels
a running program, or clears the buffer when idle.

Examples:
  kiln repl
  kiln repl --config ./kiln.yaml`,
	Args: cobra.NoArgs,
	RunE: runRepl,
}

func init() {
	rootCmd.AddCommand(replCmd)
}

const (
	promptMain = "\033[36mkiln>\033[0m "
	promptCont = "\033[36m  ...\033[0m "
)

func runRepl(cmd *cobra.Command, args []string) error {
	a, err := bootstrap(context.Background(), setup{tools: true, store: true})
	if err != nil {
		return err
	}
	defer a.Close()

	policy := a.engine.Policy()
	fmt.Printf("Kiln - Interactive Sandbox\n")
	fmt.Printf("Tools: %d | Max calls: %d | Modules: %s\n",
		a.catalog.Len(), policy.MaxCalls, strings.Join(policy.Modules, ", "))
	fmt.Printf("Type /help for commands, /quit to exit\n\n")

	historyFile := ""
	if home, err := os.UserHomeDir(); err == nil {
		historyFile = filepath.Join(home, ".kiln", "repl_history")
		os.MkdirAll(filepath.Dir(historyFile), 0o755)
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          promptMain,
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	// Ctrl+C while a program runs cancels it, not the whole app.
	var (
		mu        sync.Mutex
		runCancel context.CancelFunc
	)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			mu.Lock()
			if runCancel != nil {
				runCancel()
			}
			mu.Unlock()
		}
	}()

	var buf []string
	for {
		if len(buf) == 0 {
			rl.SetPrompt(promptMain)
		} else {
			rl.SetPrompt(promptCont)
		}

		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt && len(buf) > 0 {
				buf = nil
				continue
			}
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return nil
			}
			return err
		}

		if len(buf) == 0 && strings.HasPrefix(strings.TrimSpace(line), "/") {
			if quit := a.handleCommand(strings.TrimSpace(line)); quit {
				return nil
			}
			continue
		}

		if strings.TrimSpace(line) != "" {
			buf = append(buf, line)
			continue
		}
		if len(buf) == 0 {
			continue
		}

		program := strings.Join(buf, "\n")
		buf = nil

		ctx, cancel := context.WithCancel(context.Background())
		mu.Lock()
		runCancel = cancel
		mu.Unlock()

		res := a.engine.Execute(ctx, program)
		interrupted := ctx.Err() != nil

		mu.Lock()
		runCancel = nil
		mu.Unlock()
		cancel()

		if interrupted {
			fmt.Println("(interrupted)")
			continue
		}
		a.save(program, res)
		printResult(res)
		fmt.Println()
	}
}

// handleCommand runs a slash command and reports whether to exit.
func (a *app) handleCommand(input string) bool {
	fields := strings.Fields(input)
	switch strings.ToLower(fields[0]) {
	case "/quit", "/exit", "/q":
		fmt.Println("Goodbye!")
		return true
	case "/tools":
		listing := a.catalog.Describe(fields[1:]...)
		if listing == "" {
			listing = "No tools available."
		}
		fmt.Println(listing)
		fmt.Println()
	case "/modules":
		fmt.Println(strings.Join(a.engine.Policy().Modules, "\n"))
		fmt.Println()
	case "/help":
		fmt.Println("Commands:")
		fmt.Println("  /help             - Show this help")
		fmt.Println("  /tools [server..] - List tool signatures")
		fmt.Println("  /modules          - List importable modules")
		fmt.Println("  /quit             - Exit")
		fmt.Println()
		fmt.Println("Enter program lines, then a blank line to run them.")
		fmt.Println()
	default:
		fmt.Printf("Unknown command: %s (try /help)\n\n", input)
	}
	return false
}
