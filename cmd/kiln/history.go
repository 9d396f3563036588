package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/kiln/internal/sandbox"
	"github.com/michaelbrown/kiln/internal/storage"
)

var (
	statusFilter string
	limitFlag    int
	offsetFlag   int
	exportFormat string
	exportOutput string
	forceFlag    bool
)

var historyCmd = &cobra.Command{
	Use:     "history",
	Aliases: []string{"h"},
	Short:   "Inspect recorded executions",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded executions",
	Args:  cobra.NoArgs,
	RunE:  runHistoryList,
}

var historyShowCmd = &cobra.Command{
	Use:   "show <execution-id>",
	Short: "Show an execution's program and result",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryShow,
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete <execution-id>",
	Short: "Delete an execution",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryDelete,
}

var historyExportCmd = &cobra.Command{
	Use:   "export [execution-id...]",
	Short: "Export executions as markdown or JSON",
	Long: `Export one or more executions. With no ids, the most recent
executions (see --limit) are exported.`,
	RunE: runHistoryExport,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyListCmd, historyShowCmd, historyDeleteCmd, historyExportCmd)

	historyListCmd.Flags().StringVar(&statusFilter, "status", "", "Filter by status (success, error)")
	historyListCmd.Flags().IntVar(&limitFlag, "limit", 20, "Max executions to show")
	historyListCmd.Flags().IntVar(&offsetFlag, "offset", 0, "Skip this many executions")

	historyExportCmd.Flags().StringVar(&exportFormat, "format", "md", "Export format: md or json")
	historyExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")
	historyExportCmd.Flags().IntVar(&limitFlag, "limit", 20, "Executions to export when no id is given")

	historyDeleteCmd.Flags().BoolVar(&forceFlag, "force", false, "Skip confirmation")
}

func runHistoryList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	execs, err := store.ListExecutions(context.Background(), storage.ExecutionListOptions{
		Status: sandbox.Status(statusFilter),
		Limit:  limitFlag,
		Offset: offsetFlag,
	})
	if err != nil {
		return err
	}

	if len(execs) == 0 {
		fmt.Println("No executions found.")
		return nil
	}

	// Header
	fmt.Printf("%-10s %-8s %-20s %-44s %8s %s\n", "ID", "STATUS", "CATEGORY", "PROGRAM", "TIME", "WHEN")
	fmt.Println(strings.Repeat("─", 104))

	for _, e := range execs {
		program := firstLine(e.Program)
		if len(program) > 42 {
			program = program[:42] + ".."
		}
		category := e.Category
		if category == "" {
			category = "-"
		}
		fmt.Printf("%-10s %-8s %-20s %-44s %7ss %s\n",
			shortID(e.ID), e.Status, category, program, e.TotalTime, timeAgo(e.CreatedAt))
	}

	return nil
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	e, err := store.GetExecution(context.Background(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Execution: %s\n", e.ID)
	fmt.Printf("Status:    %s\n", e.Status)
	if e.Category != "" {
		fmt.Printf("Category:  %s\n", e.Category)
	}
	fmt.Printf("Started:   %s\n", e.ExecutionTime)
	fmt.Printf("Total:     %ss\n", e.TotalTime)
	fmt.Printf("Calls:     %d\n", e.Calls)
	fmt.Printf("Recorded:  %s\n", e.CreatedAt.Local().Format(time.RFC3339))

	fmt.Println(strings.Repeat("─", 60))
	fmt.Println(e.Program)
	fmt.Println(strings.Repeat("─", 60))

	if e.Output != "" {
		for _, line := range strings.Split(strings.TrimRight(e.Output, "\n"), "\n") {
			fmt.Printf("\033[90m│ %s\033[0m\n", line)
		}
	}
	if e.Status == sandbox.StatusSuccess {
		fmt.Printf("\033[32mresult>\033[0m %s\n", e.Payload)
	} else {
		fmt.Printf("\033[31merror>\033[0m %s\n", e.Payload)
	}
	return nil
}

func runHistoryDelete(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	e, err := store.GetExecution(ctx, args[0])
	if err != nil {
		return err
	}

	if !forceFlag {
		fmt.Printf("Delete execution %s - %q? [y/N] ", shortID(e.ID), firstLine(e.Program))
		var confirm string
		fmt.Scanln(&confirm)
		if strings.ToLower(confirm) != "y" {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	if err := store.DeleteExecution(ctx, e.ID); err != nil {
		return err
	}
	fmt.Printf("Deleted execution %s\n", shortID(e.ID))
	return nil
}

func runHistoryExport(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	var execs []*storage.Execution
	if len(args) == 0 {
		list, err := store.ListExecutions(ctx, storage.ExecutionListOptions{Limit: limitFlag})
		if err != nil {
			return err
		}
		for i := range list {
			execs = append(execs, &list[i])
		}
	}
	for _, id := range args {
		e, err := store.GetExecution(ctx, id)
		if err != nil {
			return err
		}
		execs = append(execs, e)
	}

	var output string
	switch exportFormat {
	case "json":
		data, err := storage.ExportJSON(execs...)
		if err != nil {
			return err
		}
		output = string(data) + "\n"
	default:
		parts := make([]string, len(execs))
		for i, e := range execs {
			parts[i] = storage.ExportMarkdown(e)
		}
		output = strings.Join(parts, "\n---\n\n")
	}

	if exportOutput != "" {
		return os.WriteFile(exportOutput, []byte(output), 0o644)
	}

	fmt.Print(output)
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
