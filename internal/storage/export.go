package storage

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExportMarkdown renders an execution as a markdown document.
func ExportMarkdown(e *Execution) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("# Execution %s\n\n", e.ID))
	b.WriteString(fmt.Sprintf("- **Status:** %s\n", e.Status))
	if e.Category != "" {
		b.WriteString(fmt.Sprintf("- **Category:** %s\n", e.Category))
	}
	b.WriteString(fmt.Sprintf("- **Started:** %s\n", e.ExecutionTime))
	b.WriteString(fmt.Sprintf("- **Total time:** %ss\n", e.TotalTime))
	b.WriteString(fmt.Sprintf("- **Calls:** %d\n", e.Calls))
	b.WriteString("\n---\n\n")

	b.WriteString(fmt.Sprintf("## Program\n\n```python\n%s\n```\n\n", strings.TrimRight(e.Program, "\n")))
	if e.Status == "success" {
		b.WriteString(fmt.Sprintf("## Result\n\n```\n%s\n```\n\n", e.Payload))
	} else {
		b.WriteString(fmt.Sprintf("## Error\n\n```\n%s\n```\n\n", e.Payload))
	}
	if e.Output != "" {
		b.WriteString(fmt.Sprintf("<details>\n<summary>Output</summary>\n\n```\n%s```\n</details>\n\n", e.Output))
	}
	return b.String()
}

// ExportJSON renders executions as formatted JSON.
func ExportJSON(execs ...*Execution) ([]byte, error) {
	export := struct {
		Executions []*Execution `json:"executions"`
	}{
		Executions: execs,
	}
	return json.MarshalIndent(export, "", "  ")
}
