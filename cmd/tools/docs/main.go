package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// nestedSchema declares the parameters under an "input" property that
// refers to a $defs model, the way pydantic-style servers do.
func nestedSchema(model, props string, required ...string) json.RawMessage {
	req, _ := json.Marshal(required)
	return json.RawMessage(fmt.Sprintf(
		`{"type":"object","properties":{"input":{"$ref":"#/$defs/%s"}},"required":["input"],"$defs":{"%s":{"type":"object","properties":%s,"required":%s}}}`,
		model, model, props, req))
}

func main() {
	rootFlag := flag.String("root", os.Getenv("KILN_DOCS_ROOT"), "Directory the tools may read and write (default: current directory)")
	flag.Parse()

	dir := *rootFlag
	if dir == "" {
		dir = "."
	}
	d, err := openDocs(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening root: %v\n", err)
		os.Exit(1)
	}
	defer d.root.Close()

	if err := server.ServeStdio(d.newServer()); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

// docs serves file tools confined to one directory tree.
type docs struct {
	root *os.Root
}

func openDocs(dir string) (*docs, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, err
	}
	return &docs{root: root}, nil
}

func (d *docs) newServer() *server.MCPServer {
	s := server.NewMCPServer("kiln-tool-docs", "0.1.0", server.WithToolCapabilities(false))

	s.AddTool(mcp.NewToolWithRawSchema("read_file", "Read a text file, optionally a 1-based inclusive line range (0 means unbounded)",
		nestedSchema("ReadFileInput",
			`{"path":{"type":"string","description":"File path relative to the root"},"start_line":{"type":"integer"},"end_line":{"type":"integer"}}`,
			"path", "start_line", "end_line")),
		d.handleReadFile)

	s.AddTool(mcp.NewToolWithRawSchema("write_file", "Write content to a file, creating parent directories",
		nestedSchema("WriteFileInput",
			`{"path":{"type":"string"},"content":{"type":"string"}}`,
			"path", "content")),
		d.handleWriteFile)

	s.AddTool(mcp.NewToolWithRawSchema("list_dir", "List a directory; directories end with /",
		nestedSchema("ListDirInput", `{"path":{"type":"string"}}`, "path")),
		d.handleListDir)

	s.AddTool(mcp.NewToolWithRawSchema("word_count", "Count lines, words and characters of a file",
		nestedSchema("WordCountInput", `{"path":{"type":"string"}}`, "path")),
		d.handleWordCount)

	s.AddTool(mcp.NewToolWithRawSchema("search_text", "Find lines containing a substring under a directory",
		nestedSchema("SearchTextInput",
			`{"query":{"type":"string"},"path":{"type":"string"},"max_results":{"type":"integer"}}`,
			"query", "path", "max_results")),
		d.handleSearchText)

	return s
}

// input returns the nested parameter object.
func input(request mcp.CallToolRequest) map[string]any {
	in, _ := request.GetArguments()["input"].(map[string]any)
	return in
}

func jsonResult(v any) *mcp.CallToolResult {
	data, err := json.Marshal(map[string]any{"result": v})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("error encoding result: %v", err))
	}
	return mcp.NewToolResultText(string(data))
}

// clean maps a caller path onto an fs.FS path below the root.
func clean(p string) string {
	p = strings.TrimPrefix(path.Clean("/"+strings.ReplaceAll(p, "\\", "/")), "/")
	if p == "" {
		return "."
	}
	return p
}

func toInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return 0
}

func (d *docs) handleReadFile(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	in := input(request)
	p, _ := in["path"].(string)
	if p == "" {
		return mcp.NewToolResultError("error: 'path' is required"), nil
	}

	data, err := fs.ReadFile(d.root.FS(), clean(p))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("error reading file: %v", err)), nil
	}
	content := string(data)

	startLine, endLine := toInt(in["start_line"]), toInt(in["end_line"])
	if startLine > 0 || endLine > 0 {
		lines := strings.Split(content, "\n")
		// Clamp to valid range
		if startLine < 1 {
			startLine = 1
		}
		if endLine <= 0 || endLine > len(lines) {
			endLine = len(lines)
		}
		if startLine > endLine {
			return mcp.NewToolResultError("error: start_line > end_line"), nil
		}
		content = strings.Join(lines[startLine-1:endLine], "\n")
	}

	return jsonResult(content), nil
}

func (d *docs) handleWriteFile(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	in := input(request)
	p, _ := in["path"].(string)
	content, _ := in["content"].(string)
	if p == "" {
		return mcp.NewToolResultError("error: 'path' is required"), nil
	}
	name := clean(p)

	if err := d.mkdirAll(path.Dir(name)); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("error creating directories: %v", err)), nil
	}

	f, err := d.root.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("error writing file: %v", err)), nil
	}
	_, werr := io.WriteString(f, content)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("error writing file: %v", werr)), nil
	}

	return jsonResult(fmt.Sprintf("wrote %d bytes to %s", len(content), name)), nil
}

func (d *docs) mkdirAll(dir string) error {
	if dir == "." {
		return nil
	}
	cur := ""
	for _, part := range strings.Split(dir, "/") {
		cur = path.Join(cur, part)
		if err := d.root.Mkdir(cur, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
			return err
		}
	}
	return nil
}

func (d *docs) handleListDir(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p, _ := input(request)["path"].(string)

	entries, err := fs.ReadDir(d.root.FS(), clean(p))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("error listing directory: %v", err)), nil
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	return jsonResult(names), nil
}

func (d *docs) handleWordCount(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p, _ := input(request)["path"].(string)
	if p == "" {
		return mcp.NewToolResultError("error: 'path' is required"), nil
	}

	data, err := fs.ReadFile(d.root.FS(), clean(p))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("error reading file: %v", err)), nil
	}
	text := string(data)
	lines := strings.Count(text, "\n")
	if text != "" && !strings.HasSuffix(text, "\n") {
		lines++
	}
	return jsonResult(map[string]int{
		"lines": lines,
		"words": len(strings.Fields(text)),
		"chars": len([]rune(text)),
	}), nil
}

type match struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

func (d *docs) handleSearchText(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	in := input(request)
	query, _ := in["query"].(string)
	p, _ := in["path"].(string)
	limit := toInt(in["max_results"])
	if query == "" {
		return mcp.NewToolResultError("error: 'query' is required"), nil
	}
	if limit <= 0 {
		limit = 50
	}

	fsys := d.root.FS()
	matches := []match{}
	errLimit := errors.New("limit reached")
	err := fs.WalkDir(fsys, clean(p), func(name string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if e.IsDir() {
			return nil
		}
		f, err := fsys.Open(name)
		if err != nil {
			return nil
		}
		defer f.Close()

		sc := bufio.NewScanner(f)
		for n := 1; sc.Scan(); n++ {
			if strings.Contains(sc.Text(), query) {
				matches = append(matches, match{Path: name, Line: n, Text: strings.TrimSpace(sc.Text())})
				if len(matches) >= limit {
					return errLimit
				}
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errLimit) {
		return mcp.NewToolResultError(fmt.Sprintf("error searching: %v", err)), nil
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Path < matches[j].Path })
	return jsonResult(matches), nil
}
