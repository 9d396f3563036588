package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"golang.org/x/net/html"
)

const maxBody = 1 << 20

// web holds the outbound HTTP settings.
type web struct {
	client    *http.Client
	searchURL string
	apiKey    string
}

func main() {
	w := &web{
		client:    &http.Client{Timeout: 30 * time.Second},
		searchURL: "https://api.tavily.com/search",
		apiKey:    os.Getenv("TAVILY_API_KEY"),
	}
	if err := server.ServeStdio(w.newServer()); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func (w *web) newServer() *server.MCPServer {
	s := server.NewMCPServer("kiln-tool-web", "0.1.0", server.WithToolCapabilities(false))

	s.AddTool(mcp.NewToolWithRawSchema("web_fetch", "Fetch a URL and return its readable text, truncated to max_chars",
		json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"The URL to fetch"},"max_chars":{"type":"integer","description":"Maximum characters to return"}},"required":["url","max_chars"]}`)),
		w.handleWebFetch)

	s.AddTool(mcp.NewToolWithRawSchema("web_search", "Search the web using the Tavily API",
		json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"The search query"},"max_results":{"type":"integer","description":"Number of results"}},"required":["query","max_results"]}`)),
		w.handleWebSearch)

	return s
}

func jsonResult(v any) *mcp.CallToolResult {
	data, err := json.Marshal(map[string]any{"result": v})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("error encoding result: %v", err))
	}
	return mcp.NewToolResultText(string(data))
}

type searchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

func (w *web) handleWebSearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := request.GetString("query", "")
	maxResults := request.GetInt("max_results", 5)
	if query == "" {
		return mcp.NewToolResultError("error: 'query' is required"), nil
	}
	if w.apiKey == "" {
		return mcp.NewToolResultError("error: TAVILY_API_KEY not set"), nil
	}
	if maxResults <= 0 {
		maxResults = 5
	}

	bodyJSON, _ := json.Marshal(map[string]any{
		"query":          query,
		"max_results":    maxResults,
		"include_answer": true,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.searchURL, bytes.NewReader(bodyJSON))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("error: %v", err)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+w.apiKey)

	resp, err := w.client.Do(req)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("error: %v", err)), nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("error reading response: %v", err)), nil
	}
	if resp.StatusCode != http.StatusOK {
		return mcp.NewToolResultError(fmt.Sprintf("error: Tavily API returned %d: %s", resp.StatusCode, string(respBody))), nil
	}

	var result struct {
		Answer  string         `json:"answer"`
		Results []searchResult `json:"results"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("error parsing response: %v", err)), nil
	}
	if result.Results == nil {
		result.Results = []searchResult{}
	}

	return jsonResult(map[string]any{
		"answer":  result.Answer,
		"results": result.Results,
	}), nil
}

func (w *web) handleWebFetch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	url := request.GetString("url", "")
	maxChars := request.GetInt("max_chars", 4000)
	if url == "" {
		return mcp.NewToolResultError("error: 'url' is required"), nil
	}
	if maxChars <= 0 {
		maxChars = 4000
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("error: %v", err)), nil
	}
	req.Header.Set("User-Agent", "kiln/0.1")

	resp, err := w.client.Do(req)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("error: %v", err)), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return mcp.NewToolResultError(fmt.Sprintf("error: %s returned %d", url, resp.StatusCode)), nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("error reading body: %v", err)), nil
	}

	text := string(body)
	if strings.Contains(resp.Header.Get("Content-Type"), "html") {
		text = htmlText(body)
	}
	if runes := []rune(text); len(runes) > maxChars {
		text = string(runes[:maxChars]) + "\n... (truncated)"
	}

	return jsonResult(text), nil
}

// htmlText returns the visible text of an HTML document, one block per
// line.
func htmlText(doc []byte) string {
	z := html.NewTokenizer(bytes.NewReader(doc))
	var (
		sb   strings.Builder
		skip int
	)
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.TrimSpace(sb.String())
		case html.StartTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style", "noscript", "head":
				skip++
			case "p", "div", "br", "li", "h1", "h2", "h3", "h4", "tr":
				sb.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style", "noscript", "head":
				if skip > 0 {
					skip--
				}
			}
		case html.TextToken:
			if skip > 0 {
				continue
			}
			if t := strings.Join(strings.Fields(string(z.Text())), " "); t != "" {
				if sb.Len() > 0 && !strings.HasSuffix(sb.String(), "\n") {
					sb.WriteByte(' ')
				}
				sb.WriteString(t)
			}
		}
	}
}
