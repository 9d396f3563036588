package dispatch

import (
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Normalize reduces a tool reply to a plain value. The first content
// block's text is decoded as JSON: a "result" key or a lone entry is
// unwrapped, any other value is returned as decoded. Numbers decode as
// json.Number. If the reply has no text block or the text is not JSON,
// the reply itself is returned so callers can inspect its error flag.
func Normalize(res *mcp.CallToolResult) any {
	if res == nil || len(res.Content) == 0 {
		return res
	}
	text, ok := TextOf(res.Content[0])
	if !ok {
		return res
	}

	v, err := decodeJSON(text)
	if err != nil {
		return res
	}

	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	if r, ok := m["result"]; ok {
		return r
	}
	if len(m) == 1 {
		for _, only := range m {
			return only
		}
	}
	return m
}

func decodeJSON(text string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after JSON value")
	}
	return v, nil
}

// ErrorText returns the first text block of a reply flagged as an error,
// and whether the reply was such an error.
func ErrorText(res *mcp.CallToolResult) (string, bool) {
	if res == nil || !res.IsError {
		return "", false
	}
	for _, c := range res.Content {
		if text, ok := TextOf(c); ok {
			return text, true
		}
	}
	return "", true
}

// TextOf returns the text of a text content block.
func TextOf(c mcp.Content) (string, bool) {
	switch tc := c.(type) {
	case mcp.TextContent:
		return tc.Text, true
	case *mcp.TextContent:
		return tc.Text, true
	}
	return "", false
}
