package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Schemas are raw JSON so properties keep their declared order, which is
// the positional order callers bind against.
var tools = []struct {
	name    string
	desc    string
	schema  string
	handler server.ToolHandlerFunc
}{
	{"add", "Add two integers", twoInts, handleAdd},
	{"subtract", "Subtract b from a", twoInts, handleSubtract},
	{"multiply", "Multiply two integers", twoInts, handleMultiply},
	{"divide", "Divide a by b", `{"type":"object","properties":{"a":{"type":"number"},"b":{"type":"number"}},"required":["a","b"]}`, handleDivide},
	{"power", "Raise a to the power b", twoInts, handlePower},
	{"sqrt", "Square root of a", `{"type":"object","properties":{"a":{"type":"number"}},"required":["a"]}`, handleSqrt},
	{"factorial", "Factorial of a non-negative integer", oneInt, handleFactorial},
	{"fibonacci_numbers", "First n Fibonacci numbers", `{"type":"object","properties":{"n":{"type":"integer","description":"How many numbers to return"}},"required":["n"]}`, handleFibonacci},
	{"strings_to_chars_to_int", "ASCII codes of the characters in a string", `{"type":"object","properties":{"string":{"type":"string"}},"required":["string"]}`, handleCharCodes},
	{"int_list_to_exponential_sum", "Sum of e raised to each integer", `{"type":"object","properties":{"numbers":{"type":"array","items":{"type":"integer"}}},"required":["numbers"]}`, handleExpSum},
	{"slow_echo", "Echo text back after a delay", `{"type":"object","properties":{"text":{"type":"string"},"seconds":{"type":"number"}},"required":["text","seconds"]}`, handleSlowEcho},
}

const (
	twoInts = `{"type":"object","properties":{"a":{"type":"integer"},"b":{"type":"integer"}},"required":["a","b"]}`
	oneInt  = `{"type":"object","properties":{"a":{"type":"integer"}},"required":["a"]}`
)

func newServer() *server.MCPServer {
	s := server.NewMCPServer("kiln-tool-math", "0.1.0", server.WithToolCapabilities(false))
	for _, t := range tools {
		s.AddTool(mcp.NewToolWithRawSchema(t.name, t.desc, json.RawMessage(t.schema)), t.handler)
	}
	return s
}

func main() {
	if err := server.ServeStdio(newServer()); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

// jsonResult replies with {"result": v}.
func jsonResult(v any) *mcp.CallToolResult {
	data, err := json.Marshal(map[string]any{"result": v})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("error encoding result: %v", err))
	}
	return mcp.NewToolResultText(string(data))
}

func ints(request mcp.CallToolRequest, names ...string) ([]int64, *mcp.CallToolResult) {
	args := request.GetArguments()
	out := make([]int64, len(names))
	for i, name := range names {
		f, ok := args[name].(float64)
		if !ok {
			return nil, mcp.NewToolResultError(fmt.Sprintf("error: '%s' must be a number", name))
		}
		if f != math.Trunc(f) {
			return nil, mcp.NewToolResultError(fmt.Sprintf("error: '%s' must be an integer", name))
		}
		out[i] = int64(f)
	}
	return out, nil
}

func handleAdd(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	v, errRes := ints(request, "a", "b")
	if errRes != nil {
		return errRes, nil
	}
	return jsonResult(v[0] + v[1]), nil
}

func handleSubtract(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	v, errRes := ints(request, "a", "b")
	if errRes != nil {
		return errRes, nil
	}
	return jsonResult(v[0] - v[1]), nil
}

func handleMultiply(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	v, errRes := ints(request, "a", "b")
	if errRes != nil {
		return errRes, nil
	}
	return jsonResult(v[0] * v[1]), nil
}

func handleDivide(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	a, err := request.RequireFloat("a")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	b, err := request.RequireFloat("b")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if b == 0 {
		return mcp.NewToolResultError("division by zero"), nil
	}
	return jsonResult(a / b), nil
}

func handlePower(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	v, errRes := ints(request, "a", "b")
	if errRes != nil {
		return errRes, nil
	}
	if v[1] < 0 {
		return jsonResult(math.Pow(float64(v[0]), float64(v[1]))), nil
	}
	result := int64(1)
	for i := int64(0); i < v[1]; i++ {
		next := result * v[0]
		if v[0] != 0 && next/v[0] != result {
			return mcp.NewToolResultError("error: result overflows a 64-bit integer"), nil
		}
		result = next
	}
	return jsonResult(result), nil
}

func handleSqrt(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	a, err := request.RequireFloat("a")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if a < 0 {
		return mcp.NewToolResultError("error: square root of a negative number"), nil
	}
	return jsonResult(math.Sqrt(a)), nil
}

func handleFactorial(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	v, errRes := ints(request, "a")
	if errRes != nil {
		return errRes, nil
	}
	n := v[0]
	switch {
	case n < 0:
		return mcp.NewToolResultError("error: factorial of a negative number"), nil
	case n > 20:
		return mcp.NewToolResultError("error: factorial overflows a 64-bit integer above 20"), nil
	}
	result := int64(1)
	for i := int64(2); i <= n; i++ {
		result *= i
	}
	return jsonResult(result), nil
}

func handleFibonacci(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	v, errRes := ints(request, "n")
	if errRes != nil {
		return errRes, nil
	}
	n := v[0]
	if n < 0 || n > 92 {
		return mcp.NewToolResultError("error: n must be between 0 and 92"), nil
	}
	seq := make([]int64, 0, n)
	a, b := int64(0), int64(1)
	for i := int64(0); i < n; i++ {
		seq = append(seq, a)
		a, b = b, a+b
	}
	return jsonResult(seq), nil
}

func handleCharCodes(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, err := request.RequireString("string")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	codes := make([]int, 0, len(s))
	for _, r := range s {
		codes = append(codes, int(r))
	}
	return jsonResult(codes), nil
}

func handleExpSum(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, ok := request.GetArguments()["numbers"].([]any)
	if !ok {
		return mcp.NewToolResultError("error: 'numbers' must be a list"), nil
	}
	var sum float64
	for i, item := range raw {
		f, ok := item.(float64)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("error: numbers[%d] is not a number", i)), nil
		}
		sum += math.Exp(f)
	}
	return jsonResult(sum), nil
}

func handleSlowEcho(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text := request.GetString("text", "")
	seconds := request.GetFloat("seconds", 0)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Duration(seconds * float64(time.Second))):
	}
	return jsonResult(text), nil
}
