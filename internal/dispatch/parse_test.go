package dispatch

import (
	"encoding/json"
	"math"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCall(t *testing.T) {
	tests := []struct {
		expr string
		name string
		args []any
	}{
		{`add(3, 4)`, "add", []any{int64(3), int64(4)}},
		{`noop()`, "noop", []any{}},
		{`scale(-2, +1.5)`, "scale", []any{int64(-2), 1.5}},
		{`greet("bob", 'hi')`, "greet", []any{"bob", "hi"}},
		{`flags(True, False, None)`, "flags", []any{true, false, nil}},
		{`sum_list([1, 2, (3, 4)])`, "sum_list", []any{[]any{int64(1), int64(2), []any{int64(3), int64(4)}}}},
		{`store({"k": [1], 2: "x"})`, "store", []any{map[string]any{"k": []any{int64(1)}, "2": "x"}}},
		{`search(limit=5, "go")`, "search", []any{"go", int64(5)}},
		{`search("go", limit=5)`, "search", []any{"go", int64(5)}},
		{`(add)(1, 2)`, "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			name, args, err := ParseCall(tt.expr)
			if tt.name == "" {
				require.Error(t, err)
				return
			}
			if tt.args == nil {
				require.ErrorIs(t, err, ErrMalformedCall)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.name, name)
			if len(tt.args) == 0 {
				assert.Empty(t, args)
			} else {
				assert.Equal(t, tt.args, args)
			}
		})
	}
}

func TestParseCallBigIntegers(t *testing.T) {
	_, args, err := ParseCall(`add(99999999999999999999, 1)`)
	require.NoError(t, err)
	require.Len(t, args, 2)
	n, ok := args[0].(*big.Int)
	require.True(t, ok, "got %T", args[0])
	assert.Equal(t, "99999999999999999999", n.String())
	assert.Equal(t, int64(1), args[1])

	raw, err := json.Marshal(args)
	require.NoError(t, err)
	assert.JSONEq(t, `[99999999999999999999, 1]`, string(raw))

	_, args, err = ParseCall(`add(-99999999999999999999)`)
	require.NoError(t, err)
	neg, ok := args[0].(*big.Int)
	require.True(t, ok, "got %T", args[0])
	assert.Equal(t, "-99999999999999999999", neg.String())

	_, args, err = ParseCall(`add(-9223372036854775808)`)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(math.MinInt64)}, args)
}

func TestParseCallRejectsNonLiterals(t *testing.T) {
	for _, expr := range []string{
		`add(mul(1, 2), 3)`,
		`add(x, 3)`,
		`add(1 + 2, 3)`,
		`add(*args)`,
		`obj.method(1)`,
		`42`,
		`add(1,`,
		``,
	} {
		_, _, err := ParseCall(expr)
		assert.ErrorIs(t, err, ErrMalformedCall, expr)
	}
}
