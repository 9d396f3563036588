package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.starlark.net/syntax"

	"github.com/michaelbrown/kiln/internal/sandbox/modules"
)

func parse(t *testing.T, src string) *syntax.File {
	t.Helper()
	f, err := modules.ParseOptions.Parse("test.star", src, 0)
	require.NoError(t, err)
	return f
}

func mainBody(t *testing.T, f *syntax.File) []syntax.Stmt {
	t.Helper()
	last := f.Stmts[len(f.Stmts)-1]
	def, ok := last.(*syntax.DefStmt)
	require.True(t, ok, "last statement is %T", last)
	assert.Equal(t, mainFunc, def.Name.Name)
	assert.Empty(t, def.Params)
	return def.Body
}

func identName(e syntax.Expr) string {
	if id, ok := e.(*syntax.Ident); ok {
		return id.Name
	}
	return ""
}

func TestCountCalls(t *testing.T) {
	tests := []struct {
		src  string
		want int
	}{
		{"result = 2 + 2\n", 0},
		{"x = f(g(1), h())\n", 3},
		{"def k():\n    return [m(i) for i in range(3)]\n", 2},
		{"y = a.b(1)\n", 1},
		{"while True:\n    pass\n", 0},
		{"i = 0\nwhile i < f(3):\n    i = g(i)\n", 2},
		{"if x:\n    while h():\n        [k(v) for v in y]\n", 2},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CountCalls(parse(t, tt.src)), tt.src)
	}
}

func TestCaptureResult(t *testing.T) {
	out := rewrite(parse(t, "x = 1\nresult = x + 1\n"), nil)
	body := mainBody(t, out)
	require.Len(t, body, 3)
	ret, ok := body[2].(*syntax.ReturnStmt)
	require.True(t, ok)
	assert.Equal(t, resultVar, identName(ret.Result))
}

func TestCaptureResultSkipsExplicitReturn(t *testing.T) {
	body := mainBody(t, rewrite(parse(t, "result = 1\nreturn 2\n"), nil))
	require.Len(t, body, 2)
}

func TestCaptureResultIgnoresNestedAssignment(t *testing.T) {
	body := mainBody(t, rewrite(parse(t, "def f():\n    result = 1\n    return result\nf()\n"), nil))
	require.Len(t, body, 2)
	_, isReturn := body[1].(*syntax.ReturnStmt)
	assert.False(t, isReturn)
}

func TestEliminateKeywords(t *testing.T) {
	body := mainBody(t, rewrite(parse(t, "search(\"go\", limit=5, lang=\"en\")\n"), nil))
	call := body[0].(*syntax.ExprStmt).X.(*syntax.CallExpr)
	require.Len(t, call.Args, 3)
	for _, a := range call.Args {
		_, isKw := a.(*syntax.BinaryExpr)
		assert.False(t, isKw)
	}
	assert.Equal(t, "5", call.Args[1].(*syntax.Literal).Raw)
	assert.Equal(t, `"en"`, call.Args[2].(*syntax.Literal).Raw)
}

func TestEliminateKeywordsBeforeSplat(t *testing.T) {
	body := mainBody(t, rewrite(parse(t, "f(1, *rest, k=2)\n"), nil))
	call := body[0].(*syntax.ExprStmt).X.(*syntax.CallExpr)
	require.Len(t, call.Args, 3)
	assert.Equal(t, "2", call.Args[1].(*syntax.Literal).Raw)
	splat, ok := call.Args[2].(*syntax.UnaryExpr)
	require.True(t, ok)
	assert.Equal(t, syntax.STAR, splat.Op)
}

func TestAwaitCalls(t *testing.T) {
	tools := map[string]bool{"add": true}
	body := mainBody(t, rewrite(parse(t, "x = add(1, len([add(2, 3)]))\n"), tools))

	outer := body[0].(*syntax.AssignStmt).RHS.(*syntax.CallExpr)
	assert.Equal(t, awaitBuiltin, identName(outer.Fn))
	inner := outer.Args[0].(*syntax.CallExpr)
	assert.Equal(t, "add", identName(inner.Fn))

	lenCall := inner.Args[1].(*syntax.CallExpr)
	assert.Equal(t, "len", identName(lenCall.Fn))
	nested := lenCall.Args[0].(*syntax.ListExpr).List[0].(*syntax.CallExpr)
	assert.Equal(t, awaitBuiltin, identName(nested.Fn))
}

func TestAwaitCallsLeavesParallelArgumentsPending(t *testing.T) {
	tools := map[string]bool{"add": true}
	body := mainBody(t, rewrite(parse(t, "x = parallel(add(1, 2), (\"add\", 3, 4))\n"), tools))

	call := body[0].(*syntax.AssignStmt).RHS.(*syntax.CallExpr)
	assert.Equal(t, parallelBuiltin, identName(call.Fn))
	first := call.Args[0].(*syntax.CallExpr)
	assert.Equal(t, "add", identName(first.Fn))
}

func TestRewriteLeavesInputUntouched(t *testing.T) {
	f := parse(t, "result = add(a=1, b=2)\n")
	before := len(f.Stmts)
	rewrite(f, map[string]bool{"add": true})

	require.Len(t, f.Stmts, before)
	call := f.Stmts[0].(*syntax.AssignStmt).RHS.(*syntax.CallExpr)
	assert.Equal(t, "add", identName(call.Fn))
	_, isKw := call.Args[0].(*syntax.BinaryExpr)
	assert.True(t, isKw)
}

func TestWrapMainHoistsLoads(t *testing.T) {
	out := rewrite(parse(t, "load(\"math\", \"sqrt\")\nresult = sqrt(4)\n"), nil)
	require.Len(t, out.Stmts, 2)
	_, isLoad := out.Stmts[0].(*syntax.LoadStmt)
	assert.True(t, isLoad)
	mainBody(t, out)
}

func TestWrapMainEmptyProgram(t *testing.T) {
	body := mainBody(t, rewrite(parse(t, "\n"), nil))
	require.Len(t, body, 1)
	_, isPass := body[0].(*syntax.BranchStmt)
	assert.True(t, isPass)
}

func TestDedent(t *testing.T) {
	src := "\n    x = 1\n    if x:\n        result = x\n"
	assert.Equal(t, "x = 1\nif x:\n    result = x\n", dedent(src))
}
