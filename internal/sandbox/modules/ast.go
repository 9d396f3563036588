package modules

import (
	"fmt"
	"sort"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
)

// ParseOptions are the dialect options shared by the sandbox and the ast
// module.
var ParseOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

var astModule = &starlarkstruct.Module{
	Name: "ast",
	Members: starlark.StringDict{
		"parse":        builtin("ast.parse", astParse),
		"count_calls":  builtin("ast.count_calls", astCountCalls),
		"literal_eval": builtin("ast.literal_eval", literalEval),
	},
}

func parseSource(name, src string) (*syntax.File, error) {
	f, err := ParseOptions.Parse("<ast>", src, 0)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return f, nil
}

// astParse summarizes a program: its top-level statement kinds, the
// callee of each call in source order and the sorted set of names used.
func astParse(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var src string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &src); err != nil {
		return nil, err
	}
	f, err := parseSource(b.Name(), src)
	if err != nil {
		return nil, err
	}

	stmts := make([]starlark.Value, len(f.Stmts))
	for i, s := range f.Stmts {
		stmts[i] = starlark.String(stmtKind(s))
	}
	var calls []starlark.Value
	seen := map[string]bool{}
	Walk(f, func(n syntax.Node) bool {
		switch x := n.(type) {
		case *syntax.CallExpr:
			calls = append(calls, starlark.String(calleeName(x.Fn)))
		case *syntax.Ident:
			seen[x.Name] = true
		}
		return true
	})
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	nameVals := make([]starlark.Value, len(names))
	for i, name := range names {
		nameVals[i] = starlark.String(name)
	}

	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"statements": starlark.NewList(stmts),
		"calls":      starlark.NewList(calls),
		"names":      starlark.NewList(nameVals),
	}), nil
}

func astCountCalls(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var src string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &src); err != nil {
		return nil, err
	}
	f, err := parseSource(b.Name(), src)
	if err != nil {
		return nil, err
	}
	return starlark.MakeInt(CountCalls(f)), nil
}

// literalEval evaluates an expression made only of literals and
// containers of literals.
func literalEval(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var src string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &src); err != nil {
		return nil, err
	}
	expr, err := syntax.ParseExpr("<literal>", src, 0)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	if err := checkLiteral(expr); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.EvalExprOptions(ParseOptions, thread, expr, nil)
}

func checkLiteral(e syntax.Expr) error {
	switch x := e.(type) {
	case *syntax.Literal:
		return nil
	case *syntax.Ident:
		switch x.Name {
		case "True", "False", "None":
			return nil
		}
		return fmt.Errorf("name %s is not a literal", x.Name)
	case *syntax.ParenExpr:
		return checkLiteral(x.X)
	case *syntax.UnaryExpr:
		if x.Op != syntax.MINUS && x.Op != syntax.PLUS {
			return fmt.Errorf("operator %s is not allowed", x.Op)
		}
		return checkLiteral(x.X)
	case *syntax.ListExpr:
		return checkLiterals(x.List)
	case *syntax.TupleExpr:
		return checkLiterals(x.List)
	case *syntax.DictExpr:
		for _, entry := range x.List {
			de := entry.(*syntax.DictEntry)
			if err := checkLiteral(de.Key); err != nil {
				return err
			}
			if err := checkLiteral(de.Value); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("malformed node %T", e)
}

func checkLiterals(list []syntax.Expr) error {
	for _, e := range list {
		if err := checkLiteral(e); err != nil {
			return err
		}
	}
	return nil
}

func stmtKind(s syntax.Stmt) string {
	switch x := s.(type) {
	case *syntax.AssignStmt:
		return "assign"
	case *syntax.ExprStmt:
		return "expr"
	case *syntax.DefStmt:
		return "def"
	case *syntax.IfStmt:
		return "if"
	case *syntax.ForStmt:
		return "for"
	case *syntax.WhileStmt:
		return "while"
	case *syntax.ReturnStmt:
		return "return"
	case *syntax.LoadStmt:
		return "load"
	case *syntax.BranchStmt:
		return x.Token.String()
	}
	return "stmt"
}

func calleeName(fn syntax.Expr) string {
	switch x := fn.(type) {
	case *syntax.Ident:
		return x.Name
	case *syntax.DotExpr:
		return calleeName(x.X) + "." + x.Name.Name
	}
	return "<expr>"
}
