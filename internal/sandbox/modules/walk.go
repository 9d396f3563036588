package modules

import "go.starlark.net/syntax"

// Walk traverses a syntax tree in depth-first order, calling f for every
// node. Children are visited only when f returns true. Unlike syntax.Walk
// it understands while loops.
func Walk(n syntax.Node, f func(syntax.Node) bool) {
	if n == nil || !f(n) {
		return
	}

	switch n := n.(type) {
	case *syntax.File:
		walkStmts(n.Stmts, f)
	case *syntax.ExprStmt:
		Walk(n.X, f)
	case *syntax.IfStmt:
		Walk(n.Cond, f)
		walkStmts(n.True, f)
		walkStmts(n.False, f)
	case *syntax.AssignStmt:
		Walk(n.LHS, f)
		Walk(n.RHS, f)
	case *syntax.DefStmt:
		Walk(n.Name, f)
		walkExprs(n.Params, f)
		walkStmts(n.Body, f)
	case *syntax.ForStmt:
		Walk(n.Vars, f)
		Walk(n.X, f)
		walkStmts(n.Body, f)
	case *syntax.WhileStmt:
		Walk(n.Cond, f)
		walkStmts(n.Body, f)
	case *syntax.ReturnStmt:
		Walk(n.Result, f)
	case *syntax.LoadStmt:
		Walk(n.Module, f)
		for _, id := range n.From {
			Walk(id, f)
		}
		for _, id := range n.To {
			Walk(id, f)
		}
	case *syntax.ListExpr:
		walkExprs(n.List, f)
	case *syntax.TupleExpr:
		walkExprs(n.List, f)
	case *syntax.DictExpr:
		walkExprs(n.List, f)
	case *syntax.DictEntry:
		Walk(n.Key, f)
		Walk(n.Value, f)
	case *syntax.ParenExpr:
		Walk(n.X, f)
	case *syntax.CondExpr:
		Walk(n.Cond, f)
		Walk(n.True, f)
		Walk(n.False, f)
	case *syntax.IndexExpr:
		Walk(n.X, f)
		Walk(n.Y, f)
	case *syntax.SliceExpr:
		Walk(n.X, f)
		Walk(n.Lo, f)
		Walk(n.Hi, f)
		Walk(n.Step, f)
	case *syntax.Comprehension:
		Walk(n.Body, f)
		for _, clause := range n.Clauses {
			Walk(clause, f)
		}
	case *syntax.IfClause:
		Walk(n.Cond, f)
	case *syntax.ForClause:
		Walk(n.Vars, f)
		Walk(n.X, f)
	case *syntax.UnaryExpr:
		Walk(n.X, f)
	case *syntax.BinaryExpr:
		Walk(n.X, f)
		Walk(n.Y, f)
	case *syntax.DotExpr:
		Walk(n.X, f)
		Walk(n.Name, f)
	case *syntax.CallExpr:
		Walk(n.Fn, f)
		walkExprs(n.Args, f)
	case *syntax.LambdaExpr:
		walkExprs(n.Params, f)
		Walk(n.Body, f)
	}
}

func walkStmts(stmts []syntax.Stmt, f func(syntax.Node) bool) {
	for _, s := range stmts {
		Walk(s, f)
	}
}

func walkExprs(exprs []syntax.Expr, f func(syntax.Node) bool) {
	for _, e := range exprs {
		Walk(e, f)
	}
}

// CountCalls returns the number of call expressions anywhere under n.
func CountCalls(n syntax.Node) int {
	calls := 0
	Walk(n, func(node syntax.Node) bool {
		if _, ok := node.(*syntax.CallExpr); ok {
			calls++
		}
		return true
	})
	return calls
}
