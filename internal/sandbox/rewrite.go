package sandbox

import (
	"go.starlark.net/syntax"

	"github.com/michaelbrown/kiln/internal/sandbox/modules"
)

const (
	mainFunc     = "__main"
	awaitBuiltin = "__await__"
	resultVar    = "result"
)

// A pass maps a statement list to a new one. Passes never modify their
// input; every node they change is copied.
type pass func(stmts []syntax.Stmt) []syntax.Stmt

// rewrite applies the program passes in order and returns a new file whose
// only top-level statements are the program's load statements followed by
// a single parameterless function holding everything else.
func rewrite(f *syntax.File, tools map[string]bool) *syntax.File {
	passes := []pass{
		captureResult,
		eliminateKeywords,
		awaitCalls(tools),
	}
	stmts := f.Stmts
	for _, p := range passes {
		stmts = p(stmts)
	}
	return wrapMain(f, stmts)
}

// CountCalls returns the number of call expressions anywhere in f.
func CountCalls(f *syntax.File) int {
	return modules.CountCalls(f)
}

// captureResult appends `return result` when the top level assigns result
// and never returns.
func captureResult(stmts []syntax.Stmt) []syntax.Stmt {
	assigned := false
	for _, s := range stmts {
		switch s := s.(type) {
		case *syntax.ReturnStmt:
			return stmts
		case *syntax.AssignStmt:
			if assignsName(s.LHS, resultVar) {
				assigned = true
			}
		}
	}
	if !assigned {
		return stmts
	}

	_, end := stmts[len(stmts)-1].Span()
	out := make([]syntax.Stmt, len(stmts), len(stmts)+1)
	copy(out, stmts)
	return append(out, &syntax.ReturnStmt{
		Return: end,
		Result: &syntax.Ident{NamePos: end, Name: resultVar},
	})
}

func assignsName(lhs syntax.Expr, name string) bool {
	switch x := lhs.(type) {
	case *syntax.Ident:
		return x.Name == name
	case *syntax.ParenExpr:
		return assignsName(x.X, name)
	case *syntax.TupleExpr:
		for _, e := range x.List {
			if assignsName(e, name) {
				return true
			}
		}
	case *syntax.ListExpr:
		for _, e := range x.List {
			if assignsName(e, name) {
				return true
			}
		}
	}
	return false
}

// eliminateKeywords turns every f(a, k=v, *rest) into f(a, v, *rest):
// named argument values keep their written order and follow the plain
// positional arguments. **kwargs splats are left in place.
func eliminateKeywords(stmts []syntax.Stmt) []syntax.Stmt {
	r := rewriter{call: func(c *syntax.CallExpr) syntax.Expr {
		var plain, named, splats []syntax.Expr
		changed := false
		for _, arg := range c.Args {
			switch a := arg.(type) {
			case *syntax.BinaryExpr:
				if a.Op == syntax.EQ {
					named = append(named, a.Y)
					changed = true
					continue
				}
			case *syntax.UnaryExpr:
				if a.Op == syntax.STAR || a.Op == syntax.STARSTAR {
					splats = append(splats, a)
					continue
				}
			}
			plain = append(plain, arg)
		}
		if !changed {
			return c
		}
		out := *c
		out.Args = append(append(plain, named...), splats...)
		return &out
	}}
	return r.stmts(stmts)
}

// awaitCalls wraps every call whose callee is a tool name in __await__(...).
// Calls passed directly to parallel stay pending so parallel can run them
// together.
func awaitCalls(tools map[string]bool) pass {
	return func(stmts []syntax.Stmt) []syntax.Stmt {
		r := rewriter{call: func(c *syntax.CallExpr) syntax.Expr {
			id, ok := c.Fn.(*syntax.Ident)
			if !ok {
				return c
			}
			if id.Name == parallelBuiltin {
				for i, arg := range c.Args {
					c.Args[i] = unawait(arg)
				}
				return c
			}
			if !tools[id.Name] {
				return c
			}
			return &syntax.CallExpr{
				Fn:     &syntax.Ident{NamePos: id.NamePos, Name: awaitBuiltin},
				Lparen: c.Lparen,
				Args:   []syntax.Expr{c},
				Rparen: c.Rparen,
			}
		}}
		return r.stmts(stmts)
	}
}

func unawait(e syntax.Expr) syntax.Expr {
	c, ok := e.(*syntax.CallExpr)
	if !ok || len(c.Args) != 1 {
		return e
	}
	if id, ok := c.Fn.(*syntax.Ident); ok && id.Name == awaitBuiltin {
		return c.Args[0]
	}
	return e
}

// wrapMain hoists load statements and moves the remaining statements into
// the body of `def __main():`.
func wrapMain(f *syntax.File, stmts []syntax.Stmt) *syntax.File {
	var loads, body []syntax.Stmt
	for _, s := range stmts {
		if l, ok := s.(*syntax.LoadStmt); ok {
			loads = append(loads, l)
			continue
		}
		body = append(body, s)
	}

	var pos syntax.Position
	if len(stmts) > 0 {
		pos, _ = stmts[0].Span()
	} else {
		pos = syntax.MakePosition(&f.Path, 1, 1)
	}
	if len(body) == 0 {
		body = []syntax.Stmt{&syntax.BranchStmt{Token: syntax.PASS, TokenPos: pos}}
	}

	def := &syntax.DefStmt{
		Def:    pos,
		Name:   &syntax.Ident{NamePos: pos, Name: mainFunc},
		Lparen: pos,
		Rparen: pos,
		Body:   body,
	}
	return &syntax.File{
		Path:    f.Path,
		Stmts:   append(loads, def),
		Options: f.Options,
	}
}

// rewriter copies a statement tree, replacing call expressions with the
// result of call. Children are rewritten before their parent call.
type rewriter struct {
	call func(*syntax.CallExpr) syntax.Expr
}

func (r *rewriter) stmts(in []syntax.Stmt) []syntax.Stmt {
	if in == nil {
		return nil
	}
	out := make([]syntax.Stmt, len(in))
	for i, s := range in {
		out[i] = r.stmt(s)
	}
	return out
}

func (r *rewriter) stmt(s syntax.Stmt) syntax.Stmt {
	switch s := s.(type) {
	case *syntax.AssignStmt:
		c := *s
		c.LHS = r.expr(s.LHS)
		c.RHS = r.expr(s.RHS)
		return &c
	case *syntax.ExprStmt:
		c := *s
		c.X = r.expr(s.X)
		return &c
	case *syntax.DefStmt:
		c := *s
		name := *s.Name
		c.Name = &name
		c.Params = r.exprs(s.Params)
		c.Body = r.stmts(s.Body)
		return &c
	case *syntax.ForStmt:
		c := *s
		c.Vars = r.expr(s.Vars)
		c.X = r.expr(s.X)
		c.Body = r.stmts(s.Body)
		return &c
	case *syntax.WhileStmt:
		c := *s
		c.Cond = r.expr(s.Cond)
		c.Body = r.stmts(s.Body)
		return &c
	case *syntax.IfStmt:
		c := *s
		c.Cond = r.expr(s.Cond)
		c.True = r.stmts(s.True)
		c.False = r.stmts(s.False)
		return &c
	case *syntax.ReturnStmt:
		c := *s
		c.Result = r.expr(s.Result)
		return &c
	case *syntax.LoadStmt:
		c := *s
		c.From = cloneIdents(s.From)
		c.To = cloneIdents(s.To)
		return &c
	}
	// BranchStmt holds nothing to rewrite.
	return s
}

func (r *rewriter) exprs(in []syntax.Expr) []syntax.Expr {
	if in == nil {
		return nil
	}
	out := make([]syntax.Expr, len(in))
	for i, e := range in {
		out[i] = r.expr(e)
	}
	return out
}

func (r *rewriter) expr(e syntax.Expr) syntax.Expr {
	switch e := e.(type) {
	case nil:
		return nil
	case *syntax.CallExpr:
		c := *e
		c.Fn = r.expr(e.Fn)
		c.Args = r.exprs(e.Args)
		return r.call(&c)
	case *syntax.BinaryExpr:
		c := *e
		c.X = r.expr(e.X)
		c.Y = r.expr(e.Y)
		return &c
	case *syntax.UnaryExpr:
		c := *e
		c.X = r.expr(e.X)
		return &c
	case *syntax.ParenExpr:
		c := *e
		c.X = r.expr(e.X)
		return &c
	case *syntax.DotExpr:
		c := *e
		c.X = r.expr(e.X)
		return &c
	case *syntax.IndexExpr:
		c := *e
		c.X = r.expr(e.X)
		c.Y = r.expr(e.Y)
		return &c
	case *syntax.SliceExpr:
		c := *e
		c.X = r.expr(e.X)
		c.Lo = r.expr(e.Lo)
		c.Hi = r.expr(e.Hi)
		c.Step = r.expr(e.Step)
		return &c
	case *syntax.CondExpr:
		c := *e
		c.Cond = r.expr(e.Cond)
		c.True = r.expr(e.True)
		c.False = r.expr(e.False)
		return &c
	case *syntax.ListExpr:
		c := *e
		c.List = r.exprs(e.List)
		return &c
	case *syntax.TupleExpr:
		c := *e
		c.List = r.exprs(e.List)
		return &c
	case *syntax.DictExpr:
		c := *e
		c.List = r.exprs(e.List)
		return &c
	case *syntax.DictEntry:
		c := *e
		c.Key = r.expr(e.Key)
		c.Value = r.expr(e.Value)
		return &c
	case *syntax.LambdaExpr:
		c := *e
		c.Params = r.exprs(e.Params)
		c.Body = r.expr(e.Body)
		return &c
	case *syntax.Comprehension:
		c := *e
		c.Body = r.expr(e.Body)
		c.Clauses = make([]syntax.Node, len(e.Clauses))
		for i, clause := range e.Clauses {
			switch cl := clause.(type) {
			case *syntax.ForClause:
				fc := *cl
				fc.Vars = r.expr(cl.Vars)
				fc.X = r.expr(cl.X)
				c.Clauses[i] = &fc
			case *syntax.IfClause:
				ic := *cl
				ic.Cond = r.expr(cl.Cond)
				c.Clauses[i] = &ic
			default:
				c.Clauses[i] = clause
			}
		}
		return &c
	case *syntax.Ident:
		c := *e
		return &c
	}
	// Literals are immutable.
	return e
}

func cloneIdents(in []*syntax.Ident) []*syntax.Ident {
	out := make([]*syntax.Ident, len(in))
	for i, id := range in {
		c := *id
		out[i] = &c
	}
	return out
}
