package dispatch

import (
	"fmt"
	"math/big"

	"go.starlark.net/syntax"
)

// ParseCall parses a string-encoded call such as `add(3, 4)` or
// `search("go", limit=5)`. The callee must be a bare name and every
// argument a literal: numbers, strings, booleans, None, and lists, tuples
// or dicts of literals. Integers beyond int64 stay *big.Int. Named
// arguments are appended after the positional ones in written order,
// matching how program calls are normalized.
func ParseCall(expr string) (string, []any, error) {
	parsed, err := syntax.ParseExpr("<call>", expr, 0)
	if err != nil {
		return "", nil, malformed(expr, err.Error())
	}

	call, ok := unparen(parsed).(*syntax.CallExpr)
	if !ok {
		return "", nil, malformed(expr, "not a call expression")
	}
	fn, ok := call.Fn.(*syntax.Ident)
	if !ok {
		return "", nil, malformed(expr, "callee must be a bare name")
	}

	var positional, named []any
	for _, arg := range call.Args {
		if bin, ok := arg.(*syntax.BinaryExpr); ok && bin.Op == syntax.EQ {
			v, err := literal(bin.Y)
			if err != nil {
				return "", nil, malformed(expr, err.Error())
			}
			named = append(named, v)
			continue
		}
		if u, ok := arg.(*syntax.UnaryExpr); ok && (u.Op == syntax.STAR || u.Op == syntax.STARSTAR) {
			return "", nil, malformed(expr, "argument unpacking is not allowed")
		}
		v, err := literal(arg)
		if err != nil {
			return "", nil, malformed(expr, err.Error())
		}
		positional = append(positional, v)
	}
	return fn.Name, append(positional, named...), nil
}

func malformed(expr, reason string) error {
	return &Error{
		Msg: fmt.Sprintf("malformed call %q: %s", expr, reason),
		Err: ErrMalformedCall,
	}
}

func unparen(e syntax.Expr) syntax.Expr {
	for {
		p, ok := e.(*syntax.ParenExpr)
		if !ok {
			return e
		}
		e = p.X
	}
}

func literal(e syntax.Expr) (any, error) {
	switch x := unparen(e).(type) {
	case *syntax.Literal:
		return x.Value, nil
	case *syntax.Ident:
		switch x.Name {
		case "True", "true":
			return true, nil
		case "False", "false":
			return false, nil
		case "None", "null":
			return nil, nil
		}
		return nil, fmt.Errorf("name %s is not a literal", x.Name)
	case *syntax.UnaryExpr:
		if x.Op != syntax.MINUS && x.Op != syntax.PLUS {
			break
		}
		v, err := literal(x.X)
		if err != nil {
			return nil, err
		}
		neg := x.Op == syntax.MINUS
		switch n := v.(type) {
		case int64:
			if neg {
				return -n, nil
			}
			return n, nil
		case float64:
			if neg {
				return -n, nil
			}
			return n, nil
		case *big.Int:
			if !neg {
				return n, nil
			}
			m := new(big.Int).Neg(n)
			if m.IsInt64() {
				return m.Int64(), nil
			}
			return m, nil
		}
		return nil, fmt.Errorf("sign applied to non-number")
	case *syntax.ListExpr:
		return literalList(x.List)
	case *syntax.TupleExpr:
		return literalList(x.List)
	case *syntax.DictExpr:
		m := make(map[string]any, len(x.List))
		for _, item := range x.List {
			entry := item.(*syntax.DictEntry)
			k, err := literal(entry.Key)
			if err != nil {
				return nil, err
			}
			key, ok := k.(string)
			if !ok {
				key = fmt.Sprint(k)
			}
			v, err := literal(entry.Value)
			if err != nil {
				return nil, err
			}
			m[key] = v
		}
		return m, nil
	}
	return nil, fmt.Errorf("argument %T is not a literal", e)
}

func literalList(items []syntax.Expr) ([]any, error) {
	out := make([]any, 0, len(items))
	for _, item := range items {
		v, err := literal(item)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
