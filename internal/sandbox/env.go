package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"math/big"
	"sync"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/michaelbrown/kiln/internal/sandbox/modules"
)

// Names bound in every execution environment. Tool proxies never
// replace them.
const (
	finalAnswerBuiltin = "final_answer"
	parallelBuiltin    = "parallel"
	callToolBuiltin    = "call_tool"
	importBuiltin      = "__import__"
)

// execution is the private state of one program run.
type execution struct {
	ctx    context.Context
	tools  ToolSet
	policy Policy

	out    lockedBuffer
	answer starlark.Value
}

// predeclared builds the program's global environment: extra builtins,
// allowed modules, one proxy per tool and the execution capabilities.
func (x *execution) predeclared(toolNames []string) starlark.StringDict {
	env := starlark.StringDict{
		"sum":    starlark.NewBuiltin("sum", sum),
		"round":  starlark.NewBuiltin("round", round),
		"pow":    starlark.NewBuiltin("pow", pow),
		"divmod": starlark.NewBuiltin("divmod", divmod),
	}
	for _, name := range x.policy.Modules {
		if m, ok := modules.Lookup(name); ok {
			env[name] = m
		}
	}
	for _, name := range toolNames {
		env[name] = &toolProxy{name: name}
	}

	env[awaitBuiltin] = starlark.NewBuiltin(awaitBuiltin, x.await)
	env[callToolBuiltin] = starlark.NewBuiltin(callToolBuiltin, x.callTool)
	env[parallelBuiltin] = starlark.NewBuiltin(parallelBuiltin, x.parallel)
	env[finalAnswerBuiltin] = starlark.NewBuiltin(finalAnswerBuiltin, x.finalAnswer)
	env[importBuiltin] = starlark.NewBuiltin(importBuiltin, x.importModule)
	return env
}

// newThread returns the thread a program runs on.
func (x *execution) newThread(name string) *starlark.Thread {
	thread := &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			x.out.WriteLine(msg)
		},
		Load: x.load,
	}
	modules.Attach(thread)
	return thread
}

// load serves load("module", ...) from the allowed modules. The module
// itself is also exported under its own name.
func (x *execution) load(_ *starlark.Thread, module string) (starlark.StringDict, error) {
	if !x.policy.IsModuleAllowed(module) {
		return nil, fmt.Errorf("module %q is not available", module)
	}
	m, _ := modules.Lookup(module)
	members := make(starlark.StringDict, len(m.Members)+1)
	for k, v := range m.Members {
		members[k] = v
	}
	members[module] = m
	return members, nil
}

func (x *execution) importModule(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &name); err != nil {
		return nil, err
	}
	if !x.policy.IsModuleAllowed(name) {
		return nil, fmt.Errorf("%s: module %q is not available", b.Name(), name)
	}
	m, _ := modules.Lookup(name)
	return m, nil
}

// finalAnswer records its argument as the program's answer. Only the first
// call counts.
func (x *execution) finalAnswer(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var v starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &v); err != nil {
		return nil, err
	}
	if x.answer == nil {
		x.answer = v
	}
	return v, nil
}

// lockedBuffer collects print output. A timed-out program may still be
// printing when the engine reads it.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) WriteLine(s string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.WriteString(s)
	b.buf.WriteByte('\n')
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func sum(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var iterable starlark.Iterable
	var start starlark.Value = starlark.MakeInt(0)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "iterable", &iterable, "start?", &start); err != nil {
		return nil, err
	}
	acc := start
	iter := iterable.Iterate()
	defer iter.Done()
	var e starlark.Value
	for iter.Next(&e) {
		v, err := starlark.Binary(syntax.PLUS, acc, e)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		acc = v
	}
	return acc, nil
}

// round rounds half to even. Without ndigits the result is an int.
func round(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x starlark.Value
	var ndigits starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "number", &x, "ndigits?", &ndigits); err != nil {
		return nil, err
	}
	if i, ok := x.(starlark.Int); ok {
		return i, nil
	}
	f, ok := starlark.AsFloat(x)
	if !ok {
		return nil, fmt.Errorf("%s: got %s, want number", b.Name(), x.Type())
	}
	if ndigits == starlark.None {
		return starlark.NumberToInt(starlark.Float(math.RoundToEven(f)))
	}
	n, err := starlark.AsInt32(ndigits)
	if err != nil {
		return nil, fmt.Errorf("%s: ndigits: %w", b.Name(), err)
	}
	scale := math.Pow(10, float64(n))
	return starlark.Float(math.RoundToEven(f*scale) / scale), nil
}

const maxIntExponent = 1 << 16

// pow is exact for a non-negative integer exponent of an integer base.
func pow(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var base, exp starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &base, &exp); err != nil {
		return nil, err
	}
	bi, baseInt := base.(starlark.Int)
	ei, expInt := exp.(starlark.Int)
	if baseInt && expInt && ei.Sign() >= 0 {
		if e, ok := ei.Int64(); !ok || e > maxIntExponent {
			return nil, fmt.Errorf("%s: exponent too large", b.Name())
		}
		return starlark.MakeBigInt(new(big.Int).Exp(bi.BigInt(), ei.BigInt(), nil)), nil
	}
	bf, ok1 := starlark.AsFloat(base)
	ef, ok2 := starlark.AsFloat(exp)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("%s: unsupported operands %s and %s", b.Name(), base.Type(), exp.Type())
	}
	return starlark.Float(math.Pow(bf, ef)), nil
}

func divmod(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x, y starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &x, &y); err != nil {
		return nil, err
	}
	q, err := starlark.Binary(syntax.SLASHSLASH, x, y)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	r, err := starlark.Binary(syntax.PERCENT, x, y)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.Tuple{q, r}, nil
}
