package modules

import (
	"fmt"
	"regexp"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// reModule covers the common subset of Python's re module on top of RE2.
var reModule = &starlarkstruct.Module{
	Name: "re",
	Members: starlark.StringDict{
		"search":    builtin("re.search", reSearch),
		"match":     builtin("re.match", reMatch),
		"fullmatch": builtin("re.fullmatch", reFullmatch),
		"findall":   builtin("re.findall", reFindall),
		"sub":       builtin("re.sub", reSub),
		"split":     builtin("re.split", reSplit),
		"escape":    builtin("re.escape", reEscape),
	},
}

func compilePattern(fn, pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fn, err)
	}
	return re, nil
}

func patternAndText(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (*regexp.Regexp, string, error) {
	var pattern, s string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "pattern", &pattern, "string", &s); err != nil {
		return nil, "", err
	}
	re, err := compilePattern(b.Name(), pattern)
	return re, s, err
}

func reSearch(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	re, s, err := patternAndText(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	return newMatch(s, re.FindStringSubmatchIndex(s)), nil
}

func reMatch(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	re, s, err := patternAndText(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	anchored, err := compilePattern(b.Name(), `^(?:`+re.String()+`)`)
	if err != nil {
		return nil, err
	}
	return newMatch(s, anchored.FindStringSubmatchIndex(s)), nil
}

func reFullmatch(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	re, s, err := patternAndText(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	anchored, err := compilePattern(b.Name(), `^(?:`+re.String()+`)$`)
	if err != nil {
		return nil, err
	}
	return newMatch(s, anchored.FindStringSubmatchIndex(s)), nil
}

// reFindall mirrors Python: whole matches without groups, the group with
// one group, tuples of groups otherwise.
func reFindall(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	re, s, err := patternAndText(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	var out []starlark.Value
	for _, m := range re.FindAllStringSubmatch(s, -1) {
		switch len(m) {
		case 1:
			out = append(out, starlark.String(m[0]))
		case 2:
			out = append(out, starlark.String(m[1]))
		default:
			groups := make(starlark.Tuple, len(m)-1)
			for i, g := range m[1:] {
				groups[i] = starlark.String(g)
			}
			out = append(out, groups)
		}
	}
	return starlark.NewList(out), nil
}

var pyGroupRef = regexp.MustCompile(`\\(\d+)|\\g<(\w+)>`)

func reSub(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, repl, s string
	count := 0
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "pattern", &pattern, "repl", &repl, "string", &s, "count?", &count); err != nil {
		return nil, err
	}
	re, err := compilePattern(b.Name(), pattern)
	if err != nil {
		return nil, err
	}
	template := strings.ReplaceAll(repl, "$", "$$")
	template = pyGroupRef.ReplaceAllStringFunc(template, func(ref string) string {
		m := pyGroupRef.FindStringSubmatch(ref)
		if m[1] != "" {
			return "${" + m[1] + "}"
		}
		return "${" + m[2] + "}"
	})

	if count <= 0 {
		return starlark.String(re.ReplaceAllString(s, template)), nil
	}
	n := 0
	out := re.ReplaceAllStringFunc(s, func(match string) string {
		n++
		if n > count {
			return match
		}
		idx := re.FindStringSubmatchIndex(match)
		return string(re.ExpandString(nil, template, match, idx))
	})
	return starlark.String(out), nil
}

func reSplit(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, s string
	maxsplit := 0
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "pattern", &pattern, "string", &s, "maxsplit?", &maxsplit); err != nil {
		return nil, err
	}
	re, err := compilePattern(b.Name(), pattern)
	if err != nil {
		return nil, err
	}
	n := -1
	if maxsplit > 0 {
		n = maxsplit + 1
	}
	parts := re.Split(s, n)
	out := make([]starlark.Value, len(parts))
	for i, p := range parts {
		out[i] = starlark.String(p)
	}
	return starlark.NewList(out), nil
}

func reEscape(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var s string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &s); err != nil {
		return nil, err
	}
	return starlark.String(regexp.QuoteMeta(s)), nil
}

// newMatch returns a match struct or None when loc is nil.
func newMatch(s string, loc []int) starlark.Value {
	if loc == nil {
		return starlark.None
	}
	group := func(i int) starlark.Value {
		if i < 0 || 2*i+1 >= len(loc) || loc[2*i] < 0 {
			return starlark.None
		}
		return starlark.String(s[loc[2*i]:loc[2*i+1]])
	}
	groups := make(starlark.Tuple, 0, len(loc)/2-1)
	for i := 1; i < len(loc)/2; i++ {
		groups = append(groups, group(i))
	}

	return starlarkstruct.FromStringDict(starlark.String("re.match"), starlark.StringDict{
		"group": builtin("group", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			i := 0
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0, &i); err != nil {
				return nil, err
			}
			return group(i), nil
		}),
		"groups": builtin("groups", func(_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
			return groups, nil
		}),
		"start": starlark.MakeInt(loc[0]),
		"end":   starlark.MakeInt(loc[1]),
		"text":  starlark.String(s[loc[0]:loc[1]]),
	})
}
