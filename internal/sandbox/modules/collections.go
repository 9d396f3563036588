package modules

import (
	"fmt"
	"sort"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

var collectionsModule = &starlarkstruct.Module{
	Name: "collections",
	Members: starlark.StringDict{
		"Counter":     builtin("collections.Counter", counter),
		"OrderedDict": builtin("collections.OrderedDict", orderedDict),
		"most_common": builtin("collections.most_common", mostCommon),
	},
}

// counter returns a dict mapping each element of an iterable to its count.
// A mapping argument is copied as-is.
func counter(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var data starlark.Value = starlark.None
	if err := starlark.UnpackPositionalArgs(b.Name(), args, nil, 0, &data); err != nil {
		return nil, err
	}
	var counts *starlark.Dict
	switch x := data.(type) {
	case starlark.NoneType:
		counts = starlark.NewDict(len(kwargs))
	case *starlark.Dict:
		counts = starlark.NewDict(x.Len())
		for _, item := range x.Items() {
			if err := counts.SetKey(item[0], item[1]); err != nil {
				return nil, err
			}
		}
	case starlark.Iterable:
		var err error
		if counts, err = tally(x); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%s: got %s, want iterable", b.Name(), data.Type())
	}
	for _, kv := range kwargs {
		if err := counts.SetKey(kv[0], kv[1]); err != nil {
			return nil, err
		}
	}
	return counts, nil
}

// orderedDict builds a dict from pairs and keyword arguments. Starlark
// dicts already preserve insertion order.
func orderedDict(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	dict := starlark.Universe["dict"]
	return starlark.Call(thread, dict, args, kwargs)
}

// mostCommon returns (element, count) pairs ordered by descending count.
// It accepts a Counter dict or any iterable to tally.
func mostCommon(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var data starlark.Value
	var n starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "data", &data, "n?", &n); err != nil {
		return nil, err
	}
	counts, ok := data.(*starlark.Dict)
	if !ok {
		iterable, isIter := data.(starlark.Iterable)
		if !isIter {
			return nil, fmt.Errorf("%s: got %s, want dict or iterable", b.Name(), data.Type())
		}
		var err error
		if counts, err = tally(iterable); err != nil {
			return nil, err
		}
	}

	items := counts.Items()
	counted := make([]float64, len(items))
	for i, item := range items {
		f, ok := starlark.AsFloat(item[1])
		if !ok {
			return nil, fmt.Errorf("%s: count for %s is %s, want number", b.Name(), item[0], item[1].Type())
		}
		counted[i] = f
	}
	order := make([]int, len(items))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return counted[order[i]] > counted[order[j]] })

	limit := len(items)
	if n != starlark.None {
		k, err := starlark.AsInt32(n)
		if err != nil {
			return nil, fmt.Errorf("%s: n: %w", b.Name(), err)
		}
		if k >= 0 && k < limit {
			limit = k
		}
	}
	out := make([]starlark.Value, limit)
	for i := 0; i < limit; i++ {
		out[i] = items[order[i]]
	}
	return starlark.NewList(out), nil
}
