package modules

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

var statisticsModule = &starlarkstruct.Module{
	Name: "statistics",
	Members: starlark.StringDict{
		"mean":      floatStat("statistics.mean", 1, mean),
		"fmean":     floatStat("statistics.fmean", 1, mean),
		"median":    floatStat("statistics.median", 1, median),
		"variance":  floatStat("statistics.variance", 2, sampleVariance),
		"pvariance": floatStat("statistics.pvariance", 1, populationVariance),
		"stdev": floatStat("statistics.stdev", 2, func(xs []float64) float64 {
			return math.Sqrt(sampleVariance(xs))
		}),
		"pstdev": floatStat("statistics.pstdev", 1, func(xs []float64) float64 {
			return math.Sqrt(populationVariance(xs))
		}),
		"mode": builtin("statistics.mode", mode),
	},
}

func numbers(name string, v starlark.Value) ([]float64, error) {
	iterable, ok := v.(starlark.Iterable)
	if !ok {
		return nil, fmt.Errorf("%s: got %s, want iterable", name, v.Type())
	}
	var xs []float64
	iter := iterable.Iterate()
	defer iter.Done()
	var e starlark.Value
	for iter.Next(&e) {
		f, ok := starlark.AsFloat(e)
		if !ok {
			return nil, fmt.Errorf("%s: got %s, want number", name, e.Type())
		}
		xs = append(xs, f)
	}
	return xs, nil
}

func floatStat(name string, minPoints int, fn func([]float64) float64) *starlark.Builtin {
	return builtin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var data starlark.Value
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &data); err != nil {
			return nil, err
		}
		xs, err := numbers(b.Name(), data)
		if err != nil {
			return nil, err
		}
		if len(xs) < minPoints {
			return nil, fmt.Errorf("%s: requires at least %d data points", b.Name(), minPoints)
		}
		return starlark.Float(fn(xs)), nil
	})
}

func mean(xs []float64) float64 {
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func median(xs []float64) float64 {
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

func sumSquares(xs []float64) float64 {
	m := mean(xs)
	ss := 0.0
	for _, x := range xs {
		ss += (x - m) * (x - m)
	}
	return ss
}

func sampleVariance(xs []float64) float64 {
	return sumSquares(xs) / float64(len(xs)-1)
}

func populationVariance(xs []float64) float64 {
	return sumSquares(xs) / float64(len(xs))
}

// mode returns the most common element. Ties go to the element seen first.
func mode(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var data starlark.Iterable
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &data); err != nil {
		return nil, err
	}
	counts, err := tally(data)
	if err != nil {
		return nil, err
	}
	var best starlark.Value
	bestCount := 0
	for _, item := range counts.Items() {
		n, _ := starlark.AsInt32(item[1])
		if n > bestCount {
			best, bestCount = item[0], n
		}
	}
	if best == nil {
		return nil, errors.New("statistics.mode: no mode for empty data")
	}
	return best, nil
}

// tally counts occurrences of each element, keeping first-seen order.
func tally(data starlark.Iterable) (*starlark.Dict, error) {
	counts := starlark.NewDict(0)
	iter := data.Iterate()
	defer iter.Done()
	var e starlark.Value
	for iter.Next(&e) {
		n := 0
		v, found, err := counts.Get(e)
		if err != nil {
			return nil, err
		}
		if found {
			n, _ = starlark.AsInt32(v)
		}
		if err := counts.SetKey(e, starlark.MakeInt(n+1)); err != nil {
			return nil, err
		}
	}
	return counts, nil
}
