package modules

import (
	"fmt"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

const (
	asciiLowercase = "abcdefghijklmnopqrstuvwxyz"
	asciiUppercase = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digits         = "0123456789"
	punctuation    = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"
	whitespace     = " \t\n\r\x0b\x0c"
)

var stringModule = &starlarkstruct.Module{
	Name: "string",
	Members: starlark.StringDict{
		"ascii_lowercase": starlark.String(asciiLowercase),
		"ascii_uppercase": starlark.String(asciiUppercase),
		"ascii_letters":   starlark.String(asciiLowercase + asciiUppercase),
		"digits":          starlark.String(digits),
		"hexdigits":       starlark.String(digits + "abcdefABCDEF"),
		"punctuation":     starlark.String(punctuation),
		"whitespace":      starlark.String(whitespace),
		"capwords":        builtin("string.capwords", capwords),
	},
}

func capwords(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var s string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &s); err != nil {
		return nil, err
	}
	title := cases.Title(language.Und)
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = title.String(w)
	}
	return starlark.String(strings.Join(words, " ")), nil
}

var unicodedataModule = &starlarkstruct.Module{
	Name: "unicodedata",
	Members: starlark.StringDict{
		"normalize":     builtin("unicodedata.normalize", normalize),
		"is_normalized": builtin("unicodedata.is_normalized", isNormalized),
		"combining":     builtin("unicodedata.combining", combining),
	},
}

func normForm(name string) (norm.Form, error) {
	switch name {
	case "NFC":
		return norm.NFC, nil
	case "NFD":
		return norm.NFD, nil
	case "NFKC":
		return norm.NFKC, nil
	case "NFKD":
		return norm.NFKD, nil
	}
	return 0, fmt.Errorf("invalid normalization form %q", name)
}

func normalize(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var form, s string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &form, &s); err != nil {
		return nil, err
	}
	f, err := normForm(form)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.String(f.String(s)), nil
}

func isNormalized(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var form, s string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &form, &s); err != nil {
		return nil, err
	}
	f, err := normForm(form)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.Bool(f.IsNormalString(s)), nil
}

func combining(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var ch string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &ch); err != nil {
		return nil, err
	}
	if len([]rune(ch)) != 1 {
		return nil, fmt.Errorf("%s: need a single character", b.Name())
	}
	return starlark.MakeInt(int(norm.NFD.PropertiesString(ch).CCC())), nil
}
