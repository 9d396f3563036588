package modules

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// tempfileModule gives a program a scratch directory of its own. Every
// path is relative to that directory and the directory is removed when
// the execution ends.
var tempfileModule = &starlarkstruct.Module{
	Name: "tempfile",
	Members: starlark.StringDict{
		"gettempdir": builtin("tempfile.gettempdir", tempDirBuiltin),
		"write_text": builtin("tempfile.write_text", tempWrite),
		"read_text":  builtin("tempfile.read_text", tempRead),
		"listdir":    builtin("tempfile.listdir", tempList),
		"remove":     builtin("tempfile.remove", tempRemove),
	},
}

func scratchDir(thread *starlark.Thread) (string, error) {
	res := threadResources(thread)
	res.mu.Lock()
	defer res.mu.Unlock()
	if res.tempDir == "" {
		dir, err := os.MkdirTemp("", "kiln-exec-*")
		if err != nil {
			return "", err
		}
		res.tempDir = dir
	}
	return res.tempDir, nil
}

// scratchPath resolves name inside the scratch directory.
func scratchPath(thread *starlark.Thread, name string) (string, error) {
	dir, err := scratchDir(thread)
	if err != nil {
		return "", err
	}
	if name == "" || filepath.IsAbs(name) {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	p := filepath.Join(dir, filepath.Clean(name))
	if p != dir && !strings.HasPrefix(p, dir+string(filepath.Separator)) {
		return "", errors.New("path escapes the temporary directory")
	}
	return p, nil
}

func tempDirBuiltin(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	dir, err := scratchDir(thread)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.String(dir), nil
}

func tempWrite(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, content string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "content", &content); err != nil {
		return nil, err
	}
	p, err := scratchPath(thread, name)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.String(p), nil
}

func tempRead(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
		return nil, err
	}
	p, err := scratchPath(thread, name)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.String(data), nil
}

func tempList(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	dir, err := scratchDir(thread)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	out := make([]starlark.Value, len(names))
	for i, n := range names {
		out[i] = starlark.String(n)
	}
	return starlark.NewList(out), nil
}

func tempRemove(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
		return nil, err
	}
	p, err := scratchPath(thread, name)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	if err := os.Remove(p); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.None, nil
}
