// Package modules provides the allow-listed capability modules available
// to sandboxed programs.
package modules

import (
	"database/sql"
	"fmt"
	"os"
	"sort"
	"sync"

	"go.starlark.net/lib/json"
	"go.starlark.net/lib/math"
	"go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

var registry = map[string]*starlarkstruct.Module{
	"math":        math.Module,
	"time":        time.Module,
	"json":        jsonModule(),
	"re":          reModule,
	"hashlib":     hashlibModule,
	"base64":      base64Module,
	"uuid":        uuidModule,
	"yaml":        yamlModule,
	"sqlite3":     sqliteModule,
	"tempfile":    tempfileModule,
	"string":      stringModule,
	"unicodedata": unicodedataModule,
	"statistics":  statisticsModule,
	"collections": collectionsModule,
	"ast":         astModule,
}

// jsonModule extends the Starlark json module with Python-style aliases.
func jsonModule() *starlarkstruct.Module {
	members := make(starlark.StringDict, len(json.Module.Members)+2)
	for k, v := range json.Module.Members {
		members[k] = v
	}
	members["dumps"] = json.Module.Members["encode"]
	members["loads"] = json.Module.Members["decode"]
	return &starlarkstruct.Module{Name: "json", Members: members}
}

// Names returns every available module name, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the named module.
func Lookup(name string) (*starlarkstruct.Module, bool) {
	m, ok := registry[name]
	return m, ok
}

const resourcesKey = "kiln.modules.resources"

// resources tracks what modules acquired on behalf of one thread.
type resources struct {
	mu      sync.Mutex
	tempDir string
	dbs     []*sql.DB
}

func threadResources(thread *starlark.Thread) *resources {
	if r, ok := thread.Local(resourcesKey).(*resources); ok {
		return r
	}
	r := &resources{}
	thread.SetLocal(resourcesKey, r)
	return r
}

// Attach prepares thread for module use. It must be called before the
// thread runs, from the goroutine that owns it.
func Attach(thread *starlark.Thread) {
	threadResources(thread)
}

// Release closes databases and removes the temporary directory opened
// by modules on thread.
func Release(thread *starlark.Thread) error {
	r, ok := thread.Local(resourcesKey).(*resources)
	if !ok {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, db := range r.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.dbs = nil
	if r.tempDir != "" {
		if err := os.RemoveAll(r.tempDir); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("removing temp dir: %w", err)
		}
		r.tempDir = ""
	}
	return firstErr
}

func builtin(name string, fn func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error)) *starlark.Builtin {
	return starlark.NewBuiltin(name, fn)
}

// textArg accepts a string or bytes argument.
func textArg(v starlark.Value) (string, error) {
	switch x := v.(type) {
	case starlark.String:
		return string(x), nil
	case starlark.Bytes:
		return string(x), nil
	}
	return "", fmt.Errorf("got %s, want string or bytes", v.Type())
}
