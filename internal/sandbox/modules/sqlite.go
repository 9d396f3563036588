package modules

import (
	"database/sql"
	"errors"
	"fmt"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	_ "modernc.org/sqlite"
)

var sqliteModule = &starlarkstruct.Module{
	Name: "sqlite3",
	Members: starlark.StringDict{
		"connect": builtin("sqlite3.connect", sqliteConnect),
	},
}

// sqliteConnect opens a private in-memory database. File databases are
// refused so programs cannot touch the host filesystem through SQLite.
func sqliteConnect(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	database := ":memory:"
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "database?", &database); err != nil {
		return nil, err
	}
	if database != ":memory:" {
		return nil, fmt.Errorf("%s: only \":memory:\" databases are available", b.Name())
	}

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	// Every pooled connection to :memory: would be a separate database.
	db.SetMaxOpenConns(1)

	res := threadResources(thread)
	res.mu.Lock()
	res.dbs = append(res.dbs, db)
	res.mu.Unlock()

	return &sqliteConn{db: db}, nil
}

// sqliteConn is the connection object returned by sqlite3.connect.
type sqliteConn struct {
	db     *sql.DB
	closed bool
}

var _ starlark.HasAttrs = (*sqliteConn)(nil)

func (c *sqliteConn) String() string        { return "<sqlite3.Connection>" }
func (c *sqliteConn) Type() string          { return "sqlite3.Connection" }
func (c *sqliteConn) Freeze()               {}
func (c *sqliteConn) Truth() starlark.Bool  { return !starlark.Bool(c.closed) }
func (c *sqliteConn) Hash() (uint32, error) { return 0, errors.New("unhashable: sqlite3.Connection") }

func (c *sqliteConn) AttrNames() []string {
	return []string{"close", "commit", "execute", "executemany"}
}

func (c *sqliteConn) Attr(name string) (starlark.Value, error) {
	switch name {
	case "execute":
		return builtin("execute", c.execute), nil
	case "executemany":
		return builtin("executemany", c.executemany), nil
	case "commit":
		return builtin("commit", func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
			return starlark.None, nil
		}), nil
	case "close":
		return builtin("close", func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
			c.closed = true
			return starlark.None, c.db.Close()
		}), nil
	}
	return nil, nil
}

// execute runs one statement and returns its rows as a list of tuples;
// statements without a result set return an empty list.
func (c *sqliteConn) execute(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var query string
	var params starlark.Value = starlark.Tuple(nil)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "sql", &query, "parameters?", &params); err != nil {
		return nil, err
	}
	if c.closed {
		return nil, errors.New("execute: connection is closed")
	}
	bind, err := sqlParams(params)
	if err != nil {
		return nil, err
	}

	rows, err := c.db.Query(query, bind...)
	if err != nil {
		return nil, fmt.Errorf("execute: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("execute: %w", err)
	}
	var out []starlark.Value
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("execute: %w", err)
		}
		row := make(starlark.Tuple, len(vals))
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			sv, err := ToStarlark(v)
			if err != nil {
				sv = starlark.String(fmt.Sprint(v))
			}
			row[i] = sv
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("execute: %w", err)
	}
	return starlark.NewList(out), nil
}

func (c *sqliteConn) executemany(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var query string
	var seq starlark.Iterable
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "sql", &query, "seq_of_parameters", &seq); err != nil {
		return nil, err
	}
	if c.closed {
		return nil, errors.New("executemany: connection is closed")
	}
	iter := seq.Iterate()
	defer iter.Done()
	count := 0
	var p starlark.Value
	for iter.Next(&p) {
		bind, err := sqlParams(p)
		if err != nil {
			return nil, err
		}
		if _, err := c.db.Exec(query, bind...); err != nil {
			return nil, fmt.Errorf("executemany: %w", err)
		}
		count++
	}
	return starlark.MakeInt(count), nil
}

func sqlParams(v starlark.Value) ([]any, error) {
	data, err := FromStarlark(v)
	if err != nil {
		return nil, err
	}
	switch x := data.(type) {
	case nil:
		return nil, nil
	case []any:
		return x, nil
	case map[string]any:
		named := make([]any, 0, len(x))
		for k, val := range x {
			named = append(named, sql.Named(k, val))
		}
		return named, nil
	}
	return []any{data}, nil
}
