package catalog_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/kiln/internal/catalog"
)

type fakeProber map[string][]catalog.RawTool

func (f fakeProber) Probe(_ context.Context, cfg catalog.ServerConfig) ([]catalog.RawTool, error) {
	tools, ok := f[cfg.ID]
	if !ok {
		return nil, errors.New("exec: no such file or directory")
	}
	return tools, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func rawTool(name, desc, schema string) catalog.RawTool {
	return catalog.RawTool{Name: name, Description: desc, InputSchema: json.RawMessage(schema)}
}

const pairSchema = `{"type":"object","properties":{"a":{"type":"integer"},"b":{"type":"integer"}}}`

func TestBuildSkipsFailingServer(t *testing.T) {
	prober := fakeProber{
		"math": {rawTool("add", "Add two numbers", pairSchema)},
		"text": {rawTool("upper", "", `{"properties":{"s":{"type":"string"}}}`)},
	}
	configs := []catalog.ServerConfig{
		{ID: "math", Enabled: true},
		{ID: "broken", Enabled: true},
		{ID: "text", Enabled: true},
	}

	c := catalog.Build(context.Background(), configs, prober, catalog.WithLogger(quietLogger()))

	assert.Equal(t, []string{"add", "upper"}, c.Names())
	assert.Equal(t, []string{"math", "text"}, c.Servers())
	require.Len(t, c.Skipped(), 1)
	assert.Equal(t, "broken", c.Skipped()[0].ID)

	d, ok := c.Lookup("add")
	require.True(t, ok)
	assert.Equal(t, "math", d.Server.ID)
	assert.Equal(t, []string{"a", "b"}, d.ParamNames())
}

func TestBuildIgnoresDisabledServers(t *testing.T) {
	prober := fakeProber{"math": {rawTool("add", "", pairSchema)}}
	c := catalog.Build(context.Background(), []catalog.ServerConfig{{ID: "math"}}, prober,
		catalog.WithLogger(quietLogger()))
	assert.Equal(t, 0, c.Len())
	assert.Empty(t, c.Skipped())
}

func TestBuildCollisionLaterServerWins(t *testing.T) {
	prober := fakeProber{
		"first":  {rawTool("echo", "first", `{}`)},
		"second": {rawTool("echo", "second", `{}`)},
	}
	configs := []catalog.ServerConfig{
		{ID: "first", Enabled: true},
		{ID: "second", Enabled: true},
	}

	for range 5 {
		c := catalog.Build(context.Background(), configs, prober,
			catalog.WithLogger(quietLogger()), catalog.WithConcurrency(2))
		d, ok := c.Lookup("echo")
		require.True(t, ok)
		assert.Equal(t, "second", d.Server.ID)
	}
}

func TestBuildAllServersFail(t *testing.T) {
	c := catalog.Build(context.Background(),
		[]catalog.ServerConfig{{ID: "a", Enabled: true}, {ID: "b", Enabled: true}},
		fakeProber{}, catalog.WithLogger(quietLogger()))
	assert.Equal(t, 0, c.Len())
	assert.Len(t, c.Skipped(), 2)
}

func TestDescribe(t *testing.T) {
	c := catalog.New(
		&catalog.Descriptor{
			Name:        "add",
			Description: "Add two numbers",
			Params:      []catalog.Param{{Name: "a", Type: "integer"}, {Name: "b", Type: "integer"}},
			Server:      catalog.ServerConfig{ID: "math"},
		},
		&catalog.Descriptor{
			Name:   "read_file",
			Params: []catalog.Param{{Name: "path", Type: "string"}},
			Server: catalog.ServerConfig{ID: "docs"},
		},
	)

	assert.Equal(t,
		"- add(integer, integer)  # Add two numbers\n- read_file(string)  # No description",
		c.Describe())
	assert.Equal(t, "- read_file(string)  # No description", c.Describe("docs"))
	assert.Equal(t, []string{"math", "docs"}, c.Servers())
}

func TestNilCatalog(t *testing.T) {
	var c *catalog.Catalog
	_, ok := c.Lookup("x")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
	assert.Empty(t, c.Names())
}

func TestServerConfigEnviron(t *testing.T) {
	t.Setenv("KILN_TEST_TOKEN", "s3cret")
	cfg := catalog.ServerConfig{Env: map[string]string{
		"TOKEN": "${KILN_TEST_TOKEN}",
		"MODE":  "plain",
	}}
	assert.ElementsMatch(t, []string{"TOKEN=s3cret", "MODE=plain"}, cfg.Environ())
}
