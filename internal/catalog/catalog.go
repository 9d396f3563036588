// Package catalog maps tool names to their schemas and owning servers.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Prober lists the tools hosted by one server.
type Prober interface {
	Probe(ctx context.Context, cfg ServerConfig) ([]RawTool, error)
}

// Skipped records a server whose probe failed during Build.
type Skipped struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// Catalog is an immutable tool name → Descriptor mapping. It is safe for
// concurrent use once built.
type Catalog struct {
	tools   map[string]*Descriptor
	servers []string
	skipped []Skipped
}

type buildOptions struct {
	logger       *slog.Logger
	probeTimeout time.Duration
	concurrency  int
}

// Option configures Build.
type Option func(*buildOptions)

// WithLogger sets the logger used for probe warnings.
func WithLogger(l *slog.Logger) Option {
	return func(o *buildOptions) { o.logger = l }
}

// WithProbeTimeout bounds each server probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(o *buildOptions) { o.probeTimeout = d }
}

// WithConcurrency limits how many servers are probed at once.
func WithConcurrency(n int) Option {
	return func(o *buildOptions) { o.concurrency = n }
}

// New returns a catalog holding the given descriptors. Later descriptors
// replace earlier ones with the same name.
func New(descs ...*Descriptor) *Catalog {
	c := &Catalog{tools: make(map[string]*Descriptor, len(descs))}
	seen := make(map[string]bool)
	for _, d := range descs {
		c.tools[d.Name] = d
		if id := d.Server.ID; id != "" && !seen[id] {
			seen[id] = true
			c.servers = append(c.servers, id)
		}
	}
	return c
}

// Build probes every enabled server and registers the tools each reports.
// A server that fails to start, handshake or list its tools is logged and
// skipped. Probes run concurrently; registration follows configuration
// order, so on a name collision the later server wins.
func Build(ctx context.Context, configs []ServerConfig, prober Prober, opts ...Option) *Catalog {
	o := buildOptions{logger: slog.Default(), concurrency: 4}
	for _, opt := range opts {
		opt(&o)
	}

	var enabled []ServerConfig
	for _, cfg := range configs {
		if cfg.Enabled {
			enabled = append(enabled, cfg)
		}
	}

	type probeResult struct {
		tools []RawTool
		err   error
	}
	results := make([]probeResult, len(enabled))

	g, gctx := errgroup.WithContext(ctx)
	if o.concurrency > 0 {
		g.SetLimit(o.concurrency)
	}
	for i, cfg := range enabled {
		g.Go(func() error {
			pctx := gctx
			if o.probeTimeout > 0 {
				var cancel context.CancelFunc
				pctx, cancel = context.WithTimeout(gctx, o.probeTimeout)
				defer cancel()
			}
			tools, err := prober.Probe(pctx, cfg)
			results[i] = probeResult{tools: tools, err: err}
			return nil
		})
	}
	_ = g.Wait()

	c := &Catalog{tools: make(map[string]*Descriptor)}
	for i, cfg := range enabled {
		res := results[i]
		if res.err != nil {
			o.logger.Warn("tool server probe failed",
				slog.String("server", cfg.ID),
				slog.String("error", res.err.Error()),
			)
			c.skipped = append(c.skipped, Skipped{ID: cfg.ID, Error: res.err.Error()})
			continue
		}
		c.servers = append(c.servers, cfg.ID)
		for _, rt := range res.tools {
			params, wrapper, err := ParseParams(rt.InputSchema)
			if err != nil {
				o.logger.Warn("skipping tool with unreadable schema",
					slog.String("server", cfg.ID),
					slog.String("tool", rt.Name),
					slog.String("error", err.Error()),
				)
				continue
			}
			if prev, ok := c.tools[rt.Name]; ok {
				o.logger.Warn("tool name collision, later server wins",
					slog.String("tool", rt.Name),
					slog.String("previous", prev.Server.ID),
					slog.String("server", cfg.ID),
				)
			}
			c.tools[rt.Name] = &Descriptor{
				Name:        rt.Name,
				Description: rt.Description,
				Params:      params,
				Wrapper:     wrapper,
				Schema:      rt.InputSchema,
				Server:      cfg,
			}
		}
		o.logger.Debug("tool server registered",
			slog.String("server", cfg.ID),
			slog.Int("tools", len(res.tools)),
		)
	}
	return c
}

// Lookup returns the descriptor registered under name.
func (c *Catalog) Lookup(name string) (*Descriptor, bool) {
	if c == nil {
		return nil, false
	}
	d, ok := c.tools[name]
	return d, ok
}

// Len returns the number of registered tools.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.tools)
}

// Names returns all tool names in sorted order.
func (c *Catalog) Names() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.tools))
	for name := range c.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tools returns the descriptors sorted by name, optionally restricted to the
// given server ids.
func (c *Catalog) Tools(servers ...string) []*Descriptor {
	allow := make(map[string]bool, len(servers))
	for _, s := range servers {
		allow[s] = true
	}
	var out []*Descriptor
	for _, name := range c.Names() {
		d := c.tools[name]
		if len(allow) > 0 && !allow[d.Server.ID] {
			continue
		}
		out = append(out, d)
	}
	return out
}

// Servers returns the ids of servers that contributed tools, in
// registration order.
func (c *Catalog) Servers() []string {
	if c == nil {
		return nil
	}
	return append([]string(nil), c.servers...)
}

// Skipped returns the servers whose probe failed.
func (c *Catalog) Skipped() []Skipped {
	if c == nil {
		return nil
	}
	return append([]Skipped(nil), c.skipped...)
}

// Signature renders a descriptor as "name(type, type)  # description".
func Signature(d *Descriptor) string {
	types := make([]string, len(d.Params))
	for i, p := range d.Params {
		types[i] = p.Type
	}
	desc := d.Description
	if desc == "" {
		desc = "No description"
	}
	return fmt.Sprintf("%s(%s)  # %s", d.Name, strings.Join(types, ", "), desc)
}

// Describe lists the signatures of the catalogued tools, one per line,
// optionally restricted to the given server ids.
func (c *Catalog) Describe(servers ...string) string {
	tools := c.Tools(servers...)
	lines := make([]string, len(tools))
	for i, d := range tools {
		lines[i] = "- " + Signature(d)
	}
	return strings.Join(lines, "\n")
}
