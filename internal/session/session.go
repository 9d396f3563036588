// Package session runs single-use MCP sessions against tool server
// processes. Every probe or call spawns a new process, performs the
// handshake, carries exactly one request and tears the process down.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/michaelbrown/kiln/internal/catalog"
)

var (
	// ErrSessionUsed is returned when a second request is issued on a session.
	ErrSessionUsed = errors.New("session already served its request")
	// ErrNoCommand is returned for a server config without a command.
	ErrNoCommand = errors.New("server command is empty")
)

const defaultCloseGrace = 2 * time.Second

// TransportFunc builds the transport used to reach a server.
type TransportFunc func(cfg catalog.ServerConfig) (transport.Interface, error)

// Options configures how sessions are opened.
type Options struct {
	Logger        *slog.Logger
	CloseGrace    time.Duration
	ClientName    string
	ClientVersion string
	Transport     TransportFunc
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.CloseGrace <= 0 {
		o.CloseGrace = defaultCloseGrace
	}
	if o.ClientName == "" {
		o.ClientName = "kiln"
	}
	if o.ClientVersion == "" {
		o.ClientVersion = "0.1.0"
	}
	if o.Transport == nil {
		o.Transport = StdioTransport
	}
	return o
}

// Session is one initialized connection to a freshly spawned server.
type Session struct {
	cfg    catalog.ServerConfig
	client *client.Client
	rec    *recorder
	cancel context.CancelFunc
	logger *slog.Logger
	grace  time.Duration

	used      atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Open spawns the server described by cfg and performs the MCP handshake.
// The process is bound to ctx: cancelling ctx kills it.
func Open(ctx context.Context, cfg catalog.ServerConfig, opts Options) (*Session, error) {
	opts = opts.withDefaults()

	tr, err := opts.Transport(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating transport for %s: %w", cfg.ID, err)
	}
	rec := &recorder{Interface: tr}

	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		cfg:    cfg,
		client: client.NewClient(rec),
		rec:    rec,
		cancel: cancel,
		logger: opts.Logger.With(slog.String("server", cfg.ID)),
		grace:  opts.CloseGrace,
	}

	if err := s.client.Start(sctx); err != nil {
		cancel()
		return nil, fmt.Errorf("starting server %s: %w", cfg.ID, err)
	}

	_, err = s.client.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    opts.ClientName,
				Version: opts.ClientVersion,
			},
		},
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("initializing server %s: %w", cfg.ID, err)
	}

	s.logger.Debug("session opened")
	return s, nil
}

// Server returns the config this session was opened with.
func (s *Session) Server() catalog.ServerConfig {
	return s.cfg
}

// Probe lists the server's tools. Input schemas are returned byte for byte
// as the server sent them so property order survives.
func (s *Session) Probe(ctx context.Context) ([]catalog.RawTool, error) {
	if !s.used.CompareAndSwap(false, true) {
		return nil, ErrSessionUsed
	}

	res, err := s.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("listing tools from %s: %w", s.cfg.ID, err)
	}

	if tools, ok := s.rec.tools(); ok {
		return tools, nil
	}

	// The transport did not surface raw pages; fall back to the decoded
	// tools, whose schema property order is not preserved.
	tools := make([]catalog.RawTool, 0, len(res.Tools))
	for _, t := range res.Tools {
		schema := t.RawInputSchema
		if schema == nil {
			schema, err = json.Marshal(t.InputSchema)
			if err != nil {
				return nil, fmt.Errorf("encoding schema of %s: %w", t.Name, err)
			}
		}
		tools = append(tools, catalog.RawTool{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	return tools, nil
}

// Invoke calls one tool and returns the server's reply.
func (s *Session) Invoke(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	if !s.used.CompareAndSwap(false, true) {
		return nil, ErrSessionUsed
	}

	res, err := s.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("calling %s on %s: %w", name, s.cfg.ID, err)
	}
	return res, nil
}

// Close shuts the connection down and waits up to the grace period for the
// process to exit before killing it. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		done := make(chan error, 1)
		go func() { done <- s.client.Close() }()

		select {
		case err := <-done:
			s.closeErr = err
		case <-time.After(s.grace):
			s.logger.Debug("server did not exit within grace period, killing",
				slog.Duration("grace", s.grace))
		}
		s.cancel()
		s.logger.Debug("session closed")
	})
	return s.closeErr
}

// recorder keeps the raw result of every tools/list exchange.
type recorder struct {
	transport.Interface

	mu    sync.Mutex
	pages []json.RawMessage
}

func (r *recorder) SendRequest(ctx context.Context, req transport.JSONRPCRequest) (*transport.JSONRPCResponse, error) {
	resp, err := r.Interface.SendRequest(ctx, req)
	if err == nil && resp != nil && resp.Error == nil && req.Method == string(mcp.MethodToolsList) {
		r.mu.Lock()
		r.pages = append(r.pages, append(json.RawMessage(nil), resp.Result...))
		r.mu.Unlock()
	}
	return resp, err
}

func (r *recorder) tools() ([]catalog.RawTool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pages) == 0 {
		return nil, false
	}

	var out []catalog.RawTool
	for _, page := range r.pages {
		var listed struct {
			Tools []catalog.RawTool `json:"tools"`
		}
		if err := json.Unmarshal(page, &listed); err != nil {
			return nil, false
		}
		out = append(out, listed.Tools...)
	}
	return out, true
}
