// Package toolreg discovers the tool names exposed by an external
// MCP tool server and caches them for the process lifetime.
package toolreg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/workdeck-ai/workdeck/internal/config"
	"github.com/workdeck-ai/workdeck/internal/event"
	"github.com/workdeck-ai/workdeck/internal/logging"
)

// ErrDiscoveryTimeout is returned when the tool server did not answer
// the discovery call within the configured timeout. Callers are
// expected to proceed without tools.
var ErrDiscoveryTimeout = errors.New("tool discovery timed out")

// session is the slice of an MCP client session the registry needs.
// The indirection lets tests substitute a fake server.
type session interface {
	ListTools(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

type connectFunc func(ctx context.Context) (session, error)

// Client resolves and caches the external tool list.
//
// The subprocess is started lazily on the first ResolveTools call.
// The cache lives until Invalidate is called or the subprocess stops
// answering pings, after which the next call re-discovers.
type Client struct {
	cfg     config.ToolServerConfig
	bus     *event.Bus
	connect connectFunc

	mu    sync.Mutex
	sess  session
	tools []string
	ready bool
}

// NewClient creates a registry client for the configured tool server.
func NewClient(cfg config.ToolServerConfig, bus *event.Bus) *Client {
	c := &Client{cfg: cfg, bus: bus}
	c.connect = c.connectStdio
	return c
}

// ResolveTools returns the tool names exposed by the tool server, in
// the runtime allow-list form mcp__<server>__<tool>. The first call
// starts the subprocess and blocks up to the configured timeout; later
// calls are cache hits unless the subprocess has exited.
func (c *Client) ResolveTools(ctx context.Context) ([]string, error) {
	if len(c.cfg.Command) == 0 {
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ready {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := c.sess.Ping(pingCtx)
		cancel()
		if err == nil {
			return c.tools, nil
		}
		log := logging.For("toolreg")
		log.Warn().Err(err).Msg("tool server stopped responding, re-discovering")
		c.invalidateLocked()
	}

	discoverCtx, cancel := context.WithTimeout(ctx, c.cfg.ToolTimeout())
	defer cancel()

	sess, err := c.connect(discoverCtx)
	if err != nil {
		if discoverCtx.Err() != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: %v", ErrDiscoveryTimeout, err)
		}
		return nil, fmt.Errorf("connect tool server: %w", err)
	}

	names, err := sess.ListTools(discoverCtx)
	if err != nil {
		sess.Close()
		if discoverCtx.Err() != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: %v", ErrDiscoveryTimeout, err)
		}
		return nil, fmt.Errorf("list tools: %w", err)
	}

	tools := make([]string, len(names))
	for i, name := range names {
		tools[i] = fmt.Sprintf("mcp__%s__%s", c.cfg.Name, name)
	}

	c.sess = sess
	c.tools = tools
	c.ready = true

	log := logging.For("toolreg")
	log.Info().Int("count", len(tools)).Msg("tool discovery complete")
	if c.bus != nil {
		c.bus.Publish(event.Event{
			Type: event.ToolsDiscovered,
			Data: event.ToolsDiscoveredData{Server: c.cfg.Name, Tools: tools},
		})
	}

	return tools, nil
}

// Invalidate drops the cached tool list and closes the subprocess
// session. The next ResolveTools call re-discovers.
func (c *Client) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateLocked()
}

func (c *Client) invalidateLocked() {
	if c.sess != nil {
		c.sess.Close()
		c.sess = nil
	}
	c.tools = nil
	c.ready = false
}

// Close shuts down the tool server session.
func (c *Client) Close() error {
	c.Invalidate()
	return nil
}

// connectStdio starts the tool server subprocess and opens an MCP
// session over its stdio.
func (c *Client) connectStdio(ctx context.Context) (session, error) {
	cmd := exec.Command(c.cfg.Command[0], c.cfg.Command[1:]...)
	cmd.Env = os.Environ()
	for k, v := range c.cfg.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	client := sdkmcp.NewClient(&sdkmcp.Implementation{
		Name:    "workdeck",
		Version: "1.0.0",
	}, nil)

	sess, err := client.Connect(ctx, &sdkmcp.CommandTransport{Command: cmd}, nil)
	if err != nil {
		return nil, err
	}
	return &sdkSession{sess: sess}, nil
}

type sdkSession struct {
	sess *sdkmcp.ClientSession
}

func (s *sdkSession) ListTools(ctx context.Context) ([]string, error) {
	result, err := s.sess.ListTools(ctx, nil)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(result.Tools))
	for i, t := range result.Tools {
		names[i] = t.Name
	}
	return names, nil
}

func (s *sdkSession) Ping(ctx context.Context) error {
	return s.sess.Ping(ctx, nil)
}

func (s *sdkSession) Close() error {
	return s.sess.Close()
}
