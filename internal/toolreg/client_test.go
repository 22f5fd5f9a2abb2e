package toolreg

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workdeck-ai/workdeck/internal/config"
)

type fakeSession struct {
	tools    []string
	pingErr  error
	listErr  error
	closed   bool
	listHang time.Duration
}

func (f *fakeSession) ListTools(ctx context.Context) ([]string, error) {
	if f.listHang > 0 {
		select {
		case <-time.After(f.listHang):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.tools, nil
}

func (f *fakeSession) Ping(ctx context.Context) error { return f.pingErr }
func (f *fakeSession) Close() error                   { f.closed = true; return nil }

func newTestClient(cfg config.ToolServerConfig, connect connectFunc) *Client {
	c := NewClient(cfg, nil)
	c.connect = connect
	return c
}

func serverConfig() config.ToolServerConfig {
	return config.ToolServerConfig{
		Name:      "databricks",
		Command:   []string{"uvx", "databricks-mcp-server"},
		TimeoutMS: 200,
	}
}

func TestResolveToolsPrefixesAndCaches(t *testing.T) {
	connects := 0
	sess := &fakeSession{tools: []string{"execute_sql", "list_clusters"}}
	c := newTestClient(serverConfig(), func(ctx context.Context) (session, error) {
		connects++
		return sess, nil
	})

	tools, err := c.ResolveTools(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"mcp__databricks__execute_sql", "mcp__databricks__list_clusters"}, tools)

	// Second call is a cache hit.
	tools2, err := c.ResolveTools(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tools, tools2)
	assert.Equal(t, 1, connects)
}

func TestResolveToolsNoServerConfigured(t *testing.T) {
	c := NewClient(config.ToolServerConfig{}, nil)
	tools, err := c.ResolveTools(context.Background())
	assert.NoError(t, err)
	assert.Empty(t, tools)
}

func TestResolveToolsTimeout(t *testing.T) {
	c := newTestClient(serverConfig(), func(ctx context.Context) (session, error) {
		return &fakeSession{tools: []string{"t"}, listHang: 5 * time.Second}, nil
	})

	_, err := c.ResolveTools(context.Background())
	assert.ErrorIs(t, err, ErrDiscoveryTimeout)
}

func TestResolveToolsRediscoversAfterDeadSubprocess(t *testing.T) {
	connects := 0
	dead := &fakeSession{tools: []string{"old"}, pingErr: errors.New("process exited")}
	fresh := &fakeSession{tools: []string{"new"}}
	c := newTestClient(serverConfig(), func(ctx context.Context) (session, error) {
		connects++
		if connects == 1 {
			return dead, nil
		}
		return fresh, nil
	})

	tools, err := c.ResolveTools(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"mcp__databricks__old"}, tools)

	// Ping failure on the cached session forces re-discovery.
	tools, err = c.ResolveTools(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"mcp__databricks__new"}, tools)
	assert.Equal(t, 2, connects)
	assert.True(t, dead.closed)
}

func TestInvalidateDropsCache(t *testing.T) {
	connects := 0
	c := newTestClient(serverConfig(), func(ctx context.Context) (session, error) {
		connects++
		return &fakeSession{tools: []string{"t"}}, nil
	})

	_, err := c.ResolveTools(context.Background())
	require.NoError(t, err)
	c.Invalidate()
	_, err = c.ResolveTools(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, connects)
}

func TestRenderRuntimeConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := config.ToolServerConfig{
		Name:    "databricks",
		Command: []string{"uvx", "databricks-mcp-server", "--stdio"},
		Env:     map[string]string{"DATABRICKS_HOST": "https://example"},
	}

	path, err := RenderRuntimeConfig(cfg, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "mcp.json"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var parsed map[string]map[string]map[string]any
	require.NoError(t, json.Unmarshal(data, &parsed))
	srv := parsed["mcpServers"]["databricks"]
	assert.Equal(t, "uvx", srv["command"])
}

func TestRenderRuntimeConfigEmpty(t *testing.T) {
	path, err := RenderRuntimeConfig(config.ToolServerConfig{}, t.TempDir())
	assert.NoError(t, err)
	assert.Empty(t, path)
}
