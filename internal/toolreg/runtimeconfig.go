package toolreg

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/workdeck-ai/workdeck/internal/config"
)

// runtimeMCPConfig is the config file format the agent runtime reads
// to reach MCP servers.
type runtimeMCPConfig struct {
	MCPServers map[string]runtimeMCPServer `json:"mcpServers"`
}

type runtimeMCPServer struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// RenderRuntimeConfig writes an MCP config file for the agent runtime
// pointing at the same tool server this registry discovers from, and
// returns its path. Returns "" when no tool server is configured.
func RenderRuntimeConfig(cfg config.ToolServerConfig, dataDir string) (string, error) {
	if len(cfg.Command) == 0 {
		return "", nil
	}

	out := runtimeMCPConfig{
		MCPServers: map[string]runtimeMCPServer{
			cfg.Name: {
				Command: cfg.Command[0],
				Args:    cfg.Command[1:],
				Env:     cfg.Env,
			},
		},
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", err
	}

	path := filepath.Join(dataDir, "mcp.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write mcp config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename mcp config: %w", err)
	}
	return path, nil
}
