// Package capability implements the governance kernel's Capability Registry
// & Router: it aggregates tools from installed extensions and running MCP
// servers behind one ToolDescriptor shape, and dispatches invoke_tool calls
// to the right sub-executor.
package capability

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// MCPServerSpec describes one MCP server process the supervisor should keep
// running, as loaded from mcp_servers.yaml.
type MCPServerSpec struct {
	Name        string            `yaml:"name"`
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	AutoRestart bool              `yaml:"auto_restart"`
}

type mcpServersFile struct {
	Servers []MCPServerSpec `yaml:"servers"`
}

// LoadMCPServers parses a mcp_servers.yaml file into a slice of specs.
func LoadMCPServers(path string) ([]MCPServerSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mcp servers file: %w", err)
	}
	var f mcpServersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse mcp servers file: %w", err)
	}
	for i, sp := range f.Servers {
		if sp.Name == "" {
			return nil, fmt.Errorf("mcp server entry %d: name must not be empty", i)
		}
		if sp.Command == "" {
			return nil, fmt.Errorf("mcp server %q: command must not be empty", sp.Name)
		}
	}
	return f.Servers, nil
}
