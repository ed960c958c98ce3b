package domain

import "encoding/json"

// MCPServerInfo is the directory's record of an MCP server reachable
// through a named registry.
type MCPServerInfo struct {
	Endpoint         string          `json:"endpoint"`
	Config           json.RawMessage `json:"config,omitempty"`
	RegistryProvider string          `json:"registry_provider"`
}
