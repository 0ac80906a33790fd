package bootstrap

import (
	"os"

	"sync_server/adapter/in/mcp"
	"sync_server/config"
)

// NewTools assembles the stdio tool server. Stdout carries the
// protocol frames, so callers must route all logging to stderr before
// starting it.
func NewTools(cfg *config.Config, deps *Dependencies) *mcp.Server {
	return mcp.NewServer(cfg, deps.Retrieve, deps.Tools, os.Stdin, os.Stdout)
}
