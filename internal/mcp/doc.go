// Package mcp exposes loop governance over the Model Context Protocol.
//
// This implementation uses the MCP SDK (github.com/modelcontextprotocol/go-sdk/mcp)
// and registers two read-only tools backed by an observer:
//
//   - loop_health: evaluate the long-term log and return nominal or alert
//   - loop_policy: show the thresholds in force
//
// The server speaks stdio by default; RunTransport accepts any SDK transport.
package mcp
