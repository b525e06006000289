// Package mcp connects nakari to external MCP (Model Context Protocol)
// servers and exposes their tools to the agent loop.
//
// Servers are reached over a subprocess (stdio) or streamable HTTP
// using the official go-sdk client. Discovered tools are registered
// in the tool registry under a namespaced name so they sit alongside
// the built-in tools without collisions. nakari only acts as an MCP
// client.
package mcp
