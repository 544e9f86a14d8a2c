// Package pmcp implements the Model Context Protocol (MCP), the JSON-RPC 2.0
// based protocol that brokers tool invocation, resource access, prompt
// templates, and model sampling between a host application and capability
// servers. This implementation follows the official specification from
// https://spec.modelcontextprotocol.io/specification/.
//
// The package provides a bidirectional protocol engine with request
// correlation, timeouts, cancellation, and progress reporting; a client and
// a server built on it; and two transports: newline-delimited stdio and
// streamable HTTP with Server-Sent Events, session stickiness, and stream
// resumability.
package pmcp
