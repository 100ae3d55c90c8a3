// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package routing implements the routing resolver referenced by spec §4.3's
// LOCAL_RUN path: given a tool id and the declared routing carried on its
// capability/tool descriptor, decide whether a call executes against a
// locally-spawned MCP client or is forwarded to the remote cloud.
package routing

import (
	"context"
	"encoding/json"

	"github.com/Casys-AI/casys-pml-sub012/internal/mcpclient"
	"github.com/Casys-AI/casys-pml-sub012/internal/perr"
)

// Target is where a tool call executes.
type Target string

const (
	TargetClient Target = "client"
	TargetServer Target = "server"
)

// Descriptor is the subset of a tool/capability record routing needs.
type Descriptor struct {
	ToolID  string
	Routing Target
}

// ServerCaller forwards a tool call to the remote cloud for server-routed
// tools (e.g. capabilities marked routing=server in spec §3).
type ServerCaller interface {
	CallServerTool(ctx context.Context, toolID string, args json.RawMessage) (json.RawMessage, error)
}

// Resolver holds the live local MCP clients (keyed by server name, parsed
// from the "server:name" tool id convention) and a ServerCaller for
// cloud-routed tools.
type Resolver struct {
	clients map[string]*mcpclient.Client
	server  ServerCaller
}

// New builds a Resolver over the given local MCP clients and server caller.
func New(clients map[string]*mcpclient.Client, server ServerCaller) *Resolver {
	return &Resolver{clients: clients, server: server}
}

// Dispatch routes a single tool call per its descriptor's declared routing.
func (r *Resolver) Dispatch(ctx context.Context, desc Descriptor, args json.RawMessage) (json.RawMessage, error) {
	switch desc.Routing {
	case TargetClient:
		return r.dispatchLocal(ctx, desc.ToolID, args)
	case TargetServer:
		if r.server == nil {
			return nil, perr.New(perr.KindRuntime, "no server caller configured for server-routed tool "+desc.ToolID)
		}
		return r.server.CallServerTool(ctx, desc.ToolID, args)
	default:
		return nil, perr.New(perr.KindProtocol, "unknown routing target for tool "+desc.ToolID)
	}
}

func (r *Resolver) dispatchLocal(ctx context.Context, toolID string, args json.RawMessage) (json.RawMessage, error) {
	serverName, toolName := SplitToolID(toolID)
	client, ok := r.clients[serverName]
	if !ok {
		return nil, perr.Wrap(perr.KindNotFound, "no local mcp client registered for server "+serverName, perr.ErrCapabilityNotFound)
	}
	params, err := json.Marshal(struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}{Name: toolName, Arguments: args})
	if err != nil {
		return nil, perr.Wrap(perr.KindProtocol, "marshal tools/call params", err)
	}
	result, err := client.Call(ctx, "tools/call", params)
	if err != nil {
		return nil, perr.Wrap(perr.KindTransport, "local tool call failed", err)
	}
	return result, nil
}

// SplitToolID splits a "server:name" tool id into its two parts. A tool id
// with no colon is treated as server="" so callers can detect the
// malformed case explicitly.
func SplitToolID(toolID string) (server, name string) {
	for i := 0; i < len(toolID); i++ {
		if toolID[i] == ':' {
			return toolID[:i], toolID[i+1:]
		}
	}
	return "", toolID
}
