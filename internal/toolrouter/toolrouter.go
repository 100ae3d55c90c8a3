// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package toolrouter adapts the capability registry and routing resolver
// into orchestrator.ToolRouter: given a sandbox tool call, resolve the
// capability it names, dispatch it by declared routing, record usage
// against the capability record, and translate permission denials into
// the orchestrator's checkpoint shape.
package toolrouter

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/Casys-AI/casys-pml-sub012/internal/capability"
	"github.com/Casys-AI/casys-pml-sub012/internal/orchestrator"
	"github.com/Casys-AI/casys-pml-sub012/internal/perr"
	"github.com/Casys-AI/casys-pml-sub012/internal/routing"
	"github.com/Casys-AI/casys-pml-sub012/internal/sandboxexec"
	"github.com/Casys-AI/casys-pml-sub012/internal/store"
)

// Router implements orchestrator.ToolRouter over a capability registry and
// a routing resolver, scoped to a single org/project (the session's own).
type Router struct {
	Org       string
	Project   string
	Resolver  *routing.Resolver
	Capability *capability.Registry
}

// New builds a Router.
func New(org, project string, resolver *routing.Resolver, cap *capability.Registry) *Router {
	return &Router{Org: org, Project: project, Resolver: resolver, Capability: cap}
}

// RouteToolCall resolves call.ToolName against the capability registry for
// the FQDN recorded in toolsUsed, dispatches it via the routing resolver,
// and records the outcome against the capability's usage counters.
func (r *Router) RouteToolCall(ctx context.Context, sessionID string, call sandboxexec.ToolCall, toolsUsed []orchestrator.ToolUse) (result json.RawMessage, ui *orchestrator.UIMeta, checkpoint *orchestrator.ApprovalRequest, err error) {
	fqdn := fqdnFor(call.ToolName, toolsUsed)

	rec, resolveErr := r.Capability.Resolve(ctx, r.Org, r.Project, displayNameOf(fqdn, call.ToolName))
	routingTarget := routing.TargetClient
	if resolveErr == nil {
		switch rec.Routing {
		case store.RoutingServer:
			routingTarget = routing.TargetServer
		default:
			routingTarget = routing.TargetClient
		}
	}

	started := time.Now()
	raw, dispatchErr := r.Resolver.Dispatch(ctx, routing.Descriptor{ToolID: call.ToolName, Routing: routingTarget}, call.Args)
	if resolveErr == nil {
		_ = r.Capability.RecordUsage(ctx, rec.FQDN(), dispatchErr == nil, time.Since(started))
	}

	if dispatchErr != nil {
		return nil, nil, nil, classifyDispatchErr(dispatchErr)
	}
	return raw, uiMetaFrom(raw), nil, nil
}

// uiMetaFrom extracts the `_meta.ui` object a tool-call result may carry
// (spec §4.3/§4.9 composite-UI collection). Absent, malformed, or non-object
// _meta.ui is treated as "no UI", never an error.
func uiMetaFrom(raw json.RawMessage) *orchestrator.UIMeta {
	var envelope struct {
		Meta struct {
			UI *struct {
				ResourceURI string         `json:"resourceUri"`
				HTML        string         `json:"html"`
				Context     map[string]any `json:"context"`
			} `json:"ui"`
		} `json:"_meta"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Meta.UI == nil {
		return nil
	}
	if envelope.Meta.UI.ResourceURI == "" && envelope.Meta.UI.HTML == "" {
		return nil
	}
	return &orchestrator.UIMeta{
		ResourceURI: envelope.Meta.UI.ResourceURI,
		HTML:        envelope.Meta.UI.HTML,
		Context:     envelope.Meta.UI.Context,
	}
}

// classifyDispatchErr reclassifies a routing.Dispatch failure as
// perr.KindPermission when its message names a permission denial. The MCP
// subprocess protocol carries this as plain error text wrapped inside
// whatever transport-level Kind routing.Dispatch already attached (e.g.
// KindTransport for a failed local call), so routedCaller.CallTool can only
// act on it once the permission signal is pulled out and given priority
// here.
func classifyDispatchErr(err error) error {
	if err == nil {
		return err
	}
	msg := err.Error()
	if strings.Contains(strings.ToLower(msg), "permission denied") || strings.Contains(msg, "PermissionDenied") {
		return perr.Wrap(perr.KindPermission, msg, err)
	}
	return err
}

func fqdnFor(toolName string, toolsUsed []orchestrator.ToolUse) string {
	for _, t := range toolsUsed {
		if t.ToolID == toolName {
			return t.FQDN
		}
	}
	return ""
}

func displayNameOf(fqdn, fallback string) string {
	if fqdn != "" {
		return fqdn
	}
	return fallback
}
