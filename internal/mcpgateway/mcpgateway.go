// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package mcpgateway implements the MCP protocol gateway (spec §4.1): the
// single JSON-RPC 2.0 demultiplexer that exposes PML as an MCP server over
// stdio or HTTP, dispatches `tools/call` to the hybrid execution
// orchestrator, and enforces the maxConcurrent/backpressure concurrency
// model of spec §5. Framing is newline-delimited JSON over stdio, a
// mutex-protected writer, and a method-name switch in handleRequest.
package mcpgateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Casys-AI/casys-pml-sub012/internal/metrics"
	"github.com/Casys-AI/casys-pml-sub012/internal/orchestrator"
)

const protocolVersion = "2024-11-05"

// Strategy selects how the gateway behaves once maxConcurrent in-flight
// tools/call requests are already running (spec §4.1, §5).
type Strategy string

const (
	StrategyQueue  Strategy = "queue"
	StrategyReject Strategy = "reject"
)

// Request is a JSON-RPC 2.0 request or notification (notifications carry no ID).
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response envelope.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Gateway wires the orchestrator, its registered-resource map, and the
// concurrency gate together into an MCP server.
type Gateway struct {
	Orchestrator *orchestrator.Orchestrator

	maxConcurrent int
	strategy      Strategy
	sem           chan struct{}
	queued        int64 // atomic: requests currently waiting for a slot under "queue"

	resMu     sync.RWMutex
	resources map[string]string // ui://<path> -> html

	// writeMu protects stdout against interleaved response writes.
	writeMu sync.Mutex
}

// New builds a Gateway bounded to maxConcurrent in-flight tools/call
// requests, backpressured per strategy.
func New(orch *orchestrator.Orchestrator, maxConcurrent int, strategy Strategy) *Gateway {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Gateway{
		Orchestrator:  orch,
		maxConcurrent: maxConcurrent,
		strategy:      strategy,
		sem:           make(chan struct{}, maxConcurrent),
		resources:     make(map[string]string),
	}
}

// RegisterResource stores html under uri for later resources/read calls.
// Re-registering the same uri is idempotent (spec §8 round-trip property).
func (g *Gateway) RegisterResource(uri, html string) {
	g.resMu.Lock()
	g.resources[uri] = html
	g.resMu.Unlock()
}

func (g *Gateway) readResource(uri string) (string, bool) {
	g.resMu.RLock()
	defer g.resMu.RUnlock()
	html, ok := g.resources[uri]
	return html, ok
}

// ReadResource exposes a registered ui:// resource's HTML, used by the
// HTTP entrypoint's `GET /ui/<path>` route (spec §6).
func (g *Gateway) ReadResource(uri string) (string, bool) {
	return g.readResource(uri)
}

// acquireSlot implements the maxConcurrent/backpressure rule (spec §4.1,
// §5): under "queue" it blocks until a slot frees or ctx is cancelled;
// under "reject" it fails immediately with a backpressure error when the
// gateway is already at maxConcurrent.
func (g *Gateway) acquireSlot(ctx context.Context) (release func(), err error) {
	if g.strategy == StrategyReject {
		select {
		case g.sem <- struct{}{}:
			metrics.InFlightCalls.Set(float64(len(g.sem)))
			return g.release, nil
		default:
			metrics.BackpressureRejections.Inc()
			return nil, fmt.Errorf("backpressure")
		}
	}

	atomic.AddInt64(&g.queued, 1)
	metrics.QueueDepth.Set(float64(atomic.LoadInt64(&g.queued)))
	defer func() {
		atomic.AddInt64(&g.queued, -1)
		metrics.QueueDepth.Set(float64(atomic.LoadInt64(&g.queued)))
	}()

	select {
	case g.sem <- struct{}{}:
		metrics.InFlightCalls.Set(float64(len(g.sem)))
		return g.release, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Gateway) release() {
	<-g.sem
	metrics.InFlightCalls.Set(float64(len(g.sem)))
}

// Dispatch handles one decoded JSON-RPC request and returns its response,
// or nil for notifications (which carry no ID and expect no reply).
func (g *Gateway) Dispatch(ctx context.Context, req Request) *Response {
	switch req.Method {
	case "initialize":
		return g.handleInitialize(req)
	case "notifications/initialized", "notifications/cancelled":
		return nil
	case "tools/list":
		return g.handleToolsList(req)
	case "tools/call":
		return g.handleToolsCall(ctx, req)
	case "resources/read":
		return g.handleResourcesRead(req)
	case "ping":
		return &Response{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{}`)}
	default:
		return errorResponse(req.ID, -32601, "Method not found: "+req.Method)
	}
}

func (g *Gateway) handleInitialize(req Request) *Response {
	result, _ := json.Marshal(map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"tools":     map[string]any{},
			"prompts":   map[string]any{},
			"resources": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    "pml-gateway",
			"version": "1.0.0",
		},
	})
	return &Response{JSONRPC: "2.0", ID: req.ID, Result: result}
}

// toolDescriptor is the static shape tools/list returns per tool.
type toolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

var metaTools = []toolDescriptor{
	{
		Name:        "discover",
		Description: "Search the capability registry and workflow pattern cache for tools matching an intent.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"intent":{"type":"string"}},"required":["intent"]}`),
	},
	{
		Name:        "execute",
		Description: "Run an intent or explicit code through the hybrid cloud/local execution pipeline.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"intent":{"type":"string"},"code":{"type":"string"},"options":{"type":"object"},"accept_suggestion":{"type":"object"},"continue_workflow":{"type":"object"}}}`),
	},
	{
		Name:        "admin",
		Description: "Read-only introspection: admin.stats, admin.list_pending, admin.sweep_now.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"action":{"type":"string"}},"required":["action"]}`),
	},
	{
		Name:        "abort",
		Description: "Invalidate a pending workflow and cancel its sandbox execution if still running.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"workflow_id":{"type":"string"}},"required":["workflow_id"]}`),
	},
	{
		Name:        "replan",
		Description: "Discard a paused workflow's plan and ask the cloud to replan from its stored code.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"workflow_id":{"type":"string"}},"required":["workflow_id"]}`),
	},
}

// handleToolsList never performs cloud or store I/O (spec §4.1): it returns
// only the statically-registered PML meta-tools.
func (g *Gateway) handleToolsList(req Request) *Response {
	result, _ := json.Marshal(map[string]any{"tools": metaTools})
	return &Response{JSONRPC: "2.0", ID: req.ID, Result: result}
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (g *Gateway) handleToolsCall(ctx context.Context, req Request) *Response {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, -32602, "invalid params: "+err.Error())
	}

	release, err := g.acquireSlot(ctx)
	if err != nil {
		if err.Error() == "backpressure" {
			return errorResponse(req.ID, -32000, "backpressure: maxConcurrent tools/call requests already in flight")
		}
		return errorResponse(req.ID, -32000, "backpressure: "+err.Error())
	}
	defer release()

	envelope, meta, err := g.callTool(ctx, params.Name, params.Arguments)
	if err != nil {
		return errorResponse(req.ID, -32603, err.Error())
	}

	content := []map[string]any{{"type": "text", "text": string(envelope)}}
	out := map[string]any{"content": content}
	if meta != nil {
		out["_meta"] = map[string]any{"ui": meta}
	}
	result, _ := json.Marshal(out)
	return &Response{JSONRPC: "2.0", ID: req.ID, Result: result}
}

// execResultEnvelope is the structured JSON string carried inside the
// MCP content array's text field (spec §6 wire-exact examples).
type execResultEnvelope struct {
	Status          string         `json:"status"`
	Result          json.RawMessage `json:"result,omitempty"`
	Message         string         `json:"message,omitempty"`
	WorkflowID      string         `json:"workflow_id,omitempty"`
	ExecutedLocally bool           `json:"executed_locally,omitempty"`
	ApprovalType    string         `json:"approval_type,omitempty"`
	Context         map[string]any `json:"context,omitempty"`
	Options         []string       `json:"options,omitempty"`
}

type uiMeta struct {
	ResourceURI string         `json:"resourceUri"`
	HTML        string         `json:"html,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

// callTool dispatches one tools/call by name to its meta-tool handler.
// Names outside the registered set are forwarded to the cloud as a fresh
// `execute` intent whose text is the raw tool name; the call's arguments
// are not forwarded.
func (g *Gateway) callTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, *uiMeta, error) {
	switch name {
	case "execute":
		return g.callExecute(ctx, args)
	case "discover":
		return g.callDiscover(ctx, args)
	case "admin":
		return g.callAdmin(args)
	case "abort":
		return g.callAbort(args)
	case "replan":
		return g.callReplan(ctx, args)
	default:
		return g.callExecute(ctx, json.RawMessage(fmt.Sprintf(`{"intent":%q}`, name)))
	}
}

type executeInput struct {
	Intent  string `json:"intent,omitempty"`
	Code    string `json:"code,omitempty"`
	Options *struct {
		Timeout            *int  `json:"timeout,omitempty"`
		PerLayerValidation *bool `json:"per_layer_validation,omitempty"`
	} `json:"options,omitempty"`
	AcceptSuggestion *struct {
		CallName string          `json:"callName"`
		Args     json.RawMessage `json:"args"`
	} `json:"accept_suggestion,omitempty"`
	ContinueWorkflow *struct {
		WorkflowID string `json:"workflow_id"`
		Approved   bool   `json:"approved"`
	} `json:"continue_workflow,omitempty"`
}

func (g *Gateway) callExecute(ctx context.Context, args json.RawMessage) (json.RawMessage, *uiMeta, error) {
	var in executeInput
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, nil, fmt.Errorf("decode execute arguments: %w", err)
		}
	}

	req := orchestrator.Request{Intent: in.Intent, Code: in.Code}
	if in.AcceptSuggestion != nil {
		req.AcceptSuggestion = true
	}
	if in.ContinueWorkflow != nil {
		req.ContinueWorkflow = in.ContinueWorkflow.WorkflowID
		req.ApprovalGranted = in.ContinueWorkflow.Approved
	}

	outcome, err := g.Orchestrator.Execute(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	return g.envelopeFor(outcome)
}

func (g *Gateway) envelopeFor(outcome orchestrator.Outcome) (json.RawMessage, *uiMeta, error) {
	env := execResultEnvelope{
		Status:          string(outcome.Status),
		Result:          outcome.Result,
		Message:         outcome.Message,
		WorkflowID:      outcome.WorkflowID,
		ExecutedLocally: outcome.WorkflowID != "" && outcome.Status == orchestrator.StatusSuccess,
	}
	if outcome.Approval != nil {
		env.ApprovalType = string(outcome.Approval.Kind)
		env.Context = map[string]any{"detail": outcome.Approval.Detail}
		env.Options = []string{"continue", "abort"}
	}

	var meta *uiMeta
	if outcome.UI != nil {
		if outcome.UI.HTML != "" {
			g.RegisterResource(outcome.UI.ResourceURI, outcome.UI.HTML)
		}
		meta = &uiMeta{ResourceURI: outcome.UI.ResourceURI, Context: outcome.UI.Context}
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal result envelope: %w", err)
	}
	return raw, meta, nil
}

// callDiscover forwards an intent straight to the cloud's semantic search
// (capability persistence and the embedding index are cloud-owned, per
// spec §3's ownership split) and reshapes its response the same way a
// plain `execute` call would.
func (g *Gateway) callDiscover(ctx context.Context, args json.RawMessage) (json.RawMessage, *uiMeta, error) {
	var in struct {
		Intent string `json:"intent"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, nil, fmt.Errorf("decode discover arguments: %w", err)
	}
	outcome, err := g.Orchestrator.Execute(ctx, orchestrator.Request{Intent: in.Intent})
	if err != nil {
		return nil, nil, err
	}
	return g.envelopeFor(outcome)
}

func (g *Gateway) callAdmin(args json.RawMessage) (json.RawMessage, *uiMeta, error) {
	var in struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, nil, fmt.Errorf("decode admin arguments: %w", err)
	}

	switch in.Action {
	case "admin.stats", "stats":
		stats := map[string]any{
			"suggestion_threshold": g.Orchestrator.Threshold.SuggestionThreshold(),
			"explicit_threshold":   g.Orchestrator.Threshold.ExplicitThreshold(),
			"pending_workflows":    g.Orchestrator.Pending.Len(),
		}
		raw, _ := json.Marshal(map[string]any{"status": "success", "result": stats})
		return raw, nil, nil

	case "admin.list_pending", "list_pending":
		now := time.Now()
		entries := g.Orchestrator.Pending.List()
		items := make([]map[string]any, 0, len(entries))
		for _, e := range entries {
			items = append(items, map[string]any{
				"workflow_id": e.WorkflowID,
				"reason":      e.Reason,
				"age_ms":      now.Sub(e.CreatedAt).Milliseconds(),
			})
		}
		raw, _ := json.Marshal(map[string]any{"status": "success", "result": items})
		return raw, nil, nil

	case "admin.sweep_now", "sweep_now":
		g.Orchestrator.Pending.Sweep()
		raw, _ := json.Marshal(map[string]any{"status": "success", "result": map[string]any{"remaining": g.Orchestrator.Pending.Len()}})
		return raw, nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown admin action %q", in.Action)
	}
}

func (g *Gateway) callAbort(args json.RawMessage) (json.RawMessage, *uiMeta, error) {
	var in struct {
		WorkflowID string `json:"workflow_id"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, nil, fmt.Errorf("decode abort arguments: %w", err)
	}
	g.Orchestrator.Pending.Abort(in.WorkflowID)
	cancelled := g.Orchestrator.CancelWorkflow(in.WorkflowID)
	raw, _ := json.Marshal(map[string]any{
		"status": "aborted",
		"result": map[string]any{"workflow_id": in.WorkflowID, "sandbox_cancelled": cancelled},
	})
	return raw, nil, nil
}

// callReplan supersedes a paused workflow with a fresh plan: the old
// pending entry is deleted before forwarding, so a replan never leaves two
// entries racing for the same workflow id.
func (g *Gateway) callReplan(ctx context.Context, args json.RawMessage) (json.RawMessage, *uiMeta, error) {
	var in struct {
		WorkflowID string `json:"workflow_id"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, nil, fmt.Errorf("decode replan arguments: %w", err)
	}
	entry, err := g.Orchestrator.Pending.Get(in.WorkflowID)
	if err != nil {
		return nil, nil, err
	}
	g.Orchestrator.Pending.Abort(in.WorkflowID)

	outcome, err := g.Orchestrator.Execute(ctx, orchestrator.Request{Code: entry.Code, ReplanOf: in.WorkflowID})
	if err != nil {
		return nil, nil, err
	}
	return g.envelopeFor(outcome)
}

func (g *Gateway) handleResourcesRead(req Request) *Response {
	var params struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, -32602, "invalid params: "+err.Error())
	}
	html, ok := g.readResource(params.URI)
	if !ok {
		return errorResponse(req.ID, -32602, "unknown resource: "+params.URI)
	}
	result, _ := json.Marshal(map[string]any{
		"contents": []map[string]any{
			{"uri": params.URI, "mimeType": "text/html", "text": html},
		},
	})
	return &Response{JSONRPC: "2.0", ID: req.ID, Result: result}
}

func errorResponse(id any, code int, message string) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}}
}

// ServeStdio runs the gateway's stdio transport: newline-delimited JSON-RPC
// requests in, responses out, one per line, using a bufio.Scanner with an
// enlarged buffer to tolerate long tool-call payloads.
func (g *Gateway) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			g.writeStdio(w, errorResponse(nil, -32700, "Parse error: "+err.Error()))
			continue
		}

		resp := g.Dispatch(ctx, req)
		if resp != nil {
			g.writeStdio(w, resp)
		}
	}
	return scanner.Err()
}

func (g *Gateway) writeStdio(w io.Writer, resp *Response) {
	line, err := json.Marshal(resp)
	if err != nil {
		return
	}
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	w.Write(line)
	w.Write([]byte("\n"))
}

// HTTPHandler exposes the same JSON-RPC dispatch over a single POST
// endpoint for HTTP-mode hosts that don't speak stdio framing.
func (g *Gateway) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 10*1024*1024))
		if err != nil {
			http.Error(w, "read error", http.StatusBadRequest)
			return
		}
		var req Request
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSON(w, errorResponse(nil, -32700, "Parse error: "+err.Error()))
			return
		}
		resp := g.Dispatch(r.Context(), req)
		if resp == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, resp)
	})
}

func writeJSON(w http.ResponseWriter, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
