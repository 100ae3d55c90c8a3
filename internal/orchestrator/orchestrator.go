// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package orchestrator implements the hybrid execution orchestrator (spec
// §4.3): the `execute` meta-tool's state machine across RECEIVED,
// FORWARD_CLOUD, LOCAL_RUN, HIL_PAUSE, RESUME and DONE. Per-workflow
// serialization uses a per-workflow mutex idiom, keyed here by workflowId
// instead of sessionId.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/Casys-AI/casys-pml-sub012/internal/capability"
	"github.com/Casys-AI/casys-pml-sub012/internal/compositeui"
	"github.com/Casys-AI/casys-pml-sub012/internal/escalation"
	"github.com/Casys-AI/casys-pml-sub012/internal/eventstream"
	"github.com/Casys-AI/casys-pml-sub012/internal/gatewaylog"
	"github.com/Casys-AI/casys-pml-sub012/internal/pending"
	"github.com/Casys-AI/casys-pml-sub012/internal/perr"
	"github.com/Casys-AI/casys-pml-sub012/internal/sandboxexec"
	"github.com/Casys-AI/casys-pml-sub012/internal/threshold"
)

// ApprovalKind enumerates the HIL checkpoints a sandbox execution can pause at.
type ApprovalKind string

const (
	ApprovalToolPermission ApprovalKind = "tool_permission"
	ApprovalAPIKeyRequired ApprovalKind = "api_key_required"
	ApprovalOAuthConnect   ApprovalKind = "oauth_connect"
	ApprovalIntegrity      ApprovalKind = "integrity"
	ApprovalDependency     ApprovalKind = "dependency"
)

// Request is the `execute` meta-tool's input (spec §4.3 and §6).
type Request struct {
	Intent           string
	Code             string
	AcceptSuggestion bool
	ContinueWorkflow string // workflowId to resume, empty means a fresh call
	ApprovalGranted  bool   // only meaningful when ContinueWorkflow is set
	SessionID        string
	ReplanOf         string // workflowId being replanned; empty for a fresh call
}

// Status is the outcome kind returned to the MCP caller.
type Status string

const (
	StatusSuccess          Status = "success"
	StatusError            Status = "error"
	StatusApprovalRequired Status = "approval_required"
	StatusSuggestion       Status = "suggestion"
	StatusAborted          Status = "aborted"

	// statusExecuteLocally is internal only and never leaves the orchestrator.
	statusExecuteLocally Status = "execute_locally"
)

// Outcome is what Execute returns to the gateway's tools/call handler.
type Outcome struct {
	Status     Status
	WorkflowID string
	Result     json.RawMessage
	Message    string
	Approval   *ApprovalRequest
	UI         *UIMeta
}

// ApprovalRequest describes a pending HIL checkpoint for the host to render.
type ApprovalRequest struct {
	Kind   ApprovalKind
	Detail string
}

// UIMeta is the `_meta.ui` envelope attached to a tools/call response.
type UIMeta struct {
	ResourceURI string
	HTML        string
	Context     map[string]any
}

// CloudResponse is what the remote planner returns for a FORWARD_CLOUD call.
type CloudResponse struct {
	Status       Status // success | error | suggestion | execute_locally
	Result       json.RawMessage
	Message      string
	ExecuteLocal *LocalRunEnvelope
}

// LocalRunEnvelope is the cloud's execute_locally payload (spec §4.3 LOCAL_RUN).
type LocalRunEnvelope struct {
	Code             string
	ClientTools      []string
	ToolsUsed        []ToolUse
	WorkflowID       string
	DAGTasks         []DAGTask
	UIOrchestration  *compositeui.Orchestration
}

// ToolUse pairs a tool id referenced from generated code with its FQDN.
type ToolUse struct {
	ToolID string
	FQDN   string
}

// DAGTask is one node of the cloud-provided task DAG.
type DAGTask struct {
	ID         string
	LayerIndex int
}

// CloudClient forwards intents/code to the remote planning service.
type CloudClient interface {
	Forward(ctx context.Context, req Request) (CloudResponse, error)
}

// ToolRouter dispatches a single tool call by its declared routing
// (client vs. server, spec §9 routing resolver) and returns its raw result
// plus any `_meta.ui` it carried.
type ToolRouter interface {
	RouteToolCall(ctx context.Context, sessionID string, call sandboxexec.ToolCall, toolsUsed []ToolUse) (result json.RawMessage, ui *UIMeta, checkpoint *ApprovalRequest, err error)
}

// Orchestrator wires together the pending store, sandbox executor,
// capability registry, threshold controller, composite UI generator and
// event stream to implement Execute.
type Orchestrator struct {
	Cloud      CloudClient
	Sandbox    sandboxexec.Executor
	Router     ToolRouter
	Pending    *pending.Store
	Capability *capability.Registry
	Threshold  *threshold.Controller
	Events     *eventstream.Hub

	workflowLocksMu sync.Mutex
	workflowLocks   map[string]*sync.Mutex

	activeMu      sync.Mutex
	activeCancels map[string]context.CancelFunc
}

// New builds an Orchestrator from its collaborators.
func New(cloud CloudClient, sandbox sandboxexec.Executor, router ToolRouter, pendingStore *pending.Store, cap *capability.Registry, ctrl *threshold.Controller, events *eventstream.Hub) *Orchestrator {
	return &Orchestrator{
		Cloud:         cloud,
		Sandbox:       sandbox,
		Router:        router,
		Pending:       pendingStore,
		Capability:    cap,
		Threshold:     ctrl,
		Events:        events,
		workflowLocks: make(map[string]*sync.Mutex),
		activeCancels: make(map[string]context.CancelFunc),
	}
}

// CancelWorkflow cancels a currently-running sandbox execution for
// workflowID, used by the `abort` meta-tool (spec §5 "Host-initiated abort
// ... if the sandbox is still running, kills it"). Reports whether a
// running execution was found to cancel.
func (o *Orchestrator) CancelWorkflow(workflowID string) bool {
	o.activeMu.Lock()
	cancel, ok := o.activeCancels[workflowID]
	o.activeMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (o *Orchestrator) lockFor(workflowID string) *sync.Mutex {
	o.workflowLocksMu.Lock()
	defer o.workflowLocksMu.Unlock()
	l, ok := o.workflowLocks[workflowID]
	if !ok {
		l = &sync.Mutex{}
		o.workflowLocks[workflowID] = l
	}
	return l
}

// Execute runs the `execute` meta-tool's state machine (spec §4.3). Calls
// sharing a workflowId are strictly serialized; calls across workflows run
// concurrently.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (Outcome, error) {
	if req.ContinueWorkflow != "" {
		lock := o.lockFor(req.ContinueWorkflow)
		lock.Lock()
		defer lock.Unlock()
		return o.resume(ctx, req)
	}
	return o.forwardToCloud(ctx, req)
}

// forwardToCloud implements RECEIVED -> FORWARD_CLOUD -> {DONE | LOCAL_RUN}.
func (o *Orchestrator) forwardToCloud(ctx context.Context, req Request) (Outcome, error) {
	resp, err := o.Cloud.Forward(ctx, req)
	if err != nil {
		return Outcome{}, perr.Wrap(perr.KindRuntime, "cloud forward failed", err)
	}

	switch resp.Status {
	case StatusSuccess, StatusError, StatusSuggestion:
		return Outcome{Status: resp.Status, Result: resp.Result, Message: resp.Message}, nil

	case statusExecuteLocally:
		if resp.ExecuteLocal == nil {
			return Outcome{}, perr.New(perr.KindProtocol, "cloud signaled execute_locally without an envelope")
		}
		lock := o.lockFor(resp.ExecuteLocal.WorkflowID)
		lock.Lock()
		defer lock.Unlock()
		return o.localRun(ctx, req, *resp.ExecuteLocal)

	default:
		return Outcome{}, perr.New(perr.KindProtocol, "unrecognized cloud response status: "+string(resp.Status))
	}
}

// localRunResult captures what a sandbox execution produced once its tool
// calls have been routed and any checkpoint detected.
type localRunResult struct {
	uis        []compositeui.Resource
	checkpoint *ApprovalRequest
}

// localRun implements LOCAL_RUN: invoke the sandbox with a tool-call
// bridge that routes by declared routing and watches for HIL checkpoints.
func (o *Orchestrator) localRun(ctx context.Context, req Request, env LocalRunEnvelope) (Outcome, error) {
	log := gatewaylog.ForWorkflow(env.WorkflowID)
	log.Info().Msg("starting local sandbox run")

	runCtx, cancel := context.WithCancel(ctx)
	o.activeMu.Lock()
	o.activeCancels[env.WorkflowID] = cancel
	o.activeMu.Unlock()
	defer func() {
		cancel()
		o.activeMu.Lock()
		delete(o.activeCancels, env.WorkflowID)
		o.activeMu.Unlock()
	}()

	run := &localRunResult{}
	caller := &routedCaller{
		ctx:       runCtx,
		router:    o.Router,
		sessionID: req.SessionID,
		toolsUsed: env.ToolsUsed,
		run:       run,
	}

	res, err := o.Sandbox.Run(runCtx, sandboxexec.Spec{Code: env.Code, WorkflowID: env.WorkflowID}, caller)

	if run.checkpoint != nil {
		o.Pending.Put(pending.Entry{
			WorkflowID: env.WorkflowID,
			Code:       env.Code,
			Reason:     string(run.checkpoint.Kind),
		})
		o.broadcast(env.WorkflowID, "approval_required", run.checkpoint)
		return Outcome{
			Status:     StatusApprovalRequired,
			WorkflowID: env.WorkflowID,
			Approval:   run.checkpoint,
		}, nil
	}

	if err != nil {
		o.recordOutcome(req, false)
		return Outcome{Status: StatusError, WorkflowID: env.WorkflowID, Message: err.Error()}, nil
	}

	o.recordOutcome(req, true)
	ui := resolveUIMeta(run.uis, env.UIOrchestration)
	o.broadcast(env.WorkflowID, "execution_complete", map[string]any{"workflowId": env.WorkflowID})
	return Outcome{Status: StatusSuccess, WorkflowID: env.WorkflowID, Result: res.Output, UI: ui}, nil
}

// resume implements RESUME: look up the pending entry, apply the
// kind-specific pre-action, then re-invoke the sandbox with the stored code.
func (o *Orchestrator) resume(ctx context.Context, req Request) (Outcome, error) {
	entry, err := o.Pending.Resolve(req.ContinueWorkflow)
	if err != nil {
		return Outcome{Status: StatusError, Message: "unknown workflow"}, nil
	}

	if !req.ApprovalGranted {
		return Outcome{Status: StatusAborted, WorkflowID: req.ContinueWorkflow}, nil
	}

	applyPreAction(ApprovalKind(entry.Reason))

	return o.localRun(ctx, req, LocalRunEnvelope{
		Code:       entry.Code,
		WorkflowID: req.ContinueWorkflow,
	})
}

// applyPreAction performs the kind-specific step spec §4.3's RESUME table
// requires before the sandbox is re-invoked. tool_permission and integrity
// approvals are recorded by the caller (the session/capability layer) before
// Execute is invoked with ApprovalGranted=true; the remaining kinds only
// need a log line here since their side effects (env file writes, installer
// runs) already happened out of band.
func applyPreAction(kind ApprovalKind) {
	switch kind {
	case ApprovalAPIKeyRequired, ApprovalOAuthConnect:
		gatewaylog.Logger.Debug().Str("approval_kind", string(kind)).Msg("re-reading workspace env file before resume")
	case ApprovalDependency:
		gatewaylog.Logger.Debug().Msg("proceeding after dependency installer")
	}
}

func (o *Orchestrator) recordOutcome(req Request, success bool) {
	if o.Threshold == nil {
		return
	}
	mode := threshold.ModeExplicit
	if req.AcceptSuggestion {
		mode = threshold.ModeSuggestion
	}
	o.Threshold.Record(threshold.Record{
		Mode:         mode,
		Success:      success,
		UserAccepted: req.AcceptSuggestion,
		Confidence:   o.Threshold.SuggestionThreshold(),
	})
}

func (o *Orchestrator) broadcast(workflowID, eventType string, data any) {
	if o.Events == nil {
		return
	}
	o.Events.Broadcast(eventstream.Event{Type: eventType, Data: data})
}

// resolveUIMeta implements spec §4.3's UI-collection rule: zero UIs yields
// nil, exactly one passes through, two or more are composed.
func resolveUIMeta(uis []compositeui.Resource, orchestration *compositeui.Orchestration) *UIMeta {
	switch len(uis) {
	case 0:
		return nil
	case 1:
		return &UIMeta{ResourceURI: uis[0].ResourceURI, Context: uis[0].Context}
	default:
		orch := compositeui.Orchestration{}
		if orchestration != nil {
			orch = *orchestration
		}
		html := compositeui.Generate(uis, orch)
		return &UIMeta{ResourceURI: "ui://composite/" + uuid.NewString(), HTML: html}
	}
}

// routedCaller adapts ToolRouter to sandboxexec.ToolCaller, accumulating
// any UI resources and detecting permission-denied checkpoints via the
// escalation engine so localRun can suspend instead of propagating the error.
type routedCaller struct {
	ctx       context.Context
	router    ToolRouter
	sessionID string
	toolsUsed []ToolUse
	run       *localRunResult
}

func (c *routedCaller) CallTool(ctx context.Context, call sandboxexec.ToolCall) (json.RawMessage, error) {
	result, ui, checkpoint, err := c.router.RouteToolCall(ctx, c.sessionID, call, c.toolsUsed)
	if ui != nil {
		c.run.uis = append(c.run.uis, compositeui.Resource{
			ToolName:    call.ToolName,
			ResourceURI: ui.ResourceURI,
			Context:     ui.Context,
		})
	}
	if checkpoint != nil {
		c.run.checkpoint = checkpoint
		return nil, fmt.Errorf("suspended for %s approval", checkpoint.Kind)
	}
	if err != nil && perr.KindOf(err) == perr.KindPermission {
		if suggestion, ok := escalation.Suggest(err.Error(), escalation.PermMinimal); ok {
			c.run.checkpoint = &ApprovalRequest{
				Kind:   ApprovalToolPermission,
				Detail: fmt.Sprintf("escalate %s -> %s: %s", suggestion.CurrentSet, suggestion.RequestedSet, suggestion.Reason),
			}
			return nil, fmt.Errorf("suspended for tool_permission approval")
		}
	}
	return result, err
}
