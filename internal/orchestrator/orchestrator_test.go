package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Casys-AI/casys-pml-sub012/internal/capability"
	"github.com/Casys-AI/casys-pml-sub012/internal/pending"
	"github.com/Casys-AI/casys-pml-sub012/internal/sandboxexec"
	"github.com/Casys-AI/casys-pml-sub012/internal/store"
	"github.com/Casys-AI/casys-pml-sub012/internal/threshold"
)

type stubCloud struct {
	resp CloudResponse
	err  error
}

func (s *stubCloud) Forward(ctx context.Context, req Request) (CloudResponse, error) {
	return s.resp, s.err
}

type stubRouter struct {
	result     json.RawMessage
	ui         *UIMeta
	checkpoint *ApprovalRequest
	err        error
}

func (s *stubRouter) RouteToolCall(ctx context.Context, sessionID string, call sandboxexec.ToolCall, toolsUsed []ToolUse) (json.RawMessage, *UIMeta, *ApprovalRequest, error) {
	return s.result, s.ui, s.checkpoint, s.err
}

func newTestOrchestrator(cloud CloudClient, router ToolRouter, sandbox sandboxexec.Executor) *Orchestrator {
	return New(cloud, sandbox, router, pending.New(time.Minute),
		capability.New(store.NewMemStore()), threshold.New(50, 0.40, 0.90, 0.90), nil)
}

func TestExecuteReturnsCloudSuccessDirectly(t *testing.T) {
	cloud := &stubCloud{resp: CloudResponse{Status: StatusSuccess, Result: json.RawMessage(`{"ok":true}`)}}
	sandbox := &sandboxexec.MockExecutor{}
	o := newTestOrchestrator(cloud, &stubRouter{}, sandbox)

	out, err := o.Execute(context.Background(), Request{Intent: "do a thing"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != StatusSuccess {
		t.Errorf("expected success, got %v", out.Status)
	}
}

func TestExecuteLocalRunRoutesToolCalls(t *testing.T) {
	cloud := &stubCloud{
		resp: CloudResponse{
			Status: statusExecuteLocally,
			ExecuteLocal: &LocalRunEnvelope{
				Code:       "call_tool()",
				WorkflowID: "wf-1",
			},
		},
	}
	sandbox := &sandboxexec.MockExecutor{
		Script: func(ctx context.Context, spec sandboxexec.Spec, caller sandboxexec.ToolCaller) (sandboxexec.Result, error) {
			out, err := caller.CallTool(ctx, sandboxexec.ToolCall{ToolName: "send_email"})
			return sandboxexec.Result{Output: out}, err
		},
	}
	router := &stubRouter{result: json.RawMessage(`"sent"`)}
	o := newTestOrchestrator(cloud, router, sandbox)

	out, err := o.Execute(context.Background(), Request{Intent: "send an email"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != StatusSuccess {
		t.Fatalf("expected success, got %v (%v)", out.Status, out.Message)
	}
	if out.WorkflowID != "wf-1" {
		t.Errorf("expected workflowId wf-1, got %q", out.WorkflowID)
	}
}

func TestExecuteSuspendsOnCheckpoint(t *testing.T) {
	cloud := &stubCloud{
		resp: CloudResponse{
			Status: statusExecuteLocally,
			ExecuteLocal: &LocalRunEnvelope{
				Code:       "call_tool()",
				WorkflowID: "wf-2",
			},
		},
	}
	sandbox := &sandboxexec.MockExecutor{
		Script: func(ctx context.Context, spec sandboxexec.Spec, caller sandboxexec.ToolCaller) (sandboxexec.Result, error) {
			_, err := caller.CallTool(ctx, sandboxexec.ToolCall{ToolName: "charge_card"})
			return sandboxexec.Result{}, err
		},
	}
	router := &stubRouter{checkpoint: &ApprovalRequest{Kind: ApprovalAPIKeyRequired, Detail: "need stripe key"}}
	o := newTestOrchestrator(cloud, router, sandbox)

	out, err := o.Execute(context.Background(), Request{Intent: "charge a card"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != StatusApprovalRequired {
		t.Fatalf("expected approval_required, got %v", out.Status)
	}
	if out.Approval == nil || out.Approval.Kind != ApprovalAPIKeyRequired {
		t.Errorf("expected api_key_required approval, got %+v", out.Approval)
	}

	if _, err := o.Pending.Get("wf-2"); err != nil {
		t.Errorf("expected wf-2 to be pending: %v", err)
	}
}

func TestResumeUnknownWorkflowReturnsError(t *testing.T) {
	cloud := &stubCloud{}
	o := newTestOrchestrator(cloud, &stubRouter{}, &sandboxexec.MockExecutor{})

	out, err := o.Execute(context.Background(), Request{ContinueWorkflow: "does-not-exist", ApprovalGranted: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != StatusError || out.Message != "unknown workflow" {
		t.Errorf("expected unknown workflow error, got %+v", out)
	}
}

func TestResumeAbortedWhenApprovalDenied(t *testing.T) {
	cloud := &stubCloud{}
	o := newTestOrchestrator(cloud, &stubRouter{}, &sandboxexec.MockExecutor{})
	o.Pending.Put(pending.Entry{WorkflowID: "wf-3", Reason: string(ApprovalToolPermission)})

	out, err := o.Execute(context.Background(), Request{ContinueWorkflow: "wf-3", ApprovalGranted: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != StatusAborted {
		t.Errorf("expected aborted, got %v", out.Status)
	}
}
