package mcpgateway

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/Casys-AI/casys-pml-sub012/internal/capability"
	"github.com/Casys-AI/casys-pml-sub012/internal/orchestrator"
	"github.com/Casys-AI/casys-pml-sub012/internal/pending"
	"github.com/Casys-AI/casys-pml-sub012/internal/sandboxexec"
	"github.com/Casys-AI/casys-pml-sub012/internal/store"
	"github.com/Casys-AI/casys-pml-sub012/internal/threshold"
)

type stubCloud struct {
	resp orchestrator.CloudResponse
	err  error
}

func (s *stubCloud) Forward(ctx context.Context, req orchestrator.Request) (orchestrator.CloudResponse, error) {
	return s.resp, s.err
}

type stubRouter struct{}

func (stubRouter) RouteToolCall(ctx context.Context, sessionID string, call sandboxexec.ToolCall, toolsUsed []orchestrator.ToolUse) (json.RawMessage, *orchestrator.UIMeta, *orchestrator.ApprovalRequest, error) {
	return json.RawMessage(`"ok"`), nil, nil, nil
}

func newTestGateway(cloud orchestrator.CloudClient) *Gateway {
	orch := orchestrator.New(cloud, &sandboxexec.MockExecutor{}, stubRouter{}, pending.New(time.Minute),
		capability.New(store.NewMemStore()), threshold.New(50, 0.40, 0.90, 0.90), nil)
	return New(orch, 2, StrategyQueue)
}

func TestInitializeReturnsProtocolVersion(t *testing.T) {
	g := newTestGateway(&stubCloud{})
	resp := g.Dispatch(context.Background(), Request{JSONRPC: "2.0", ID: 1, Method: "initialize"})
	if resp == nil || resp.Error != nil {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if !strings.Contains(string(resp.Result), "2024-11-05") {
		t.Errorf("expected protocol version in result, got %s", resp.Result)
	}
}

func TestToolsListReturnsMetaToolsWithoutCloudCall(t *testing.T) {
	cloud := &stubCloud{err: context.Canceled} // would fail if ever called
	g := newTestGateway(cloud)
	resp := g.Dispatch(context.Background(), Request{JSONRPC: "2.0", ID: 2, Method: "tools/list"})
	if resp == nil || resp.Error != nil {
		t.Fatalf("unexpected response: %+v", resp)
	}
	var out struct {
		Tools []toolDescriptor `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Tools) != 5 {
		t.Fatalf("expected 5 meta-tools, got %d", len(out.Tools))
	}
}

func TestToolsCallExecuteReturnsCloudSuccess(t *testing.T) {
	cloud := &stubCloud{resp: orchestrator.CloudResponse{Status: orchestrator.StatusSuccess, Result: json.RawMessage(`["a","b"]`)}}
	g := newTestGateway(cloud)

	params, _ := json.Marshal(toolCallParams{Name: "execute", Arguments: json.RawMessage(`{"intent":"show tools"}`)})
	resp := g.Dispatch(context.Background(), Request{JSONRPC: "2.0", ID: 3, Method: "tools/call", Params: params})
	if resp == nil || resp.Error != nil {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if !strings.Contains(string(resp.Result), `\"status\":\"success\"`) {
		t.Errorf("expected embedded success envelope, got %s", resp.Result)
	}
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	g := newTestGateway(&stubCloud{})
	resp := g.Dispatch(context.Background(), Request{JSONRPC: "2.0", ID: 4, Method: "bogus/method"})
	if resp == nil || resp.Error == nil || resp.Error.Code != -32601 {
		t.Fatalf("expected -32601, got %+v", resp)
	}
}

func TestBackpressureRejectStrategyReturnsBackpressureError(t *testing.T) {
	orch := orchestrator.New(&stubCloud{resp: orchestrator.CloudResponse{Status: orchestrator.StatusSuccess}}, &sandboxexec.MockExecutor{},
		stubRouter{}, pending.New(time.Minute), capability.New(store.NewMemStore()), threshold.New(50, 0.40, 0.90, 0.90), nil)
	g := New(orch, 1, StrategyReject)

	release, err := g.acquireSlot(context.Background())
	if err != nil {
		t.Fatalf("unexpected error acquiring first slot: %v", err)
	}
	defer release()

	params, _ := json.Marshal(toolCallParams{Name: "execute", Arguments: json.RawMessage(`{}`)})
	resp := g.Dispatch(context.Background(), Request{JSONRPC: "2.0", ID: 5, Method: "tools/call", Params: params})
	if resp == nil || resp.Error == nil || resp.Error.Code != -32000 {
		t.Fatalf("expected -32000 backpressure error, got %+v", resp)
	}
}

func TestAdminListPending(t *testing.T) {
	g := newTestGateway(&stubCloud{})
	g.Orchestrator.Pending.Put(pending.Entry{WorkflowID: "wf-1", Reason: "tool_permission"})

	params, _ := json.Marshal(toolCallParams{Name: "admin", Arguments: json.RawMessage(`{"action":"admin.list_pending"}`)})
	resp := g.Dispatch(context.Background(), Request{JSONRPC: "2.0", ID: 6, Method: "tools/call", Params: params})
	if resp == nil || resp.Error != nil {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if !strings.Contains(string(resp.Result), "wf-1") {
		t.Errorf("expected wf-1 in admin list_pending output, got %s", resp.Result)
	}
}

func TestAbortRemovesPendingEntry(t *testing.T) {
	g := newTestGateway(&stubCloud{})
	g.Orchestrator.Pending.Put(pending.Entry{WorkflowID: "wf-2"})

	params, _ := json.Marshal(toolCallParams{Name: "abort", Arguments: json.RawMessage(`{"workflow_id":"wf-2"}`)})
	resp := g.Dispatch(context.Background(), Request{JSONRPC: "2.0", ID: 7, Method: "tools/call", Params: params})
	if resp == nil || resp.Error != nil {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if _, err := g.Orchestrator.Pending.Get("wf-2"); err == nil {
		t.Error("expected wf-2 to be gone after abort")
	}
}

func TestResourcesReadRoundTripsRegisteredResource(t *testing.T) {
	g := newTestGateway(&stubCloud{})
	g.RegisterResource("ui://composite/abc", "<html>hi</html>")

	params, _ := json.Marshal(map[string]string{"uri": "ui://composite/abc"})
	resp := g.Dispatch(context.Background(), Request{JSONRPC: "2.0", ID: 8, Method: "resources/read", Params: params})
	if resp == nil || resp.Error != nil {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if !strings.Contains(string(resp.Result), "hi") {
		t.Errorf("expected registered html in result, got %s", resp.Result)
	}
}

func TestResourcesReadUnknownURIErrors(t *testing.T) {
	g := newTestGateway(&stubCloud{})
	params, _ := json.Marshal(map[string]string{"uri": "ui://nope"})
	resp := g.Dispatch(context.Background(), Request{JSONRPC: "2.0", ID: 9, Method: "resources/read", Params: params})
	if resp == nil || resp.Error == nil {
		t.Fatalf("expected error for unknown resource, got %+v", resp)
	}
}

func TestNotificationReturnsNilResponse(t *testing.T) {
	g := newTestGateway(&stubCloud{})
	resp := g.Dispatch(context.Background(), Request{JSONRPC: "2.0", Method: "notifications/initialized"})
	if resp != nil {
		t.Errorf("expected nil response for notification, got %+v", resp)
	}
}
