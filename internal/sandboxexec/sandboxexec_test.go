package sandboxexec

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/Casys-AI/casys-pml-sub012/internal/perr"
)

type stubCaller struct {
	calls []string
	out   json.RawMessage
	err   error
}

func (s *stubCaller) CallTool(ctx context.Context, call ToolCall) (json.RawMessage, error) {
	s.calls = append(s.calls, call.ToolName)
	return s.out, s.err
}

func TestMockExecutorReturnsFixedResult(t *testing.T) {
	m := &MockExecutor{FixedResult: Result{Output: json.RawMessage(`{"ok":true}`)}}
	caller := &stubCaller{}

	res, err := m.Run(context.Background(), Spec{Code: "noop"}, caller)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(res.Output) != `{"ok":true}` {
		t.Errorf("unexpected output: %s", res.Output)
	}
}

func TestMockExecutorScriptInvokesCaller(t *testing.T) {
	m := &MockExecutor{
		Script: func(ctx context.Context, spec Spec, caller ToolCaller) (Result, error) {
			out, err := caller.CallTool(ctx, ToolCall{ToolName: "send_email"})
			return Result{Output: out}, err
		},
	}
	caller := &stubCaller{out: json.RawMessage(`"sent"`)}

	res, err := m.Run(context.Background(), Spec{}, caller)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(caller.calls) != 1 || caller.calls[0] != "send_email" {
		t.Errorf("expected CallTool to be invoked with send_email, got %v", caller.calls)
	}
	if string(res.Output) != `"sent"` {
		t.Errorf("unexpected output: %s", res.Output)
	}
}

func TestWorkspacePathJoinsBaseAndWorkflow(t *testing.T) {
	got := WorkspacePath("/workspace", "wf-123")
	want := "/workspace/wf-123"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestSanitizeUsableOnCallerErrorMessages(t *testing.T) {
	// A smoke check that perr.Sanitize is exported and usable the way
	// the subprocess bridge relies on for caller error messages.
	msg := perr.Sanitize("failed to read /home/alice/.ssh/id_rsa")
	if msg == "" {
		t.Error("expected sanitize to return a non-empty message")
	}
}

func TestIsBareExpressionDetectsPureExpressions(t *testing.T) {
	cases := []struct {
		code string
		bare bool
	}{
		{"1 + 1", true},
		{"fetchThing().value", true},
		{"return 1", false},
		{"const x = 1; x", false},
		{"if (true) { 1 } else { 2 }", false},
		{"for (;;) {}", false},
	}
	for _, c := range cases {
		if got := isBareExpression(c.code); got != c.bare {
			t.Errorf("isBareExpression(%q) = %v, want %v", c.code, got, c.bare)
		}
	}
}

func TestWrapCodeRejectsInvalidContextName(t *testing.T) {
	_, err := wrapCode("1", map[string]any{"not-valid": 1})
	if perr.KindOf(err) != perr.KindInvalidContext {
		t.Fatalf("expected KindInvalidContext, got %v (%v)", perr.KindOf(err), err)
	}
}

func TestWrapCodeEmbedsContextAndReplWrapsBareExpressions(t *testing.T) {
	out, err := wrapCode("amount * 2", map[string]any{"amount": 21})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "const amount = 21;") {
		t.Errorf("expected context binding in wrapped source, got:\n%s", out)
	}
	if !strings.Contains(out, "return (amount * 2);") {
		t.Errorf("expected bare expression to be REPL-wrapped, got:\n%s", out)
	}
	if !strings.Contains(out, resultMarker) {
		t.Error("expected result marker to be present in wrapped source")
	}
}

func TestWrapCodeLeavesExplicitReturnUnwrapped(t *testing.T) {
	out, err := wrapCode("return 1 + 1;", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(out, "return (return 1 + 1;);") {
		t.Error("expected explicit-return code not to be double-wrapped")
	}
	if !strings.Contains(out, "return 1 + 1;") {
		t.Errorf("expected user code to appear verbatim, got:\n%s", out)
	}
}

func TestKindForErrorTypeMapsSpecTaxonomy(t *testing.T) {
	cases := map[string]perr.Kind{
		"TimeoutError":    perr.KindTimeout,
		"MemoryError":     perr.KindMemory,
		"PermissionError": perr.KindPermission,
		"SyntaxError":     perr.KindProtocol,
		"ParseError":      perr.KindProtocol,
		"SomethingElse":   perr.KindRuntime,
	}
	for errType, want := range cases {
		if got := kindForErrorType(errType); got != want {
			t.Errorf("kindForErrorType(%q) = %v, want %v", errType, got, want)
		}
	}
}

func TestParseResultEnvelopeSuccess(t *testing.T) {
	res, err := parseResultEnvelope([]byte(`{"success":true,"result":{"ok":true}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(res.Output) != `{"ok":true}` {
		t.Errorf("unexpected output: %s", res.Output)
	}
}

func TestParseResultEnvelopeNormalizesMissingResultToNull(t *testing.T) {
	res, err := parseResultEnvelope([]byte(`{"success":true}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(res.Output) != "null" {
		t.Errorf("expected undefined result normalized to null, got %s", res.Output)
	}
}

func TestParseResultEnvelopeFailureClassifiesErrorKind(t *testing.T) {
	_, err := parseResultEnvelope([]byte(`{"success":false,"error":{"type":"MemoryError","message":"heap exceeded"}}`))
	if perr.KindOf(err) != perr.KindMemory {
		t.Fatalf("expected KindMemory, got %v (%v)", perr.KindOf(err), err)
	}
}

func TestBridgeDispatchesToolCallsAndReturnsOnMarker(t *testing.T) {
	caller := &stubCaller{out: json.RawMessage(`"tool-result"`)}
	toolCall, _ := json.Marshal(map[string]any{
		"type": "rpc_call", "id": "1", "server": "filesystem", "tool": "read_file", "args": json.RawMessage(`{}`),
	})
	envelope, _ := json.Marshal(map[string]any{"success": true, "result": "done"})

	var stdin bytes.Buffer
	stdout := strings.NewReader(string(toolCall) + "\n" + resultMarker + string(envelope) + "\n")

	res, err := bridge(context.Background(), stdout, &nopWriteCloser{&stdin}, caller)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(res.Output) != `"done"` {
		t.Errorf("unexpected output: %s", res.Output)
	}
	if len(caller.calls) != 1 || caller.calls[0] != "filesystem:read_file" {
		t.Errorf("expected dispatch to filesystem:read_file, got %v", caller.calls)
	}
	if !strings.Contains(stdin.String(), `"rpc_result"`) {
		t.Errorf("expected an rpc_result frame written back, got %q", stdin.String())
	}
}

type nopWriteCloser struct {
	*bytes.Buffer
}

func (nopWriteCloser) Close() error { return nil }
