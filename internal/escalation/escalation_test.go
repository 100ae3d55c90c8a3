package escalation

import "testing"

func TestSuggestReadEscalatesToReadonly(t *testing.T) {
	s, ok := Suggest("permission denied reading /workspace/data.csv", PermMinimal)
	if !ok {
		t.Fatal("expected a suggestion")
	}
	if s.RequestedSet != PermReadonly {
		t.Errorf("expected readonly, got %v", s.RequestedSet)
	}
	if s.DetectedOperation != OpRead {
		t.Errorf("expected read operation, got %v", s.DetectedOperation)
	}
	if s.Resource != "/workspace/data.csv" {
		t.Errorf("expected captured resource, got %q", s.Resource)
	}
}

func TestSuggestWriteEscalatesToFilesystem(t *testing.T) {
	s, ok := Suggest("permission denied writing /workspace/out.json", PermMinimal)
	if !ok {
		t.Fatal("expected a suggestion")
	}
	if s.RequestedSet != PermFilesystem {
		t.Errorf("expected filesystem, got %v", s.RequestedSet)
	}
}

func TestSuggestNetUsesDirectEdgeFromMinimal(t *testing.T) {
	s, ok := Suggest("permission denied connect https://api.example.com/v1", PermMinimal)
	if !ok {
		t.Fatal("expected a suggestion")
	}
	if s.RequestedSet != PermNetworkAPI {
		t.Errorf("expected network-api, got %v", s.RequestedSet)
	}
	if s.Confidence < 0.9 {
		t.Errorf("expected high confidence for https resource, got %v", s.Confidence)
	}
}

func TestSuggestNeverEscalatesRunOrFFI(t *testing.T) {
	if _, ok := Suggest("permission denied to execute /bin/sh", PermMinimal); ok {
		t.Error("expected run operations to never auto-escalate")
	}
	if _, ok := Suggest("permission denied: ffi call blocked", PermMinimal); ok {
		t.Error("expected ffi operations to never auto-escalate")
	}
}

func TestSuggestReturnsAbsentOnNoMatch(t *testing.T) {
	if _, ok := Suggest("some unrelated sandbox error", PermMinimal); ok {
		t.Error("expected no suggestion for an unrecognized message")
	}
}

func TestResolveTargetUsesDirectEdgeFromReadonlyToMCPStandard(t *testing.T) {
	// readonly has direct edges to filesystem and mcp-standard, and env's
	// minimal set is mcp-standard, so this exercises the direct-edge path.
	s, ok := Suggest("permission denied env MY_SECRET_TOKEN", PermReadonly)
	if !ok {
		t.Fatal("expected a suggestion")
	}
	if s.RequestedSet != PermMCPStandard {
		t.Errorf("expected mcp-standard, got %v", s.RequestedSet)
	}
}

func TestConfidenceCapped(t *testing.T) {
	s, ok := Suggest("permission denied connect https://service.internal:443/path", PermMinimal)
	if !ok {
		t.Fatal("expected a suggestion")
	}
	if s.Confidence > 0.95 {
		t.Errorf("expected confidence capped at 0.95, got %v", s.Confidence)
	}
}
