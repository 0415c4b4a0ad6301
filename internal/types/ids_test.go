package types

import (
	"testing"
)

func TestNewAttemptID(t *testing.T) {
	id := NewAttemptID()
	if id == "" {
		t.Error("expected non-empty AttemptID")
	}
	if len(string(id)) != 36 {
		t.Errorf("expected UUID format, got %s", id)
	}
}

func TestReservedAgentIDs(t *testing.T) {
	if !HostAgentID.IsReserved() || !SystemAgentID.IsReserved() {
		t.Error("expected host and system to be reserved")
	}
	if AgentID("fridge_001").IsReserved() {
		t.Error("fridge_001 should not be reserved")
	}
}
