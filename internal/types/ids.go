package types

import (
	"github.com/google/uuid"
)

type AgentID string
type AttemptID string
type ProofReference string

// Reserved agent ids that may author conversation entries without being
// registered.
const (
	HostAgentID   AgentID = "host"
	SystemAgentID AgentID = "system"
)

func NewAgentID() AgentID {
	return AgentID(uuid.New().String())
}

func NewAttemptID() AttemptID {
	return AttemptID(uuid.New().String())
}

// IsReserved reports whether id is one of the reserved author ids.
func (id AgentID) IsReserved() bool {
	return id == HostAgentID || id == SystemAgentID
}
