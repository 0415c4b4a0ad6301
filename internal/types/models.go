package types

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// Role is the part an agent plays in a purchase.
type Role string

const (
	RoleBuyer        Role = "buyer"
	RoleSeller       Role = "seller"
	RoleOrchestrator Role = "orchestrator"
)

// ParseRole accepts the canonical role names case-insensitively.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleBuyer, RoleSeller, RoleOrchestrator:
		return r, nil
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrInvalidAgent, s)
}

type AgentStatus string

const (
	StatusConnected    AgentStatus = "connected"
	StatusDisconnected AgentStatus = "disconnected"
)

type AgentRecord struct {
	ID           AgentID        `json:"id"`
	Role         Role           `json:"role"`
	DisplayName  string         `json:"displayName"`
	Capabilities []string       `json:"capabilities"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Status       AgentStatus    `json:"status"`
	LastSeen     time.Time      `json:"lastSeen"`
	RegisteredAt time.Time      `json:"registeredAt"`
}

// Clone returns a copy that shares no mutable state with r.
func (r AgentRecord) Clone() AgentRecord {
	r.Capabilities = slices.Clone(r.Capabilities)
	r.Metadata = maps.Clone(r.Metadata)
	return r
}

// NormalizeCapabilities turns a capability list into a sorted set.
func NormalizeCapabilities(caps []string) []string {
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		c = strings.TrimSpace(c)
		if c != "" {
			out = append(out, c)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// EntryKind tags a conversation entry with the protocol step it records.
type EntryKind string

const (
	KindInfo              EntryKind = "info"
	KindRequest           EntryKind = "request"
	KindPaymentChallenge  EntryKind = "payment_challenge"
	KindPaymentSubmission EntryKind = "payment_submission"
	KindPaymentVerified   EntryKind = "payment_verified"
	KindPaymentFailed     EntryKind = "payment_failed"
	KindServiceDelivered  EntryKind = "service_delivered"
	KindError             EntryKind = "error"
)

// Entry is one immutable line of the shared conversation log.
type Entry struct {
	SequenceID int64          `json:"sequenceId"`
	Timestamp  time.Time      `json:"timestamp"`
	AgentID    AgentID        `json:"agentId"`
	Text       string         `json:"text"`
	Kind       EntryKind      `json:"kind"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Well-known entry attribute keys.
const (
	AttrAttemptID = "attemptId"
	AttrPrice     = "price"
	AttrCurrency  = "currency"
	AttrRecipient = "recipient"
	AttrProof     = "proof"
	AttrAttempt   = "attempt"
	AttrStatus    = "status"
	AttrReason    = "reason"
)

// PaymentChallenge is the seller's demand for payment before service.
type PaymentChallenge struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	PayTo    string  `json:"payTo"`
}

func (c PaymentChallenge) Validate() error {
	if !(c.Amount > 0) {
		return fmt.Errorf("challenge amount must be positive, got %v", c.Amount)
	}
	if c.PayTo == "" {
		return fmt.Errorf("challenge has no recipient")
	}
	return nil
}

func (c PaymentChallenge) String() string {
	return fmt.Sprintf("%g %s to %s", c.Amount, c.Currency, c.PayTo)
}

// GatewayResponse is the outcome of a successful ServiceGateway round trip:
// either the service was delivered or a payment challenge was issued.
type GatewayResponse struct {
	Delivered bool
	Status    string
	Message   string
	Challenge *PaymentChallenge
}

// Verification is a PaymentVerifier verdict on a proof reference.
type Verification string

const (
	VerificationValid   Verification = "valid"
	VerificationPending Verification = "pending"
	VerificationInvalid Verification = "invalid"
)

// Purpose names the moment in the protocol a phrase is generated for.
type Purpose string

const (
	PurposeRequest        Purpose = "request"
	PurposePaymentRequest Purpose = "payment_request"
	PurposePaying         Purpose = "paying"
	PurposeSubmitted      Purpose = "submitted"
	PurposePending        Purpose = "pending"
	PurposeVerified       Purpose = "verified"
	PurposeDelivered      Purpose = "delivered"
	PurposeDeclined       Purpose = "declined"
	PurposeFailed         Purpose = "failed"
)

// Phrase is the context handed to a TextGenerator.
type Phrase struct {
	Purpose   Purpose
	Speaker   string
	Service   string
	Challenge *PaymentChallenge
	Proof     ProofReference
	Attempt   int
	Detail    string
}
